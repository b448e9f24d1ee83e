package chat

import "sync"

// MaxBufferedMessages is how many recent messages are retained per chat for
// replay to joining sessions.
const MaxBufferedMessages = 5

// BufferedMessage is one retained message.
type BufferedMessage struct {
	UserID  string
	Content string
	SentAt  int64 // unix milliseconds
}

// MessageBuffer keeps the last few messages of each chat in gateway memory,
// so a session joining (or rejoining) a room catches up without a database
// read. Durable history stays in the store.
type MessageBuffer struct {
	mu    sync.RWMutex
	rings map[string]*ring // chatID -> ring
}

type ring struct {
	items [MaxBufferedMessages]BufferedMessage
	pos   int
	count int
}

// NewMessageBuffer creates an empty buffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{rings: make(map[string]*ring)}
}

// Add retains a message, overwriting the oldest once the ring is full.
func (b *MessageBuffer) Add(chatID string, msg BufferedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[chatID]
	if !ok {
		r = &ring{}
		b.rings[chatID] = r
	}

	r.items[r.pos] = msg
	r.pos = (r.pos + 1) % MaxBufferedMessages
	if r.count < MaxBufferedMessages {
		r.count++
	}
}

// Get returns the retained messages for a chat, oldest first.
func (b *MessageBuffer) Get(chatID string) []BufferedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.rings[chatID]
	if !ok {
		return nil
	}

	out := make([]BufferedMessage, r.count)
	start := (r.pos - r.count + MaxBufferedMessages) % MaxBufferedMessages
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%MaxBufferedMessages]
	}
	return out
}

// Remove drops a chat's buffer when the chat ends.
func (b *MessageBuffer) Remove(chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, chatID)
}
