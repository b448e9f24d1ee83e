// Package protocol defines the WebSocket event types and payloads exchanged
// between clients and the gateway. Every event is a JSON object with an
// "event" discriminator; payloads are typed structs, never free-form maps.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventConnectionAck    = "connection:ack"
	EventSearchStart      = "search:start"
	EventSearchCancel     = "search:cancel"
	EventSubscribeStats   = "search:subscribe_stats"
	EventUnsubscribeStats = "search:unsubscribe_stats"
	EventChatJoin         = "chat:join"
	EventChatLeave        = "chat:leave"
	EventChatMessage      = "chat:message"
	EventChatTyping       = "chat:typing"
	EventChatRead         = "chat:read"
	EventChatEnd          = "chat:end"
	EventChatRate         = "chat:rate"
	EventContactRequest   = "contact:request"
	EventContactRespond   = "contact:respond"
	EventPing             = "ping"
)

// Server -> Client events.
const (
	EventConnectionRecovered = "connection:recovered"
	EventSearchStatus        = "search:status"
	EventSearchMatched       = "search:matched"
	EventSearchExpired       = "search:expired"
	EventSearchStats         = "search:stats"
	EventChatEnded           = "chat:ended"
	EventChatRated           = "chat:rated"
	EventContactStatus       = "contact:status"
	EventError               = "error"
	EventPong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event discriminator and the raw JSON payload for
// deferred decoding into a concrete struct.
type Envelope struct {
	Event string          `json:"event"`
	Raw   json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "event"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Event == "" {
		return fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	e.Event = partial.Event
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload fragments
// ---------------------------------------------------------------------------

// Location is a WGS84 coordinate pair.
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// SearchCriteria is the filter set a user submits with search:start.
type SearchCriteria struct {
	Gender              string    `json:"gender"`
	Age                 int       `json:"age"`
	Rating              float64   `json:"rating,omitempty"`
	DesiredGender       []string  `json:"desiredGender"`
	DesiredAgeMin       int       `json:"desiredAgeMin"`
	DesiredAgeMax       int       `json:"desiredAgeMax"`
	MinAcceptableRating float64   `json:"minAcceptableRating,omitempty"`
	UseGeolocation      bool      `json:"useGeolocation"`
	Location            *Location `json:"location,omitempty"`
	MaxDistance         float64   `json:"maxDistance,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// ConnectionAckMsg acknowledges the server handshake.
type ConnectionAckMsg struct {
	Event string `json:"event"`
}

// SearchStartMsg enters the user into matchmaking with the given criteria.
type SearchStartMsg struct {
	Event    string         `json:"event"`
	Criteria SearchCriteria `json:"criteria"`
}

// SearchCancelMsg withdraws the user's active search.
type SearchCancelMsg struct {
	Event string `json:"event"`
}

// SubscribeStatsMsg subscribes the session to live search statistics.
type SubscribeStatsMsg struct {
	Event string `json:"event"`
}

// UnsubscribeStatsMsg removes the session from the stats room.
type UnsubscribeStatsMsg struct {
	Event string `json:"event"`
}

// ChatJoinMsg adds the session to a chat room.
type ChatJoinMsg struct {
	Event  string `json:"event"`
	ChatID string `json:"chatId"`
}

// ChatLeaveMsg removes the session from a chat room.
type ChatLeaveMsg struct {
	Event  string `json:"event"`
	ChatID string `json:"chatId"`
}

// ChatMessageMsg sends a text message into a chat.
type ChatMessageMsg struct {
	Event   string `json:"event"`
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// ChatTypingMsg signals that the sender is typing.
type ChatTypingMsg struct {
	Event  string `json:"event"`
	ChatID string `json:"chatId"`
}

// ChatReadMsg marks the partner's messages up to Timestamp as read.
type ChatReadMsg struct {
	Event     string `json:"event"`
	ChatID    string `json:"chatId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// ChatEndMsg ends an active chat.
type ChatEndMsg struct {
	Event  string `json:"event"`
	ChatID string `json:"chatId"`
	Reason string `json:"reason,omitempty"`
}

// ChatRateMsg rates the chat partner after a conversation.
type ChatRateMsg struct {
	Event   string `json:"event"`
	ChatID  string `json:"chatId"`
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

// ContactRequestMsg asks the chat partner to exchange contacts.
type ContactRequestMsg struct {
	Event  string `json:"event"`
	To     string `json:"to"`
	ChatID string `json:"chatId"`
}

// ContactRespondMsg answers a pending contact request.
type ContactRespondMsg struct {
	Event  string `json:"event"`
	UserID string `json:"userId"`
	Status string `json:"status"` // accepted | declined | blocked
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Event string `json:"event"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectionRecoveredMsg confirms that a reconnecting session had its room
// memberships restored.
type ConnectionRecoveredMsg struct {
	Event string   `json:"event"`
	Rooms []string `json:"rooms"`
}

// SearchStatusMsg reports the state of the caller's search record.
type SearchStatusMsg struct {
	Event  string `json:"event"`
	Status string `json:"status"` // searching | matched | cancelled | expired
}

// MatchedUser describes the partner a search was paired with.
type MatchedUser struct {
	TelegramID int64  `json:"telegramId"`
	Gender     string `json:"gender"`
	Age        int    `json:"age"`
	ChatID     string `json:"chatId"`
}

// SearchMatchedMsg notifies a searcher that a partner was found.
type SearchMatchedMsg struct {
	Event       string      `json:"event"`
	MatchedUser MatchedUser `json:"matchedUser"`
}

// SearchExpiredMsg notifies the owner that their search timed out.
type SearchExpiredMsg struct {
	Event string `json:"event"`
}

// GenderCounts splits a counter by gender.
type GenderCounts struct {
	Total  int `json:"t"`
	Male   int `json:"m"`
	Female int `json:"f"`
}

// AvgSearchTimes reports average seconds-to-match plus the 24h match count.
type AvgSearchTimes struct {
	Total     float64 `json:"t"`
	Male      float64 `json:"m"`
	Female    float64 `json:"f"`
	Matches24 int     `json:"matches24h"`
}

// SearchStatsMsg is the live stats snapshot pushed to subscribers.
type SearchStatsMsg struct {
	Event         string         `json:"event"`
	Total         int            `json:"t"`
	Male          int            `json:"m"`
	Female        int            `json:"f"`
	Online        GenderCounts   `json:"online"`
	AvgSearchTime AvgSearchTimes `json:"avgSearchTime"`
}

// ServerChatMessageMsg relays a chat message to room members.
type ServerChatMessageMsg struct {
	Event   string `json:"event"`
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
	UserID  string `json:"userId"`
}

// ServerChatTypingMsg relays a typing indicator to room members.
type ServerChatTypingMsg struct {
	Event  string `json:"event"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// ServerChatReadMsg relays a read receipt to room members.
type ServerChatReadMsg struct {
	Event     string `json:"event"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// ChatEndedMsg notifies room members that the chat was terminated.
type ChatEndedMsg struct {
	Event   string `json:"event"`
	ChatID  string `json:"chatId"`
	EndedBy string `json:"endedBy"`
	Reason  string `json:"reason,omitempty"`
}

// ChatRatedMsg notifies the rated participant of a new rating.
type ChatRatedMsg struct {
	Event   string `json:"event"`
	ChatID  string `json:"chatId"`
	RatedBy string `json:"ratedBy"`
	Score   int    `json:"score"`
}

// ServerContactRequestMsg delivers a contact request to the recipient.
type ServerContactRequestMsg struct {
	Event  string `json:"event"`
	From   string `json:"from"`
	ChatID string `json:"chatId"`
}

// ContactStatusMsg delivers the outcome of a contact request to the requester.
type ContactStatusMsg struct {
	Event  string `json:"event"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ErrorMsg communicates an error condition to the caller only, never to a room.
type ErrorMsg struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Event string `json:"event"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event. It
// returns the event name, the decoded struct, and any error. Unknown or
// server-only event names are an error.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Event {
	case EventConnectionAck:
		var m ConnectionAckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventSearchStart:
		var m SearchStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventSearchCancel:
		var m SearchCancelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventSubscribeStats:
		var m SubscribeStatsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventUnsubscribeStats:
		var m UnsubscribeStatsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventChatJoin:
		var m ChatJoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventChatLeave:
		var m ChatLeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventChatMessage:
		var m ChatMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventChatTyping:
		var m ChatTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventChatRead:
		var m ChatReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventChatEnd:
		var m ChatEndMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventChatRate:
		var m ChatRateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventContactRequest:
		var m ContactRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventContactRespond:
		var m ContactRespondMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventPing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event: %q", env.Event)
	}

	if err != nil {
		return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return env.Event, msg, nil
}

// NewServerEvent encodes a server payload with the given event name injected
// under the "event" key.
func NewServerEvent(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["event"] = event

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
