package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket session. A user may hold several
// sessions at once (multiple tabs or devices), each with its own ID.
type Connection struct {
	ID        string // session ID, unique per connection
	UserID    string // authenticated user, shared across that user's sessions
	Conn      net.Conn
	Fd        int // socket file descriptor for poller lookups
	CreatedAt time.Time

	lastPing   int64 // unix nanos of the last inbound frame, accessed atomically
	writeMu    sync.Mutex
	processing int32 // atomic flag guarding against duplicate readiness dispatch
}

// Touch records inbound activity. Frames arrive on worker goroutines while
// the heartbeat sweep reads the timestamp, so access is atomic.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// LastActive returns when the last inbound frame arrived.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPing))
}

// WriteMessage writes a text frame to the client. Safe for concurrent use.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame. The write mutex keeps it from
// interleaving with application frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// ConnectionManager tracks active connections, indexed by session ID and by
// socket descriptor for poller dispatch.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection under both indexes.
func (m *ConnectionManager) Add(c *Connection) {
	m.mu.Lock()
	m.byID[c.ID] = c
	if c.Fd >= 0 {
		m.byFd[c.Fd] = c
	}
	m.mu.Unlock()
}

// Remove deletes the connection and closes its socket. It reports whether the
// connection was still registered, so racing cleanups run only once.
func (m *ConnectionManager) Remove(id string) bool {
	m.mu.Lock()
	c, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		if c.Fd >= 0 {
			delete(m.byFd, c.Fd)
		}
	}
	m.mu.Unlock()

	if ok {
		_ = c.Conn.Close()
	}
	return ok
}

// Get returns the connection with the given session ID, or nil.
func (m *ConnectionManager) Get(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// GetByConn resolves a net.Conn back to its registered Connection via the
// socket descriptor, or nil when the connection is already gone.
func (m *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	fd := socketFD(conn)
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byFd[fd]
}

// Count returns the number of active connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// All returns a snapshot of every active connection, safe to iterate without
// holding the lock.
func (m *ConnectionManager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	return conns
}
