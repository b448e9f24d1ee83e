// Package hub tracks which users and chat rooms are present on this gateway
// and bridges them to the NATS fabric. Session state lives in Redis so a
// user's sessions can span gateways; the hub only fans messages out to the
// connections it holds locally.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/duetchat/duet/internal/match"
	"github.com/duetchat/duet/internal/messaging"
	"github.com/duetchat/duet/internal/protocol"
	"github.com/duetchat/duet/internal/ws"
)

// GracePeriod is how long after a user's last session disconnects before the
// user is marked offline and any active search is withdrawn. A reconnect
// within the window cancels the countdown.
const GracePeriod = 10 * time.Second

// activityInterval is how often live sessions refresh their Redis TTL and
// the user's last-active timestamp.
const activityInterval = 10 * time.Second

// Sessions is the slice of the Redis session layer the hub drives.
type Sessions interface {
	Create(ctx context.Context, sessionID, userID string) error
	Delete(ctx context.Context, sessionID, userID string) (int64, error)
	SessionCount(ctx context.Context, userID string) (int64, error)
	Touch(ctx context.Context, sessionID, userID string) error
	JoinRoom(ctx context.Context, userID, room string) error
	LeaveRoom(ctx context.Context, userID, room string) error
	RestoreRooms(ctx context.Context, userID string) ([]string, error)
}

// Bus is the slice of the NATS fabric the hub subscribes and publishes on.
type Bus interface {
	SubscribeUser(userID string, handler func(data []byte)) error
	UnsubscribeUser(userID string) error
	SubscribeRoom(room string, handler func(data []byte)) error
	UnsubscribeRoom(room string) error
	PublishSearchCancel(data []byte) error
}

// Directory is the slice of the user store the hub keeps current.
type Directory interface {
	SetActive(ctx context.Context, userID string, active bool) error
	TouchLastActive(ctx context.Context, userIDs []string) error
}

// Hub is the per-gateway presence registry.
type Hub struct {
	server   *ws.Server
	sessions Sessions
	nats     Bus
	db       Directory

	nudge func() // optional, called after each activity refresh

	mu        sync.Mutex
	users     map[string]map[string]*ws.Connection // userID -> sessionID -> conn
	rooms     map[string]map[string]*ws.Connection // room -> sessionID -> conn
	connRooms map[string]map[string]bool           // sessionID -> room set
	grace     map[string]*time.Timer               // userID -> offline countdown

	gracePeriod time.Duration // overridable in tests
	ctx         context.Context
	stop        context.CancelFunc
}

// New creates a Hub. Call Start before accepting connections and wire
// OnConnect/OnDisconnect into the WebSocket server.
func New(server *ws.Server, sessions Sessions, bus Bus, db Directory) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		server:      server,
		sessions:    sessions,
		nats:        bus,
		db:          db,
		users:       make(map[string]map[string]*ws.Connection),
		rooms:       make(map[string]map[string]*ws.Connection),
		connRooms:   make(map[string]map[string]bool),
		grace:       make(map[string]*time.Timer),
		gracePeriod: GracePeriod,
		ctx:         ctx,
		stop:        cancel,
	}
}

// Start launches the background activity refresher.
func (h *Hub) Start() {
	go h.refreshLoop()
}

// SetNudge registers a callback invoked after each activity refresh, used to
// prod the stats broadcaster now that last-active timestamps moved.
func (h *Hub) SetNudge(fn func()) {
	h.nudge = fn
}

// Stop halts background work. Connections are torn down by the server.
func (h *Hub) Stop() {
	h.stop()
}

// OnConnect registers a new authenticated connection. The first local session
// for a user subscribes the gateway to that user's NATS subject. When resume
// is set, room memberships surviving in Redis are restored and reported back.
func (h *Hub) OnConnect(conn *ws.Connection, resume bool) {
	if err := h.sessions.Create(h.ctx, conn.ID, conn.UserID); err != nil {
		log.Printf("[hub] failed to create session %s: %v", conn.ID, err)
	}

	h.mu.Lock()
	if timer, ok := h.grace[conn.UserID]; ok {
		timer.Stop()
		delete(h.grace, conn.UserID)
	}
	first := len(h.users[conn.UserID]) == 0
	if first {
		h.users[conn.UserID] = make(map[string]*ws.Connection)
	}
	h.users[conn.UserID][conn.ID] = conn
	h.connRooms[conn.ID] = make(map[string]bool)
	h.mu.Unlock()

	if first {
		userID := conn.UserID
		err := h.nats.SubscribeUser(userID, func(data []byte) {
			h.deliverUser(userID, data)
		})
		if err != nil {
			log.Printf("[hub] user subscribe failed user=%s: %v", userID, err)
		}
	}

	if err := h.db.SetActive(h.ctx, conn.UserID, true); err != nil {
		log.Printf("[hub] failed to mark user %s active: %v", conn.UserID, err)
	}

	if resume {
		h.recover(conn)
	}
}

// recover restores the room memberships a reconnecting user still holds in
// Redis and confirms them with a connection:recovered event.
func (h *Hub) recover(conn *ws.Connection) {
	rooms, err := h.sessions.RestoreRooms(h.ctx, conn.UserID)
	if err != nil {
		log.Printf("[hub] room recovery failed user=%s: %v", conn.UserID, err)
		return
	}

	for _, room := range rooms {
		h.joinLocal(conn, room)
	}

	data, err := protocol.NewServerEvent(protocol.EventConnectionRecovered, protocol.ConnectionRecoveredMsg{
		Rooms: rooms,
	})
	if err != nil {
		log.Printf("[hub] failed to build recovery event: %v", err)
		return
	}
	_ = conn.WriteMessage(data)

	log.Printf("[hub] recovered session=%s user=%s rooms=%d", conn.ID, conn.UserID, len(rooms))
}

// OnDisconnect removes a departed connection. The last local session for a
// user drops the gateway's subscription to that user's subject; the last
// session anywhere starts the offline grace countdown.
func (h *Hub) OnDisconnect(conn *ws.Connection) {
	h.mu.Lock()
	for room := range h.connRooms[conn.ID] {
		h.leaveRoomLocked(conn, room)
	}
	delete(h.connRooms, conn.ID)
	delete(h.users[conn.UserID], conn.ID)
	lastLocal := len(h.users[conn.UserID]) == 0
	if lastLocal {
		delete(h.users, conn.UserID)
	}
	h.mu.Unlock()

	if lastLocal {
		if err := h.nats.UnsubscribeUser(conn.UserID); err != nil {
			log.Printf("[hub] user unsubscribe failed user=%s: %v", conn.UserID, err)
		}
	}

	remaining, err := h.sessions.Delete(h.ctx, conn.ID, conn.UserID)
	if err != nil {
		log.Printf("[hub] failed to delete session %s: %v", conn.ID, err)
		return
	}
	if remaining > 0 {
		return
	}

	h.mu.Lock()
	if timer, ok := h.grace[conn.UserID]; ok {
		timer.Stop()
	}
	h.grace[conn.UserID] = time.AfterFunc(h.gracePeriod, func() {
		h.userOffline(conn.UserID)
	})
	h.mu.Unlock()
}

// userOffline fires after the grace period. The global session count is
// re-checked because the user may have reconnected through another gateway.
func (h *Hub) userOffline(userID string) {
	h.mu.Lock()
	delete(h.grace, userID)
	h.mu.Unlock()

	n, err := h.sessions.SessionCount(h.ctx, userID)
	if err != nil {
		log.Printf("[hub] session count failed user=%s: %v", userID, err)
		return
	}
	if n > 0 {
		return
	}

	if err := h.db.SetActive(h.ctx, userID, false); err != nil {
		log.Printf("[hub] failed to mark user %s offline: %v", userID, err)
	}
	if cmd, err := json.Marshal(match.CancelCommand{UserID: userID}); err == nil {
		if err := h.nats.PublishSearchCancel(cmd); err != nil {
			log.Printf("[hub] failed to withdraw search for offline user %s: %v", userID, err)
		}
	}

	log.Printf("[hub] user %s offline after grace period", userID)
}

// JoinRoom adds the connection to a chat room, both in Redis (for recovery
// and cross-gateway membership) and locally (for delivery).
func (h *Hub) JoinRoom(conn *ws.Connection, room string) error {
	if err := h.sessions.JoinRoom(h.ctx, conn.UserID, room); err != nil {
		return err
	}
	h.joinLocal(conn, room)
	return nil
}

// LeaveRoom removes the connection from a chat room.
func (h *Hub) LeaveRoom(conn *ws.Connection, room string) error {
	h.mu.Lock()
	h.leaveRoomLocked(conn, room)
	h.mu.Unlock()
	return h.sessions.LeaveRoom(h.ctx, conn.UserID, room)
}

// joinLocal registers local room membership. The first local member
// subscribes the gateway to the room's NATS subject.
func (h *Hub) joinLocal(conn *ws.Connection, room string) {
	h.mu.Lock()
	first := len(h.rooms[room]) == 0
	if first {
		h.rooms[room] = make(map[string]*ws.Connection)
	}
	h.rooms[room][conn.ID] = conn
	if h.connRooms[conn.ID] == nil {
		h.connRooms[conn.ID] = make(map[string]bool)
	}
	h.connRooms[conn.ID][room] = true
	h.mu.Unlock()

	if first {
		err := h.nats.SubscribeRoom(room, func(data []byte) {
			h.deliverRoom(room, data)
		})
		if err != nil {
			log.Printf("[hub] room subscribe failed room=%s: %v", room, err)
		}
	}
}

// leaveRoomLocked drops local membership and, for the last local member,
// the room's NATS subscription. Caller holds h.mu.
func (h *Hub) leaveRoomLocked(conn *ws.Connection, room string) {
	delete(h.rooms[room], conn.ID)
	delete(h.connRooms[conn.ID], room)
	if len(h.rooms[room]) > 0 {
		return
	}
	delete(h.rooms, room)

	go func() {
		if err := h.nats.UnsubscribeRoom(room); err != nil {
			log.Printf("[hub] room unsubscribe failed room=%s: %v", room, err)
		}
	}()
}

// deliverUser fans a user-subject message out to the user's local sessions.
func (h *Hub) deliverUser(userID string, data []byte) {
	h.mu.Lock()
	conns := make([]*ws.Connection, 0, len(h.users[userID]))
	for _, conn := range h.users[userID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("[hub] delivery failed session=%s: %v", conn.ID, err)
		}
	}
}

// deliverRoom fans a room envelope out to local members, skipping sessions
// of the excluded user (normally the sender).
func (h *Hub) deliverRoom(room string, data []byte) {
	env, err := messaging.DecodeRoomEnvelope(data)
	if err != nil {
		log.Printf("[hub] bad room envelope room=%s: %v", room, err)
		return
	}

	h.mu.Lock()
	conns := make([]*ws.Connection, 0, len(h.rooms[room]))
	for _, conn := range h.rooms[room] {
		if env.Exclude != "" && conn.UserID == env.Exclude {
			continue
		}
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(env.Data); err != nil {
			log.Printf("[hub] room delivery failed session=%s: %v", conn.ID, err)
		}
	}
}

// LocalSessions returns the user's connections on this gateway.
func (h *Hub) LocalSessions(userID string) []*ws.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*ws.Connection, 0, len(h.users[userID]))
	for _, conn := range h.users[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// refreshLoop periodically extends session TTLs and updates last-active
// timestamps for every user with a live local connection.
func (h *Hub) refreshLoop() {
	ticker := time.NewTicker(activityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.refreshOnce()
		}
	}
}

func (h *Hub) refreshOnce() {
	h.mu.Lock()
	conns := make([]*ws.Connection, 0)
	userIDs := make([]string, 0, len(h.users))
	for userID, sessions := range h.users {
		userIDs = append(userIDs, userID)
		for _, conn := range sessions {
			conns = append(conns, conn)
		}
	}
	h.mu.Unlock()

	if len(userIDs) == 0 {
		return
	}

	for _, conn := range conns {
		if err := h.sessions.Touch(h.ctx, conn.ID, conn.UserID); err != nil {
			log.Printf("[hub] session touch failed session=%s: %v", conn.ID, err)
		}
	}
	if err := h.db.TouchLastActive(h.ctx, userIDs); err != nil {
		log.Printf("[hub] last-active update failed: %v", err)
	}

	if h.nudge != nil {
		h.nudge()
	}
}
