// Package chat routes chat events between participants: message delivery,
// typing indicators, read receipts, chat termination, ratings, and contact
// exchange. Every operation is validated against the chat's participant list
// before any state changes.
package chat

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/duetchat/duet/internal/breaker"
	"github.com/duetchat/duet/internal/hub"
	"github.com/duetchat/duet/internal/messaging"
	"github.com/duetchat/duet/internal/metrics"
	"github.com/duetchat/duet/internal/protocol"
	"github.com/duetchat/duet/internal/ratelimit"
	"github.com/duetchat/duet/internal/store"
	"github.com/duetchat/duet/internal/ws"
)

// storeTimeout bounds the store and Redis calls made on behalf of one
// client event.
const storeTimeout = 5 * time.Second

// Router validates chat operations and fans results out to rooms. Store
// access runs through a circuit breaker; while it is open, chat:message
// answers with a "Message queued" hint instead of failing loudly.
type Router struct {
	db      *store.Store
	hub     *hub.Hub
	nats    *messaging.NATSClient
	limiter *ratelimit.Limiter
	brk     *breaker.Breaker
	recent  *MessageBuffer
}

// NewRouter creates a Router over the given backends.
func NewRouter(db *store.Store, h *hub.Hub, nc *messaging.NATSClient, limiter *ratelimit.Limiter) *Router {
	return &Router{
		db:      db,
		hub:     h,
		nats:    nc,
		limiter: limiter,
		brk: breaker.New(breaker.Config{
			Name:             "chat-store",
			FailureThreshold: 5,
			Window:           30 * time.Second,
			ResetTimeout:     30 * time.Second,
			HalfOpenMax:      3,
		}),
		recent: NewMessageBuffer(),
	}
}

// opContext returns the context for one client event. Handlers run detached
// from the connection's read loop, so each event carries its own deadline.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// Register wires the router's handlers into the dispatcher.
func (r *Router) Register(d *ws.Dispatcher) {
	d.Register(protocol.EventChatJoin, r.handleJoin)
	d.Register(protocol.EventChatLeave, r.handleLeave)
	d.Register(protocol.EventChatMessage, r.handleMessage)
	d.Register(protocol.EventChatTyping, r.handleTyping)
	d.Register(protocol.EventChatRead, r.handleRead)
	d.Register(protocol.EventChatEnd, r.handleEnd)
	d.Register(protocol.EventChatRate, r.handleRate)
	d.Register(protocol.EventContactRequest, r.handleContactRequest)
	d.Register(protocol.EventContactRespond, r.handleContactRespond)
}

func (r *Router) handleJoin(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.ChatJoinMsg)
	ctx, cancel := opContext()
	defer cancel()

	chat, err := r.loadChat(ctx, conn, m.ChatID)
	if err != nil {
		return
	}
	if !chat.IsParticipant(conn.UserID) {
		r.sendError(conn, "Not a participant")
		return
	}

	if err := r.hub.JoinRoom(conn, m.ChatID); err != nil {
		log.Printf("[chat] join room %s failed session=%s: %v", m.ChatID, conn.ID, err)
		r.sendError(conn, "Internal error")
		return
	}

	// Replay the recent messages this gateway has seen, so a rejoining
	// session catches up without a history query.
	for _, buffered := range r.recent.Get(m.ChatID) {
		data, err := protocol.NewServerEvent(protocol.EventChatMessage, protocol.ServerChatMessageMsg{
			ChatID:  m.ChatID,
			Content: buffered.Content,
			UserID:  buffered.UserID,
		})
		if err != nil {
			continue
		}
		_ = conn.WriteMessage(data)
	}
}

func (r *Router) handleLeave(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.ChatLeaveMsg)
	if err := r.hub.LeaveRoom(conn, m.ChatID); err != nil {
		log.Printf("[chat] leave room %s failed session=%s: %v", m.ChatID, conn.ID, err)
	}
}

func (r *Router) handleMessage(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.ChatMessageMsg)
	started := time.Now()
	ctx, cancel := opContext()
	defer cancel()

	allowed, _ := r.limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage)
	if !allowed {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.sendError(conn, "Rate limited")
		return
	}

	if err := ValidateContent(m.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.sendError(conn, err.Error())
		return
	}

	chat, err := r.loadChat(ctx, conn, m.ChatID)
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			metrics.MessagesTotal.WithLabelValues("queued").Inc()
		}
		return
	}
	if !chat.IsParticipant(conn.UserID) {
		r.sendError(conn, "Not a participant")
		return
	}
	if !chat.IsActive {
		r.sendError(conn, "Chat already ended")
		return
	}

	err = r.guard(func() error {
		_, err := r.db.AppendMessage(ctx, m.ChatID, conn.UserID, m.Content)
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			metrics.MessagesTotal.WithLabelValues("queued").Inc()
			r.sendError(conn, "Message queued")
			return
		}
		log.Printf("[chat] append message chat=%s: %v", m.ChatID, err)
		r.sendError(conn, "Internal error")
		return
	}

	r.recent.Add(m.ChatID, BufferedMessage{
		UserID:  conn.UserID,
		Content: m.Content,
		SentAt:  started.UnixMilli(),
	})

	r.publishRoom(m.ChatID, "", protocol.EventChatMessage, protocol.ServerChatMessageMsg{
		ChatID:  m.ChatID,
		Content: m.Content,
		UserID:  conn.UserID,
	})

	metrics.MessageLatency.Observe(time.Since(started).Seconds())
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
}

func (r *Router) handleTyping(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.ChatTypingMsg)
	ctx, cancel := opContext()
	defer cancel()

	chat, err := r.loadChat(ctx, conn, m.ChatID)
	if err != nil {
		return
	}
	if !chat.IsParticipant(conn.UserID) {
		r.sendError(conn, "Not a participant")
		return
	}

	// The sender knows they are typing.
	r.publishRoom(m.ChatID, conn.UserID, protocol.EventChatTyping, protocol.ServerChatTypingMsg{
		ChatID: m.ChatID,
		UserID: conn.UserID,
	})
}

func (r *Router) handleRead(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.ChatReadMsg)
	ctx, cancel := opContext()
	defer cancel()

	chat, err := r.loadChat(ctx, conn, m.ChatID)
	if err != nil {
		return
	}
	if !chat.IsParticipant(conn.UserID) {
		r.sendError(conn, "Not a participant")
		return
	}

	err = r.guard(func() error {
		_, err := r.db.MarkRead(ctx, m.ChatID, conn.UserID, time.UnixMilli(m.Timestamp))
		return err
	})
	if err != nil {
		r.reportError(conn, err, "mark read", m.ChatID)
		return
	}

	r.publishRoom(m.ChatID, "", protocol.EventChatRead, protocol.ServerChatReadMsg{
		ChatID:    m.ChatID,
		UserID:    conn.UserID,
		Timestamp: m.Timestamp,
	})
}

func (r *Router) handleEnd(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.ChatEndMsg)
	ctx, cancel := opContext()
	defer cancel()

	chat, err := r.loadChat(ctx, conn, m.ChatID)
	if err != nil {
		return
	}
	if !chat.IsParticipant(conn.UserID) {
		r.sendError(conn, "Not a participant")
		return
	}

	err = r.guard(func() error {
		return r.db.EndChat(ctx, m.ChatID, conn.UserID, m.Reason)
	})
	if err != nil {
		r.reportError(conn, err, "end chat", m.ChatID)
		return
	}

	r.recent.Remove(m.ChatID)
	metrics.ActiveChats.Dec()

	r.publishRoom(m.ChatID, "", protocol.EventChatEnded, protocol.ChatEndedMsg{
		ChatID:  m.ChatID,
		EndedBy: conn.UserID,
		Reason:  m.Reason,
	})
}

func (r *Router) handleRate(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.ChatRateMsg)

	if m.Score < 1 || m.Score > 5 {
		r.sendError(conn, "Score must be between 1 and 5")
		return
	}
	ctx, cancel := opContext()
	defer cancel()

	chat, err := r.loadChat(ctx, conn, m.ChatID)
	if err != nil {
		return
	}
	if !chat.IsParticipant(conn.UserID) {
		r.sendError(conn, "Not a participant")
		return
	}

	rated := chat.Partner(conn.UserID)
	err = r.guard(func() error {
		_, err := r.db.InsertRating(ctx, &store.Rating{
			ChatID:  m.ChatID,
			RaterID: conn.UserID,
			RatedID: rated,
			Score:   m.Score,
			Comment: m.Comment,
		})
		return err
	})
	if err != nil {
		r.reportError(conn, err, "rate chat", m.ChatID)
		return
	}

	r.publishUser(rated, protocol.EventChatRated, protocol.ChatRatedMsg{
		ChatID:  m.ChatID,
		RatedBy: conn.UserID,
		Score:   m.Score,
	})
}

func (r *Router) handleContactRequest(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.ContactRequestMsg)
	ctx, cancel := opContext()
	defer cancel()

	chat, err := r.loadChat(ctx, conn, m.ChatID)
	if err != nil {
		return
	}
	if !chat.IsParticipant(conn.UserID) || chat.Partner(conn.UserID) != m.To {
		r.sendError(conn, "Not a participant")
		return
	}

	err = r.guard(func() error {
		return r.db.UpsertContactRequest(ctx, conn.UserID, m.To, m.ChatID)
	})
	if err != nil {
		r.reportError(conn, err, "contact request", m.ChatID)
		return
	}

	r.publishUser(m.To, protocol.EventContactRequest, protocol.ServerContactRequestMsg{
		From:   conn.UserID,
		ChatID: m.ChatID,
	})
}

func (r *Router) handleContactRespond(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.ContactRespondMsg)

	switch m.Status {
	case store.ContactAccepted, store.ContactDeclined, store.ContactBlocked:
	default:
		r.sendError(conn, "Invalid contact status")
		return
	}
	ctx, cancel := opContext()
	defer cancel()

	err := r.guard(func() error {
		return r.db.RespondContact(ctx, conn.UserID, m.UserID, m.Status)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.sendError(conn, "No pending request")
			return
		}
		r.reportError(conn, err, "contact respond", "")
		return
	}

	r.publishUser(m.UserID, protocol.EventContactStatus, protocol.ContactStatusMsg{
		UserID: conn.UserID,
		Status: m.Status,
	})
}

// loadChat fetches the chat through the breaker and reports failures to the
// caller. Callers receiving an error have nothing left to do.
func (r *Router) loadChat(ctx context.Context, conn *ws.Connection, chatID string) (*store.ChatRecord, error) {
	var chat *store.ChatRecord
	err := r.guard(func() error {
		var err error
		chat, err = r.db.GetChat(ctx, chatID)
		return err
	})
	if err != nil {
		r.reportError(conn, err, "load chat", chatID)
		return nil, err
	}
	return chat, nil
}

// guard runs fn through the store breaker. Domain errors pass through
// without counting as backend failures.
func (r *Router) guard(fn func() error) error {
	var domainErr error
	err := r.brk.Do(func() error {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrNotFound),
			errors.Is(err, store.ErrNotParticipant),
			errors.Is(err, store.ErrChatEnded),
			errors.Is(err, store.ErrAlreadyRated):
			domainErr = err
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return err
	}
	return domainErr
}

// reportError translates an operation failure into the error event sent to
// the caller. Rooms never see another participant's errors.
func (r *Router) reportError(conn *ws.Connection, err error, op, chatID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.sendError(conn, "Not found")
	case errors.Is(err, store.ErrNotParticipant):
		r.sendError(conn, "Not a participant")
	case errors.Is(err, store.ErrChatEnded):
		r.sendError(conn, "Chat already ended")
	case errors.Is(err, store.ErrAlreadyRated):
		r.sendError(conn, "Already rated")
	case errors.Is(err, breaker.ErrOpen):
		r.sendError(conn, "Service temporarily unavailable")
	default:
		log.Printf("[chat] %s chat=%s session=%s: %v", op, chatID, conn.ID, err)
		r.sendError(conn, "Internal error")
	}
}

func (r *Router) sendError(conn *ws.Connection, message string) {
	data, err := protocol.NewServerEvent(protocol.EventError, protocol.ErrorMsg{Message: message})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(data)
}

func (r *Router) publishRoom(chatID, exclude, event string, payload interface{}) {
	data, err := protocol.NewServerEvent(event, payload)
	if err != nil {
		log.Printf("[chat] encode %s: %v", event, err)
		return
	}
	env, err := messaging.EncodeRoomEnvelope(exclude, data)
	if err != nil {
		log.Printf("[chat] encode room envelope: %v", err)
		return
	}
	if err := r.nats.PublishToRoom(chatID, env); err != nil {
		log.Printf("[chat] publish %s to room %s: %v", event, chatID, err)
	}
}

func (r *Router) publishUser(userID, event string, payload interface{}) {
	data, err := protocol.NewServerEvent(event, payload)
	if err != nil {
		log.Printf("[chat] encode %s: %v", event, err)
		return
	}
	if err := r.nats.PublishToUser(userID, data); err != nil {
		log.Printf("[chat] publish %s to user %s: %v", event, userID, err)
	}
}
