// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the gateway and the matching service. It handles connection
// lifecycle, subject-based subscriptions, and convenience methods for the
// search, per-user, per-room, and stats channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across the matchmaker services.
const (
	SubjectSearchStart  = "search.start"
	SubjectSearchCancel = "search.cancel"
	SubjectUser         = "user"     // + .<user_id>  (server->user fan-out)
	SubjectRoom         = "chatroom" // + .<room>     (room fan-out)
	SubjectStatsDelta   = "stats.delta"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "duet",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishSearchStart publishes a search command to the matching service.
func (c *NATSClient) PublishSearchStart(data []byte) error {
	return c.Publish(SubjectSearchStart, data)
}

// PublishSearchCancel publishes a cancel command to the matching service.
func (c *NATSClient) PublishSearchCancel(data []byte) error {
	return c.Publish(SubjectSearchCancel, data)
}

// SubscribeSearchStart subscribes to search commands from gateways. A queue
// group ensures exactly one matcher instance handles each command.
func (c *NATSClient) SubscribeSearchStart(handler func(data []byte)) error {
	return c.subscribeQueue(SubjectSearchStart, "matchers", handler)
}

// SubscribeSearchCancel subscribes to cancel commands from gateways.
func (c *NATSClient) SubscribeSearchCancel(handler func(data []byte)) error {
	return c.subscribeQueue(SubjectSearchCancel, "matchers", handler)
}

// PublishToUser publishes a server event onto the user's fan-out subject.
// Every gateway holding a session for the user delivers it.
func (c *NATSClient) PublishToUser(userID string, data []byte) error {
	return c.Publish(SubjectUser+"."+userID, data)
}

// SubscribeUser subscribes to a user's fan-out subject. Called by the hub
// when the first local session for the user connects.
func (c *NATSClient) SubscribeUser(userID string, handler func(data []byte)) error {
	subject := SubjectUser + "." + userID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeUser drops the user fan-out subscription when the last local
// session disconnects.
func (c *NATSClient) UnsubscribeUser(userID string) error {
	return c.unsubscribe(SubjectUser + "." + userID)
}

// PublishToRoom publishes a room envelope onto the room's subject.
func (c *NATSClient) PublishToRoom(room string, data []byte) error {
	return c.Publish(SubjectRoom+"."+room, data)
}

// SubscribeRoom subscribes to a room subject. Called by the hub when the
// first local session joins the room.
func (c *NATSClient) SubscribeRoom(room string, handler func(data []byte)) error {
	subject := SubjectRoom + "." + room
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeRoom drops the room subscription when the last local session
// leaves.
func (c *NATSClient) UnsubscribeRoom(room string) error {
	return c.unsubscribe(SubjectRoom + "." + room)
}

// PublishStatsDelta publishes an incremental stats update from the matcher.
func (c *NATSClient) PublishStatsDelta(data []byte) error {
	return c.Publish(SubjectStatsDelta, data)
}

// SubscribeStatsDelta subscribes to incremental stats updates. Every gateway
// subscribes (no queue group): each maintains its own snapshot cache.
func (c *NATSClient) SubscribeStatsDelta(handler func(data []byte)) error {
	return c.Subscribe(SubjectStatsDelta, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// subscribeQueue registers a queue-group subscription so commands are load
// balanced across service instances instead of duplicated.
func (c *NATSClient) subscribeQueue(subject, group string, handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
