// Package session manages hot session state backed by Redis: which sessions
// a user holds across gateways, and the per-user room set that survives a
// short disconnect so a reconnecting client can be restored.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix      = "session:"
	userSessionsPrefix = "sessions:user:"
	userRoomsPrefix    = "rooms:user:"

	// SessionTTL caps how long a session hash may outlive its connection
	// when a gateway dies without cleaning up.
	SessionTTL = 1 * time.Hour

	// RecoveryWindow is how long the per-user room set is retained after
	// the user's last session disconnects. A reconnect within the window
	// restores those rooms.
	RecoveryWindow = 2 * time.Minute
)

// Session is one authenticated connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Gateway    string `redis:"gateway"` // which gateway instance holds the socket
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages session state in Redis.
type Store struct {
	client  *redis.Client
	gateway string // identifier for this gateway instance
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr, gateway string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, gateway), nil
}

// NewStoreWithClient wraps an existing Redis client. Used by tests and by
// callers that share one client across packages.
func NewStoreWithClient(client *redis.Client, gateway string) *Store {
	return &Store{client: client, gateway: gateway}
}

// Create registers a new session for the user. The per-user room set is
// pinned (PERSIST) because the user now has at least one live session.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	now := time.Now().Unix()
	hash := map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"gateway":     s.gateway,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessionPrefix+sessionID, hash)
	pipe.Expire(ctx, sessionPrefix+sessionID, SessionTTL)
	pipe.SAdd(ctx, userSessionsPrefix+userID, sessionID)
	pipe.Expire(ctx, userSessionsPrefix+userID, SessionTTL)
	pipe.Persist(ctx, userRoomsPrefix+userID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, sessionPrefix+sessionID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch refreshes last_active and the session TTL.
func (s *Store) Touch(ctx context.Context, sessionID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessionPrefix+sessionID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, sessionPrefix+sessionID, SessionTTL)
	pipe.Expire(ctx, userSessionsPrefix+userID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and returns how many sessions the user still
// holds across all gateways. When the count hits zero the room set starts
// its recovery-window countdown.
func (s *Store) Delete(ctx context.Context, sessionID, userID string) (int64, error) {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, sessionPrefix+sessionID)
	pipe.SRem(ctx, userSessionsPrefix+userID, sessionID)
	card := pipe.SCard(ctx, userSessionsPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("session: delete %s: %w", sessionID, err)
	}

	remaining := card.Val()
	if remaining == 0 {
		if err := s.client.Expire(ctx, userRoomsPrefix+userID, RecoveryWindow).Err(); err != nil {
			return remaining, fmt.Errorf("session: start room countdown for %s: %w", userID, err)
		}
	}
	return remaining, nil
}

// SessionCount returns how many sessions the user holds across all gateways.
func (s *Store) SessionCount(ctx context.Context, userID string) (int64, error) {
	return s.client.SCard(ctx, userSessionsPrefix+userID).Result()
}

// JoinRoom adds a room to the user's room set.
func (s *Store) JoinRoom(ctx context.Context, userID, room string) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, userRoomsPrefix+userID, room)
	pipe.Persist(ctx, userRoomsPrefix+userID)
	_, err := pipe.Exec(ctx)
	return err
}

// LeaveRoom removes a room from the user's room set.
func (s *Store) LeaveRoom(ctx context.Context, userID, room string) error {
	return s.client.SRem(ctx, userRoomsPrefix+userID, room).Err()
}

// Rooms returns the user's current room set.
func (s *Store) Rooms(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, userRoomsPrefix+userID).Result()
}

// RestoreRooms pins the room set (aborting any recovery countdown) and
// returns its members. Empty when the window already lapsed.
func (s *Store) RestoreRooms(ctx context.Context, userID string) ([]string, error) {
	pipe := s.client.Pipeline()
	pipe.Persist(ctx, userRoomsPrefix+userID)
	members := pipe.SMembers(ctx, userRoomsPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: restore rooms for %s: %w", userID, err)
	}
	return members.Val(), nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
