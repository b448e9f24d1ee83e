// Package store provides PostgreSQL-backed persistence for the matchmaker
// core: users, search records, chats and their messages, ratings, and
// contact-exchange requests. All writes that span multiple rows run inside
// a single transaction so partial state is never observable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Sentinel errors surfaced to callers. Handlers translate these into
// error events for the client; anything else is treated as a store failure
// and counted by the circuit breaker.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrNotParticipant = errors.New("store: not a participant")
	ErrChatEnded      = errors.New("store: chat already ended")
	ErrAlreadyRated   = errors.New("store: chat already rated by caller")
	ErrConflict       = errors.New("store: concurrent transition conflict")
)

// Store wraps the database handle with the matchmaker's query surface.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given connection string, verifies the
// connection, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the database is reachable. Used by the /health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
