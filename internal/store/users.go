package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// GetUser looks up a directory entry by id.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	const query = `
		SELECT id, telegram_id, gender, age, rating, is_active, last_active
		FROM users
		WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&u.ID, &u.TelegramID, &u.Gender, &u.Age, &u.Rating, &u.IsActive, &u.LastActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// SetActive flips the presence flag and refreshes last_active.
func (s *Store) SetActive(ctx context.Context, userID string, active bool) error {
	const query = `
		UPDATE users SET is_active = $2, last_active = NOW()
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, userID, active); err != nil {
		return fmt.Errorf("store: set active: %w", err)
	}
	return nil
}

// TouchLastActive refreshes last_active for all connected users in one
// statement. Called by the hub's activity refresher every 10 seconds.
func (s *Store) TouchLastActive(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	const query = `
		UPDATE users SET last_active = NOW()
		WHERE id = ANY($1)`

	if _, err := s.db.ExecContext(ctx, query, pq.Array(userIDs)); err != nil {
		return fmt.Errorf("store: touch last_active: %w", err)
	}
	return nil
}
