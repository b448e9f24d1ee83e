package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const chatColumns = `
	id, user_a, user_b, telegram_a, telegram_b, chat_type, is_active,
	expires_at, last_message, started_at, ended_at, ended_by, end_reason`

func scanChat(sc scanner) (*ChatRecord, error) {
	var (
		c       ChatRecord
		endedBy sql.NullString
	)
	err := sc.Scan(
		&c.ID, &c.UserA, &c.UserB, &c.TelegramA, &c.TelegramB, &c.Type,
		&c.IsActive, &c.ExpiresAt, &c.LastMessage, &c.StartedAt,
		&c.EndedAt, &endedBy, &c.EndReason,
	)
	if err != nil {
		return nil, err
	}
	c.EndedBy = endedBy.String
	return &c, nil
}

// GetChat looks up a chat by id.
func (s *Store) GetChat(ctx context.Context, chatID string) (*ChatRecord, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE id = $1`

	c, err := scanChat(s.db.QueryRowContext(ctx, query, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chat: %w", err)
	}
	return c, nil
}

// AppendMessage inserts a message and updates the chat's last_message in one
// transaction. Returns the stored message with its assigned id and timestamp;
// the bigserial id is the tie-break for messages landing on the same instant.
func (s *Store) AppendMessage(ctx context.Context, chatID, senderID, content string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin message tx: %w", err)
	}
	defer tx.Rollback()

	m := &Message{ChatID: chatID, SenderID: senderID, Content: content}

	const insert = `
		INSERT INTO messages (chat_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, sent_at`

	if err := tx.QueryRowContext(ctx, insert, chatID, senderID, content).Scan(&m.ID, &m.SentAt); err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}

	const touch = `UPDATE chats SET last_message = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, touch, chatID, content); err != nil {
		return nil, fmt.Errorf("store: update last_message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit message tx: %w", err)
	}
	return m, nil
}

// MarkRead flags every partner message sent at or before ts as read.
// Returns the number of messages affected.
func (s *Store) MarkRead(ctx context.Context, chatID, readerID string, ts time.Time) (int64, error) {
	const query = `
		UPDATE messages SET is_read = TRUE
		WHERE chat_id = $1 AND sender_id <> $2 AND sent_at <= $3 AND NOT is_read`

	res, err := s.db.ExecContext(ctx, query, chatID, readerID, ts)
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	return res.RowsAffected()
}

// EndChat transitions an active chat to ended. The update is conditional on
// is_active so a concurrent end (or TTL expiry) makes this a no-op reported
// as ErrChatEnded.
func (s *Store) EndChat(ctx context.Context, chatID, endedBy, reason string) error {
	const query = `
		UPDATE chats SET is_active = FALSE, ended_at = NOW(), ended_by = $2, end_reason = $3
		WHERE id = $1 AND is_active`

	res, err := s.db.ExecContext(ctx, query, chatID, endedBy, reason)
	if err != nil {
		return fmt.Errorf("store: end chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: end chat rows: %w", err)
	}
	if n == 0 {
		return ErrChatEnded
	}
	return nil
}

// ExpireChats ends every active chat whose expires_at has passed and returns
// them so the janitor can notify the rooms.
func (s *Store) ExpireChats(ctx context.Context) ([]*ChatRecord, error) {
	query := `
		UPDATE chats SET is_active = FALSE, ended_at = NOW(), end_reason = 'expired'
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= NOW()
		RETURNING ` + chatColumns

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: expire chats: %w", err)
	}
	defer rows.Close()

	var out []*ChatRecord
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan expired chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PurgeEndedBefore deletes ended anonymous chats (messages cascade) that
// ended before the cutoff. Retention hook for the daily janitor pass.
func (s *Store) PurgeEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM chats
		WHERE NOT is_active AND chat_type = $1 AND ended_at < $2`

	res, err := s.db.ExecContext(ctx, query, ChatAnonymous, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge chats: %w", err)
	}
	return res.RowsAffected()
}
