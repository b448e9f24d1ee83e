package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UpsertContactRequest records a pending contact request from requester to
// recipient. Repeating a request refreshes the existing row back to pending
// unless the recipient has blocked the requester.
func (s *Store) UpsertContactRequest(ctx context.Context, requesterID, recipientID, chatID string) error {
	const query = `
		INSERT INTO contacts (id, requester_id, recipient_id, chat_id, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (requester_id, recipient_id) DO UPDATE
		SET chat_id = EXCLUDED.chat_id, status = EXCLUDED.status, updated_at = NOW()
		WHERE contacts.status <> $6`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(), requesterID, recipientID, chatID,
		ContactPending, ContactBlocked,
	)
	if err != nil {
		return fmt.Errorf("store: upsert contact: %w", err)
	}
	return nil
}

// RespondContact resolves a pending request from requester to recipient.
// Returns ErrNotFound when no pending request exists.
func (s *Store) RespondContact(ctx context.Context, recipientID, requesterID, status string) error {
	const query = `
		UPDATE contacts SET status = $3, updated_at = NOW()
		WHERE requester_id = $1 AND recipient_id = $2 AND status = $4`

	res, err := s.db.ExecContext(ctx, query, requesterID, recipientID, status, ContactPending)
	if err != nil {
		return fmt.Errorf("store: respond contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: respond contact rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
