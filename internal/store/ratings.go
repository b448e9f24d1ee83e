package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// pqUniqueViolation is the Postgres error code for unique constraint hits.
const pqUniqueViolation = "23505"

// InsertRating records a score and recomputes the rated user's mean rating
// in the same transaction, so the directory rating always equals the
// arithmetic mean of stored ratings. Returns the new mean.
//
// A second rating by the same rater for the same chat hits the
// (rater_id, chat_id) unique index and surfaces as ErrAlreadyRated.
func (s *Store) InsertRating(ctx context.Context, r *Rating) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin rating tx: %w", err)
	}
	defer tx.Rollback()

	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	const insert = `
		INSERT INTO ratings (id, chat_id, rater_id, rated_id, score, comment)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := tx.ExecContext(ctx, insert,
		r.ID, r.ChatID, r.RaterID, r.RatedID, r.Score, r.Comment,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return 0, ErrAlreadyRated
		}
		return 0, fmt.Errorf("store: insert rating: %w", err)
	}

	const recompute = `
		UPDATE users
		SET rating = (SELECT AVG(score)::DOUBLE PRECISION FROM ratings WHERE rated_id = $1)
		WHERE id = $1
		RETURNING rating`

	var mean float64
	if err := tx.QueryRowContext(ctx, recompute, r.RatedID).Scan(&mean); err != nil {
		return 0, fmt.Errorf("store: recompute rating: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit rating tx: %w", err)
	}
	return mean, nil
}
