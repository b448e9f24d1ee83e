package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const searchColumns = `
	id, user_id, telegram_id, status, gender, age, rating,
	desired_genders, desired_age_min, desired_age_max, min_rating,
	use_geo, longitude, latitude, max_distance_km,
	matched_user_id, matched_telegram_id, matched_chat_id,
	created_at, updated_at`

// scanner abstracts *sql.Row and *sql.Rows for the shared scan path.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSearch(sc scanner) (*SearchRecord, error) {
	var (
		r               SearchRecord
		genders         string
		lon, lat, dist  sql.NullFloat64
		matchedUser     sql.NullString
		matchedTelegram sql.NullInt64
		matchedChat     sql.NullString
	)

	err := sc.Scan(
		&r.ID, &r.UserID, &r.TelegramID, &r.Status, &r.Gender, &r.Age, &r.Rating,
		&genders, &r.DesiredAgeMin, &r.DesiredAgeMax, &r.MinRating,
		&r.UseGeo, &lon, &lat, &dist,
		&matchedUser, &matchedTelegram, &matchedChat,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.DesiredGenders = splitGenders(genders)
	r.Longitude = lon.Float64
	r.Latitude = lat.Float64
	r.MaxDistanceKm = dist.Float64
	r.MatchedUserID = matchedUser.String
	r.MatchedTelegramID = matchedTelegram.Int64
	r.MatchedChatID = matchedChat.String
	return &r, nil
}

// InsertSearch creates a new record in searching status.
func (s *Store) InsertSearch(ctx context.Context, r *SearchRecord) error {
	const query = `
		INSERT INTO searches (
			id, user_id, telegram_id, status, gender, age, rating,
			desired_genders, desired_age_min, desired_age_max, min_rating,
			use_geo, longitude, latitude, max_distance_km, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`

	var lon, lat, dist interface{}
	if r.UseGeo {
		lon, lat, dist = r.Longitude, r.Latitude, r.MaxDistanceKm
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.UserID, r.TelegramID, r.Status, r.Gender, r.Age, r.Rating,
		joinGenders(r.DesiredGenders), r.DesiredAgeMin, r.DesiredAgeMax, r.MinRating,
		r.UseGeo, lon, lat, dist, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert search: %w", err)
	}
	return nil
}

// ActiveSearch returns the user's searching record, or ErrNotFound.
func (s *Store) ActiveSearch(ctx context.Context, userID string) (*SearchRecord, error) {
	query := `SELECT ` + searchColumns + ` FROM searches WHERE user_id = $1 AND status = $2`

	r, err := scanSearch(s.db.QueryRowContext(ctx, query, userID, StatusSearching))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: active search: %w", err)
	}
	return r, nil
}

// LatestSearch returns the user's most recent record regardless of status,
// or ErrNotFound. Used by cancel to report an already-completed match.
func (s *Store) LatestSearch(ctx context.Context, userID string) (*SearchRecord, error) {
	query := `SELECT ` + searchColumns + `
		FROM searches WHERE user_id = $1
		ORDER BY created_at DESC LIMIT 1`

	r, err := scanSearch(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest search: %w", err)
	}
	return r, nil
}

// CancelActiveSearch atomically transitions the user's searching record to
// cancelled. Returns the cancelled record, or nil if the user had none
// (cancellation is idempotent).
func (s *Store) CancelActiveSearch(ctx context.Context, userID string) (*SearchRecord, error) {
	query := `
		UPDATE searches SET status = $3, updated_at = NOW()
		WHERE user_id = $1 AND status = $2
		RETURNING ` + searchColumns

	r, err := scanSearch(s.db.QueryRowContext(ctx, query, userID, StatusSearching, StatusCancelled))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: cancel search: %w", err)
	}
	return r, nil
}

// FindCandidates returns searching records that pass the SQL prefilter:
// another user, a gender the searcher wants, and a mutually acceptable age.
// The reciprocal gender check, rating floor, and geofence run in the matcher
// where the full predicate lives.
func (s *Store) FindCandidates(ctx context.Context, r *SearchRecord, wantGenders []string) ([]*SearchRecord, error) {
	query := `SELECT ` + searchColumns + `
		FROM searches
		WHERE status = $1
		  AND user_id <> $2
		  AND gender = ANY($3)
		  AND age BETWEEN $4 AND $5
		  AND desired_age_min <= $6 AND desired_age_max >= $6
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query,
		StatusSearching, r.UserID, pq.Array(wantGenders),
		r.DesiredAgeMin, r.DesiredAgeMax, r.Age,
	)
	if err != nil {
		return nil, fmt.Errorf("store: find candidates: %w", err)
	}
	defer rows.Close()

	var out []*SearchRecord
	for rows.Next() {
		c, err := scanSearch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: candidates rows: %w", err)
	}
	return out, nil
}

// TransitionPair atomically creates the chat and transitions both search
// records to matched. Each update is conditional on the record still being
// in searching status; if either misses (a concurrent match or cancel won),
// the whole transaction rolls back and ErrConflict is returned.
//
// The Matched* fields of a and b must be populated by the caller before the
// call. Notification happens only after this commits.
func (s *Store) TransitionPair(ctx context.Context, chat *ChatRecord, a, b *SearchRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin pair tx: %w", err)
	}
	defer tx.Rollback()

	const insertChat = `
		INSERT INTO chats (id, user_a, user_b, telegram_a, telegram_b, chat_type,
			is_active, expires_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8)`

	if _, err := tx.ExecContext(ctx, insertChat,
		chat.ID, chat.UserA, chat.UserB, chat.TelegramA, chat.TelegramB,
		chat.Type, chat.ExpiresAt, chat.StartedAt,
	); err != nil {
		return fmt.Errorf("store: insert chat: %w", err)
	}

	const matchSearch = `
		UPDATE searches SET status = $2, matched_user_id = $3,
			matched_telegram_id = $4, matched_chat_id = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6`

	for _, r := range []*SearchRecord{a, b} {
		res, err := tx.ExecContext(ctx, matchSearch,
			r.ID, StatusMatched, r.MatchedUserID, r.MatchedTelegramID,
			r.MatchedChatID, StatusSearching,
		)
		if err != nil {
			return fmt.Errorf("store: match search %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: match search rows: %w", err)
		}
		if n != 1 {
			// Someone else matched or cancelled this record first; the
			// deferred rollback undoes the chat insert and the sibling update.
			return ErrConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit pair tx: %w", err)
	}
	return nil
}

// ExpireStale transitions searching records older than maxAge to expired and
// returns them so the janitor can notify their owners.
func (s *Store) ExpireStale(ctx context.Context, maxAge time.Duration) ([]*SearchRecord, error) {
	query := `
		UPDATE searches SET status = $2, updated_at = NOW()
		WHERE status = $1 AND created_at <= NOW() - $3 * INTERVAL '1 second'
		RETURNING ` + searchColumns

	rows, err := s.db.QueryContext(ctx, query, StatusSearching, StatusExpired, int(maxAge.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("store: expire stale: %w", err)
	}
	defer rows.Close()

	var out []*SearchRecord
	for rows.Next() {
		r, err := scanSearch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan expired: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchingCounts returns the count of searching records, total and per gender.
func (s *Store) SearchingCounts(ctx context.Context) (total, male, female int, err error) {
	const query = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE gender = 'male'),
		       COUNT(*) FILTER (WHERE gender = 'female')
		FROM searches WHERE status = $1`

	err = s.db.QueryRowContext(ctx, query, StatusSearching).Scan(&total, &male, &female)
	if err != nil {
		err = fmt.Errorf("store: searching counts: %w", err)
	}
	return
}

// OnlineCounts returns users whose last_active falls within the window,
// total and per gender.
func (s *Store) OnlineCounts(ctx context.Context, window time.Duration) (total, male, female int, err error) {
	const query = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE gender = 'male'),
		       COUNT(*) FILTER (WHERE gender = 'female')
		FROM users WHERE last_active >= NOW() - $1 * INTERVAL '1 second'`

	err = s.db.QueryRowContext(ctx, query, int(window.Seconds())).Scan(&total, &male, &female)
	if err != nil {
		err = fmt.Errorf("store: online counts: %w", err)
	}
	return
}

// MatchAverages returns the mean seconds-to-match over the last 24 hours,
// overall and per gender, plus the number of matches in that window.
func (s *Store) MatchAverages(ctx context.Context) (avgTotal, avgMale, avgFemale float64, matches int, err error) {
	const query = `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM updated_at - created_at)), 0),
		       COALESCE(AVG(EXTRACT(EPOCH FROM updated_at - created_at)) FILTER (WHERE gender = 'male'), 0),
		       COALESCE(AVG(EXTRACT(EPOCH FROM updated_at - created_at)) FILTER (WHERE gender = 'female'), 0),
		       COUNT(DISTINCT matched_chat_id)
		FROM searches
		WHERE status = $1 AND updated_at >= NOW() - INTERVAL '24 hours'`

	err = s.db.QueryRowContext(ctx, query, StatusMatched).Scan(&avgTotal, &avgMale, &avgFemale, &matches)
	if err != nil {
		err = fmt.Errorf("store: match averages: %w", err)
	}
	return
}
