// Package match implements the matchmaking service: it consumes search
// commands from gateways over NATS, maintains search records in the store,
// runs the candidate predicate and scoring, and creates chat pairs
// atomically.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/duetchat/duet/internal/breaker"
	"github.com/duetchat/duet/internal/messaging"
	"github.com/duetchat/duet/internal/metrics"
	"github.com/duetchat/duet/internal/protocol"
	"github.com/duetchat/duet/internal/stats"
	"github.com/duetchat/duet/internal/store"
)

// SearchTTL is how long a record may sit in searching before the janitor
// expires it.
const SearchTTL = 30 * time.Minute

// pairAttempts bounds how often a search retries after losing a concurrent
// pairing race: the winning match consumed the candidate, so one fresh
// candidate query is enough.
const pairAttempts = 2

// Service consumes search commands and pairs compatible searchers.
type Service struct {
	store *store.Store
	nats  *messaging.NATSClient
	brk   *breaker.Breaker
	ctx   context.Context
	stop  context.CancelFunc
}

// NewService creates a matching service on top of the given store and NATS
// client.
func NewService(st *store.Store, nc *messaging.NATSClient) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store: st,
		nats:  nc,
		brk: breaker.New(breaker.Config{
			Name:             "matcher-store",
			FailureThreshold: 3,
			Window:           60 * time.Second,
			ResetTimeout:     60 * time.Second,
			HalfOpenMax:      2,
		}),
		ctx:  ctx,
		stop: cancel,
	}
}

// Start subscribes to the search command subjects.
func (s *Service) Start() error {
	if err := s.nats.SubscribeSearchStart(s.handleStart); err != nil {
		return err
	}
	if err := s.nats.SubscribeSearchCancel(s.handleCancel); err != nil {
		return err
	}
	log.Println("[matcher] service started")
	return nil
}

// Stop shuts down command handling.
func (s *Service) Stop() {
	s.stop()
	log.Println("[matcher] service stopped")
}

func (s *Service) handleStart(data []byte) {
	var cmd StartCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Printf("[matcher] invalid start command: %v", err)
		return
	}

	if err := ValidateCriteria(&cmd.Criteria); err != nil {
		s.sendError(cmd.UserID, err.Error())
		return
	}

	err := s.startSearch(s.ctx, cmd.UserID, &cmd.Criteria)
	switch {
	case err == nil:
	case errors.Is(err, breaker.ErrOpen):
		s.sendError(cmd.UserID, "Search is temporarily unavailable, please try again shortly")
	case errors.Is(err, store.ErrNotFound):
		s.sendError(cmd.UserID, "Unknown user")
	default:
		log.Printf("[matcher] start search for %s: %v", cmd.UserID, err)
		s.sendError(cmd.UserID, "Could not start search")
	}
}

func (s *Service) handleCancel(data []byte) {
	var cmd CancelCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Printf("[matcher] invalid cancel command: %v", err)
		return
	}

	if err := s.cancelSearch(s.ctx, cmd.UserID); err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			s.sendError(cmd.UserID, "Search is temporarily unavailable, please try again shortly")
			return
		}
		log.Printf("[matcher] cancel search for %s: %v", cmd.UserID, err)
	}
}

// startSearch cancels any prior active search, inserts a fresh record, and
// attempts an immediate pairing.
func (s *Service) startSearch(ctx context.Context, userID string, criteria *protocol.SearchCriteria) error {
	var user *store.User
	if err := s.guard(func() error {
		var err error
		user, err = s.store.GetUser(ctx, userID)
		return err
	}); err != nil {
		return err
	}
	if !user.IsActive {
		s.sendError(userID, "Not connected")
		return nil
	}

	var prev *store.SearchRecord
	if err := s.guard(func() error {
		var err error
		prev, err = s.store.CancelActiveSearch(ctx, userID)
		return err
	}); err != nil {
		return err
	}
	if prev != nil {
		s.publishDelta(stats.ActionCancel, prev.Gender)
	}

	now := time.Now().UTC()
	rec := &store.SearchRecord{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		TelegramID:     user.TelegramID,
		Status:         store.StatusSearching,
		Gender:         criteria.Gender,
		Age:            criteria.Age,
		Rating:         user.Rating, // directory rating is authoritative
		DesiredGenders: criteria.DesiredGender,
		DesiredAgeMin:  criteria.DesiredAgeMin,
		DesiredAgeMax:  criteria.DesiredAgeMax,
		MinRating:      criteria.MinAcceptableRating,
		UseGeo:         criteria.UseGeolocation,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if criteria.UseGeolocation {
		rec.Longitude = criteria.Location.Longitude
		rec.Latitude = criteria.Location.Latitude
		rec.MaxDistanceKm = criteria.MaxDistance
	}

	if err := s.guard(func() error { return s.store.InsertSearch(ctx, rec) }); err != nil {
		return err
	}
	s.publishDelta(stats.ActionStart, rec.Gender)
	s.sendStatus(userID, store.StatusSearching)

	return s.tryMatch(ctx, rec)
}

// tryMatch queries candidates, picks the best, and commits the pair. Losing
// a concurrent pairing race retries once with a fresh candidate set.
func (s *Service) tryMatch(ctx context.Context, rec *store.SearchRecord) error {
	for attempt := 0; attempt < pairAttempts; attempt++ {
		var candidates []*store.SearchRecord
		if err := s.guard(func() error {
			var err error
			candidates, err = s.store.FindCandidates(ctx, rec, DesiredSet(rec.DesiredGenders))
			return err
		}); err != nil {
			return err
		}

		best := Best(rec, candidates)
		if best == nil {
			return nil // stay searching
		}

		chat := &store.ChatRecord{
			ID:        uuid.New().String(),
			UserA:     rec.UserID,
			UserB:     best.UserID,
			TelegramA: rec.TelegramID,
			TelegramB: best.TelegramID,
			Type:      store.ChatAnonymous,
			StartedAt: time.Now().UTC(),
		}
		expires := chat.StartedAt.Add(store.AnonymousChatTTL)
		chat.ExpiresAt = &expires

		rec.MatchedUserID, rec.MatchedTelegramID, rec.MatchedChatID = best.UserID, best.TelegramID, chat.ID
		best.MatchedUserID, best.MatchedTelegramID, best.MatchedChatID = rec.UserID, rec.TelegramID, chat.ID

		err := s.guard(func() error { return s.store.TransitionPair(ctx, chat, rec, best) })
		if errors.Is(err, store.ErrConflict) {
			rec.MatchedUserID, rec.MatchedTelegramID, rec.MatchedChatID = "", 0, ""
			log.Printf("[matcher] pairing race lost for %s, retrying", rec.UserID)
			continue
		}
		if err != nil {
			return err
		}

		s.notifyMatched(rec.UserID, best, chat.ID)
		s.notifyMatched(best.UserID, rec, chat.ID)
		s.publishDelta(stats.ActionMatch, rec.Gender)

		metrics.MatchesTotal.Inc()
		metrics.ActiveChats.Inc()
		metrics.MatchDuration.Observe(time.Since(rec.CreatedAt).Seconds())
		metrics.MatchDuration.Observe(time.Since(best.CreatedAt).Seconds())

		log.Printf("[matcher] matched %s with %s (chat %s)", rec.UserID, best.UserID, chat.ID)
		return nil
	}

	log.Printf("[matcher] %s lost %d pairing races, left searching", rec.UserID, pairAttempts)
	return nil
}

// cancelSearch transitions the user's active record to cancelled. With no
// active record it reports the latest terminal status instead, so a cancel
// racing a match still tells the client what happened.
func (s *Service) cancelSearch(ctx context.Context, userID string) error {
	var rec *store.SearchRecord
	if err := s.guard(func() error {
		var err error
		rec, err = s.store.CancelActiveSearch(ctx, userID)
		return err
	}); err != nil {
		return err
	}

	if rec != nil {
		s.publishDelta(stats.ActionCancel, rec.Gender)
		s.sendStatus(userID, store.StatusCancelled)
		return nil
	}

	var latest *store.SearchRecord
	err := s.guard(func() error {
		var err error
		latest, err = s.store.LatestSearch(ctx, userID)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendStatus(userID, store.StatusCancelled)
		return nil
	case err != nil:
		return err
	}

	// A cancel that raced a completed match re-reports the existing partner
	// instead of pretending the search was withdrawn.
	if latest.Status == store.StatusMatched {
		var partner *store.User
		if err := s.guard(func() error {
			var err error
			partner, err = s.store.GetUser(ctx, latest.MatchedUserID)
			return err
		}); err == nil {
			s.notifyMatched(userID, &store.SearchRecord{
				TelegramID: partner.TelegramID,
				Gender:     partner.Gender,
				Age:        partner.Age,
			}, latest.MatchedChatID)
			return nil
		}
	}
	s.sendStatus(userID, latest.Status)
	return nil
}

// guard runs fn through the store breaker. Domain errors pass through
// without counting as backend failures.
func (s *Service) guard(fn func() error) error {
	var domainErr error
	err := s.brk.Do(func() error {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrNotFound),
			errors.Is(err, store.ErrConflict):
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

func (s *Service) notifyMatched(userID string, partner *store.SearchRecord, chatID string) {
	data, err := protocol.NewServerEvent(protocol.EventSearchMatched, protocol.SearchMatchedMsg{
		MatchedUser: protocol.MatchedUser{
			TelegramID: partner.TelegramID,
			Gender:     partner.Gender,
			Age:        partner.Age,
			ChatID:     chatID,
		},
	})
	if err != nil {
		log.Printf("[matcher] encode matched event: %v", err)
		return
	}
	if err := s.nats.PublishToUser(userID, data); err != nil {
		log.Printf("[matcher] publish matched to %s: %v", userID, err)
	}
}

func (s *Service) sendStatus(userID, status string) {
	data, err := protocol.NewServerEvent(protocol.EventSearchStatus, protocol.SearchStatusMsg{Status: status})
	if err != nil {
		log.Printf("[matcher] encode status event: %v", err)
		return
	}
	if err := s.nats.PublishToUser(userID, data); err != nil {
		log.Printf("[matcher] publish status to %s: %v", userID, err)
	}
}

func (s *Service) sendError(userID, message string) {
	data, err := protocol.NewServerEvent(protocol.EventError, protocol.ErrorMsg{Message: message})
	if err != nil {
		log.Printf("[matcher] encode error event: %v", err)
		return
	}
	if err := s.nats.PublishToUser(userID, data); err != nil {
		log.Printf("[matcher] publish error to %s: %v", userID, err)
	}
}

func (s *Service) publishDelta(action, gender string) {
	switch action {
	case stats.ActionStart:
		metrics.SearchersTotal.Inc()
	case stats.ActionCancel:
		metrics.SearchersTotal.Dec()
	case stats.ActionMatch:
		metrics.SearchersTotal.Sub(2)
	}

	data, err := json.Marshal(stats.Delta{Action: action, Gender: gender})
	if err != nil {
		log.Printf("[matcher] encode stats delta: %v", err)
		return
	}
	if err := s.nats.PublishStatsDelta(data); err != nil {
		log.Printf("[matcher] publish stats delta: %v", err)
	}
}
