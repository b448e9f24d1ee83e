// Package janitor runs the periodic maintenance sweeps of the matching
// service: expiring stale searches, ending chats past their TTL, and purging
// old ended chats.
package janitor

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/duetchat/duet/internal/match"
	"github.com/duetchat/duet/internal/messaging"
	"github.com/duetchat/duet/internal/metrics"
	"github.com/duetchat/duet/internal/protocol"
	"github.com/duetchat/duet/internal/stats"
	"github.com/duetchat/duet/internal/store"
)

const (
	searchSweepInterval = 30 * time.Second
	chatSweepInterval   = time.Minute
	purgeSweepInterval  = 24 * time.Hour

	// purgeRetention is how long ended anonymous chats are kept before the
	// daily sweep deletes them along with their messages.
	purgeRetention = 30 * 24 * time.Hour
)

// Janitor owns the background sweep loops.
type Janitor struct {
	store *store.Store
	nats  *messaging.NATSClient
	ctx   context.Context
	stop  context.CancelFunc
}

// New creates a janitor over the given store and NATS client.
func New(st *store.Store, nc *messaging.NATSClient) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{store: st, nats: nc, ctx: ctx, stop: cancel}
}

// Start launches the sweep loops.
func (j *Janitor) Start() {
	go j.loop(searchSweepInterval, j.sweepSearches)
	go j.loop(chatSweepInterval, j.sweepChats)
	go j.loop(purgeSweepInterval, j.purgeChats)
	log.Println("[janitor] started")
}

// Stop terminates the sweep loops.
func (j *Janitor) Stop() {
	j.stop()
	log.Println("[janitor] stopped")
}

func (j *Janitor) loop(interval time.Duration, sweep func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			sweep(j.ctx)
		}
	}
}

// sweepSearches expires records stuck in searching past the search TTL and
// notifies their owners.
func (j *Janitor) sweepSearches(ctx context.Context) {
	expired, err := j.store.ExpireStale(ctx, match.SearchTTL)
	if err != nil {
		log.Printf("[janitor] expire searches: %v", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	for _, rec := range expired {
		data, err := protocol.NewServerEvent(protocol.EventSearchExpired, protocol.SearchExpiredMsg{})
		if err != nil {
			log.Printf("[janitor] encode expired event: %v", err)
			continue
		}
		if err := j.nats.PublishToUser(rec.UserID, data); err != nil {
			log.Printf("[janitor] notify expired search %s: %v", rec.ID, err)
		}

		// Each expired record leaves the searching pool, same as a cancel.
		delta, err := json.Marshal(stats.Delta{Action: stats.ActionCancel, Gender: rec.Gender})
		if err != nil {
			continue
		}
		if err := j.nats.PublishStatsDelta(delta); err != nil {
			log.Printf("[janitor] publish stats delta: %v", err)
		}
	}

	log.Printf("[janitor] expired %d stale searches", len(expired))
}

// sweepChats ends active chats whose TTL has passed and notifies the rooms.
func (j *Janitor) sweepChats(ctx context.Context) {
	ended, err := j.store.ExpireChats(ctx)
	if err != nil {
		log.Printf("[janitor] expire chats: %v", err)
		return
	}
	if len(ended) == 0 {
		return
	}

	for _, chat := range ended {
		data, err := protocol.NewServerEvent(protocol.EventChatEnded, protocol.ChatEndedMsg{
			ChatID: chat.ID,
			Reason: "expired",
		})
		if err != nil {
			log.Printf("[janitor] encode ended event: %v", err)
			continue
		}
		env, err := messaging.EncodeRoomEnvelope("", data)
		if err != nil {
			log.Printf("[janitor] encode room envelope: %v", err)
			continue
		}
		if err := j.nats.PublishToRoom(chat.ID, env); err != nil {
			log.Printf("[janitor] notify ended chat %s: %v", chat.ID, err)
		}
	}

	metrics.ActiveChats.Sub(float64(len(ended)))
	log.Printf("[janitor] ended %d expired chats", len(ended))
}

// purgeChats deletes ended anonymous chats past the retention cutoff.
func (j *Janitor) purgeChats(ctx context.Context) {
	n, err := j.store.PurgeEndedBefore(ctx, time.Now().Add(-purgeRetention))
	if err != nil {
		log.Printf("[janitor] purge chats: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[janitor] purged %d ended chats", n)
	}
}
