package stats

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/duetchat/duet/internal/protocol"
	"github.com/duetchat/duet/internal/store"
)

const (
	snapshotTTL   = 5 * time.Second
	debounceDelay = 2 * time.Second
	onlineWindow  = 30 * time.Second
)

// Source is the slice of the store the broadcaster aggregates over.
type Source interface {
	SearchingCounts(ctx context.Context) (total, male, female int, err error)
	OnlineCounts(ctx context.Context, window time.Duration) (total, male, female int, err error)
	MatchAverages(ctx context.Context) (avgTotal, avgMale, avgFemale float64, matches int, err error)
	ActiveSearch(ctx context.Context, userID string) (*store.SearchRecord, error)
}

// sender is the outbound half of a subscriber connection.
type sender interface {
	WriteMessage(data []byte) error
}

type subscriber struct {
	userID string
	conn   sender
}

// Broadcaster serves live search statistics to subscribed sessions. A cached
// snapshot bounds database load; matcher deltas keep it current between
// refreshes; broadcasts are debounced so bursts of transitions produce one
// send.
type Broadcaster struct {
	src Source

	mu        sync.Mutex
	snap      protocol.SearchStatsMsg
	fetchedAt time.Time
	startSeen map[string]bool       // gender buckets with a start delta folded in since fetchedAt
	subs      map[string]subscriber // sessionID -> subscriber
	armed     bool                  // debounce timer pending
	running   bool                  // broadcast in progress
	pending   bool                  // another broadcast requested while running

	debounce time.Duration // overridable in tests
	ctx      context.Context
	stop     context.CancelFunc
}

// NewBroadcaster creates a Broadcaster over the given store.
func NewBroadcaster(src Source) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		src:       src,
		startSeen: make(map[string]bool),
		subs:      make(map[string]subscriber),
		debounce:  debounceDelay,
		ctx:       ctx,
		stop:      cancel,
	}
}

// Stop cancels any pending broadcast work.
func (b *Broadcaster) Stop() {
	b.stop()
}

// Subscribe adds a session to the stats room and pushes the current snapshot
// immediately. A subscriber whose own search is newer than the cached
// snapshot sees itself counted, so a fresh searcher is never under-reported.
// When a start delta for that gender already reached the cache, the search is
// assumed to be counted and the bump is skipped.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID, userID string, conn sender) {
	b.mu.Lock()
	b.subs[sessionID] = subscriber{userID: userID, conn: conn}
	b.mu.Unlock()

	snap, fetchedAt, err := b.snapshot(ctx)
	if err != nil {
		log.Printf("[stats] snapshot failed for subscriber %s: %v", sessionID, err)
		return
	}

	if rec, err := b.src.ActiveSearch(ctx, userID); err == nil && rec != nil && rec.CreatedAt.After(fetchedAt) {
		b.mu.Lock()
		counted := b.startSeen[rec.Gender]
		b.mu.Unlock()
		if !counted {
			applyDelta(&snap, Delta{Action: ActionStart, Gender: rec.Gender})
		}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[stats] self-search lookup failed user=%s: %v", userID, err)
	}

	b.push(sessionID, conn, snap)
}

// Unsubscribe removes a session from the stats room.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	b.mu.Lock()
	delete(b.subs, sessionID)
	b.mu.Unlock()
}

// OnDelta consumes a matcher transition delta from NATS and schedules a
// debounced broadcast.
func (b *Broadcaster) OnDelta(data []byte) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		log.Printf("[stats] bad delta: %v", err)
		return
	}

	b.mu.Lock()
	if time.Since(b.fetchedAt) < snapshotTTL && knownGender(d.Gender) {
		applyDelta(&b.snap, d)
		if d.Action == ActionStart {
			b.startSeen[d.Gender] = true
		}
	} else {
		// Stale cache or unknown gender: force a full recompute.
		b.fetchedAt = time.Time{}
	}
	b.mu.Unlock()

	b.Nudge()
}

// Nudge requests a broadcast. Requests inside the debounce window coalesce
// into a single send of the final snapshot.
func (b *Broadcaster) Nudge() {
	b.mu.Lock()
	if b.armed {
		b.mu.Unlock()
		return
	}
	b.armed = true
	b.mu.Unlock()

	time.AfterFunc(b.debounce, b.broadcast)
}

// broadcast recomputes the snapshot if needed and sends it to every
// subscriber. A broadcast already in flight sets the pending flag instead of
// running concurrently; the in-flight one re-arms the timer on completion.
func (b *Broadcaster) broadcast() {
	b.mu.Lock()
	b.armed = false
	if b.running {
		b.pending = true
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	snap, _, err := b.snapshot(b.ctx)
	if err != nil {
		log.Printf("[stats] snapshot failed: %v", err)
	} else {
		b.mu.Lock()
		subs := make(map[string]subscriber, len(b.subs))
		for id, sub := range b.subs {
			subs[id] = sub
		}
		b.mu.Unlock()

		for id, sub := range subs {
			b.push(id, sub.conn, snap)
		}
	}

	b.mu.Lock()
	rearm := b.pending
	b.pending = false
	b.running = false
	b.mu.Unlock()

	if rearm {
		b.Nudge()
	}
}

// snapshot returns the cached snapshot, recomputing it from the store when
// the TTL has lapsed. The fetch time of the returned snapshot is included so
// callers can reason about its age.
func (b *Broadcaster) snapshot(ctx context.Context) (protocol.SearchStatsMsg, time.Time, error) {
	b.mu.Lock()
	if time.Since(b.fetchedAt) < snapshotTTL {
		snap, at := b.snap, b.fetchedAt
		b.mu.Unlock()
		return snap, at, nil
	}
	b.mu.Unlock()

	total, male, female, err := b.src.SearchingCounts(ctx)
	if err != nil {
		return protocol.SearchStatsMsg{}, time.Time{}, err
	}
	onTotal, onMale, onFemale, err := b.src.OnlineCounts(ctx, onlineWindow)
	if err != nil {
		return protocol.SearchStatsMsg{}, time.Time{}, err
	}
	avgTotal, avgMale, avgFemale, matches, err := b.src.MatchAverages(ctx)
	if err != nil {
		return protocol.SearchStatsMsg{}, time.Time{}, err
	}

	snap := protocol.SearchStatsMsg{
		Total:  total,
		Male:   male,
		Female: female,
		Online: protocol.GenderCounts{Total: onTotal, Male: onMale, Female: onFemale},
		AvgSearchTime: protocol.AvgSearchTimes{
			Total:     avgTotal,
			Male:      avgMale,
			Female:    avgFemale,
			Matches24: matches,
		},
	}

	now := time.Now()
	b.mu.Lock()
	b.snap = snap
	b.fetchedAt = now
	b.startSeen = make(map[string]bool)
	b.mu.Unlock()
	return snap, now, nil
}

func (b *Broadcaster) push(sessionID string, conn sender, snap protocol.SearchStatsMsg) {
	data, err := protocol.NewServerEvent(protocol.EventSearchStats, snap)
	if err != nil {
		log.Printf("[stats] failed to build stats event: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[stats] push failed session=%s: %v", sessionID, err)
	}
}

// applyDelta mutates a snapshot for one matcher transition. A match removes
// both participants from the searching counts but only the reporting
// participant's gender bucket; the partner's bucket is corrected by the next
// full refresh.
func applyDelta(s *protocol.SearchStatsMsg, d Delta) {
	switch d.Action {
	case ActionStart:
		s.Total++
		bump(s, d.Gender, 1)
	case ActionCancel:
		s.Total = max0(s.Total - 1)
		bump(s, d.Gender, -1)
	case ActionMatch:
		s.Total = max0(s.Total - 2)
		bump(s, d.Gender, -1)
		s.AvgSearchTime.Matches24++
	}
}

func bump(s *protocol.SearchStatsMsg, gender string, by int) {
	switch gender {
	case "male":
		s.Male = max0(s.Male + by)
	case "female":
		s.Female = max0(s.Female + by)
	}
}

func knownGender(g string) bool {
	return g == "male" || g == "female"
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
