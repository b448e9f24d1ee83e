package stats

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duetchat/duet/internal/protocol"
	"github.com/duetchat/duet/internal/store"
)

// fakeSource serves canned aggregates and records query counts.
type fakeSource struct {
	mu        sync.Mutex
	searching [3]int
	online    [3]int
	avgs      [3]float64
	matches   int
	active    map[string]*store.SearchRecord
	queries   int
}

func (f *fakeSource) SearchingCounts(ctx context.Context) (int, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.searching[0], f.searching[1], f.searching[2], nil
}

func (f *fakeSource) OnlineCounts(ctx context.Context, window time.Duration) (int, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[0], f.online[1], f.online[2], nil
}

func (f *fakeSource) MatchAverages(ctx context.Context) (float64, float64, float64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avgs[0], f.avgs[1], f.avgs[2], f.matches, nil
}

func (f *fakeSource) ActiveSearch(ctx context.Context, userID string) (*store.SearchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.active[userID]; ok {
		return rec, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeSource) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// fakeConn records every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestApplyDelta(t *testing.T) {
	tests := []struct {
		name  string
		start protocol.SearchStatsMsg
		delta Delta
		want  protocol.SearchStatsMsg
	}{
		{
			name:  "start increments total and gender",
			start: protocol.SearchStatsMsg{Total: 3, Male: 2, Female: 1},
			delta: Delta{Action: ActionStart, Gender: "female"},
			want:  protocol.SearchStatsMsg{Total: 4, Male: 2, Female: 2},
		},
		{
			name:  "cancel decrements total and gender",
			start: protocol.SearchStatsMsg{Total: 3, Male: 2, Female: 1},
			delta: Delta{Action: ActionCancel, Gender: "male"},
			want:  protocol.SearchStatsMsg{Total: 2, Male: 1, Female: 1},
		},
		{
			name:  "cancel clamps at zero",
			start: protocol.SearchStatsMsg{},
			delta: Delta{Action: ActionCancel, Gender: "male"},
			want:  protocol.SearchStatsMsg{},
		},
		{
			name:  "match removes both from total, one gender, counts the match",
			start: protocol.SearchStatsMsg{Total: 5, Male: 3, Female: 2},
			delta: Delta{Action: ActionMatch, Gender: "male"},
			want: protocol.SearchStatsMsg{
				Total: 3, Male: 2, Female: 2,
				AvgSearchTime: protocol.AvgSearchTimes{Matches24: 1},
			},
		},
		{
			name:  "match clamps total below two searchers",
			start: protocol.SearchStatsMsg{Total: 1, Male: 1},
			delta: Delta{Action: ActionMatch, Gender: "male"},
			want: protocol.SearchStatsMsg{
				Male:          0,
				AvgSearchTime: protocol.AvgSearchTimes{Matches24: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.start
			applyDelta(&got, tt.delta)
			if got != tt.want {
				t.Errorf("applyDelta() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSnapshotCaching(t *testing.T) {
	src := &fakeSource{searching: [3]int{4, 2, 2}}
	b := NewBroadcaster(src)
	defer b.Stop()

	for i := 0; i < 3; i++ {
		snap, _, err := b.snapshot(context.Background())
		if err != nil {
			t.Fatalf("snapshot() error: %v", err)
		}
		if snap.Total != 4 {
			t.Fatalf("snapshot Total = %d, want 4", snap.Total)
		}
	}

	if n := src.queryCount(); n != 1 {
		t.Errorf("store queried %d times within TTL, want 1", n)
	}
}

func TestDebounceCoalescesBroadcasts(t *testing.T) {
	src := &fakeSource{}
	b := NewBroadcaster(src)
	defer b.Stop()
	b.debounce = 30 * time.Millisecond

	conn := &fakeConn{}
	b.mu.Lock()
	b.subs["s1"] = subscriber{userID: "u1", conn: conn}
	b.mu.Unlock()

	for i := 0; i < 10; i++ {
		b.OnDelta([]byte(`{"action":"start","gender":"male"}`))
	}

	time.Sleep(150 * time.Millisecond)

	if n := conn.frameCount(); n != 1 {
		t.Errorf("got %d broadcasts for 10 deltas in one window, want 1", n)
	}
}

func TestBroadcastReentranceSetsPending(t *testing.T) {
	src := &fakeSource{}
	b := NewBroadcaster(src)
	defer b.Stop()
	b.debounce = time.Millisecond

	conn := &fakeConn{}
	b.mu.Lock()
	b.subs["s1"] = subscriber{userID: "u1", conn: conn}
	b.running = true // simulate a broadcast in flight
	b.mu.Unlock()

	b.Nudge()
	time.Sleep(20 * time.Millisecond)

	b.mu.Lock()
	pending := b.pending
	b.mu.Unlock()
	if !pending {
		t.Fatal("nudge during a running broadcast did not set the pending flag")
	}
	if n := conn.frameCount(); n != 0 {
		t.Fatalf("broadcast ran concurrently with the in-flight one (%d frames)", n)
	}

	// Completing the in-flight broadcast re-arms exactly one more send.
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	b.broadcast()
	time.Sleep(20 * time.Millisecond)

	if n := conn.frameCount(); n == 0 {
		t.Error("pending broadcast never ran after the in-flight one completed")
	}
}

func TestSubscribeCountsOwnFreshSearch(t *testing.T) {
	src := &fakeSource{
		searching: [3]int{2, 1, 1},
		active: map[string]*store.SearchRecord{
			"u9": {UserID: "u9", Gender: "male", CreatedAt: time.Now().Add(time.Hour)},
		},
	}
	b := NewBroadcaster(src)
	defer b.Stop()

	conn := &fakeConn{}
	b.Subscribe(context.Background(), "s9", "u9", conn)

	if n := conn.frameCount(); n != 1 {
		t.Fatalf("subscriber received %d frames, want immediate snapshot", n)
	}

	conn.mu.Lock()
	frame := string(conn.frames[0])
	conn.mu.Unlock()

	// Snapshot said 2 searching; the subscriber's own newer record bumps it.
	if !strings.Contains(frame, `"t":3`) {
		t.Errorf("snapshot %s does not reflect the subscriber's own search", frame)
	}
	if !strings.Contains(frame, `"m":2`) {
		t.Errorf("snapshot %s does not bump the subscriber's gender bucket", frame)
	}
}

func TestSubscribeSkipsSearchAlreadyCountedByDelta(t *testing.T) {
	src := &fakeSource{
		searching: [3]int{2, 1, 1},
		active: map[string]*store.SearchRecord{
			"u9": {UserID: "u9", Gender: "male", CreatedAt: time.Now().Add(time.Hour)},
		},
	}
	b := NewBroadcaster(src)
	defer b.Stop()

	// Prime the cache, then fold the subscriber's own start in as a delta.
	if _, _, err := b.snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot() error: %v", err)
	}
	b.OnDelta([]byte(`{"action":"start","gender":"male"}`))

	conn := &fakeConn{}
	b.Subscribe(context.Background(), "s9", "u9", conn)

	if n := conn.frameCount(); n != 1 {
		t.Fatalf("subscriber received %d frames, want immediate snapshot", n)
	}

	conn.mu.Lock()
	frame := string(conn.frames[0])
	conn.mu.Unlock()

	// The delta already counted the search; the self-bump must not repeat it.
	if !strings.Contains(frame, `"t":3`) {
		t.Errorf("snapshot %s counted the subscriber's search twice", frame)
	}
	if !strings.Contains(frame, `"m":2`) {
		t.Errorf("snapshot %s double-bumped the subscriber's gender bucket", frame)
	}
}
