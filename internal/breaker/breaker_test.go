package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func newTestBreaker(threshold, halfOpenMax int, window, reset time.Duration) (*Breaker, *time.Time) {
	b := New(Config{
		Name:             "test",
		FailureThreshold: threshold,
		Window:           window,
		ResetTimeout:     reset,
		HalfOpenMax:      halfOpenMax,
	})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(b *Breaker) error    { return b.Do(func() error { return errBackend }) }
func succeed(b *Breaker) error { return b.Do(func() error { return nil }) }

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 2, time.Minute, time.Minute)

	for i := 0; i < 2; i++ {
		if err := fail(b); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: got %v, want backend error", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	if err := fail(b); !errors.Is(err, errBackend) {
		t.Fatalf("third failure: got %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}

	if err := succeed(b); !errors.Is(err, ErrOpen) {
		t.Fatalf("call while open: got %v, want ErrOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute, time.Minute)

	fail(b)
	fail(b)
	succeed(b)
	fail(b)
	fail(b)

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (success reset the count)", got)
	}
}

func TestBreakerWindowResetsCount(t *testing.T) {
	b, now := newTestBreaker(3, 1, 10*time.Second, time.Minute)

	fail(b)
	fail(b)
	*now = now.Add(11 * time.Second) // window elapses, count restarts
	fail(b)
	fail(b)

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (stale failures discarded)", got)
	}

	fail(b)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(1, 2, time.Minute, 30*time.Second)

	fail(b)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	*now = now.Add(30 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after reset timeout = %v, want half-open", got)
	}

	// Two consecutive probe successes are required to close.
	if err := succeed(b); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after one probe = %v, want half-open", got)
	}
	if err := succeed(b); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after two probes = %v, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, 2, time.Minute, 30*time.Second)

	fail(b)
	*now = now.Add(30 * time.Second)

	if err := succeed(b); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if err := fail(b); !errors.Is(err, errBackend) {
		t.Fatalf("second probe: got %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}

	// Re-opened breaker needs a fresh reset timeout before probing again.
	if err := succeed(b); !errors.Is(err, ErrOpen) {
		t.Fatalf("call right after re-open: got %v, want ErrOpen", err)
	}

	*now = now.Add(30 * time.Second)
	succeed(b)
	succeed(b)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after second recovery = %v, want closed", got)
	}
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b, now := newTestBreaker(1, 2, time.Minute, time.Second)

	fail(b)
	*now = now.Add(time.Second)

	block := make(chan struct{})
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Do(func() error { <-block; return nil })
		}()
	}

	// Both probe slots are taken; a third caller is rejected immediately.
	waitForProbes(t, b, 2)
	if err := succeed(b); !errors.Is(err, ErrOpen) {
		t.Fatalf("third probe: got %v, want ErrOpen", err)
	}

	close(block)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func waitForProbes(t *testing.T, b *Breaker, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		probes := b.probes
		b.mu.Unlock()
		if probes >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("probes never reached %d", n)
}
