package ws

import (
	"sync"
	"testing"
	"time"
)

func TestTouchRefreshesLastActive(t *testing.T) {
	c := &Connection{ID: "sess-1"}

	before := time.Now()
	c.Touch()
	after := time.Now()

	got := c.LastActive()
	if got.Before(before) || got.After(after) {
		t.Errorf("LastActive() = %v, want between %v and %v", got, before, after)
	}
}

// Read workers touch the timestamp while the heartbeat sweep reads it; the
// race detector verifies the accesses stay safe.
func TestTouchConcurrentWithLastActive(t *testing.T) {
	c := &Connection{ID: "sess-1"}
	c.Touch()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if c.LastActive().IsZero() {
					return
				}
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		c.Touch()
	}
	close(stop)
	wg.Wait()

	if time.Since(c.LastActive()) > time.Second {
		t.Errorf("LastActive() = %v, want recent", c.LastActive())
	}
}
