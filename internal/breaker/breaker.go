// Package breaker implements a small circuit breaker used to shield callers
// from a struggling backend. Failures within a rolling window trip the
// breaker open; after a cool-down it admits a limited number of probe calls,
// and closes again once enough consecutive probes succeed.
package breaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker rejects the call outright.
var ErrOpen = errors.New("breaker: open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls breaker behavior.
type Config struct {
	Name             string        // label used in logs
	FailureThreshold int           // failures within Window that trip the breaker
	Window           time.Duration // rolling window for counting failures
	ResetTimeout     time.Duration // how long to stay open before probing
	HalfOpenMax      int           // consecutive probe successes required to close
}

// Breaker tracks backend health and gates calls through Do.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time // start of the current failure window
	openedAt     time.Time
	probes       int // attempts admitted since entering half-open
	successes    int // consecutive probe successes in this half-open cycle

	now func() time.Time // test hook
}

// New returns a closed breaker with the given config.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// State returns the current state, transitioning open to half-open when the
// reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.probes = 0
		b.successes = 0
		log.Printf("[breaker] %s: open -> half-open", b.cfg.Name)
	}
	return b.state
}

// Do runs fn through the breaker. While open it returns ErrOpen without
// calling fn. While half-open it admits up to HalfOpenMax probe attempts;
// that many consecutive successes close the breaker, any failure re-opens it.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.stateLocked() {
	case StateOpen:
		b.mu.Unlock()
		return ErrOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			log.Printf("[breaker] %s: half-open -> closed", b.cfg.Name)
			b.state = StateClosed
			b.failures = 0
			b.probes = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) onFailureLocked() {
	now := b.now()

	if b.state == StateHalfOpen {
		b.trip(now)
		return
	}

	if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.Window {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++

	if b.failures >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	if b.state != StateOpen {
		log.Printf("[breaker] %s: %s -> open", b.cfg.Name, b.state)
	}
	b.state = StateOpen
	b.openedAt = now
	b.failures = 0
	b.probes = 0
	b.successes = 0
}
