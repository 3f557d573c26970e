// Package breaker implements the per-endpoint Circuit Breaker (spec.md §4.2):
// closed -> open on failure_count >= failure_threshold consecutive failures
// (a success while closed resets the count), open -> half_open after cool_down, half_open -> closed on
// success_threshold consecutive successes, and any half-open failure sends
// it back to open. No circuit-breaker library appears anywhere in the
// example pack, so this is a small hand-rolled state machine rather than an
// adopted dependency (see DESIGN.md).
package breaker

import (
	"sync"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/errs"
)

// State is one of the three circuit states.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker's tunable thresholds (spec.md §4.2 defaults:
// failure_threshold=5, cool_down=30s, success_threshold=2).
type Config struct {
	FailureThreshold int
	CoolDown         time.Duration
	SuccessThreshold int
}

// DefaultConfig returns spec.md §4.2's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker is a per-endpoint circuit breaker. Callers wrap each attempt with
// Allow/RecordSuccess/RecordFailure, or use Call as a decorator.
type Breaker struct {
	mu sync.Mutex

	key string
	cfg Config

	state              State
	failureCount       int
	halfOpenSuccesses  int
	openedAt           time.Time
}

// New returns a Breaker for endpointKey, closed.
func New(endpointKey string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultConfig().CoolDown
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	return &Breaker{key: endpointKey, cfg: cfg, state: StateClosed}
}

// Key returns the endpoint key this breaker guards.
func (b *Breaker) Key() string { return b.key }

// Allow reports whether a call may proceed. While open, it evaluates whether
// cool_down has elapsed and transitions to half_open, admitting exactly the
// probe call that observes the transition. While open and cool_down has not
// elapsed, it returns false without consuming admission, per spec.md §4.2.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.CoolDown {
			b.state = StateHalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call. In half_open, success_threshold
// consecutive successes close the breaker; in closed, it resets the failure
// count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.halfOpenSuccesses = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure reports a failed call. Any failure while half_open reopens
// the breaker immediately; in closed, failure_count accumulates until it
// reaches failure_threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// trip transitions into open; caller holds b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.halfOpenSuccesses = 0
}

// CurrentState returns the breaker's current state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CoolDown returns the breaker's configured cool_down duration. Callers
// outside this package use it to derive their own timeouts relative to the
// breaker's own policy (e.g. the Scheduler's error budget, spec.md §4.7:
// "circuit stays open longer than cool_down*5").
func (b *Breaker) CoolDown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.CoolDown
}

// OpenSince returns how long the breaker has been continuously open, or 0 if
// it is not open. The Scheduler's error budget (spec.md §4.7: "circuit stays
// open longer than cool_down * 5") reads this directly.
func (b *Breaker) OpenSince() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	return time.Since(b.openedAt)
}

// Call runs fn only if Allow reports true, recording its outcome, and
// returns errs.ErrCircuitOpen (classified Transient) when short-circuited.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return errs.Transient("breaker."+b.key, errs.ErrCircuitOpen)
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
