// Package admission implements the Admission Controller (spec.md §4.1): a
// rate-pacing gate shared by every worker calling a given downstream
// (the Forum Client or the Content Enricher each own their own instance, per
// spec.md §4.4's "separate failure domain").
//
// Two variants share the same Controller contract. Local paces one process;
// Shared paces a fleet of worker processes that share one local store file by
// keying into a process-wide registry instead of a private field, matching
// spec.md §9's "process-safe admission variant".
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nullflux/reddit-scrape-engine/internal/cluster"
)

// Outcome classifies the result of the single attempt a caller made after
// Acquire returned.
type Outcome int

const (
	// OutcomeOK is a successful call.
	OutcomeOK Outcome = iota
	// OutcomeRateLimited is a 429-equivalent response.
	OutcomeRateLimited
	// OutcomeError is any other failed call (timeout, 5xx, transport error).
	OutcomeError
)

// defaultWindowSize is the rolling window of recent outcomes the adaptive
// policy evaluates (spec.md §4.1: "default 100").
const defaultWindowSize = 100

// Controller is the shared contract both variants implement.
type Controller interface {
	// Acquire blocks until the next slot is available or ctx is cancelled. If
	// ctx is cancelled while waiting, the token is not consumed. If Acquire
	// returns nil, the caller must make a single attempt and report its
	// outcome via RecordOutcome.
	Acquire(ctx context.Context) (waited time.Duration, err error)
	// RecordOutcome feeds one outcome into the adaptive rolling window.
	RecordOutcome(o Outcome)
	// CurrentRate returns the controller's current grant rate, in calls/sec.
	CurrentRate() float64
}

// window is a fixed-capacity ring buffer of recent Outcomes used by both
// variants to compute a rolling error rate.
type window struct {
	mu     sync.Mutex
	buf    []Outcome
	pos    int
	filled bool
}

func newWindow(size int) *window {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &window{buf: make([]Outcome, size)}
}

func (w *window) record(o Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.pos] = o
	w.pos = (w.pos + 1) % len(w.buf)
	if w.pos == 0 {
		w.filled = true
	}
}

// errorRate returns the fraction of recorded outcomes that were errors or
// rate-limited, over whatever has been recorded so far (0 if empty).
func (w *window) errorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.pos
	if w.filled {
		n = len(w.buf)
	}
	if n == 0 {
		return 0
	}
	errs := 0
	for i := 0; i < n; i++ {
		if w.buf[i] != OutcomeOK {
			errs++
		}
	}
	return float64(errs) / float64(n)
}

// adapt applies spec.md §4.1's multiplicative adjustment to cur, bounded to
// [minRate, maxRate].
func adapt(cur, minRate, maxRate, errRate float64) float64 {
	switch {
	case errRate > 0.30:
		cur *= 0.5
	case errRate < 0.05:
		cur *= 1.1
	}
	if cur < minRate {
		cur = minRate
	}
	if cur > maxRate {
		cur = maxRate
	}
	return cur
}

// Local paces one process's calls to a downstream using a token-bucket
// limiter, adapting its rate to the observed error rate.
type Local struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	minRate float64
	maxRate float64
	win     *window
}

// NewLocal creates a Local admission controller starting at initialRate
// calls/sec, bounded to [minRate, maxRate].
func NewLocal(initialRate, minRate, maxRate float64) *Local {
	if initialRate <= 0 {
		initialRate = 1
	}
	return &Local{
		limiter: rate.NewLimiter(rate.Limit(initialRate), 1),
		minRate: minRate,
		maxRate: maxRate,
		win:     newWindow(defaultWindowSize),
	}
}

// Acquire reserves the next token from the limiter and waits out its delay,
// returning early with an error (and without consuming the token) if ctx is
// cancelled first.
func (l *Local) Acquire(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()

	r := lim.ReserveN(time.Now(), 1)
	if !r.OK() {
		return 0, errors.New("admission: reservation exceeds limiter burst")
	}
	delay := r.Delay()
	if delay <= 0 {
		return 0, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return delay, nil
	case <-ctx.Done():
		r.Cancel() // token is not consumed
		return 0, ctx.Err()
	}
}

// RecordOutcome feeds o into the rolling window and applies the adaptive
// multiplicative adjustment to the limiter's rate.
func (l *Local) RecordOutcome(o Outcome) {
	l.win.record(o)
	errRate := l.win.errorRate()

	l.mu.Lock()
	defer l.mu.Unlock()
	next := adapt(float64(l.limiter.Limit()), l.minRate, l.maxRate, errRate)
	l.limiter.SetLimit(rate.Limit(next))
}

// CurrentRate returns the limiter's current rate in calls/sec.
func (l *Local) CurrentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.limiter.Limit())
}

// sharedLine is one shared pacing line: a single logical rate limiter keyed
// by domain, visible to every Shared controller constructed with that key
// within this process (the Go analogue of the "shared memory" spec.md §4.1
// describes for a multi-process fleet — a real multi-process deployment
// would back this registry with a memory-mapped file or Redis INCR instead).
type sharedLine struct {
	limiter *rate.Limiter
	minRate float64
	maxRate float64
	win     *window
	mu      sync.Mutex
}

var (
	registryMu sync.Mutex
	registry   = map[string]*sharedLine{}
	regLock    = cluster.NewInMemoryLock()
)

func sharedLineFor(key string, initialRate, minRate, maxRate float64) *sharedLine {
	registryMu.Lock()
	defer registryMu.Unlock()
	if sl, ok := registry[key]; ok {
		return sl
	}
	if initialRate <= 0 {
		initialRate = 1
	}
	sl := &sharedLine{
		limiter: rate.NewLimiter(rate.Limit(initialRate), 1),
		minRate: minRate,
		maxRate: maxRate,
		win:     newWindow(defaultWindowSize),
	}
	registry[key] = sl
	return sl
}

// Shared paces every Controller constructed with the same key against one
// logical pacing line, the way a fleet of worker processes sharing a single
// local store file must observe one rate against the remote endpoint.
type Shared struct {
	key  string
	line *sharedLine
}

// NewShared returns a Shared admission controller for key, creating the
// shared pacing line on first use.
func NewShared(key string, initialRate, minRate, maxRate float64) *Shared {
	return &Shared{
		key:  key,
		line: sharedLineFor(key, initialRate, minRate, maxRate),
	}
}

// Acquire behaves like Local.Acquire but against the shared pacing line for
// s.key, serialized through an in-memory distributed-lock stand-in so two
// Shared controllers never double-grant the same instant.
func (s *Shared) Acquire(ctx context.Context) (time.Duration, error) {
	if err := regLock.Lock(ctx, s.key); err != nil {
		return 0, err
	}
	defer regLock.Unlock(s.key)

	s.line.mu.Lock()
	lim := s.line.limiter
	s.line.mu.Unlock()

	r := lim.ReserveN(time.Now(), 1)
	if !r.OK() {
		return 0, errors.New("admission: reservation exceeds limiter burst")
	}
	delay := r.Delay()
	if delay <= 0 {
		return 0, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return delay, nil
	case <-ctx.Done():
		r.Cancel()
		return 0, ctx.Err()
	}
}

// RecordOutcome feeds o into the shared line's rolling window.
func (s *Shared) RecordOutcome(o Outcome) {
	s.line.win.record(o)
	errRate := s.line.win.errorRate()

	s.line.mu.Lock()
	defer s.line.mu.Unlock()
	next := adapt(float64(s.line.limiter.Limit()), s.line.minRate, s.line.maxRate, errRate)
	s.line.limiter.SetLimit(rate.Limit(next))
}

// CurrentRate returns the shared line's current rate in calls/sec.
func (s *Shared) CurrentRate() float64 {
	s.line.mu.Lock()
	defer s.line.mu.Unlock()
	return float64(s.line.limiter.Limit())
}

// Contention reports how many goroutines are currently holding or waiting
// on s.key's distributed lock, i.e. how many Acquire calls are backed up
// behind this pacing line right now.
func (s *Shared) Contention() int {
	return regLock.Contention(s.key)
}

// resetRegistryForTest clears the shared-line registry; test-only.
func resetRegistryForTest() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]*sharedLine{}
}

var _ Controller = (*Local)(nil)
var _ Controller = (*Shared)(nil)
