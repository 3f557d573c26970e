package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

// runState tracks one session's in-flight progress across its worker
// goroutines. Store counters (posts_scraped/users_scraped) are maintained by
// the Store itself inside UpsertPosts/UpsertUsers; runState additionally
// tracks errors and the target total so progress and the error budget
// (spec.md §4.7) can be evaluated without re-reading the Store on every
// batch.
type runState struct {
	sessionID string
	target    int64
	observed  int64
	errorsVal int64
	stoppedAt int32

	publishMu   sync.Mutex
	lastPublish time.Time
}

func newRunState(sess store.Session) *runState {
	var target int64
	for _, e := range sess.Plan {
		target += int64(e.TargetCount)
	}
	if target == 0 {
		target = 1
	}
	return &runState{sessionID: sess.SessionID, target: target}
}

func (r *runState) addObserved(n int) { atomic.AddInt64(&r.observed, int64(n)) }

func (r *runState) addError() int64 { return atomic.AddInt64(&r.errorsVal, 1) }

func (r *runState) errorCount() int64 { return atomic.LoadInt64(&r.errorsVal) }

func (r *runState) progress() float64 {
	obs := atomic.LoadInt64(&r.observed)
	p := float64(obs) / float64(r.target)
	if p > 1 {
		p = 1
	}
	return p
}

func (r *runState) markStopped() { atomic.StoreInt32(&r.stoppedAt, 1) }

func (r *runState) stopped() bool { return atomic.LoadInt32(&r.stoppedAt) == 1 }

// shouldPublish reports whether enough time has elapsed since the last
// publish to emit another progress event for this session, per the
// coalescing rule. Callers that get false should skip the publish.
func (r *runState) shouldPublish(interval time.Duration) bool {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	now := time.Now()
	if now.Sub(r.lastPublish) < interval {
		return false
	}
	r.lastPublish = now
	return true
}

// backoffDelay computes spec.md §4.7's worker-local backoff:
// base*factor^(attempt-1), capped.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.WorkerBaseBackoff)
	for i := 1; i < attempt; i++ {
		d *= cfg.WorkerBackoffFactor
	}
	capped := float64(cfg.WorkerBackoffCap)
	if d > capped {
		d = capped
	}
	return time.Duration(d)
}
