// Package sessionengine implements the durable Session Engine state machine
// (spec.md §4.7): accept -> plan -> run -> complete/fail/stop, with partial
// progress counters and resumability after restart. It owns session
// lifecycle and persistence; the actual fan-out fetch loop lives in
// internal/scheduler and is invoked through the Runner seam below so this
// package never needs to know about admission/circuit/forumclient.
package sessionengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nullflux/reddit-scrape-engine/internal/errs"
	"github.com/nullflux/reddit-scrape-engine/internal/eventbus"
	"github.com/nullflux/reddit-scrape-engine/internal/logger"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

// Runner executes one session's plan to completion, honoring ctx
// cancellation and observing status transitions to stopping between
// batches (spec.md §4.7's "Execution"). It writes its own progress and
// counters through the Store directly; sessionengine only needs to know it
// eventually returns.
type Runner interface {
	Run(ctx context.Context, session store.Session) error
}

// Config holds the Session Engine's tunable timing parameters.
type Config struct {
	DrainTimeout     time.Duration
	CoalesceInterval time.Duration
}

// DefaultConfig returns spec.md §4.7's defaults (drain_timeout=30s).
func DefaultConfig() Config {
	return Config{DrainTimeout: 30 * time.Second, CoalesceInterval: 250 * time.Millisecond}
}

// Engine is the durable session lifecycle manager.
type Engine struct {
	store  *store.Store
	bus    *eventbus.Bus
	runner Runner
	log    *logger.Logger
	cfg    Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	watchdogStop chan struct{}
	watchdogOnce sync.Once
}

// New builds an Engine. Call StartWatchdog once the process is ready to
// accept sessions.
func New(st *store.Store, bus *eventbus.Bus, runner Runner, log *logger.Logger, cfg Config) *Engine {
	if cfg.DrainTimeout <= 0 || cfg.CoalesceInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		store:        st,
		bus:          bus,
		runner:       runner,
		log:          log,
		cfg:          cfg,
		cancels:      make(map[string]context.CancelFunc),
		watchdogStop: make(chan struct{}),
	}
}

// Start creates a new session in status=queued, persists it with its
// generated plan, then begins scheduling asynchronously (spec.md §4.8:
// "returns immediately; scheduling begins asynchronously").
func (e *Engine) Start(ctx context.Context, req StartRequest) (string, error) {
	if len(req.Subreddits) == 0 {
		return "", errs.Permanent("sessionengine.Start", fmt.Errorf("subreddits must not be empty"))
	}
	// posts_per_subreddit = 0 is an explicit boundary case (spec.md §8: "session
	// completes immediately, progress jumps to 100"), not an unset field — it
	// is left as-is rather than defaulted. Only a negative value is nonsense
	// and clamped to 0.
	if req.PostsPerSubreddit < 0 {
		req.PostsPerSubreddit = 0
	}
	if req.Sort == "" {
		req.Sort = "hot"
	}
	if req.Workers <= 0 {
		req.Workers = 1
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()

	plan := make([]store.PlanEntry, 0, len(req.Subreddits))
	for _, sub := range req.Subreddits {
		plan = append(plan, store.PlanEntry{
			Subreddit:   sub,
			TargetCount: req.PostsPerSubreddit,
			Sort:        req.Sort,
			TimeFilter:  req.TimeFilter,
		})
	}

	sess := store.Session{
		SessionID:     sessionID,
		Subreddits:    req.Subreddits,
		Plan:          plan,
		Status:        store.StatusQueued,
		StartTime:     now,
		LastHeartbeat: now,
		Options: store.Options{
			Parallel:       req.Parallel,
			IncludeUsers:   req.IncludeUsers,
			ExtractContent: req.ExtractContent,
			Workers:        req.Workers,
			MinScore:       req.MinScore,
		},
	}

	if err := e.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindLifecycle, SessionID: sessionID, Payload: "session_started"})

	e.runAsync(sess)
	return sessionID, nil
}

// runAsync launches the Runner in a background goroutine, tracking a
// cancel func so Stop can unblock any pending admission wait (spec.md
// §4.7: "Any pending admission wait is cancelled").
func (e *Engine) runAsync(sess store.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[sess.SessionID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.cancels, sess.SessionID)
			e.mu.Unlock()
			cancel()
		}()

		running := store.StatusRunning
		if err := e.store.UpdateSession(context.Background(), sess.SessionID, store.SessionPatch{Status: &running}); err != nil {
			e.log.Errorf("sessionengine: failed to mark %s running: %v", sess.SessionID, err)
			return
		}
		sess.Status = store.StatusRunning

		runErr := e.runner.Run(ctx, sess)
		e.finalize(sess.SessionID, runErr)
	}()
}

// finalize transitions a session to its terminal status once the Runner
// returns, per spec.md §4.7's state diagram.
func (e *Engine) finalize(sessionID string, runErr error) {
	ctx := context.Background()
	current, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		e.log.Errorf("sessionengine: finalize lookup failed for %s: %v", sessionID, err)
		return
	}

	var status store.Status
	var errMsg *string
	switch {
	case current.Status == store.StatusStopping:
		status = store.StatusCancelled
	case runErr != nil:
		status = store.StatusFailed
		msg := runErr.Error()
		errMsg = &msg
	default:
		status = store.StatusCompleted
	}

	now := time.Now().UTC()
	patch := store.SessionPatch{Status: &status, EndTime: &now}
	if errMsg != nil {
		patch.ErrorMessage = errMsg
	}
	if status == store.StatusCompleted {
		// A session that runs to completion always ends at 100% progress,
		// including the posts_per_subreddit=0 boundary case where no plan
		// entry ever reported progress (spec.md §8).
		full := 1.0
		patch.Progress = &full
	}
	if err := e.store.UpdateSession(ctx, sessionID, patch); err != nil {
		e.log.Errorf("sessionengine: finalize update failed for %s: %v", sessionID, err)
		return
	}

	kind := eventbus.KindLifecycle
	payload := "session_completed"
	if status == store.StatusFailed {
		payload = "session_failed"
	} else if status == store.StatusCancelled {
		payload = "session_cancelled"
	}
	e.bus.Publish(eventbus.Event{Kind: kind, SessionID: sessionID, Payload: payload})
}

// Stop requests that sessionID wind down. Idempotent: requesting stop on a
// terminal session is a no-op that returns the current status (spec.md
// §4.8).
func (e *Engine) Stop(ctx context.Context, sessionID string) (store.Status, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if isTerminal(sess.Status) {
		return sess.Status, nil
	}

	stopping := store.StatusStopping
	if err := e.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &stopping}); err != nil {
		return "", err
	}

	e.mu.Lock()
	cancel, ok := e.cancels[sessionID]
	e.mu.Unlock()

	go func() {
		time.Sleep(e.cfg.DrainTimeout)
		if ok && cancel != nil {
			cancel()
		}
	}()

	return store.StatusStopping, nil
}

func isTerminal(s store.Status) bool {
	return s == store.StatusCompleted || s == store.StatusFailed || s == store.StatusCancelled
}

// Status returns the current SessionView for sessionID (spec.md §4.8).
func (e *Engine) Status(ctx context.Context, sessionID string) (SessionView, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return toView(sess), nil
}

// ListSessions returns SessionViews matching filter (spec.md §4.8).
func (e *Engine) ListSessions(ctx context.Context, filter store.SessionFilter) ([]SessionView, error) {
	sessions, err := e.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, len(sessions))
	for i, s := range sessions {
		views[i] = toView(s)
	}
	return views, nil
}

// Resume restores sessions left active across a restart (spec.md §4.7's
// resumability): any running session found at boot had its heartbeat
// expire, so it is first demoted to queued, then every
// queued/stopping/running session still in the store is relaunched with its
// persisted plan and counters.
func (e *Engine) Resume(ctx context.Context) error {
	active, err := e.store.LoadActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range active {
		if sess.Status == store.StatusRunning {
			queued := store.StatusQueued
			if err := e.store.UpdateSession(ctx, sess.SessionID, store.SessionPatch{Status: &queued}); err != nil {
				e.log.Errorf("sessionengine: failed to demote %s on resume: %v", sess.SessionID, err)
				continue
			}
			sess.Status = store.StatusQueued
		}
		e.log.Infof("sessionengine: resuming session %s (status=%s, posts_scraped=%d)", sess.SessionID, sess.Status, sess.PostsScraped)
		e.runAsync(sess)
	}
	return nil
}

// StartWatchdog launches the heartbeat watchdog: any running session whose
// last_heartbeat is older than 3*coalesce_interval transitions to failed
// with error_message="heartbeat timeout" (spec.md §4.7).
func (e *Engine) StartWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.CoalesceInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.watchdogStop:
				return
			case <-ticker.C:
				e.checkHeartbeats(ctx)
			}
		}
	}()
}

// StopWatchdog halts the watchdog goroutine started by StartWatchdog.
// Idempotent.
func (e *Engine) StopWatchdog() {
	e.watchdogOnce.Do(func() { close(e.watchdogStop) })
}

func (e *Engine) checkHeartbeats(ctx context.Context) {
	sessions, err := e.store.ListSessions(ctx, store.SessionFilter{Status: store.StatusRunning, Limit: 1000})
	if err != nil {
		e.log.Errorf("sessionengine: watchdog list failed: %v", err)
		return
	}
	threshold := 3 * e.cfg.CoalesceInterval
	now := time.Now().UTC()
	for _, sess := range sessions {
		if now.Sub(sess.LastHeartbeat) <= threshold {
			continue
		}
		failed := store.StatusFailed
		msg := "heartbeat timeout"
		if err := e.store.UpdateSession(ctx, sess.SessionID, store.SessionPatch{Status: &failed, ErrorMessage: &msg, EndTime: &now}); err != nil {
			e.log.Errorf("sessionengine: watchdog failed to mark %s failed: %v", sess.SessionID, err)
			continue
		}
		e.mu.Lock()
		if cancel, ok := e.cancels[sess.SessionID]; ok {
			cancel()
		}
		e.mu.Unlock()
		e.bus.Publish(eventbus.Event{Kind: eventbus.KindLifecycle, SessionID: sess.SessionID, Payload: "session_failed"})
	}
}
