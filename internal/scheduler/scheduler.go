// Package scheduler implements spec.md §4.7's per-session worker loop: it
// fans a session's plan across a bounded worker pool, pulling pages from the
// Forum Client, filtering, optionally enriching, batch-upserting into the
// Store, and publishing coalesced progress events — all while honoring the
// Session Engine's stop/error-budget contract. It satisfies
// sessionengine.Runner structurally so the two packages don't import each
// other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/analytics"
	"github.com/nullflux/reddit-scrape-engine/internal/breaker"
	"github.com/nullflux/reddit-scrape-engine/internal/enricher"
	"github.com/nullflux/reddit-scrape-engine/internal/errs"
	"github.com/nullflux/reddit-scrape-engine/internal/eventbus"
	"github.com/nullflux/reddit-scrape-engine/internal/forumclient"
	"github.com/nullflux/reddit-scrape-engine/internal/logger"
	"github.com/nullflux/reddit-scrape-engine/internal/metrics"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

// errErrorBudgetExceeded is returned by Run when spec.md §4.7's error
// budget trips, so the Session Engine finalizes the session as failed.
var errErrorBudgetExceeded = errors.New("error budget exceeded")

// Scheduler is the shared, stateless-between-sessions worker loop.
// sessionengine.Engine holds exactly one Scheduler and invokes Run once per
// session, possibly concurrently for independent sessions.
type Scheduler struct {
	forum         *forumclient.Client
	forumBreaker  *breaker.Breaker
	enricher      *enricher.Enricher
	store         *store.Store
	bus           *eventbus.Bus
	adapters      analytics.Adapters
	recorder      *metrics.Recorder
	log           *logger.Logger
	cfg           Config
}

// New builds a Scheduler. forumBreaker must be the same *breaker.Breaker
// instance passed to forum's admission+circuit construction, so the error
// budget's "circuit open longer than cool_down*5" check observes the Forum
// Client's real state.
func New(forum *forumclient.Client, forumBreaker *breaker.Breaker, enr *enricher.Enricher, st *store.Store, bus *eventbus.Bus, adapters analytics.Adapters, recorder *metrics.Recorder, log *logger.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		forum:        forum,
		forumBreaker: forumBreaker,
		enricher:     enr,
		store:        st,
		bus:          bus,
		adapters:     adapters,
		recorder:     recorder,
		log:          log,
		cfg:          cfg.withDefaults(),
	}
}

// Run executes session's plan to completion or until ctx is cancelled
// (spec.md §4.7's "Execution").
func (s *Scheduler) Run(ctx context.Context, session store.Session) error {
	if len(session.Plan) == 0 {
		return nil
	}

	workers := 1
	if session.Options.Parallel {
		workers = session.Options.Workers
		if workers > len(session.Plan) {
			workers = len(session.Plan)
		}
		if workers < 1 {
			workers = 1
		}
	}

	entries := make(chan store.PlanEntry, len(session.Plan))
	for _, e := range session.Plan {
		entries <- e
	}
	close(entries)

	state := newRunState(session)
	errorBudget := int64(len(session.Plan) * 3)
	coolDown := s.forumBreaker.CoolDown()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range entries {
				if ctx.Err() != nil || state.stopped() {
					continue
				}
				s.runEntry(ctx, session, entry, state, errorBudget, coolDown)
			}
		}()
	}
	wg.Wait()

	if state.stopped() {
		return errErrorBudgetExceeded
	}
	return nil
}

// checkErrorBudget implements spec.md §4.7's "Session transitions to failed
// if errors > plan_len*3 OR if the circuit stays open longer than
// cool_down*5".
func (s *Scheduler) checkErrorBudget(sessionID string, state *runState, errorBudget int64, coolDown time.Duration) {
	if state.stopped() {
		return
	}
	if state.errorCount() > errorBudget {
		state.markStopped()
		return
	}
	if coolDown > 0 && s.forumBreaker.OpenSince() > coolDown*5 {
		state.markStopped()
	}
}

// runEntry pulls pages for one plan entry until its target is reached, the
// session stops, or ctx is cancelled.
func (s *Scheduler) runEntry(ctx context.Context, session store.Session, entry store.PlanEntry, state *runState, errorBudget int64, coolDown time.Duration) {
	cursor := ""
	observed := 0
	attempt := 0

	for observed < entry.TargetCount {
		if ctx.Err() != nil || state.stopped() {
			return
		}
		// A Stop request is observed between batches: no new fetch begins
		// once the session's persisted status is stopping.
		if cur, err := s.store.GetSession(ctx, session.SessionID); err == nil && cur.Status == store.StatusStopping {
			return
		}

		page, err := s.forum.ListPosts(ctx, entry.Subreddit, forumclient.Sort(entry.Sort), forumclient.TimeFilter(entry.TimeFilter), s.cfg.BatchSize, cursor)
		if err != nil {
			if handled := s.handleFetchError(ctx, session.SessionID, err, &attempt, state); !handled {
				return
			}
			continue
		}
		attempt = 0

		filtered := filterPosts(page.Posts, session.Options.MinScore, s.cfg.MaxAgeDays, time.Now().UTC())
		if remaining := entry.TargetCount - observed; len(filtered) > remaining {
			filtered = filtered[:remaining]
		}
		if len(filtered) > 0 {
			s.commitBatch(ctx, session, filtered, state)
			observed += len(filtered)
		}

		s.publishProgress(session.SessionID, state)
		s.checkErrorBudget(session.SessionID, state, errorBudget, coolDown)
		if state.stopped() {
			return
		}

		if page.NextCursor == "" {
			return
		}
		cursor = page.NextCursor
	}
}

// handleFetchError applies spec.md §4.7's Transient/Permanent/CircuitOpen
// handling for one ListPosts call. It returns true if the caller should
// retry the same plan entry, false if the entry should be abandoned.
func (s *Scheduler) handleFetchError(ctx context.Context, sessionID string, err error, attempt *int, state *runState) bool {
	if errors.Is(err, errs.ErrCircuitOpen) {
		// Circuit-open waits don't count against the worker retry budget.
		select {
		case <-time.After(s.forumBreaker.CoolDown() / 2):
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !errs.Is(err, errs.KindTransient) {
		s.log.With(map[string]any{"session_id": sessionID}).Errorf("scheduler: permanent error, advancing: %v", err)
		state.addError()
		return false
	}

	*attempt++
	if *attempt > s.cfg.WorkerMaxRetries {
		s.log.With(map[string]any{"session_id": sessionID}).Errorf("scheduler: retries exhausted, advancing: %v", err)
		state.addError()
		return false
	}

	delay := backoffDelay(s.cfg, *attempt)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// commitBatch optionally enriches, upserts, records a metric sample, and
// fetches user profiles for one filtered page.
func (s *Scheduler) commitBatch(ctx context.Context, session store.Session, posts []forumclient.Post, state *runState) {
	start := time.Now()

	var enrichments map[string]enricher.Enrichment
	if session.Options.ExtractContent {
		links := make([]string, 0, len(posts))
		for _, p := range posts {
			if p.LinkURL != nil && *p.LinkURL != "" {
				links = append(links, *p.LinkURL)
			}
		}
		if len(links) > 0 {
			enrichments = s.enricher.EnrichBatch(ctx, links)
			if pending := s.enricher.PendingEnrichments(); pending > 0 {
				s.log.With(map[string]any{"session_id": session.SessionID}).Infof("scheduler: %d enrichment jobs still queued from overlapping batches", pending)
			}
		}
	}

	storePosts := toStorePosts(posts, enrichments, s.adapters)
	ok := true
	if err := s.store.UpsertPosts(ctx, storePosts, session.SessionID); err != nil {
		s.log.With(map[string]any{"session_id": session.SessionID}).Errorf("scheduler: upsert posts failed: %v", err)
		state.addError()
		ok = false
	} else {
		state.addObserved(len(storePosts))
	}

	if ok && session.Options.IncludeUsers {
		s.upsertAuthors(ctx, session.SessionID, posts)
	}

	if s.recorder != nil {
		s.recorder.Record(metrics.Sample{
			Operation:   "scheduler.commitBatch",
			TSStart:     start,
			DurationMS:  time.Since(start).Milliseconds(),
			OK:          ok,
			Tags:        map[string]string{"session_id": session.SessionID},
		})
	}
}

// upsertAuthors fetches and stores the distinct authors of a batch, best
// effort: a single failed profile lookup does not fail the batch.
func (s *Scheduler) upsertAuthors(ctx context.Context, sessionID string, posts []forumclient.Post) {
	seen := make(map[string]struct{}, len(posts))
	users := make([]store.User, 0, len(posts))
	for _, p := range posts {
		if p.Author == nil || *p.Author == "" {
			continue
		}
		if _, dup := seen[*p.Author]; dup {
			continue
		}
		seen[*p.Author] = struct{}{}

		u, err := s.forum.GetUser(ctx, *p.Author)
		if err != nil {
			continue
		}
		users = append(users, store.User{
			Username:           u.Username,
			ID:                 u.ID,
			CreatedUTC:         u.CreatedUTC,
			CommentKarma:       u.CommentKarma,
			LinkKarma:          u.LinkKarma,
			IsVerified:         u.IsVerified,
			HasPremium:         u.HasPremium,
			ProfileDescription: u.ProfileDescription,
			ScrapedAt:          u.ScrapedAt,
		})
	}
	if len(users) == 0 {
		return
	}
	if err := s.store.UpsertUsers(ctx, users, sessionID); err != nil {
		s.log.With(map[string]any{"session_id": sessionID}).Errorf("scheduler: upsert users failed: %v", err)
	}
}

// publishProgress recomputes and publishes a progress event, coalesced to
// at most one per CoalesceInterval per session (spec.md §4.7), and updates
// the session's persisted progress/last_heartbeat.
func (s *Scheduler) publishProgress(sessionID string, state *runState) {
	if !state.shouldPublish(s.cfg.CoalesceInterval) {
		return
	}
	progress := state.progress()
	errCount := int(state.errorCount())
	now := time.Now().UTC()

	if err := s.store.UpdateSession(context.Background(), sessionID, store.SessionPatch{
		Progress:      &progress,
		Errors:        &errCount,
		LastHeartbeat: &now,
	}); err != nil {
		s.log.With(map[string]any{"session_id": sessionID}).Errorf("scheduler: progress update failed: %v", err)
	}

	s.bus.Publish(eventbus.Event{
		Kind:      eventbus.KindProgress,
		SessionID: sessionID,
		Payload:   fmt.Sprintf("%.4f", progress),
	})
}
