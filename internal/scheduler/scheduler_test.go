package scheduler_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/admission"
	"github.com/nullflux/reddit-scrape-engine/internal/analytics"
	"github.com/nullflux/reddit-scrape-engine/internal/breaker"
	"github.com/nullflux/reddit-scrape-engine/internal/enricher"
	"github.com/nullflux/reddit-scrape-engine/internal/eventbus"
	"github.com/nullflux/reddit-scrape-engine/internal/forumclient"
	"github.com/nullflux/reddit-scrape-engine/internal/logger"
	"github.com/nullflux/reddit-scrape-engine/internal/scheduler"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

func listingPage(ids []int, after string) string {
	children := ""
	for i, id := range ids {
		if i > 0 {
			children += ","
		}
		children += fmt.Sprintf(`{"kind":"t3","data":{"id":"p%d","title":"post %d","author":"user%d","subreddit":"golang","score":%d,"num_comments":1,"created_utc":%d,"url":"https://reddit.com/p%d","permalink":"/r/golang/p%d","is_self":true}}`,
			id, id, id, id*10, time.Now().UTC().Unix(), id, id)
	}
	return fmt.Sprintf(`{"kind":"Listing","data":{"children":[%s],"after":%q}}`, children, after)
}

func newTestSchedulerDeps(t *testing.T) (*scheduler.Scheduler, *store.Store, *eventbus.Bus) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("after") == "" {
			w.Write([]byte(listingPage([]int{1, 2}, "cursor2")))
			return
		}
		w.Write([]byte(listingPage([]int{3}, "")))
	}))
	t.Cleanup(srv.Close)

	admit := admission.NewLocal(1000, 1, 2000)
	brk := breaker.New("test-forum", breaker.DefaultConfig())
	log := logger.New(logger.LevelError)
	forum := forumclient.New(srv.Client(), srv.URL, "test-agent", admit, brk, log, forumclient.WithRetryPolicy(time.Millisecond, 2, 1, 0))

	enrichAdmit := admission.NewLocal(1000, 1, 2000)
	enrichBrk := breaker.New("test-enrich", breaker.DefaultConfig())
	enr := enricher.New(srv.Client(), enrichAdmit, enrichBrk, 2)
	t.Cleanup(enr.Stop)

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), store.Config{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(16)

	cfg := scheduler.DefaultConfig()
	cfg.BatchSize = 2
	cfg.CoalesceInterval = time.Millisecond

	sched := scheduler.New(forum, brk, enr, st, bus, analytics.Default(), nil, log, cfg)
	return sched, st, bus
}

func TestRunFetchesPaginatesAndPersists(t *testing.T) {
	sched, st, bus := newTestSchedulerDeps(t)
	ctx := context.Background()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	sess := store.Session{
		SessionID: "sess-1",
		Plan:      []store.PlanEntry{{Subreddit: "golang", TargetCount: 3, Sort: "hot"}},
		Status:    store.StatusRunning,
		Options:   store.Options{Workers: 1},
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := sched.Run(ctx, sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	posts, err := st.QueryPosts(ctx, store.PostFilter{Subreddit: "golang"}, store.Page{Limit: 10})
	if err != nil {
		t.Fatalf("QueryPosts: %v", err)
	}
	if len(posts) != 3 {
		t.Fatalf("expected 3 posts persisted across two pages, got %d", len(posts))
	}
	for _, p := range posts {
		if p.ViralPotential == nil || p.EngagementRatio == nil || p.Category == nil {
			t.Errorf("expected derived fields populated for post %s", p.ID)
		}
	}

	select {
	case evt := <-sub:
		if evt.Kind != eventbus.KindProgress {
			t.Errorf("expected a progress event, got %v", evt.Kind)
		}
	default:
		t.Error("expected at least one progress event to have been published")
	}
}

func TestRunStopsWhenMinScoreFiltersEverything(t *testing.T) {
	sched, st, _ := newTestSchedulerDeps(t)
	ctx := context.Background()

	sess := store.Session{
		SessionID: "sess-2",
		Plan:      []store.PlanEntry{{Subreddit: "golang", TargetCount: 3, Sort: "hot"}},
		Status:    store.StatusRunning,
		Options:   store.Options{Workers: 1, MinScore: 1000},
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := sched.Run(ctx, sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	posts, err := st.QueryPosts(ctx, store.PostFilter{Subreddit: "golang"}, store.Page{Limit: 10})
	if err != nil {
		t.Fatalf("QueryPosts: %v", err)
	}
	if len(posts) != 0 {
		t.Fatalf("expected all posts filtered out by min_score, got %d", len(posts))
	}
}
