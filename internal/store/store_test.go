package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/metrics"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), store.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePost(id string, score int) store.Post {
	now := time.Now().UTC()
	return store.Post{
		ID:          id,
		Title:       "title-" + id,
		Subreddit:   "golang",
		Score:       score,
		CreatedUTC:  now.Unix(),
		ContentType: "text",
		IsSelf:      true,
		ScrapedAt:   now,
	}
}

func TestUpsertPostsThenQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	posts := []store.Post{samplePost("p1", 10), samplePost("p2", 50)}
	if err := s.UpsertPosts(ctx, posts, ""); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}

	minScore := 20
	results, err := s.QueryPosts(ctx, store.PostFilter{Subreddit: "golang", MinScore: &minScore}, store.Page{Limit: 10})
	if err != nil {
		t.Fatalf("QueryPosts: %v", err)
	}
	if len(results) != 1 || results[0].ID != "p2" {
		t.Fatalf("expected only p2 to pass min_score filter, got %+v", results)
	}
}

func TestUpsertPostsPreservesEarliestScrapedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := samplePost("p1", 1)
	first.ScrapedAt = time.Now().UTC().Add(-time.Hour)
	if err := s.UpsertPosts(ctx, []store.Post{first}, ""); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := samplePost("p1", 99)
	second.ScrapedAt = time.Now().UTC()
	if err := s.UpsertPosts(ctx, []store.Post{second}, ""); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	results, err := s.QueryPosts(ctx, store.PostFilter{}, store.Page{Limit: 10})
	if err != nil {
		t.Fatalf("QueryPosts: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one post row, got %d", len(results))
	}
	if results[0].Score != 99 {
		t.Errorf("expected overwritten score 99, got %d", results[0].Score)
	}
	if !results[0].ScrapedAt.Before(second.ScrapedAt) {
		t.Errorf("expected scraped_at to stay pinned to the earliest write, got %v", results[0].ScrapedAt)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := store.Session{
		SessionID:     "sess-1",
		Subreddits:    []string{"golang"},
		Plan:          []store.PlanEntry{{Subreddit: "golang", TargetCount: 10, Sort: "hot"}},
		Status:        store.StatusQueued,
		StartTime:     time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
		Options:       store.Options{Workers: 2},
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	running := store.StatusRunning
	if err := s.UpdateSession(ctx, "sess-1", store.SessionPatch{Status: &running}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.StatusRunning {
		t.Errorf("expected running, got %v", got.Status)
	}
	if len(got.Subreddits) != 1 || got.Subreddits[0] != "golang" {
		t.Errorf("expected subreddits round-trip, got %+v", got.Subreddits)
	}
	if len(got.Plan) != 1 || got.Plan[0].TargetCount != 10 {
		t.Errorf("expected plan round-trip, got %+v", got.Plan)
	}

	active, err := s.LoadActiveSessions(ctx)
	if err != nil {
		t.Fatalf("LoadActiveSessions: %v", err)
	}
	if len(active) != 1 || active[0].SessionID != "sess-1" {
		t.Fatalf("expected sess-1 to be active, got %+v", active)
	}
}

func TestRecordMetricsImplementsSink(t *testing.T) {
	s := newTestStore(t)
	var sink metrics.Sink = s
	err := sink.RecordMetrics([]metrics.Sample{{Operation: "forumclient.ListPosts", TSStart: time.Now(), OK: true}})
	if err != nil {
		t.Fatalf("RecordMetrics: %v", err)
	}
}

func TestStatsReportsCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPosts(ctx, []store.Post{samplePost("p1", 10)}, ""); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.PostCount != 1 {
		t.Errorf("expected PostCount=1, got %d", st.PostCount)
	}
	if st.SizeBytes <= 0 {
		t.Errorf("expected a positive SizeBytes, got %d", st.SizeBytes)
	}
}

func TestCountPostsMatchesFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	posts := []store.Post{samplePost("p1", 5), samplePost("p2", 50), samplePost("p3", 100)}
	if err := s.UpsertPosts(ctx, posts, ""); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}

	minScore := 10
	count, err := s.CountPosts(ctx, store.PostFilter{MinScore: &minScore})
	if err != nil {
		t.Fatalf("CountPosts: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 posts with score >= 10, got %d", count)
	}
}

func TestGCDeletesOldPosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := samplePost("old1", 5)
	old.CreatedUTC = time.Now().UTC().AddDate(0, 0, -100).Unix()
	recent := samplePost("new1", 5)

	if err := s.UpsertPosts(ctx, []store.Post{old, recent}, ""); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -90)
	deleted, err := s.GC(ctx, cutoff)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if deleted < 1 {
		t.Errorf("expected at least 1 row deleted, got %d", deleted)
	}

	results, err := s.QueryPosts(ctx, store.PostFilter{}, store.Page{Limit: 10})
	if err != nil {
		t.Fatalf("QueryPosts: %v", err)
	}
	for _, p := range results {
		if p.ID == "old1" {
			t.Error("expected old1 to be garbage collected")
		}
	}
}
