package controlapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/config"
	"github.com/nullflux/reddit-scrape-engine/internal/controlapi"
	"github.com/nullflux/reddit-scrape-engine/internal/eventbus"
	"github.com/nullflux/reddit-scrape-engine/internal/logger"
	"github.com/nullflux/reddit-scrape-engine/internal/metrics"
	"github.com/nullflux/reddit-scrape-engine/internal/sessionengine"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, sess store.Session) error {
	<-ctx.Done()
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), store.Config{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(16)
	log := logger.New(logger.LevelError)
	eng := sessionengine.New(st, bus, stubRunner{}, log, sessionengine.Config{DrainTimeout: 50 * time.Millisecond, CoalesceInterval: 5 * time.Millisecond})

	cfg := config.DefaultConfig()
	cfg.RedditClientSecret = "super-secret"

	recorder := metrics.NewRecorder(st, 500, time.Hour)
	t.Cleanup(recorder.Stop)

	srv := controlapi.New(eng, st, bus, cfg, log, recorder)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func TestMetricsEndpointExposesRecorderCollectors(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "scrape_engine_metric_samples_recorded_total") {
		t.Errorf("expected recorder counter in /metrics output, got: %s", body)
	}
}

func TestHealthReturnsOK(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestConfigRedactsSecrets(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for k, v := range body {
		if s, ok := v.(string); ok && strings.Contains(s, "super-secret") {
			t.Errorf("expected %s not to leak the raw secret, got %q", k, s)
		}
	}
}

func TestScrapeStartStatusAndStopLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	startBody := `{"subreddits":["golang"],"posts_per_subreddit":5}`
	resp, err := http.Post(ts.URL+"/scrape/start", "application/json", strings.NewReader(startBody))
	if err != nil {
		t.Fatalf("POST /scrape/start: %v", err)
	}
	var started map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	resp.Body.Close()
	sessionID := started["session_id"]
	if sessionID == "" {
		t.Fatal("expected a non-empty session_id")
	}

	var status map[string]any
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r, err := http.Get(ts.URL + "/scrape/status/" + sessionID)
		if err != nil {
			t.Fatalf("GET /scrape/status: %v", err)
		}
		json.NewDecoder(r.Body).Decode(&status)
		r.Body.Close()
		if status["Status"] == "running" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status["Status"] != "running" {
		t.Fatalf("expected status running, got %+v", status)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/scrape/stop/"+sessionID, nil)
	stopResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /scrape/stop: %v", err)
	}
	defer stopResp.Body.Close()
	if stopResp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on stop, got %d", stopResp.StatusCode)
	}
}

func TestScrapeStatusUnknownSessionReturns404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/scrape/status/does-not-exist")
	if err != nil {
		t.Fatalf("GET /scrape/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDataPostsAndStatsDatabase(t *testing.T) {
	ts, st := newTestServer(t)
	now := time.Now().UTC()
	if err := st.UpsertPosts(context.Background(), []store.Post{{
		ID: "p1", Title: "hello golang", Subreddit: "golang", Score: 42,
		ContentType: "text", CreatedUTC: now.Unix(), ScrapedAt: now,
	}}, ""); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}

	resp, err := http.Get(ts.URL + "/data/posts?subreddit=golang&min_score=10")
	if err != nil {
		t.Fatalf("GET /data/posts: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["total"].(float64) != 1 {
		t.Errorf("expected total=1, got %v", body["total"])
	}

	statsResp, err := http.Get(ts.URL + "/stats/database")
	if err != nil {
		t.Fatalf("GET /stats/database: %v", err)
	}
	defer statsResp.Body.Close()
	if statsResp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", statsResp.StatusCode)
	}
}
