package sessionengine_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/eventbus"
	"github.com/nullflux/reddit-scrape-engine/internal/logger"
	"github.com/nullflux/reddit-scrape-engine/internal/sessionengine"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

// fakeRunner lets tests control exactly how a session's run behaves without
// spinning up a real Scheduler/Forum Client.
type fakeRunner struct {
	mu       sync.Mutex
	starts   []string
	behavior func(ctx context.Context, sess store.Session) error
}

func (f *fakeRunner) Run(ctx context.Context, sess store.Session) error {
	f.mu.Lock()
	f.starts = append(f.starts, sess.SessionID)
	f.mu.Unlock()
	if f.behavior != nil {
		return f.behavior(ctx, sess)
	}
	<-ctx.Done()
	return nil
}

func newTestEngine(t *testing.T, runner sessionengine.Runner) (*sessionengine.Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), store.Config{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(16)
	log := logger.New(logger.LevelError)
	cfg := sessionengine.Config{DrainTimeout: 50 * time.Millisecond, CoalesceInterval: 5 * time.Millisecond}
	return sessionengine.New(st, bus, runner, log, cfg), st
}

func waitForStatus(t *testing.T, eng *sessionengine.Engine, sessionID string, want store.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, err := eng.Status(context.Background(), sessionID)
		if err == nil && view.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session %s to reach status %s", sessionID, want)
}

func TestStartPersistsSessionAndRunsToCompletion(t *testing.T) {
	runner := &fakeRunner{behavior: func(ctx context.Context, sess store.Session) error { return nil }}
	eng, _ := newTestEngine(t, runner)

	sessionID, err := eng.Start(context.Background(), sessionengine.StartRequest{Subreddits: []string{"golang"}, PostsPerSubreddit: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, eng, sessionID, store.StatusCompleted)
}

func TestStartRejectsEmptySubreddits(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeRunner{})
	if _, err := eng.Start(context.Background(), sessionengine.StartRequest{}); err == nil {
		t.Fatal("expected an error for an empty subreddit list")
	}
}

func TestRunnerErrorMarksSessionFailed(t *testing.T) {
	runner := &fakeRunner{behavior: func(ctx context.Context, sess store.Session) error {
		return assertErr
	}}
	eng, _ := newTestEngine(t, runner)

	sessionID, err := eng.Start(context.Background(), sessionengine.StartRequest{Subreddits: []string{"golang"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, eng, sessionID, store.StatusFailed)
}

func TestStopTransitionsToCancelled(t *testing.T) {
	runner := &fakeRunner{} // blocks on ctx.Done()
	eng, _ := newTestEngine(t, runner)

	sessionID, err := eng.Start(context.Background(), sessionengine.StartRequest{Subreddits: []string{"golang"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, eng, sessionID, store.StatusRunning)

	status, err := eng.Stop(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if status != store.StatusStopping {
		t.Errorf("expected immediate status stopping, got %v", status)
	}
	waitForStatus(t, eng, sessionID, store.StatusCancelled)
}

func TestStopIsIdempotentOnTerminalSession(t *testing.T) {
	runner := &fakeRunner{behavior: func(ctx context.Context, sess store.Session) error { return nil }}
	eng, _ := newTestEngine(t, runner)

	sessionID, err := eng.Start(context.Background(), sessionengine.StartRequest{Subreddits: []string{"golang"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, eng, sessionID, store.StatusCompleted)

	status, err := eng.Stop(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Stop on terminal session: %v", err)
	}
	if status != store.StatusCompleted {
		t.Errorf("expected Stop to be a no-op returning completed, got %v", status)
	}
}

func TestResumeDemotesRunningAndRelaunches(t *testing.T) {
	runner := &fakeRunner{behavior: func(ctx context.Context, sess store.Session) error { return nil }}
	eng, st := newTestEngine(t, runner)

	sess := store.Session{
		SessionID:     "resumed-1",
		Subreddits:    []string{"golang"},
		Plan:          []store.PlanEntry{{Subreddit: "golang", TargetCount: 5}},
		Status:        store.StatusRunning,
		StartTime:     time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := eng.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStatus(t, eng, "resumed-1", store.StatusCompleted)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.starts) != 1 || runner.starts[0] != "resumed-1" {
		t.Errorf("expected resumed session to be relaunched, got %+v", runner.starts)
	}
}

var assertErr = &testRunError{}

type testRunError struct{}

func (e *testRunError) Error() string { return "simulated runner failure" }
