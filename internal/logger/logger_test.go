package logger_test

import (
	"testing"

	"github.com/nullflux/reddit-scrape-engine/internal/logger"
)

func TestWithDoesNotMutateParent(t *testing.T) {
	base := logger.New(logger.LevelDebug)
	child := base.With(map[string]any{"session_id": "abc-123"})

	if child == base {
		t.Fatal("With must return a distinct logger instance")
	}
	// Smoke-test that logging through both does not panic; there is no
	// public way to inspect rendered output without capturing stderr.
	base.Info("base message")
	child.Info("child message")
}

func TestSetLevelConcurrentSafe(t *testing.T) {
	l := logger.New(logger.LevelInfo)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.SetLevel(logger.LevelDebug)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		l.Info("x")
	}
	<-done
}
