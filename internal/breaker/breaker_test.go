package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/breaker"
	"github.com/nullflux/reddit-scrape-engine/internal/errs"
)

func TestClosedTripsToOpenAtThreshold(t *testing.T) {
	b := breaker.New("reddit.com", breaker.Config{FailureThreshold: 3, CoolDown: time.Hour, SuccessThreshold: 2})

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("expected closed breaker to allow call %d", i)
		}
		b.RecordFailure()
	}
	if b.CurrentState() != breaker.StateClosed {
		t.Fatalf("expected still closed after 2/3 failures, got %v", b.CurrentState())
	}

	b.Allow()
	b.RecordFailure()
	if b.CurrentState() != breaker.StateOpen {
		t.Fatalf("expected open after reaching failure_threshold, got %v", b.CurrentState())
	}
}

func TestOpenRejectsUntilCoolDown(t *testing.T) {
	b := breaker.New("reddit.com", breaker.Config{FailureThreshold: 1, CoolDown: 20 * time.Millisecond, SuccessThreshold: 1})
	b.Allow()
	b.RecordFailure()
	if b.CurrentState() != breaker.StateOpen {
		t.Fatal("expected open after single failure at threshold 1")
	}
	if b.Allow() {
		t.Fatal("expected open breaker to reject before cool_down elapses")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half_open probe to be allowed after cool_down")
	}
	if b.CurrentState() != breaker.StateHalfOpen {
		t.Fatalf("expected half_open, got %v", b.CurrentState())
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := breaker.New("reddit.com", breaker.Config{FailureThreshold: 1, CoolDown: time.Millisecond, SuccessThreshold: 2})
	b.Allow()
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)
	b.Allow() // transitions to half_open

	b.RecordSuccess()
	if b.CurrentState() != breaker.StateHalfOpen {
		t.Fatal("expected still half_open after 1/2 successes")
	}
	b.RecordSuccess()
	if b.CurrentState() != breaker.StateClosed {
		t.Fatalf("expected closed after success_threshold consecutive successes, got %v", b.CurrentState())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := breaker.New("reddit.com", breaker.Config{FailureThreshold: 1, CoolDown: time.Millisecond, SuccessThreshold: 2})
	b.Allow()
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)
	b.Allow()

	b.RecordFailure()
	if b.CurrentState() != breaker.StateOpen {
		t.Fatalf("expected a half_open failure to reopen immediately, got %v", b.CurrentState())
	}
}

func TestCallShortCircuitsWhenOpen(t *testing.T) {
	b := breaker.New("reddit.com", breaker.Config{FailureThreshold: 1, CoolDown: time.Hour, SuccessThreshold: 1})
	_ = b.Call(func() error { return errors.New("boom") })
	if b.CurrentState() != breaker.StateOpen {
		t.Fatal("expected open after one failing call")
	}

	err := b.Call(func() error {
		t.Fatal("fn should not run while circuit is open")
		return nil
	})
	if !errs.Is(err, errs.KindTransient) {
		t.Errorf("expected a Transient error, got %v", err)
	}
	if !errors.Is(err, errs.ErrCircuitOpen) {
		t.Errorf("expected errors.Is to match ErrCircuitOpen, got %v", err)
	}
}

func TestOpenSinceZeroWhenNotOpen(t *testing.T) {
	b := breaker.New("reddit.com", breaker.DefaultConfig())
	if b.OpenSince() != 0 {
		t.Error("expected OpenSince to be 0 for a closed breaker")
	}
}
