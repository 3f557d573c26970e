package eventbus_test

import (
	"testing"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/eventbus"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := eventbus.New(4)
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(eventbus.Event{Kind: eventbus.KindProgress, SessionID: "s1"})

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive the event")
	}
	select {
	case <-c:
	case <-time.After(time.Second):
		t.Fatal("subscriber c did not receive the event")
	}
}

func TestSlowSubscriberDropsWithoutBlockingPublish(t *testing.T) {
	b := eventbus.New(1)
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(eventbus.Event{Kind: eventbus.KindProgress, SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber instead of dropping")
	}
	if b.DroppedCount(slow) == 0 {
		t.Error("expected at least one dropped event for the slow subscriber")
	}
}

func TestSequenceNumbersAreMonotonicPerSession(t *testing.T) {
	b := eventbus.New(8)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(eventbus.Event{Kind: eventbus.KindProgress, SessionID: "s1"})
	b.Publish(eventbus.Event{Kind: eventbus.KindProgress, SessionID: "s1"})

	first := <-ch
	second := <-ch
	if second.Seq <= first.Seq {
		t.Errorf("expected monotonically increasing Seq, got %d then %d", first.Seq, second.Seq)
	}
}

func TestUnsubscribeRemovesFromFanout(t *testing.T) {
	b := eventbus.New(4)
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after Unsubscribe, got %d", b.SubscriberCount())
	}
	b.Publish(eventbus.Event{Kind: eventbus.KindLifecycle, SessionID: "s1"})
}
