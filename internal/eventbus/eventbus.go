// Package eventbus implements the process-wide, non-blocking event fan-out
// (spec.md §4.6... see §2's "Event Bus" row): many subscribers, each with a
// bounded buffer, where a slow subscriber is isolated by dropping its event
// rather than blocking the publisher. This generalizes the teacher
// dashboard's per-stream subscriber-map-plus-non-blocking-select pattern
// (one map per stream type there) to a single bus of typed Events, since
// every Session/Store publisher here shares one live-event subscription
// channel per spec.md §6 rather than separate metrics/log streams.
package eventbus

import (
	"sync"
)

// Kind classifies an Event (spec.md §6: "live-event subscription channel"
// carrying both session lifecycle and progress events).
type Kind string

const (
	KindProgress   Kind = "progress"
	KindLifecycle  Kind = "lifecycle"
	KindError      Kind = "error"
)

// Event is one published notification.
type Event struct {
	Kind      Kind
	SessionID string
	Payload   any
	Seq       uint64 // per-session monotonically increasing, for FIFO ordering
}

// defaultBufferSize is the per-subscriber bounded queue depth.
const defaultBufferSize = 64

// Bus fans out Events to subscribers. A full subscriber channel causes that
// event to be dropped for that subscriber only (spec.md: "slow subscribers
// isolated").
type Bus struct {
	mu          sync.Mutex
	subs        map[chan Event]struct{}
	bufferSize  int
	dropped     map[chan Event]int
	seqBySess   map[string]uint64
	seqMu       sync.Mutex
}

// New creates a Bus whose subscriber channels are buffered to bufferSize
// (0 uses the default of 64).
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		bufferSize: bufferSize,
		dropped:    make(map[chan Event]int),
		seqBySess:  make(map[string]uint64),
	}
}

// Subscribe registers a new subscriber channel. Call Unsubscribe (or defer
// it) when the caller is done, mirroring the teacher's stream handlers'
// register-then-deferred-delete pattern.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch from the subscriber set and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	delete(b.dropped, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish assigns the next per-session sequence number to evt and fans it
// out to every subscriber, dropping (not blocking) on any subscriber whose
// buffer is full.
func (b *Bus) Publish(evt Event) {
	if evt.SessionID != "" {
		b.seqMu.Lock()
		b.seqBySess[evt.SessionID]++
		evt.Seq = b.seqBySess[evt.SessionID]
		b.seqMu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped[ch]++
		}
	}
}

// DroppedCount returns how many events have been dropped for ch so far
// (exposed for metrics/diagnostics).
func (b *Bus) DroppedCount(ch chan Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[ch]
}

// SubscriberCount returns the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
