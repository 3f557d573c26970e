package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample is one append-only MetricSample record (spec.md §3): one operation's
// observed outcome, buffered in memory and flushed to the store in batches so
// a slow store write never blocks the hot path that produced the sample.
type Sample struct {
	Operation    string
	TSStart      time.Time
	DurationMS   int64
	OK           bool
	MemoryDelta  int64
	Tags         map[string]string
}

// Sink receives flushed batches of samples. internal/store implements this by
// writing them to the metrics table inside one transaction.
type Sink interface {
	RecordMetrics(samples []Sample) error
}

// Recorder buffers Samples in memory and flushes them to a Sink either when
// the buffer reaches maxBatch entries or every flushInterval, whichever comes
// first (spec.md §5: "metrics buffers flush every 5s or 500 samples").
type Recorder struct {
	mu         sync.Mutex
	buf        []Sample
	maxBatch   int
	sink       Sink
	stopCh     chan struct{}
	stopOnce   sync.Once
	flushTimer *time.Ticker

	recorded  prometheus.Counter
	failed    prometheus.Counter
}

// NewRecorder creates a Recorder that flushes to sink. With a nil sink,
// samples are buffered until the next flush and then discarded.
func NewRecorder(sink Sink, maxBatch int, flushInterval time.Duration) *Recorder {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	r := &Recorder{
		maxBatch:   maxBatch,
		sink:       sink,
		stopCh:     make(chan struct{}),
		flushTimer: time.NewTicker(flushInterval),
		recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_engine_metric_samples_recorded_total",
			Help: "Total metric samples recorded.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_engine_metric_flush_errors_total",
			Help: "Total metric-flush errors.",
		}),
	}
	go r.loop()
	return r
}

// Record appends a sample to the buffer, flushing immediately if the buffer
// has reached maxBatch.
func (r *Recorder) Record(s Sample) {
	r.recorded.Inc()
	r.mu.Lock()
	r.buf = append(r.buf, s)
	shouldFlush := len(r.buf) >= r.maxBatch
	r.mu.Unlock()
	if shouldFlush {
		r.Flush()
	}
}

// Flush writes any buffered samples to the sink immediately.
func (r *Recorder) Flush() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if r.sink == nil {
		return
	}
	if err := r.sink.RecordMetrics(batch); err != nil {
		r.failed.Inc()
	}
}

// Pending returns the number of samples currently buffered, unflushed.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Collectors returns the Prometheus collectors owned by this recorder, for
// registration against a prometheus.Registerer.
func (r *Recorder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.recorded, r.failed}
}

// Stop halts the periodic flush loop and flushes any remaining samples.
// Idempotent.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.flushTimer.Stop()
	})
	r.Flush()
}

func (r *Recorder) loop() {
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.flushTimer.C:
			r.Flush()
		}
	}
}
