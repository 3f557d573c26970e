package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/metrics"
)

// RecordMetrics implements metrics.Sink, writing a flushed batch of samples
// inside one transaction (spec.md §5: "metrics buffers flush every 5s or
// 500 samples").
func (s *Store) RecordMetrics(samples []metrics.Sample) error {
	ctx := context.Background()
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		for _, sample := range samples {
			tags, err := json.Marshal(sample.Tags)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO metrics (operation, ts_start, duration_ms, ok, memory_delta, tags)
				VALUES (?, ?, ?, ?, ?, ?)`,
				sample.Operation, sample.TSStart.Format(time.RFC3339), sample.DurationMS,
				boolToInt(sample.OK), sample.MemoryDelta, string(tags),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

var _ metrics.Sink = (*Store)(nil)
