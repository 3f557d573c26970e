// Package store implements spec.md §4.5: a connection-pooled, WAL-mode
// SQLite store giving upsert/query/session/metric/gc operations over one
// local file, retrying on write contention per the store's own policy.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nullflux/reddit-scrape-engine/internal/errs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps a pooled *sql.DB with the busy-retry policy spec.md §4.5
// requires (base 10ms, factor 2, jitter, 5 retries before surfacing
// StoreBusy).
type Store struct {
	db            *sql.DB
	batchSize     int
	busyRetries   int
	busyBaseDelay time.Duration
}

// Config configures connection pooling and write-contention retry.
type Config struct {
	MaxConnections int
	BusyTimeout    time.Duration
	BatchSize      int
}

// Open opens (creating if absent) the SQLite file at path in WAL mode and
// applies any pending goose migrations.
func Open(path string, cfg Config) (*Store, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 20
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(%d)", path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrationFS)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{
		db:            db,
		batchSize:     cfg.BatchSize,
		busyRetries:   5,
		busyBaseDelay: 10 * time.Millisecond,
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers that need it directly
// (metrics/gc queries spanning multiple tables).
func (s *Store) DB() *sql.DB { return s.db }

// withBusyRetry runs fn, retrying on SQLITE_BUSY-shaped errors with
// exponential backoff+jitter (spec.md §4.5's write-contention policy),
// surfacing errs.ErrStoreBusy (Transient) once retries are exhausted.
func (s *Store) withBusyRetry(ctx context.Context, fn func() error) error {
	delay := s.busyBaseDelay
	var lastErr error
	for attempt := 0; attempt <= s.busyRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isBusyErr(lastErr) {
			return lastErr
		}
		if attempt == s.busyRetries {
			break
		}
		select {
		case <-ctx.Done():
			return errs.Cancelled("store", ctx.Err())
		case <-time.After(jitterDelay(delay)):
		}
		delay *= 2
	}
	return errs.Transient("store", errs.ErrStoreBusy)
}

func jitterDelay(d time.Duration) time.Duration {
	delta := float64(d) * 0.25
	return d + time.Duration(rand.Float64()*2*delta-delta)
}

// isBusyErr reports whether err looks like a SQLite busy/locked error. The
// modernc.org/sqlite driver surfaces these as plain errors carrying the
// SQLite message text, so this matches on substring the way the teacher's
// error classification elsewhere matches on HTTP status rather than a typed
// sentinel.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "busy")
}
