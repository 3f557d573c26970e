package store

import (
	"context"
	"time"
)

// GC deletes posts, users, metrics (and their post_by_session rows) older
// than before (spec.md §4.5's gc(before_ts); spec.md §3's retention-by-age
// lifecycle for Post/User/MetricSample). Sessions are never garbage
// collected here; only explicit deletion destroys a session row.
func (s *Store) GC(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.Unix()
	cutoffStr := before.Format(time.RFC3339)
	var deleted int64

	err := s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.ExecContext(ctx, `DELETE FROM post_by_session WHERE post_id IN (SELECT id FROM posts WHERE created_utc < ?)`, cutoff)
		if err != nil {
			return err
		}
		if _, err := res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM posts WHERE created_utc < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted += n

		res, err = tx.ExecContext(ctx, `DELETE FROM users WHERE scraped_at < ?`, cutoffStr)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		deleted += n

		res, err = tx.ExecContext(ctx, `DELETE FROM metrics WHERE ts_start < ?`, cutoffStr)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		deleted += n

		return tx.Commit()
	})
	return deleted, err
}
