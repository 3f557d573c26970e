package store

import "context"

// Stats is the counters-and-size view served by GET /stats/database
// (spec.md §6).
type Stats struct {
	PostCount    int64
	UserCount    int64
	SessionCount int64
	MetricCount  int64
	SizeBytes    int64
}

// Stats reports row counts per table and the on-disk size of the store file,
// computed via SQLite's page_count/page_size pragmas rather than os.Stat so
// it works whether or not the caller even knows the file path.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts").Scan(&st.PostCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&st.UserCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&st.SessionCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM metrics").Scan(&st.MetricCount); err != nil {
		return Stats{}, err
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return Stats{}, err
	}
	st.SizeBytes = pageCount * pageSize

	return st, nil
}
