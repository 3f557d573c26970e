package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/errs"
)

// CreateSession persists a new session row (spec.md §4.5). The caller must
// have already set Status=queued and StartTime per the Session Engine's
// lifecycle contract.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	subreddits, err := json.Marshal(sess.Subreddits)
	if err != nil {
		return err
	}
	plan, err := json.Marshal(sess.Plan)
	if err != nil {
		return err
	}
	options, err := json.Marshal(sess.Options)
	if err != nil {
		return err
	}

	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (
				session_id, subreddits, plan, status, posts_scraped, users_scraped,
				errors, progress, start_time, end_time, error_message, options, last_heartbeat
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, string(subreddits), string(plan), string(sess.Status),
			sess.PostsScraped, sess.UsersScraped, sess.Errors, sess.Progress,
			sess.StartTime.Format(time.RFC3339), nullableTime(sess.EndTime),
			sess.ErrorMessage, string(options), sess.LastHeartbeat.Format(time.RFC3339Nano),
		)
		return err
	})
}

// UpdateSession applies a partial patch to sessionID's mutable fields
// (spec.md §4.5's update_session(session_id, patch)).
func (s *Store) UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		if patch.Status != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE session_id = ?`, string(*patch.Status), sessionID); err != nil {
				return err
			}
		}
		if patch.PostsScraped != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET posts_scraped = ? WHERE session_id = ?`, *patch.PostsScraped, sessionID); err != nil {
				return err
			}
		}
		if patch.UsersScraped != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET users_scraped = ? WHERE session_id = ?`, *patch.UsersScraped, sessionID); err != nil {
				return err
			}
		}
		if patch.Errors != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET errors = ? WHERE session_id = ?`, *patch.Errors, sessionID); err != nil {
				return err
			}
		}
		if patch.Progress != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET progress = ? WHERE session_id = ?`, *patch.Progress, sessionID); err != nil {
				return err
			}
		}
		if patch.EndTime != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET end_time = ? WHERE session_id = ?`, patch.EndTime.Format(time.RFC3339), sessionID); err != nil {
				return err
			}
		}
		if patch.ErrorMessage != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET error_message = ? WHERE session_id = ?`, *patch.ErrorMessage, sessionID); err != nil {
				return err
			}
		}
		if patch.LastHeartbeat != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_heartbeat = ? WHERE session_id = ?`, patch.LastHeartbeat.Format(time.RFC3339Nano), sessionID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetSession fetches one session by ID, or errs.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, sessionColumnsQuery+` WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, errs.Permanent("store.GetSession", errs.ErrNotFound)
	}
	return sess, err
}

// ListSessions returns sessions matching filter, most recently started first.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := sessionColumnsQuery
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LoadActiveSessions restores sessions with status in
// {queued,running,stopping} on process start (spec.md §4.7's resumability).
func (s *Store) LoadActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionColumnsQuery+` WHERE status IN ('queued','running','stopping')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const sessionColumnsQuery = `SELECT session_id, subreddits, plan, status, posts_scraped, users_scraped, errors, progress, start_time, end_time, error_message, options, last_heartbeat FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error)      { return scanSessionImpl(r) }
func scanSessionRows(r *sql.Rows) (Session, error)    { return scanSessionImpl(r) }

func scanSessionImpl(r rowScanner) (Session, error) {
	var sess Session
	var subreddits, plan, options string
	var startTime string
	var endTime, errMsg sql.NullString
	var status string
	var lastHeartbeat string

	if err := r.Scan(&sess.SessionID, &subreddits, &plan, &status, &sess.PostsScraped,
		&sess.UsersScraped, &sess.Errors, &sess.Progress, &startTime, &endTime, &errMsg,
		&options, &lastHeartbeat); err != nil {
		return Session{}, err
	}

	sess.Status = Status(status)
	if err := json.Unmarshal([]byte(subreddits), &sess.Subreddits); err != nil {
		return Session{}, err
	}
	if err := json.Unmarshal([]byte(plan), &sess.Plan); err != nil {
		return Session{}, err
	}
	if err := json.Unmarshal([]byte(options), &sess.Options); err != nil {
		return Session{}, err
	}

	if t, err := time.Parse(time.RFC3339, startTime); err == nil {
		sess.StartTime = t
	}
	if t, err := time.Parse(time.RFC3339, lastHeartbeat); err == nil {
		sess.LastHeartbeat = t
	}
	if endTime.Valid {
		t, err := time.Parse(time.RFC3339, endTime.String)
		if err == nil {
			sess.EndTime = &t
		}
	}
	if errMsg.Valid {
		msg := errMsg.String
		sess.ErrorMessage = &msg
	}
	return sess, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
