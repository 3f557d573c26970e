package store

import (
	"context"
	"time"
)

// UpsertUsers writes users in batches of s.batchSize inside one transaction
// per batch, crediting sessionID's users_scraped counter (spec.md §4.5:
// "same contract" as UpsertPosts).
func (s *Store) UpsertUsers(ctx context.Context, users []User, sessionID string) error {
	for start := 0; start < len(users); start += s.batchSize {
		end := start + s.batchSize
		if end > len(users) {
			end = len(users)
		}
		batch := users[start:end]
		if err := s.withBusyRetry(ctx, func() error {
			return s.upsertUserBatch(ctx, batch, sessionID)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertUserBatch(ctx context.Context, batch []User, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	newCount := 0
	for _, u := range batch {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE username = ?`, u.Username).Scan(&exists)
		isNew := err != nil
		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO users (
				username, id, created_utc, comment_karma, link_karma,
				is_verified, has_premium, profile_description, scraped_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(username) DO UPDATE SET
				id = excluded.id, created_utc = excluded.created_utc,
				comment_karma = excluded.comment_karma, link_karma = excluded.link_karma,
				is_verified = excluded.is_verified, has_premium = excluded.has_premium,
				profile_description = excluded.profile_description,
				scraped_at = excluded.scraped_at`,
			u.Username, u.ID, u.CreatedUTC, u.CommentKarma, u.LinkKarma,
			boolToInt(u.IsVerified), boolToInt(u.HasPremium), u.ProfileDescription,
			u.ScrapedAt.Format(time.RFC3339),
		); execErr != nil {
			return execErr
		}
		if isNew {
			newCount++
		}
	}

	if sessionID != "" && newCount > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET users_scraped = users_scraped + ? WHERE session_id = ?`,
			newCount, sessionID); err != nil {
			return err
		}
	}

	return tx.Commit()
}
