package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertPosts writes posts in batches of s.batchSize inside one transaction
// per batch, crediting sessionID's posts_scraped counter at the end of each
// batch (spec.md §4.5, invariant 7: "All Post/User writes occur inside a
// transaction that also updates the owning session's counters atomically").
// A re-fetched post's id preserves its earliest scraped_at (invariant 1,
// testable property 8.3: "scraped_at equals the minimum of all observed
// values") while every other scalar field is overwritten.
func (s *Store) UpsertPosts(ctx context.Context, posts []Post, sessionID string) error {
	for start := 0; start < len(posts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(posts) {
			end = len(posts)
		}
		batch := posts[start:end]
		if err := s.withBusyRetry(ctx, func() error {
			return s.upsertPostBatch(ctx, batch, sessionID)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertPostBatch(ctx context.Context, batch []Post, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	newCount := 0
	for _, p := range batch {
		isNew, err := upsertOnePost(ctx, tx, p)
		if err != nil {
			return err
		}
		if sessionID != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO post_by_session (session_id, post_id) VALUES (?, ?)`,
				sessionID, p.ID); err != nil {
				return err
			}
		}
		if isNew {
			newCount++
		}
	}

	if sessionID != "" && newCount > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET posts_scraped = posts_scraped + ? WHERE session_id = ?`,
			newCount, sessionID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertOnePost(ctx context.Context, tx *sql.Tx, p Post) (isNew bool, err error) {
	var existingScraped string
	err = tx.QueryRowContext(ctx, `SELECT scraped_at FROM posts WHERE id = ?`, p.ID).Scan(&existingScraped)
	isNew = err == sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}

	scrapedAt := p.ScrapedAt
	if !isNew {
		if t, perr := time.Parse(time.RFC3339, existingScraped); perr == nil && t.Before(scrapedAt) {
			scrapedAt = t
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO posts (
			id, title, author, subreddit, score, upvote_ratio, num_comments,
			created_utc, url, permalink, selftext, link_url, flair, is_nsfw,
			is_spoiler, is_self, domain, content_type, category,
			engagement_ratio, sentiment_score, viral_potential, scraped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, author = excluded.author,
			subreddit = excluded.subreddit, score = excluded.score,
			upvote_ratio = excluded.upvote_ratio, num_comments = excluded.num_comments,
			created_utc = excluded.created_utc, url = excluded.url,
			permalink = excluded.permalink, selftext = excluded.selftext,
			link_url = excluded.link_url, flair = excluded.flair,
			is_nsfw = excluded.is_nsfw, is_spoiler = excluded.is_spoiler,
			is_self = excluded.is_self, domain = excluded.domain,
			content_type = excluded.content_type, category = excluded.category,
			engagement_ratio = excluded.engagement_ratio,
			sentiment_score = excluded.sentiment_score,
			viral_potential = excluded.viral_potential,
			scraped_at = excluded.scraped_at`,
		p.ID, p.Title, p.Author, p.Subreddit, p.Score, p.UpvoteRatio, p.NumComments,
		p.CreatedUTC, p.URL, p.Permalink, p.Selftext, p.LinkURL, p.Flair, boolToInt(p.IsNSFW),
		boolToInt(p.IsSpoiler), boolToInt(p.IsSelf), p.Domain, p.ContentType, p.Category,
		p.EngagementRatio, p.SentimentScore, p.ViralPotential, scrapedAt.Format(time.RFC3339),
	)
	return isNew, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
