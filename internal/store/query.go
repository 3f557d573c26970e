package store

import (
	"context"
	"database/sql"
	"time"
)

const postColumnsQuery = `SELECT id, title, author, subreddit, score, upvote_ratio, num_comments,
	created_utc, url, permalink, selftext, link_url, flair, is_nsfw, is_spoiler,
	is_self, domain, content_type, category, engagement_ratio, sentiment_score,
	viral_potential, scraped_at FROM posts`

// whereClause builds the shared WHERE fragment for filter, returned with its
// positional args, so QueryPosts and CountPosts apply identical filtering.
func whereClause(filter PostFilter) (string, []any) {
	clause := ` WHERE 1=1`
	var args []any

	if filter.Subreddit != "" {
		clause += ` AND subreddit = ?`
		args = append(args, filter.Subreddit)
	}
	if filter.MinScore != nil {
		clause += ` AND score >= ?`
		args = append(args, *filter.MinScore)
	}
	if filter.MaxAgeDays != nil {
		cutoff := time.Now().UTC().AddDate(0, 0, -*filter.MaxAgeDays).Unix()
		clause += ` AND created_utc >= ?`
		args = append(args, cutoff)
	}
	if filter.TitleSubstr != "" {
		clause += ` AND title LIKE ?`
		args = append(args, "%"+filter.TitleSubstr+"%")
	}
	return clause, args
}

// QueryPosts filters on subreddit, min_score, max-age-days, and a title
// substring, paged with stable ordering by (created_utc desc, id desc)
// (spec.md §4.5).
func (s *Store) QueryPosts(ctx context.Context, filter PostFilter, page Page) ([]Post, error) {
	clause, args := whereClause(filter)
	query := postColumnsQuery + clause

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_utc DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPosts returns the total rows matching filter, ignoring page — the
// `total` half of query_posts(filter, page) -> (posts[], total) (spec.md
// §4.8).
func (s *Store) CountPosts(ctx context.Context, filter PostFilter) (int, error) {
	clause, args := whereClause(filter)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`+clause, args...).Scan(&count)
	return count, err
}

func scanPost(rows *sql.Rows) (Post, error) {
	var p Post
	var scrapedAt string
	var author, linkURL, flair, category sql.NullString
	var engagementRatio, sentimentScore, viralPotential sql.NullFloat64
	var isNSFW, isSpoiler, isSelf int

	if err := rows.Scan(&p.ID, &p.Title, &author, &p.Subreddit, &p.Score, &p.UpvoteRatio,
		&p.NumComments, &p.CreatedUTC, &p.URL, &p.Permalink, &p.Selftext, &linkURL, &flair,
		&isNSFW, &isSpoiler, &isSelf, &p.Domain, &p.ContentType, &category,
		&engagementRatio, &sentimentScore, &viralPotential, &scrapedAt); err != nil {
		return Post{}, err
	}

	p.IsNSFW = isNSFW != 0
	p.IsSpoiler = isSpoiler != 0
	p.IsSelf = isSelf != 0
	if author.Valid {
		v := author.String
		p.Author = &v
	}
	if linkURL.Valid {
		v := linkURL.String
		p.LinkURL = &v
	}
	if flair.Valid {
		v := flair.String
		p.Flair = &v
	}
	if category.Valid {
		v := category.String
		p.Category = &v
	}
	if engagementRatio.Valid {
		v := engagementRatio.Float64
		p.EngagementRatio = &v
	}
	if sentimentScore.Valid {
		v := sentimentScore.Float64
		p.SentimentScore = &v
	}
	if viralPotential.Valid {
		v := viralPotential.Float64
		p.ViralPotential = &v
	}
	if t, err := time.Parse(time.RFC3339, scrapedAt); err == nil {
		p.ScrapedAt = t
	}
	return p, nil
}
