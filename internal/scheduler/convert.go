package scheduler

import (
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/analytics"
	"github.com/nullflux/reddit-scrape-engine/internal/enricher"
	"github.com/nullflux/reddit-scrape-engine/internal/forumclient"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

// isDeleted reports whether a post's author marks it as removed (spec.md
// §4.7's filter step).
func isDeleted(p forumclient.Post) bool {
	return p.Author == nil || *p.Author == "[deleted]" || *p.Author == "[removed]"
}

// filterPosts applies spec.md §4.7's NSFW/deleted/min_score/max_age filter.
func filterPosts(posts []forumclient.Post, minScore, maxAgeDays int, now time.Time) []forumclient.Post {
	out := make([]forumclient.Post, 0, len(posts))
	for _, p := range posts {
		if p.IsNSFW {
			continue
		}
		if isDeleted(p) {
			continue
		}
		if p.Score < minScore {
			continue
		}
		if maxAgeDays > 0 {
			ageDays := now.Sub(time.Unix(p.CreatedUTC, 0).UTC()).Hours() / 24
			if ageDays > float64(maxAgeDays) {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// toStorePosts converts canonicalized Forum Client posts into the fully
// derived Store record, applying the pluggable analytics adapters and any
// enrichment fetched for the post's link_url (spec.md §3's derived fields:
// category, engagement_ratio, sentiment_score, viral_potential).
func toStorePosts(posts []forumclient.Post, enrichments map[string]enricher.Enrichment, adapters analytics.Adapters) []store.Post {
	out := make([]store.Post, 0, len(posts))
	staged := make([]store.Post, 0, len(posts))

	for _, p := range posts {
		sp := store.Post{
			ID:          p.ID,
			Title:       p.Title,
			Author:      p.Author,
			Subreddit:   p.Subreddit,
			Score:       p.Score,
			UpvoteRatio: p.UpvoteRatio,
			NumComments: p.NumComments,
			CreatedUTC:  p.CreatedUTC,
			URL:         p.URL,
			Permalink:   p.Permalink,
			Selftext:    p.Selftext,
			LinkURL:     p.LinkURL,
			Flair:       p.Flair,
			IsNSFW:      p.IsNSFW,
			IsSpoiler:   p.IsSpoiler,
			IsSelf:      p.IsSelf,
			Domain:      p.Domain,
			ContentType: string(p.ContentType),
			ScrapedAt:   p.ScrapedAt,
		}
		if p.LinkURL != nil {
			if enr, ok := enrichments[*p.LinkURL]; ok && enr.Snippet != "" {
				sp.Selftext = enr.Snippet
			}
		}
		staged = append(staged, sp)
	}

	sentiments := adapters.Sentiment(staged)

	for _, sp := range staged {
		ratio := engagementRatio(sp.NumComments, sp.Score)
		sp.EngagementRatio = &ratio

		viral := adapters.Viral(sp)
		sp.ViralPotential = &viral

		if s, ok := sentiments[sp.ID]; ok {
			sp.SentimentScore = &s
		}

		category := categorize(ratio, viral)
		sp.Category = &category

		out = append(out, sp)
	}
	return out
}

func engagementRatio(numComments, score int) float64 {
	denom := score
	if denom < 1 {
		denom = 1
	}
	ratio := float64(numComments) / float64(denom)
	if ratio > 10 {
		ratio = 10
	}
	return ratio
}

// categorize buckets a post by its derived engagement signals. This is a
// simple heuristic, not a specified taxonomy: spec.md leaves "category"'s
// exact derivation open, so it is resolved here as a DESIGN.md decision.
func categorize(engagementRatio, viral float64) string {
	switch {
	case viral >= 0.6:
		return "viral"
	case engagementRatio >= 1:
		return "discussion"
	default:
		return "standard"
	}
}
