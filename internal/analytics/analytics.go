// Package analytics defines the pluggable post-analysis seam spec.md §1
// describes as "consumed as pure pluggable functions; their internals are
// not specified here": sentiment, trend, and viral scoring are declared as
// function types so the Scheduler's batch-commit path can call whichever
// implementation is wired in without depending on its internals (spec.md
// §9's pluggable-analytics design note).
package analytics

import (
	"strings"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

// SentimentFn maps a batch of posts to a sentiment score per post ID, in
// [-1, 1].
type SentimentFn func([]store.Post) map[string]float64

// TrendSummary is the pure output of a TrendFn: per-subreddit aggregate
// engagement signal over the batch it was given.
type TrendSummary struct {
	PostsBySubreddit map[string]int
	AvgScoreBySub    map[string]float64
	TopDomains       []string
}

// TrendFn maps a batch of posts to a TrendSummary.
type TrendFn func([]store.Post) TrendSummary

// ViralFn maps a single post to a viral-potential score in [0, 1].
type ViralFn func(store.Post) float64

// Adapters bundles the three pluggable functions the Scheduler's
// batch-commit path calls (spec.md §4.10, supplemental).
type Adapters struct {
	Sentiment SentimentFn
	Trend     TrendFn
	Viral     ViralFn
}

// Default returns a heuristic Adapters implementation: a small bag-of-words
// polarity lexicon for sentiment, a recency/score-weighted viral score, and
// a straightforward per-subreddit aggregate for trend. None of this claims
// to be a real sentiment model; it exists so the wiring is exercised
// end-to-end and is trivially swappable for a real implementation later.
func Default() Adapters {
	return Adapters{
		Sentiment: defaultSentiment,
		Trend:     defaultTrend,
		Viral:     defaultViral,
	}
}

var positiveWords = map[string]struct{}{
	"good": {}, "great": {}, "love": {}, "awesome": {}, "amazing": {},
	"excellent": {}, "happy": {}, "best": {}, "nice": {}, "thanks": {},
}

var negativeWords = map[string]struct{}{
	"bad": {}, "hate": {}, "terrible": {}, "awful": {}, "worst": {},
	"sad": {}, "angry": {}, "broken": {}, "fail": {}, "sucks": {},
}

func defaultSentiment(posts []store.Post) map[string]float64 {
	out := make(map[string]float64, len(posts))
	for _, p := range posts {
		out[p.ID] = scoreText(p.Title + " " + p.Selftext)
	}
	return out
}

func scoreText(text string) float64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return 0
	}
	var pos, neg int
	for _, w := range words {
		w = strings.Trim(w, ".,!?\"'()[]")
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	score := float64(pos-neg) / float64(total)
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

func defaultTrend(posts []store.Post) TrendSummary {
	sum := TrendSummary{
		PostsBySubreddit: make(map[string]int),
		AvgScoreBySub:    make(map[string]float64),
	}
	scoreTotals := make(map[string]int)
	domainCounts := make(map[string]int)

	for _, p := range posts {
		sum.PostsBySubreddit[p.Subreddit]++
		scoreTotals[p.Subreddit] += p.Score
		if p.Domain != "" {
			domainCounts[p.Domain]++
		}
	}
	for sub, count := range sum.PostsBySubreddit {
		if count > 0 {
			sum.AvgScoreBySub[sub] = float64(scoreTotals[sub]) / float64(count)
		}
	}
	sum.TopDomains = topN(domainCounts, 5)
	return sum
}

func topN(counts map[string]int, n int) []string {
	type kv struct {
		key   string
		count int
	}
	kvs := make([]kv, 0, len(counts))
	for k, v := range counts {
		kvs = append(kvs, kv{k, v})
	}
	for i := 0; i < len(kvs); i++ {
		for j := i + 1; j < len(kvs); j++ {
			if kvs[j].count > kvs[i].count {
				kvs[i], kvs[j] = kvs[j], kvs[i]
			}
		}
	}
	if len(kvs) > n {
		kvs = kvs[:n]
	}
	out := make([]string, len(kvs))
	for i, e := range kvs {
		out[i] = e.key
	}
	return out
}

// defaultViral combines score and comment velocity relative to post age: a
// post with a high score/comment count shortly after posting scores higher
// than the same totals accumulated slowly.
func defaultViral(p store.Post) float64 {
	ageHours := float64(time.Now().UTC().Unix()-p.CreatedUTC) / 3600
	if ageHours < 1 {
		ageHours = 1
	}
	engagement := float64(p.Score) + float64(p.NumComments)*2
	velocity := engagement / ageHours
	// Squash into [0,1] with a soft knee around velocity=50/hr.
	score := velocity / (velocity + 50)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
