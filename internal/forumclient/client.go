// Package forumclient wraps the remote forum's documented JSON listing API
// behind the fetch/retry/timeout/parse contract of spec.md §4.3. It composes
// Admission -> Circuit -> HTTP -> parse, the same layering the teacher's
// transport-pool client applies to a single HTTP hop, generalized here to
// two guarded remote operations (ListPosts, GetUser).
package forumclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/admission"
	"github.com/nullflux/reddit-scrape-engine/internal/breaker"
	"github.com/nullflux/reddit-scrape-engine/internal/errs"
	"github.com/nullflux/reddit-scrape-engine/internal/logger"
	"github.com/nullflux/reddit-scrape-engine/internal/metrics"
	"github.com/nullflux/reddit-scrape-engine/internal/proxy"
)

// Client is the canonicalizing Reddit JSON API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	admit      admission.Controller
	breaker    *breaker.Breaker
	retry      retryPolicy
	log        *logger.Logger
	recorder   *metrics.Recorder
	proxyMgr   *proxy.ProxyManager
	proxyAddr  string
}

// Option configures a Client at construction.
type Option func(*Client)

// WithRetryPolicy overrides the default base=1s/factor=2/maxRetries=3/jitter=0.25.
func WithRetryPolicy(base time.Duration, factor float64, maxRetries int, jitterFrac float64) Option {
	return func(c *Client) {
		c.retry = retryPolicy{Base: base, Factor: factor, MaxRetries: maxRetries, Jitter: jitterFrac}
	}
}

// WithRecorder attaches a metrics.Recorder that every ListPosts/GetUser call
// reports a Sample to.
func WithRecorder(r *metrics.Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithProxy attaches the ProxyManager mgr routed addr to this Client's
// transport at construction, so a run of consecutive failures that trips
// the circuit also quarantines addr from future rotation picks (spec.md
// §4.2's failure accounting, extended to proxy health).
func WithProxy(mgr *proxy.ProxyManager, addr string) Option {
	return func(c *Client) {
		c.proxyMgr = mgr
		c.proxyAddr = addr
	}
}

// New builds a Client against baseURL (override in tests with an
// httptest.Server URL; production uses the real Reddit JSON endpoint),
// guarded by admit (its own admission controller, per spec.md §4.4's "the
// Forum Client... each own their own instance") and brk.
func New(httpClient *http.Client, baseURL, userAgent string, admit admission.Controller, brk *breaker.Breaker, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		admit:      admit,
		breaker:    brk,
		retry:      defaultRetryPolicy(),
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rawListing mirrors the remote JSON listing envelope: {"kind":"Listing",
// "data":{"children":[{"kind":"t3","data":{...}}], "after": "..."}}.
type rawListing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []rawChild `json:"children"`
		After    string     `json:"after"`
	} `json:"data"`
}

type rawChild struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type rawPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Subreddit   string  `json:"subreddit"`
	Score       int     `json:"score"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Selftext    string  `json:"selftext"`
	Domain      string  `json:"domain"`
	IsSelf      bool    `json:"is_self"`
	Over18      bool    `json:"over_18"`
	Spoiler     bool    `json:"spoiler"`
	Thumbnail   string  `json:"thumbnail"`
	PostHint    string  `json:"post_hint"`
	IsVideo     bool    `json:"is_video"`
	LinkFlair   string  `json:"link_flair_text"`
}

type rawUser struct {
	Name         string  `json:"name"`
	ID           string  `json:"id"`
	CreatedUTC   float64 `json:"created_utc"`
	CommentKarma int     `json:"comment_karma"`
	LinkKarma    int     `json:"link_karma"`
	Verified     bool    `json:"verified"`
	IsGold       bool    `json:"is_gold"`
	Subreddit    struct {
		PublicDescription string `json:"public_description"`
	} `json:"subreddit"`
}

type rawUserEnvelope struct {
	Kind string  `json:"kind"`
	Data rawUser `json:"data"`
}

// ListPosts fetches one page of subreddit posts, canonicalizing each into a
// Post, per spec.md §4.3.
func (c *Client) ListPosts(ctx context.Context, subreddit string, sort Sort, timeFilter TimeFilter, limit int, cursor string) (Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("raw_json", "1")
	if timeFilter != "" {
		q.Set("t", string(timeFilter))
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	reqURL := fmt.Sprintf("%s/r/%s/%s.json?%s", c.baseURL, subreddit, sort, q.Encode())

	var listing rawListing
	if err := c.fetchJSON(ctx, "forumclient.ListPosts", reqURL, &listing); err != nil {
		return Page{}, err
	}

	now := time.Now().UTC()
	posts := make([]Post, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		if child.Kind != "t3" {
			continue
		}
		var rp rawPost
		if err := json.Unmarshal(child.Data, &rp); err != nil {
			c.logSkip("forumclient.ListPosts", subreddit, err)
			continue
		}
		posts = append(posts, canonicalizePost(rp, now))
	}
	return Page{Posts: posts, NextCursor: listing.Data.After}, nil
}

// GetUser fetches a single user's public profile (spec.md §4.3).
func (c *Client) GetUser(ctx context.Context, username string) (User, error) {
	reqURL := fmt.Sprintf("%s/user/%s/about.json", c.baseURL, url.PathEscape(username))

	var envelope rawUserEnvelope
	err := c.fetchJSON(ctx, "forumclient.GetUser", reqURL, &envelope)
	if err != nil {
		return User{}, err
	}
	if envelope.Data.Name == "" {
		return User{}, errs.Permanent("forumclient.GetUser", errs.ErrNotFound)
	}
	return canonicalizeUser(envelope.Data, time.Now().UTC()), nil
}

// fetchJSON composes admission wait, circuit breaker, retried HTTP GET and
// JSON decode into out, classifying the outcome the way spec.md §4.3
// requires (retryable transient vs permanent 4xx, minus 429).
func (c *Client) fetchJSON(ctx context.Context, op, reqURL string, out any) error {
	return withRetry(ctx, c.retry, isRetryable, func() error {
		// Check the circuit before acquiring admission so an open breaker
		// fails fast without consuming a token (spec.md §4.2).
		if !c.breaker.Allow() {
			return errs.Transient(op, errs.ErrCircuitOpen)
		}
		if _, err := c.admit.Acquire(ctx); err != nil {
			return errs.Cancelled(op, err)
		}

		var statusCode int
		callErr := func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return errs.Permanent(op, err)
			}
			req.Header.Set("User-Agent", c.userAgent)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				c.admit.RecordOutcome(admission.OutcomeError)
				return errs.Transient(op, err)
			}
			defer resp.Body.Close()
			statusCode = resp.StatusCode

			if resp.StatusCode == http.StatusTooManyRequests {
				c.admit.RecordOutcome(admission.OutcomeRateLimited)
				return errs.Transient(op, fmt.Errorf("status %d", resp.StatusCode))
			}
			if resp.StatusCode >= 500 {
				c.admit.RecordOutcome(admission.OutcomeError)
				return errs.Transient(op, fmt.Errorf("status %d", resp.StatusCode))
			}
			if resp.StatusCode == http.StatusNotFound {
				c.admit.RecordOutcome(admission.OutcomeOK)
				return errs.Permanent(op, errs.ErrNotFound)
			}
			if resp.StatusCode == http.StatusGone {
				c.admit.RecordOutcome(admission.OutcomeOK)
				return errs.Permanent(op, errs.ErrGone)
			}
			if resp.StatusCode >= 400 {
				c.admit.RecordOutcome(admission.OutcomeOK)
				return errs.Permanent(op, fmt.Errorf("status %d", resp.StatusCode))
			}

			c.admit.RecordOutcome(admission.OutcomeOK)
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return errs.Skipped(op, err)
			}
			return nil
		}()

		if callErr != nil {
			c.breaker.RecordFailure()
			if c.proxyMgr != nil && c.breaker.CurrentState() == breaker.StateOpen {
				c.proxyMgr.MarkBad(c.proxyAddr)
			}
		} else {
			c.breaker.RecordSuccess()
		}

		c.record(op, callErr == nil, statusCode)
		return callErr
	})
}

func (c *Client) record(op string, ok bool, statusCode int) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(metrics.Sample{
		Operation:  op,
		TSStart:    time.Now(),
		DurationMS: 0,
		OK:         ok,
		Tags:       map[string]string{"status": strconv.Itoa(statusCode)},
	})
}

func (c *Client) logSkip(op, subreddit string, err error) {
	if c.log == nil {
		return
	}
	c.log.With(map[string]any{"op": op, "subreddit": subreddit}).Errorf("skipping malformed post: %v", err)
}

// isRetryable reports whether err's classification permits a retry, per
// spec.md §4.3 ("all transient HTTP errors... are retried... 4xx except 429
// surface as Permanent").
func isRetryable(err error) bool {
	return errs.Is(err, errs.KindTransient)
}

func canonicalizePost(rp rawPost, now time.Time) Post {
	var author *string
	if rp.Author != "" && rp.Author != "[deleted]" {
		a := rp.Author
		author = &a
	}
	var flair *string
	if rp.LinkFlair != "" {
		flair = &rp.LinkFlair
	}
	var linkURL *string
	if !rp.IsSelf && rp.URL != "" {
		u := rp.URL
		linkURL = &u
	}

	return Post{
		ID:          rp.ID,
		Title:       rp.Title,
		Author:      author,
		Subreddit:   rp.Subreddit,
		Score:       rp.Score,
		UpvoteRatio: rp.UpvoteRatio,
		NumComments: rp.NumComments,
		CreatedUTC:  int64(rp.CreatedUTC),
		URL:         rp.URL,
		Permalink:   rp.Permalink,
		Selftext:    rp.Selftext,
		LinkURL:     linkURL,
		Flair:       flair,
		IsNSFW:      rp.Over18,
		IsSpoiler:   rp.Spoiler,
		IsSelf:      rp.IsSelf,
		Domain:      rp.Domain,
		ContentType: classifyContentType(rp),
		ScrapedAt:   now,
	}
}

// classifyContentType decides content_type from media-field presence and
// domain (spec.md §3).
func classifyContentType(rp rawPost) ContentType {
	switch {
	case rp.IsSelf:
		return ContentText
	case rp.IsVideo || rp.PostHint == "hosted:video" || rp.PostHint == "rich:video":
		return ContentVideo
	case rp.PostHint == "image" || strings.HasSuffix(strings.ToLower(rp.URL), ".jpg") ||
		strings.HasSuffix(strings.ToLower(rp.URL), ".png") || strings.HasSuffix(strings.ToLower(rp.URL), ".gif"):
		return ContentImage
	default:
		return ContentLink
	}
}

func canonicalizeUser(ru rawUser, now time.Time) User {
	return User{
		Username:           ru.Name,
		ID:                 ru.ID,
		CreatedUTC:         int64(ru.CreatedUTC),
		CommentKarma:       ru.CommentKarma,
		LinkKarma:          ru.LinkKarma,
		IsVerified:         ru.Verified,
		HasPremium:         ru.IsGold,
		ProfileDescription: ru.Subreddit.PublicDescription,
		ScrapedAt:          now,
	}
}
