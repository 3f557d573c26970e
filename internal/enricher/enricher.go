// Package enricher implements the Content Enricher (spec.md §4.4): given a
// Post with an external link_url, fetch the page and extract
// {title, description, author, snippet, published_at}. It owns a separate
// admission controller and circuit breaker from the Forum Client because the
// external web is a different failure domain, and bounds its own
// concurrency with the teacher's worker pool rather than the scheduler's.
package enricher

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/nullflux/reddit-scrape-engine/internal/admission"
	"github.com/nullflux/reddit-scrape-engine/internal/breaker"
	"github.com/nullflux/reddit-scrape-engine/internal/errs"
	"github.com/nullflux/reddit-scrape-engine/internal/proxy"
	"github.com/nullflux/reddit-scrape-engine/internal/worker"
)

// maxBodyBytes caps how much of a linked page is read, so a misbehaving
// remote can't exhaust memory.
const maxBodyBytes = 2 << 20 // 2MiB

// Enrichment is the extracted content for one external link.
type Enrichment struct {
	Title       string
	Description string
	Author      string
	Snippet     string
	PublishedAt *time.Time
}

// Enricher bounds concurrent link fetches (default 5 in-flight, spec.md
// §4.4) behind its own admission+circuit pair.
type Enricher struct {
	httpClient *http.Client
	admit      admission.Controller
	breaker    *breaker.Breaker
	pool       *worker.WorkerPool
	seen       sync.Map // url -> struct{}: each URL is attempted at most once per Enricher
	proxyMgr   *proxy.ProxyManager
	proxyAddr  string
}

// Option configures an Enricher at construction.
type Option func(*Enricher)

// WithProxy attaches the ProxyManager mgr routed addr to this Enricher's
// transport, so a run of failures that trips the circuit also quarantines
// addr from future rotation picks (spec.md §4.2's failure accounting,
// extended to proxy health).
func WithProxy(mgr *proxy.ProxyManager, addr string) Option {
	return func(e *Enricher) {
		e.proxyMgr = mgr
		e.proxyAddr = addr
	}
}

// New builds an Enricher with concurrency in-flight link fetches.
func New(httpClient *http.Client, admit admission.Controller, brk *breaker.Breaker, concurrency int, opts ...Option) *Enricher {
	if concurrency <= 0 {
		concurrency = 5
	}
	pool := worker.NewWorkerPool(concurrency)
	pool.Start()
	e := &Enricher{httpClient: httpClient, admit: admit, breaker: brk, pool: pool}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stop drains the in-flight fetch pool.
func (e *Enricher) Stop() { e.pool.Stop() }

// PendingEnrichments returns the number of link fetches currently queued or
// running against this Enricher's pool (spec.md §4.4's 5-in-flight default),
// so a caller can surface enrichment backlog alongside session progress.
func (e *Enricher) PendingEnrichments() int { return e.pool.QueueDepth() }

// Enrich fetches linkURL and extracts its content. A second call for the
// same linkURL within the lifetime of this Enricher returns a Skipped error
// without refetching. The seen set is never cleared, so it spans every
// session that shares this Enricher.
func (e *Enricher) Enrich(ctx context.Context, linkURL string) (Enrichment, error) {
	if _, already := e.seen.LoadOrStore(linkURL, struct{}{}); already {
		return Enrichment{}, errs.Skipped("enricher.Enrich", errAlreadyTried)
	}

	// Check the circuit before acquiring admission so an open breaker fails
	// fast without consuming a token (spec.md §4.2).
	if !e.breaker.Allow() {
		return Enrichment{}, errs.Transient("enricher.Enrich", errs.ErrCircuitOpen)
	}
	if _, err := e.admit.Acquire(ctx); err != nil {
		return Enrichment{}, errs.Cancelled("enricher.Enrich", err)
	}

	var result Enrichment
	callErr := func() error {
		body, err := e.fetch(ctx, linkURL)
		if err != nil {
			e.admit.RecordOutcome(admission.OutcomeError)
			return errs.Transient("enricher.Enrich", err)
		}
		e.admit.RecordOutcome(admission.OutcomeOK)
		result = parse(body)
		return nil
	}()
	if callErr != nil {
		e.breaker.RecordFailure()
		if e.proxyMgr != nil && e.breaker.CurrentState() == breaker.StateOpen {
			e.proxyMgr.MarkBad(e.proxyAddr)
		}
		return Enrichment{}, callErr
	}
	e.breaker.RecordSuccess()
	return result, nil
}

// EnrichBatch runs Enrich for every post's linkURL concurrently, bounded by
// the Enricher's pool, collecting results keyed by linkURL. Failed URLs are
// left out of the results map (spec.md §4.4:
// "Failures are not fatal to the session; the post is still persisted
// without enrichment").
func (e *Enricher) EnrichBatch(ctx context.Context, linkURLs []string) map[string]Enrichment {
	results := make(map[string]Enrichment, len(linkURLs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, u := range linkURLs {
		u := u
		wg.Add(1)
		e.pool.Submit(func() {
			defer wg.Done()
			enr, err := e.Enrich(ctx, u)
			if err != nil {
				return
			}
			mu.Lock()
			results[u] = enr
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}

func (e *Enricher) fetch(ctx context.Context, linkURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, linkURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, errs.Permanent("enricher.fetch", errs.ErrNotFound)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// parse extracts title/description/author/snippet from an HTML document
// using golang.org/x/net/html's tokenizer.
func parse(body []byte) Enrichment {
	var enr Enrichment
	z := html.NewTokenizer(strings.NewReader(string(body)))
	var inTitle bool
	var snippetParas []string

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			switch tag {
			case "title":
				inTitle = enr.Title == ""
			case "meta":
				attrs := readAttrs(z, hasAttr)
				applyMeta(&enr, attrs)
			case "p":
				if len(snippetParas) < 3 {
					if text := nextText(z); text != "" {
						snippetParas = append(snippetParas, text)
					}
				}
			}
		case html.TextToken:
			if inTitle {
				enr.Title += strings.TrimSpace(string(z.Text()))
				inTitle = false
			}
		}
	}
	enr.Snippet = strings.Join(snippetParas, " ")
	if len(enr.Snippet) > 500 {
		enr.Snippet = enr.Snippet[:500]
	}
	return enr
}

func readAttrs(z *html.Tokenizer, hasAttr bool) map[string]string {
	attrs := map[string]string{}
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		attrs[string(key)] = string(val)
	}
	return attrs
}

func applyMeta(enr *Enrichment, attrs map[string]string) {
	name := attrs["name"]
	property := attrs["property"]
	content := attrs["content"]
	switch {
	case property == "og:title" && content != "":
		enr.Title = content
	case property == "og:description" || name == "description":
		if enr.Description == "" {
			enr.Description = content
		}
	case name == "author" || property == "article:author":
		if enr.Author == "" {
			enr.Author = content
		}
	case property == "article:published_time":
		if t, err := time.Parse(time.RFC3339, content); err == nil {
			enr.PublishedAt = &t
		}
	}
}

// nextText consumes exactly one token and returns its trimmed text if it is
// a TextToken, or "" otherwise (used to pull a paragraph's snippet).
func nextText(z *html.Tokenizer) string {
	tt := z.Next()
	if tt == html.TextToken {
		return strings.TrimSpace(string(z.Text()))
	}
	return ""
}

var errAlreadyTried = errAlreadyTriedErr{}

type errAlreadyTriedErr struct{}

func (errAlreadyTriedErr) Error() string { return "link already attempted this session" }
