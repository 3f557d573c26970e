package controlapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nullflux/reddit-scrape-engine/internal/errs"
	"github.com/nullflux/reddit-scrape-engine/internal/sessionengine"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

// writeJSON writes v as a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an internal error to an HTTP status per spec.md §7's
// "Control API maps internal errors to HTTP codes": validation -> 400,
// not-found -> 404, store/circuit -> 503, internal -> 500. Sensitive detail
// is stripped from 5xx responses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errs.Is(err, errs.KindPermanent) && (errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrGone)):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errs.Is(err, errs.KindPermanent):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errs.Is(err, errs.KindTransient):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

// startRequestBody is the wire shape of POST /scrape/start's body
// (spec.md §6).
type startRequestBody struct {
	Subreddits        []string `json:"subreddits"`
	PostsPerSubreddit int      `json:"posts_per_subreddit"`
	Sort              string   `json:"sort"`
	TimeFilter        string   `json:"time_filter"`
	IncludeUsers      bool     `json:"include_users"`
	ExtractContent    bool     `json:"extract_content"`
	Parallel          bool     `json:"parallel"`
	MaxWorkers        int      `json:"max_workers"`
}

func (s *Server) handleScrapeStart(w http.ResponseWriter, r *http.Request) {
	var body startRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sessionID, err := s.engine.Start(r.Context(), sessionengine.StartRequest{
		Subreddits:        body.Subreddits,
		PostsPerSubreddit: body.PostsPerSubreddit,
		Sort:              body.Sort,
		TimeFilter:        body.TimeFilter,
		Parallel:          body.Parallel,
		IncludeUsers:      body.IncludeUsers,
		ExtractContent:    body.ExtractContent,
		Workers:           body.MaxWorkers,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (s *Server) handleScrapeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.engine.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleScrapeSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{Limit: 100}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = store.Status(status)
	}
	views, err := s.engine.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleScrapeStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.engine.Stop(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleDataPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.PostFilter{
		Subreddit:   q.Get("subreddit"),
		TitleSubstr: q.Get("search"),
	}
	if v := q.Get("min_score"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.MinScore = &n
		}
	}
	if v := q.Get("days_back"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.MaxAgeDays = &n
		}
	}

	page := store.Page{Limit: 50}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Offset = n
		}
	}

	posts, err := s.store.QueryPosts(r.Context(), filter, page)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.store.CountPosts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"posts": posts,
		"total": total,
	})
}

func (s *Server) handleStatsDatabase(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
