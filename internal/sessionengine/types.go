package sessionengine

import "github.com/nullflux/reddit-scrape-engine/internal/store"

// StartRequest describes a new scrape session (spec.md §4.8's
// start(config) -> session_id).
type StartRequest struct {
	Subreddits       []string
	PostsPerSubreddit int
	Sort             string
	TimeFilter       string
	MinScore         int
	Parallel         bool
	IncludeUsers     bool
	ExtractContent   bool
	Workers          int
}

// SessionView is the read-only projection returned by status/list_sessions
// (spec.md §4.8).
type SessionView struct {
	SessionID     string
	Subreddits    []string
	Status        store.Status
	PostsScraped  int
	UsersScraped  int
	Errors        int
	Progress      float64
	ErrorMessage  *string
}

func toView(s store.Session) SessionView {
	return SessionView{
		SessionID:    s.SessionID,
		Subreddits:   s.Subreddits,
		Status:       s.Status,
		PostsScraped: s.PostsScraped,
		UsersScraped: s.UsersScraped,
		Errors:       s.Errors,
		Progress:     s.Progress,
		ErrorMessage: s.ErrorMessage,
	}
}
