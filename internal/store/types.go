package store

import "time"

// Post is the fully canonical, persisted post record (spec.md §3),
// including the derived fields the analytics adapters populate.
type Post struct {
	ID              string
	Title           string
	Author          *string
	Subreddit       string
	Score           int
	UpvoteRatio     float64
	NumComments     int
	CreatedUTC      int64
	URL             string
	Permalink       string
	Selftext        string
	LinkURL         *string
	Flair           *string
	IsNSFW          bool
	IsSpoiler       bool
	IsSelf          bool
	Domain          string
	ContentType     string
	Category        *string
	EngagementRatio *float64
	SentimentScore  *float64
	ViralPotential  *float64
	ScrapedAt       time.Time
}

// User is the persisted user record (spec.md §3).
type User struct {
	Username           string
	ID                 string
	CreatedUTC         int64
	CommentKarma       int
	LinkKarma          int
	IsVerified         bool
	HasPremium         bool
	ProfileDescription string
	ScrapedAt          time.Time
}

// Status is a Session's lifecycle state (spec.md §3).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// PlanEntry is one subreddit's share of a session's plan.
type PlanEntry struct {
	Subreddit   string `json:"subreddit"`
	TargetCount int    `json:"target_count"`
	Sort        string `json:"sort"`
	TimeFilter  string `json:"time_filter"`
}

// Options captures the session-scoped scrape flags (spec.md §3).
type Options struct {
	Parallel       bool `json:"parallel"`
	IncludeUsers   bool `json:"include_users"`
	ExtractContent bool `json:"extract_content"`
	Workers        int  `json:"workers"`
	MinScore       int  `json:"min_score"`
}

// Session is the durable session record (spec.md §3).
type Session struct {
	SessionID     string
	Subreddits    []string
	Plan          []PlanEntry
	Status        Status
	PostsScraped  int
	UsersScraped  int
	Errors        int
	Progress      float64
	StartTime     time.Time
	EndTime       *time.Time
	ErrorMessage  *string
	Options       Options
	LastHeartbeat time.Time
}

// SessionPatch updates a subset of a Session's mutable fields; nil fields are
// left untouched (update_session(session_id, patch), spec.md §4.5).
type SessionPatch struct {
	Status        *Status
	PostsScraped  *int
	UsersScraped  *int
	Errors        *int
	Progress      *float64
	EndTime       *time.Time
	ErrorMessage  *string
	LastHeartbeat *time.Time
}

// SessionFilter narrows list_sessions (spec.md §4.5).
type SessionFilter struct {
	Status Status // empty means any
	Limit  int
	Offset int
}

// PostFilter narrows query_posts (spec.md §4.5: "filters on subreddit,
// min_score, max-age-days, full-text substring on title").
type PostFilter struct {
	Subreddit    string
	MinScore     *int
	MaxAgeDays   *int
	TitleSubstr  string
}

// Page bounds a query_posts result.
type Page struct {
	Limit  int
	Offset int
}
