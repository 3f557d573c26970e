package forumclient

import "time"

// Sort is the listing sort order accepted by ListPosts (spec.md §4.3).
type Sort string

const (
	SortHot    Sort = "hot"
	SortNew    Sort = "new"
	SortTop    Sort = "top"
	SortRising Sort = "rising"
)

// TimeFilter windows a Top listing (spec.md §4.3).
type TimeFilter string

const (
	TimeHour  TimeFilter = "hour"
	TimeDay   TimeFilter = "day"
	TimeWeek  TimeFilter = "week"
	TimeMonth TimeFilter = "month"
	TimeYear  TimeFilter = "year"
	TimeAll   TimeFilter = "all"
)

// ContentType classifies a Post by the presence of media fields and domain
// (spec.md §3).
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentLink  ContentType = "link"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
)

// Post is the canonical post record (spec.md §3). It carries no derived
// fields: Category, EngagementRatio, SentimentScore and ViralPotential live
// on store.Post and are filled in by the scheduler's conversion step using
// the analytics adapters.
type Post struct {
	ID            string
	Title         string
	Author        *string
	Subreddit     string
	Score         int
	UpvoteRatio   float64
	NumComments   int
	CreatedUTC    int64
	URL           string
	Permalink     string
	Selftext      string
	LinkURL       *string
	Flair         *string
	IsNSFW        bool
	IsSpoiler     bool
	IsSelf        bool
	Domain        string
	ContentType   ContentType
	ScrapedAt     time.Time
}

// User is the canonical user record (spec.md §3).
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

// Page is one ListPosts result: a batch of canonical posts plus the cursor
// to request the next page, if any (spec.md §4.3: "paginates at <=100
// items/page").
type Page struct {
	Posts      []Post
	NextCursor string
}
