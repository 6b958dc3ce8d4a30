package records

import "time"

// Post is the normalized domain record for a single tweet, extracted from
// whichever payload shape the upstream API happened to serve.
type Post struct {
	ID        string
	AuthorID  string
	CreatedAt time.Time
	Text      string

	FavoriteCount int
	ReplyCount    int
	// RetweetCount is the sum of native reshares and quotes. The upstream
	// API surfaces them separately; the archive models them as one
	// aggregate. Both source values are kept below so the merge stays
	// reversible.
	RetweetCount   int
	NativeReshares int
	QuoteCount     int

	ReplyTo *ReplyTarget

	Author   Author
	Media    []Media
	Links    []Link
	Mentions []Mention

	Quoted   *Post
	Reshared *Post
}

// ReplyTarget identifies the tweet a post replies to, when any.
type ReplyTarget struct {
	TweetID  string
	UserID   string
	Username string
}

// Author holds every author-derived field of a post. Each field has exactly
// one authoritative source per payload: the flat legacy shape when present,
// the nested core/avatar shape otherwise.
type Author struct {
	ID          string
	Username    string
	DisplayName string
	CreatedAt   time.Time
	Protected   bool

	TweetCount     int
	FollowingCount int
	FollowerCount  int
	LikeCount      int

	AvatarURL string
	BannerURL string
	Bio       string
	Location  string
	Website   string
}

// User is the normalized record for user entries (followers/following
// timelines). Smaller field set than a post author.
type User struct {
	ID          string
	Username    string
	DisplayName string
	CreatedAt   time.Time
	Protected   bool

	FollowingCount int
	FollowerCount  int
	Bio            string
}

// Media is one attachment of a post, in payload order.
type Media struct {
	ID         string
	Type       string
	URL        string
	PreviewURL string
	Width      int
	Height     int
}

// Link is one URL entity of a post, in payload order.
type Link struct {
	URL         string
	ExpandedURL string
	DisplayURL  string
}

// Mention is one mentioned user, deduplicated by user id.
type Mention struct {
	UserID      string
	Username    string
	DisplayName string
}
