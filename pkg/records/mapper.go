package records

import (
	"reflect"
	"strconv"
	"time"
)

// Sub-record types understood by the archival sink.
const (
	TypeAccount = "import_account"
	TypeProfile = "import_profile"
	TypeTweet   = "import_tweet"
	TypeMedia   = "import_media"
	TypeURL     = "import_url"
	TypeMention = "import_mention"
)

// SubRecord is one row of the bulk submission, keyed by
// (OriginatorID, ItemID, Type).
type SubRecord struct {
	OriginatorID string      `json:"originator_id"`
	ItemID       string      `json:"item_id"`
	Type         string      `json:"type"`
	Data         interface{} `json:"data"`
}

// AccountRow mirrors the sink's account table.
type AccountRow struct {
	AccountID   string `json:"account_id"`
	CreatedVia  string `json:"created_via"`
	Username    string `json:"username"`
	CreatedAt   string `json:"created_at"`
	DisplayName string `json:"account_display_name"`
	NumTweets   int    `json:"num_tweets"`
	NumFollowing int   `json:"num_following"`
	NumFollowers int   `json:"num_followers"`
	NumLikes    int    `json:"num_likes"`
}

// ProfileRow mirrors the sink's profile table.
type ProfileRow struct {
	AccountID      string `json:"account_id"`
	AvatarMediaURL string `json:"avatar_media_url"`
	HeaderMediaURL string `json:"header_media_url,omitempty"`
	Bio            string `json:"bio,omitempty"`
	Location       string `json:"location,omitempty"`
	Website        string `json:"website,omitempty"`
}

// TweetRow mirrors the sink's tweets table.
type TweetRow struct {
	TweetID         string `json:"tweet_id"`
	AccountID       string `json:"account_id"`
	CreatedAt       string `json:"created_at"`
	FullText        string `json:"full_text"`
	FavoriteCount   int    `json:"favorite_count"`
	RetweetCount    int    `json:"retweet_count"`
	ReplyToTweetID  string `json:"reply_to_tweet_id,omitempty"`
	ReplyToUserID   string `json:"reply_to_user_id,omitempty"`
	ReplyToUsername string `json:"reply_to_username,omitempty"`
}

// MediaRow mirrors the sink's tweet_media table.
type MediaRow struct {
	TweetID    string `json:"tweet_id"`
	MediaID    string `json:"media_id"`
	MediaType  string `json:"media_type"`
	MediaURL   string `json:"media_url"`
	PreviewURL string `json:"preview_url"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// URLRow mirrors the sink's tweet_urls table.
type URLRow struct {
	TweetID     string `json:"tweet_id"`
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	DisplayURL  string `json:"display_url"`
}

// MentionRow mirrors the sink's user_mentions table.
type MentionRow struct {
	TweetID         string `json:"tweet_id"`
	MentionedUserID string `json:"mentioned_user_id"`
	Username        string `json:"username"`
	DisplayName     string `json:"display_name"`
}

// MapAll flattens a post and its quoted/reshared posts into sink rows.
// The top-level post keeps bare item ids; nested posts get a "_QT" or "_RT"
// suffix. Account and profile rows already emitted for an earlier post in
// the same call are not repeated.
func MapAll(p *Post) []SubRecord {
	originator := p.ID
	var out []SubRecord
	out = mapOne(out, originator, p, "")
	if p.Quoted != nil {
		out = mapOne(out, originator, p.Quoted, "_QT")
	}
	if p.Reshared != nil {
		out = mapOne(out, originator, p.Reshared, "_RT")
	}
	return out
}

func mapOne(out []SubRecord, originator string, p *Post, suffix string) []SubRecord {
	account := AccountRow{
		AccountID:    p.Author.ID,
		CreatedVia:   "twitter_import",
		Username:     p.Author.Username,
		CreatedAt:    p.Author.CreatedAt.UTC().Format(time.RFC3339),
		DisplayName:  p.Author.DisplayName,
		NumTweets:    p.Author.TweetCount,
		NumFollowing: p.Author.FollowingCount,
		NumFollowers: p.Author.FollowerCount,
		NumLikes:     p.Author.LikeCount,
	}
	if !containsData(out, TypeAccount, account) {
		out = append(out, SubRecord{originator, p.Author.ID + suffix, TypeAccount, account})
	}

	profile := ProfileRow{
		AccountID:      p.Author.ID,
		AvatarMediaURL: p.Author.AvatarURL,
		HeaderMediaURL: p.Author.BannerURL,
		Bio:            p.Author.Bio,
		Location:       p.Author.Location,
		Website:        p.Author.Website,
	}
	if !containsData(out, TypeProfile, profile) {
		out = append(out, SubRecord{originator, p.Author.ID + suffix, TypeProfile, profile})
	}

	tweet := TweetRow{
		TweetID:       p.ID,
		AccountID:     p.AuthorID,
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
		FullText:      p.Text,
		FavoriteCount: p.FavoriteCount,
		RetweetCount:  p.RetweetCount,
	}
	if p.ReplyTo != nil {
		tweet.ReplyToTweetID = p.ReplyTo.TweetID
		tweet.ReplyToUserID = p.ReplyTo.UserID
		tweet.ReplyToUsername = p.ReplyTo.Username
	}
	out = append(out, SubRecord{originator, p.ID + suffix, TypeTweet, tweet})

	for _, m := range p.Media {
		out = append(out, SubRecord{originator, m.ID + suffix, TypeMedia, MediaRow{
			TweetID:    p.ID,
			MediaID:    m.ID,
			MediaType:  m.Type,
			MediaURL:   m.URL,
			PreviewURL: m.PreviewURL,
			Width:      m.Width,
			Height:     m.Height,
		}})
	}

	// URL entities carry no id of their own; use the per-post ordinal.
	for i, l := range p.Links {
		out = append(out, SubRecord{originator, strconv.Itoa(i) + suffix, TypeURL, URLRow{
			TweetID:     p.ID,
			URL:         l.URL,
			ExpandedURL: l.ExpandedURL,
			DisplayURL:  l.DisplayURL,
		}})
	}

	for _, m := range p.Mentions {
		out = append(out, SubRecord{originator, m.UserID + suffix, TypeMention, MentionRow{
			TweetID:         p.ID,
			MentionedUserID: m.UserID,
			Username:        m.Username,
			DisplayName:     m.DisplayName,
		}})
	}

	return out
}

func containsData(rows []SubRecord, typ string, data interface{}) bool {
	for _, r := range rows {
		if r.Type == typ && reflect.DeepEqual(r.Data, data) {
			return true
		}
	}
	return false
}
