package timeline

import (
	"time"

	"birdcage/pkg/records"

	"github.com/tidwall/gjson"
)

// Quote/reshare chains cannot cycle, but payload depth is upstream
// controlled, so recursion is capped.
const maxQuoteDepth = 8

// twitterTime is the created_at format used by the legacy payload shape.
const twitterTime = "Mon Jan 02 15:04:05 -0700 2006"

// ExtractPost normalizes a tweet content node into a Post. It returns nil,
// not an error, when the node lacks the minimal identity fields; ads,
// placeholders and "who to follow" nodes interleaved in real responses all
// fall out here. Visibility-wrapped tweets are unwrapped transparently.
func ExtractPost(node gjson.Result) *records.Post {
	return extractPost(node, 0)
}

func extractPost(node gjson.Result, depth int) *records.Post {
	if depth > maxQuoteDepth {
		return nil
	}
	node = unwrapVisibility(node)

	id := node.Get("rest_id")
	legacy := node.Get("legacy")
	author := node.Get("core.user_results.result")
	if !id.Exists() || !legacy.Exists() || !author.Exists() {
		return nil
	}

	p := &records.Post{
		ID:        id.String(),
		AuthorID:  author.Get("rest_id").String(),
		CreatedAt: parseTwitterTime(legacy.Get("created_at").String()),
		Text:      postText(node, legacy),

		FavoriteCount:  int(legacy.Get("favorite_count").Int()),
		ReplyCount:     int(legacy.Get("reply_count").Int()),
		NativeReshares: int(legacy.Get("retweet_count").Int()),
		QuoteCount:     int(legacy.Get("quote_count").Int()),

		Author: extractAuthor(author),
	}
	p.RetweetCount = p.NativeReshares + p.QuoteCount

	if rt := legacy.Get("in_reply_to_status_id_str"); rt.Exists() && rt.String() != "" {
		p.ReplyTo = &records.ReplyTarget{
			TweetID:  rt.String(),
			UserID:   legacy.Get("in_reply_to_user_id_str").String(),
			Username: legacy.Get("in_reply_to_screen_name").String(),
		}
	}

	legacy.Get("extended_entities.media").ForEach(func(_, m gjson.Result) bool {
		p.Media = append(p.Media, records.Media{
			ID:         m.Get("id_str").String(),
			Type:       m.Get("type").String(),
			URL:        m.Get("media_url_https").String(),
			PreviewURL: m.Get("url").String(),
			Width:      int(m.Get("original_info.width").Int()),
			Height:     int(m.Get("original_info.height").Int()),
		})
		return true
	})

	legacy.Get("entities.urls").ForEach(func(_, u gjson.Result) bool {
		p.Links = append(p.Links, records.Link{
			URL:         u.Get("url").String(),
			ExpandedURL: u.Get("expanded_url").String(),
			DisplayURL:  u.Get("display_url").String(),
		})
		return true
	})

	seenMentions := map[string]bool{}
	legacy.Get("entities.user_mentions").ForEach(func(_, m gjson.Result) bool {
		uid := m.Get("id_str").String()
		if seenMentions[uid] {
			return true
		}
		seenMentions[uid] = true
		p.Mentions = append(p.Mentions, records.Mention{
			UserID:      uid,
			Username:    m.Get("screen_name").String(),
			DisplayName: m.Get("name").String(),
		})
		return true
	})

	if q := node.Get("quoted_status_result.result"); q.Exists() {
		p.Quoted = extractPost(q, depth+1)
	}
	if rt := legacy.Get("retweeted_status_result.result"); rt.Exists() {
		p.Reshared = extractPost(rt, depth+1)
	}

	return p
}

// ExtractUser normalizes a user content node. Same contract as ExtractPost:
// nil on missing identity, no errors.
func ExtractUser(node gjson.Result) *records.User {
	id := node.Get("rest_id")
	if !id.Exists() {
		return nil
	}
	legacy := node.Get("legacy")
	if !legacy.Exists() && !node.Get("core").Exists() {
		return nil
	}
	return &records.User{
		ID:             id.String(),
		Username:       firstStr(node, "legacy.screen_name", "core.screen_name"),
		DisplayName:    firstStr(node, "legacy.name", "core.name"),
		CreatedAt:      parseTwitterTime(firstStr(node, "legacy.created_at", "core.created_at")),
		Protected:      node.Get("legacy.protected").Bool(),
		FollowingCount: int(legacy.Get("friends_count").Int()),
		FollowerCount:  int(legacy.Get("followers_count").Int()),
		Bio:            legacy.Get("description").String(),
	}
}

// unwrapVisibility strips the TweetWithVisibilityResults access-control
// layer so the caller always sees a plain tweet node.
func unwrapVisibility(node gjson.Result) gjson.Result {
	if ClassifyContent(node) == ContentVisibilityWrapped {
		return node.Get("tweet")
	}
	return node
}

// postText prefers the long-form note text over the truncated legacy text.
func postText(node, legacy gjson.Result) string {
	if note := node.Get("note_tweet.note_tweet_results.result.text"); note.Exists() {
		return note.String()
	}
	return legacy.Get("full_text").String()
}

// extractAuthor applies the versioned-shape merge: two author schema
// generations exist in observed payloads and every field reads legacy
// first, falling back to the newer nested shape.
func extractAuthor(u gjson.Result) records.Author {
	legacy := u.Get("legacy")
	return records.Author{
		ID:          u.Get("rest_id").String(),
		Username:    firstStr(u, "legacy.screen_name", "core.screen_name"),
		DisplayName: firstStr(u, "legacy.name", "core.name"),
		CreatedAt:   parseTwitterTime(firstStr(u, "legacy.created_at", "core.created_at")),
		Protected:   legacy.Get("protected").Bool(),

		TweetCount:     int(legacy.Get("statuses_count").Int()),
		FollowingCount: int(legacy.Get("friends_count").Int()),
		FollowerCount:  int(legacy.Get("followers_count").Int()),
		LikeCount:      int(legacy.Get("favourites_count").Int()),

		AvatarURL: firstStr(u, "legacy.profile_image_url_https", "avatar.image_url"),
		BannerURL: legacy.Get("profile_banner_url").String(),
		Bio:       legacy.Get("description").String(),
		Location:  legacy.Get("location").String(),
		Website:   legacy.Get("entities.url.urls.0.expanded_url").String(),
	}
}

// firstStr returns the first path that resolves to a non-empty string.
func firstStr(node gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := node.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func parseTwitterTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(twitterTime, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
