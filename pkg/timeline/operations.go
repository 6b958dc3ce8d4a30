package timeline

import (
	"net/url"
	"strings"
)

// Operation describes one named GraphQL operation we understand: where the
// instructions array lives in its response and the record type tag used
// downstream. The upstream nests instructions at a different path per
// operation; this is configuration, not logic.
type Operation struct {
	Name             string
	InstructionsPath string
	Kind             string
}

var operations = []Operation{
	{"TweetDetail", "data.threaded_conversation_with_injections_v2.instructions", "api_tweet-detail"},
	{"HomeTimeline", "data.home.home_timeline_urt.instructions", "api_home-timeline"},
	{"HomeLatestTimeline", "data.home.home_timeline_urt.instructions", "api_home-timeline"},
	{"UserTweets", "data.user.result.timeline.timeline.instructions", "api_user-tweets"},
	{"UserTweetsAndReplies", "data.user.result.timeline.timeline.instructions", "api_user-tweets"},
	{"SearchTimeline", "data.search_by_raw_query.search_timeline.timeline.instructions", "api_search-timeline"},
	{"Bookmarks", "data.bookmark_timeline_v2.timeline.instructions", "api_bookmarks"},
	{"Likes", "data.user.result.timeline_v2.timeline.instructions", "api_likes"},
	{"Following", "data.user.result.timeline.timeline.instructions", "api_following"},
	{"Followers", "data.user.result.timeline.timeline.instructions", "api_followers"},
	{"ListLatestTweetsTimeline", "data.list.tweets_timeline.timeline.instructions", "api_list-tweets"},
}

// MatchURL maps an intercepted request URL to its operation. GraphQL calls
// look like /i/api/graphql/<queryId>/<OperationName>; anything else (or an
// unknown operation name) is not ours.
func MatchURL(rawURL string) (Operation, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Operation{}, false
	}
	if !strings.Contains(u.Path, "/graphql/") {
		return Operation{}, false
	}
	parts := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	name := parts[len(parts)-1]
	for _, op := range operations {
		if op.Name == name {
			return op, true
		}
	}
	return Operation{}, false
}
