package timeline

import (
	"strings"

	"github.com/tidwall/gjson"
)

// EntryKind identifies a timeline entry variant from its entry id.
type EntryKind int

const (
	EntryNone EntryKind = iota
	EntryTweet
	EntryConversation
	EntryProfileConversation
	EntrySearchGrid
	EntryListSearch
	EntryUser
	EntryCursor
	EntryPromoted
)

// ContentKind identifies the content union variant carried by an entry or
// module item.
type ContentKind int

const (
	ContentNone ContentKind = iota
	ContentTweet
	ContentVisibilityWrapped
	ContentUser
	ContentList
)

// ClassifyEntry maps an entry id to its kind using cheap prefix tests.
// Unrecognized ids classify as EntryNone and are skipped by callers; the
// upstream adds new entry kinds over time and they must not abort a walk.
func ClassifyEntry(entryID string) EntryKind {
	switch {
	case strings.HasPrefix(entryID, "promoted"):
		return EntryPromoted
	case strings.HasPrefix(entryID, "cursor-"):
		return EntryCursor
	case strings.HasPrefix(entryID, "tweet-"):
		return EntryTweet
	case strings.HasPrefix(entryID, "conversationthread-"):
		return EntryConversation
	case strings.HasPrefix(entryID, "profile-conversation-"):
		return EntryProfileConversation
	case strings.HasPrefix(entryID, "search-grid-"):
		return EntrySearchGrid
	case strings.HasPrefix(entryID, "list-search-"):
		return EntryListSearch
	case strings.HasPrefix(entryID, "user-"):
		return EntryUser
	default:
		return EntryNone
	}
}

// ClassifyContent inspects the __typename discriminator of a content node.
// Never deep structural inspection: the upstream schema is unversioned and
// fields come and go.
func ClassifyContent(node gjson.Result) ContentKind {
	switch node.Get("__typename").String() {
	case "Tweet":
		return ContentTweet
	case "TweetWithVisibilityResults":
		return ContentVisibilityWrapped
	case "User":
		return ContentUser
	case "TwitterList":
		return ContentList
	default:
		return ContentNone
	}
}

// IsShowMoreItem reports whether a module item id is a "show more"
// placeholder rather than real content.
func IsShowMoreItem(itemID string) bool {
	return strings.Contains(itemID, "-cursor-showmore-") || strings.HasPrefix(itemID, "cursor-showmore-")
}

// moduleKinds is the set of entry kinds whose content is a module of items
// rather than a single content union value.
func isModuleKind(k EntryKind) bool {
	switch k {
	case EntryConversation, EntryProfileConversation, EntrySearchGrid, EntryListSearch:
		return true
	}
	return false
}
