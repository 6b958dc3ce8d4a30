package timeline

import (
	"birdcage/pkg/records"

	"github.com/tidwall/gjson"
)

// Extracted is one candidate record found during a walk. Exactly one of
// Post and User is set. Raw keeps the content node's original JSON for the
// ledger and the payload policy scan.
type Extracted struct {
	Post *records.Post
	User *records.User
	Raw  string
}

// Key is the identity used for within-response dedup.
func (e Extracted) Key() string {
	if e.Post != nil {
		return "tweet:" + e.Post.ID
	}
	if e.User != nil {
		return "user:" + e.User.ID
	}
	return ""
}

// Walk flattens a response's instructions into an ordered candidate list:
// the pinned entry first, then add-entries in payload order, then
// add-to-module items. First occurrence of an id is canonical; later
// duplicates are dropped. Pure transform, no side effects.
func Walk(instructions gjson.Result) []Extracted {
	var out []Extracted
	seen := map[string]bool{}

	appendRecord := func(e Extracted) {
		k := e.Key()
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, e)
	}

	if pin := findInstruction(instructions, "TimelinePinEntry"); pin.Exists() {
		walkEntry(pin.Get("entry"), appendRecord)
	}

	if add := findInstruction(instructions, "TimelineAddEntries"); add.Exists() {
		add.Get("entries").ForEach(func(_, entry gjson.Result) bool {
			walkEntry(entry, appendRecord)
			return true
		})
	}

	if mod := findInstruction(instructions, "TimelineAddToModule"); mod.Exists() {
		mod.Get("moduleItems").ForEach(func(_, item gjson.Result) bool {
			walkModuleItem(item, appendRecord)
			return true
		})
	}

	return out
}

// findInstruction returns the first instruction of the given type. At most
// one of each kind is meaningful per response; "load more" responses may
// omit any of them.
func findInstruction(instructions gjson.Result, typ string) gjson.Result {
	var found gjson.Result
	instructions.ForEach(func(_, ins gjson.Result) bool {
		if ins.Get("type").String() == typ {
			found = ins
			return false
		}
		return true
	})
	return found
}

func walkEntry(entry gjson.Result, emit func(Extracted)) {
	entryID := entry.Get("entryId").String()
	kind := ClassifyEntry(entryID)

	switch {
	case kind == EntryTweet:
		emitItemContent(entry.Get("content.itemContent"), emit)
	case kind == EntryUser:
		emitItemContent(entry.Get("content.itemContent"), emit)
	case isModuleKind(kind):
		entry.Get("content.items").ForEach(func(_, item gjson.Result) bool {
			walkModuleItem(item, emit)
			return true
		})
	}
	// Cursors, promoted entries and unknown kinds are skipped silently.
}

func walkModuleItem(item gjson.Result, emit func(Extracted)) {
	if IsShowMoreItem(item.Get("entryId").String()) {
		return
	}
	emitItemContent(item.Get("item.itemContent"), emit)
}

// emitItemContent dispatches on the content union discriminator and emits
// an extracted record when the node yields one.
func emitItemContent(itemContent gjson.Result, emit func(Extracted)) {
	switch itemContent.Get("itemType").String() {
	case "TimelineTweet":
		node := itemContent.Get("tweet_results.result")
		switch ClassifyContent(node) {
		case ContentTweet, ContentVisibilityWrapped:
			if p := ExtractPost(node); p != nil {
				emit(Extracted{Post: p, Raw: node.Raw})
			}
		}
	case "TimelineUser":
		node := itemContent.Get("user_results.result")
		if ClassifyContent(node) == ContentUser {
			if u := ExtractUser(node); u != nil {
				emit(Extracted{User: u, Raw: node.Raw})
			}
		}
	}
	// TwitterList and unknown item types are recognized and skipped.
}
