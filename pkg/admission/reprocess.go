package admission

import (
	"context"

	"birdcage/pkg/timeline"

	"github.com/tidwall/gjson"
)

// Reprocess re-runs admission for every record blocked with a retryable
// reason, oldest first. Candidates are rebuilt from the ledger's stored
// payload, so the sweep survives restarts. Returns how many records ended
// up forwarded.
func (c *Controller) Reprocess(ctx context.Context, actx Context) (int, error) {
	recs, err := c.Ledger.ListRetryable(ctx, RetryableReasons)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, ErrNothingToRetry
	}

	forwarded := 0
	for _, r := range recs {
		cand, ok := rebuildCandidate(r.OriginatorID, r.ItemID, r.Type, r.Data)
		if !ok {
			c.Log.Debugf("reprocess: payload for %s no longer extracts, skipping", r.ItemKey)
			continue
		}
		cand.DateAdded = r.DateAdded

		out, err := c.Process(ctx, actx, cand)
		if err != nil {
			return forwarded, err
		}
		if out.Forwarded {
			forwarded++
		}
	}
	return forwarded, nil
}

func rebuildCandidate(originatorID, itemID, typ, raw string) (Candidate, bool) {
	cand := Candidate{OriginatorID: originatorID, ItemID: itemID, Type: typ, Raw: raw}
	node := gjson.Parse(raw)

	switch typ {
	case "api_following", "api_followers":
		if u := timeline.ExtractUser(node); u != nil {
			cand.User = u
			return cand, true
		}
	default:
		if p := timeline.ExtractPost(node); p != nil {
			cand.Post = p
			return cand, true
		}
	}
	return Candidate{}, false
}
