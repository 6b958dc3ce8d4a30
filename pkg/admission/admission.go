package admission

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"birdcage/pkg/archive"
	"birdcage/pkg/ledger"
	"birdcage/pkg/records"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// circleMarker appears anywhere in the serialized payload of
// restricted-visibility ("circle") tweets. Those never leave the machine.
const circleMarker = "trusted_friends_info_result"

// blockCacheTTL is deliberately short: being unblocked should take effect
// quickly.
const blockCacheTTL = 45 * time.Second

// Rejection reasons. Recorded verbatim in the ledger and shown to the user;
// the retry sweep matches on them, so they are part of the contract.
const (
	ReasonCircleTweet  = "[Current Data Policy] Tweet rejected because it might be a circle tweet."
	ReasonStale        = "[Current Data Policy] This record is outdated and a more recent record already exists."
	ReasonAlreadySent  = "[Current Data Policy] This record was already sent recently."
	ReasonNotMentioned = "[Current Data Policy] User has not been mentioned in the archive."
	ReasonProtected    = "Protected account"
	ReasonUserDisabled = "User has disabled sending data to the archive"
	ReasonUserBlocked  = "User blocked from sending data to the archive"
	ReasonForwardError = "Error uploading to the archive"
	ReasonProcessError = "Error processing record."
)

// RetryableReasons are the only reasons a reprocess sweep acts on. Policy
// rejections are final.
var RetryableReasons = []string{ReasonForwardError, ReasonProcessError}

// Context carries the per-call admission inputs that used to live in
// ambient caches: the signed-in identity, a preference snapshot, the
// configured windows and an injectable clock.
type Context struct {
	UserID         string
	HashedUserID   string
	ForwardEnabled bool
	ExpiryWindow   time.Duration // remote throttle window
	MentionWindow  time.Duration // mention allow-list freshness
	Now            func() time.Time
}

func (a Context) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a Context) mentionWindow() time.Duration {
	if a.MentionWindow > 0 {
		return a.MentionWindow
	}
	return 24 * time.Hour
}

// Candidate is one extracted record awaiting admission. Exactly one of
// Post and User is set; Raw is the serialized content node.
type Candidate struct {
	OriginatorID string
	ItemID       string
	Type         string
	Post         *records.Post
	User         *records.User
	Raw          string
	DateAdded    time.Time
}

// Outcome is the terminal admission state for one candidate.
type Outcome struct {
	Forwarded bool
	Reason    string
	Retryable bool
}

// Controller runs candidates through the admission checks and records
// every outcome in the ledger.
type Controller struct {
	Ledger *ledger.DB
	Sink   archive.Sink
	Log    *logrus.Logger

	// Concurrent mention-gate misses for the same identity coalesce into
	// one remote lookup.
	mentionFlight singleflight.Group

	blockMu    sync.Mutex
	blockCache map[string]blockEntry
}

type blockEntry struct {
	blocked bool
	at      time.Time
}

func NewController(db *ledger.DB, sink archive.Sink, log *logrus.Logger) *Controller {
	return &Controller{
		Ledger:     db,
		Sink:       sink,
		Log:        log,
		blockCache: map[string]blockEntry{},
	}
}

// Process admits or rejects one candidate. The pending ledger row is
// written before any remote check, so a crash mid-flight leaves an
// auditable record; the whole flow is idempotent because the ledger key is
// deterministic and upserts are last-write-wins.
//
// Check order: payload policy, author privacy, mention gate, observer
// block/preference, remote recency, remote throttle, forward. The first
// failing check short-circuits and its reason is recorded verbatim.
func (c *Controller) Process(ctx context.Context, actx Context, cand Candidate) (Outcome, error) {
	key := ledger.Key(cand.OriginatorID, cand.ItemID, cand.Type)
	if err := c.Ledger.Upsert(ctx, ledger.Record{
		ItemKey:      key,
		OriginatorID: cand.OriginatorID,
		ItemID:       cand.ItemID,
		Type:         cand.Type,
		UserID:       actx.HashedUserID,
		Data:         cand.Raw,
		DateAdded:    cand.DateAdded,
	}); err != nil {
		return Outcome{}, err
	}

	if strings.Contains(cand.Raw, circleMarker) {
		return c.block(ctx, key, ReasonCircleTweet, false)
	}

	if candProtected(cand) {
		return c.block(ctx, key, ReasonProtected, false)
	}

	allowed, err := c.subjectAllowed(ctx, actx, cand)
	if err != nil {
		c.Log.Warnf("mention gate failed for %s: %v", key, err)
		return c.block(ctx, key, ReasonProcessError, true)
	}
	if !allowed {
		return c.block(ctx, key, ReasonNotMentioned, false)
	}

	if !actx.ForwardEnabled {
		return c.block(ctx, key, ReasonUserDisabled, false)
	}
	blocked, err := c.observerBlocked(ctx, actx)
	if err != nil {
		c.Log.Warnf("observer block lookup failed for %s: %v", key, err)
		return c.block(ctx, key, ReasonProcessError, true)
	}
	if blocked {
		return c.block(ctx, key, ReasonUserBlocked, false)
	}

	latest, err := c.Sink.Latest(ctx, cand.OriginatorID, cand.ItemID, cand.Type)
	if err != nil {
		c.Log.Warnf("recency lookup failed for %s: %v", key, err)
		return c.block(ctx, key, ReasonForwardError, true)
	}
	if latest != nil {
		if latest.After(cand.DateAdded) {
			return c.block(ctx, key, ReasonStale, false)
		}
		if actx.now().Sub(*latest) < actx.ExpiryWindow {
			return c.block(ctx, key, ReasonAlreadySent, false)
		}
	}

	return c.forward(ctx, actx, key, cand)
}

func (c *Controller) forward(ctx context.Context, actx Context, key string, cand Candidate) (Outcome, error) {
	ts := actx.now()
	err := c.Sink.Submit(ctx, archive.Submission{
		OriginatorID: cand.OriginatorID,
		ItemID:       cand.ItemID,
		Type:         cand.Type,
		UserID:       actx.HashedUserID,
		Data:         cand.Raw,
		Timestamp:    ts.UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.Log.Warnf("forward failed for %s: %v", key, err)
		return c.block(ctx, key, ReasonForwardError, true)
	}

	if cand.Post != nil {
		rows := records.MapAll(cand.Post)
		res, err := c.Sink.SubmitBulk(ctx, rows)
		if err != nil {
			c.Log.Warnf("bulk forward failed for %s: %v", key, err)
			return c.block(ctx, key, ReasonForwardError, true)
		}
		if len(res.Failed) > 0 {
			// Successfully inserted chunks stay inserted; the whole
			// candidate is retryable so the failed rows get another pass.
			c.Log.Warnf("bulk forward for %s: %d rows inserted, %d chunks failed",
				key, res.Inserted, len(res.Failed))
			return c.block(ctx, key, ReasonForwardError, true)
		}
	}

	if err := c.Ledger.MarkForwarded(ctx, key, ts); err != nil {
		return Outcome{}, err
	}
	return Outcome{Forwarded: true}, nil
}

func (c *Controller) block(ctx context.Context, key, reason string, retryable bool) (Outcome, error) {
	if err := c.Ledger.MarkBlocked(ctx, key, reason); err != nil {
		return Outcome{}, err
	}
	return Outcome{Reason: reason, Retryable: retryable}, nil
}

// candProtected rejects records whose author, or any quoted author, is
// private.
func candProtected(cand Candidate) bool {
	if cand.User != nil {
		return cand.User.Protected
	}
	if p := cand.Post; p != nil {
		if p.Author.Protected {
			return true
		}
		if p.Quoted != nil && p.Quoted.Author.Protected {
			return true
		}
		if p.Reshared != nil && p.Reshared.Author.Protected {
			return true
		}
	}
	return false
}

// subjectAllowed applies the mention gate: the record's subject (author or
// quoted-post author) must be the signed-in identity or on the archive's
// allow list, checked against the local 24h cache first and the remote
// list on a miss.
func (c *Controller) subjectAllowed(ctx context.Context, actx Context, cand Candidate) (bool, error) {
	var subjects []string
	switch {
	case cand.Post != nil:
		subjects = append(subjects, cand.Post.AuthorID)
		if cand.Post.Quoted != nil {
			subjects = append(subjects, cand.Post.Quoted.AuthorID)
		}
	case cand.User != nil:
		subjects = append(subjects, cand.User.ID)
	}

	var firstErr error
	for _, id := range subjects {
		if id == "" {
			continue
		}
		if id == actx.UserID {
			return true, nil
		}
		ok, err := c.mentionAllowed(ctx, actx, id)
		if err != nil {
			firstErr = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	if firstErr != nil {
		return false, firstErr
	}
	return false, nil
}

func (c *Controller) mentionAllowed(ctx context.Context, actx Context, userID string) (bool, error) {
	seen, err := c.Ledger.SeenMention(ctx, userID, actx.mentionWindow())
	if err != nil {
		return false, err
	}
	if seen {
		return true, nil
	}

	v, err, _ := c.mentionFlight.Do(userID, func() (interface{}, error) {
		ok, err := c.Sink.IsMentioned(ctx, userID)
		if err != nil {
			return false, err
		}
		if ok {
			if err := c.Ledger.RecordMentions(ctx, []string{userID}, actx.now()); err != nil {
				return false, err
			}
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// observerBlocked consults the archive's scraping-block list with a short
// local cache.
func (c *Controller) observerBlocked(ctx context.Context, actx Context) (bool, error) {
	now := actx.now()

	c.blockMu.Lock()
	if e, ok := c.blockCache[actx.UserID]; ok && now.Sub(e.at) < blockCacheTTL {
		c.blockMu.Unlock()
		return e.blocked, nil
	}
	c.blockMu.Unlock()

	blocked, err := c.Sink.IsBlocked(ctx, actx.UserID)
	if err != nil {
		return false, err
	}

	c.blockMu.Lock()
	c.blockCache[actx.UserID] = blockEntry{blocked: blocked, at: now}
	c.blockMu.Unlock()
	return blocked, nil
}

// ErrNothingToRetry is returned by Reprocess when the ledger holds no
// retryable records.
var ErrNothingToRetry = errors.New("no retryable records")
