package admission

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"birdcage/pkg/archive"
	"birdcage/pkg/ledger"
	"birdcage/pkg/records"
	"birdcage/pkg/timeline"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const rawTweet = `{
	"__typename": "Tweet",
	"rest_id": "123",
	"core": {"user_results": {"result": {
		"rest_id": "42",
		"legacy": {"screen_name": "alice", "name": "Alice", "created_at": "Tue Mar 21 20:50:14 +0000 2006"}
	}}},
	"legacy": {
		"id_str": "123",
		"full_text": "hello",
		"created_at": "Wed Oct 10 20:19:24 +0000 2018"
	}
}`

// fakeSink counts every remote call so tests can assert which checks were
// reached before a candidate was settled.
type fakeSink struct {
	mu           sync.Mutex
	submitCalls  int
	bulkCalls    int
	latestCalls  int
	mentionCalls int
	blockedCalls int

	latest     *time.Time
	mentioned  bool
	blocked    bool
	submitErr  error
	bulkFailed []archive.ChunkError
	lastBulk   []records.SubRecord
}

func (f *fakeSink) Submit(ctx context.Context, rec archive.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	return f.submitErr
}

func (f *fakeSink) SubmitBulk(ctx context.Context, rows []records.SubRecord) (archive.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++
	f.lastBulk = rows
	if len(f.bulkFailed) > 0 {
		return archive.BulkResult{Failed: f.bulkFailed}, nil
	}
	return archive.BulkResult{Inserted: len(rows)}, nil
}

func (f *fakeSink) Latest(ctx context.Context, originatorID, itemID, typ string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	return f.latest, nil
}

func (f *fakeSink) IsMentioned(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mentionCalls++
	return f.mentioned, nil
}

func (f *fakeSink) IsBlocked(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockedCalls++
	return f.blocked, nil
}

func (f *fakeSink) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls + f.bulkCalls + f.latestCalls + f.mentionCalls + f.blockedCalls
}

func newTestController(t *testing.T, sink *fakeSink) (*Controller, *ledger.DB) {
	t.Helper()
	db, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewController(db, sink, log), db
}

func testContext(now time.Time) Context {
	return Context{
		UserID:         "42",
		HashedUserID:   "hashed-42",
		ForwardEnabled: true,
		ExpiryWindow:   10 * time.Minute,
		Now:            func() time.Time { return now },
	}
}

func tweetCandidate(t *testing.T, added time.Time) Candidate {
	t.Helper()
	p := timeline.ExtractPost(gjson.Parse(rawTweet))
	require.NotNil(t, p)
	return Candidate{
		OriginatorID: "123",
		ItemID:       "123",
		Type:         "api_tweet-detail",
		Post:         p,
		Raw:          rawTweet,
		DateAdded:    added,
	}
}

func TestProcessForwards(t *testing.T) {
	sink := &fakeSink{}
	ctrl, db := newTestController(t, sink)
	now := time.Now().UTC().Truncate(time.Second)
	ctx := context.Background()

	out, err := ctrl.Process(ctx, testContext(now), tweetCandidate(t, now))
	require.NoError(t, err)
	require.True(t, out.Forwarded)
	require.Empty(t, out.Reason)

	require.Equal(t, 1, sink.submitCalls)
	require.Equal(t, 1, sink.bulkCalls)
	require.NotEmpty(t, sink.lastBulk, "derived rows go out with the record")

	r, err := db.Get(ctx, ledger.Key("123", "123", "api_tweet-detail"))
	require.NoError(t, err)
	require.NotNil(t, r.CanForward)
	require.True(t, *r.CanForward)
	require.NotNil(t, r.Timestamp)
	require.Equal(t, "hashed-42", r.UserID)
}

func TestProcessIdempotent(t *testing.T) {
	sink := &fakeSink{}
	ctrl, db := newTestController(t, sink)
	now := time.Now().UTC()
	ctx := context.Background()
	actx := testContext(now)
	cand := tweetCandidate(t, now)

	_, err := ctrl.Process(ctx, actx, cand)
	require.NoError(t, err)
	_, err = ctrl.Process(ctx, actx, cand)
	require.NoError(t, err)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "same candidate must stay one ledger row")
}

func TestCirclePayloadNeverLeaves(t *testing.T) {
	sink := &fakeSink{}
	ctrl, db := newTestController(t, sink)
	now := time.Now().UTC()
	ctx := context.Background()

	cand := tweetCandidate(t, now)
	cand.Raw = `{"rest_id":"123","trusted_friends_info_result":{},"legacy":{}}`

	out, err := ctrl.Process(ctx, testContext(now), cand)
	require.NoError(t, err)
	require.False(t, out.Forwarded)
	require.Equal(t, ReasonCircleTweet, out.Reason)
	require.False(t, out.Retryable)
	require.Zero(t, sink.totalCalls(), "restricted payloads must not trigger any remote call")

	r, err := db.Get(ctx, ledger.Key("123", "123", "api_tweet-detail"))
	require.NoError(t, err)
	require.NotNil(t, r.CanForward)
	require.False(t, *r.CanForward)
	require.Equal(t, ReasonCircleTweet, r.Reason)
}

func TestProtectedAuthors(t *testing.T) {
	now := time.Now().UTC()
	ctx := context.Background()

	protect := func(mutate func(*records.Post)) Outcome {
		sink := &fakeSink{}
		ctrl, _ := newTestController(t, sink)
		cand := tweetCandidate(t, now)
		mutate(cand.Post)
		out, err := ctrl.Process(ctx, testContext(now), cand)
		require.NoError(t, err)
		require.Zero(t, sink.totalCalls())
		return out
	}

	out := protect(func(p *records.Post) { p.Author.Protected = true })
	require.Equal(t, ReasonProtected, out.Reason)

	out = protect(func(p *records.Post) {
		p.Quoted = &records.Post{ID: "456", Author: records.Author{ID: "9", Protected: true}}
	})
	require.Equal(t, ReasonProtected, out.Reason, "quoted authors count too")

	out = protect(func(p *records.Post) {
		p.Reshared = &records.Post{ID: "789", Author: records.Author{ID: "9", Protected: true}}
	})
	require.Equal(t, ReasonProtected, out.Reason)
}

func TestMentionGate(t *testing.T) {
	sink := &fakeSink{}
	ctrl, _ := newTestController(t, sink)
	now := time.Now().UTC()
	ctx := context.Background()

	// Author is not the signed-in identity and not on the allow list.
	actx := testContext(now)
	actx.UserID = "self"
	actx.HashedUserID = "hashed-self"

	out, err := ctrl.Process(ctx, actx, tweetCandidate(t, now))
	require.NoError(t, err)
	require.Equal(t, ReasonNotMentioned, out.Reason)
	require.False(t, out.Retryable)
	require.Equal(t, 1, sink.mentionCalls)
	require.Zero(t, sink.submitCalls)
}

func TestMentionGateCachesRemoteHit(t *testing.T) {
	sink := &fakeSink{mentioned: true}
	ctrl, _ := newTestController(t, sink)
	now := time.Now().UTC()
	ctx := context.Background()

	actx := testContext(now)
	actx.UserID = "self"
	actx.HashedUserID = "hashed-self"

	out, err := ctrl.Process(ctx, actx, tweetCandidate(t, now))
	require.NoError(t, err)
	require.True(t, out.Forwarded)
	require.Equal(t, 1, sink.mentionCalls)

	// Second pass hits the local cache; no second remote lookup.
	_, err = ctrl.Process(ctx, actx, tweetCandidate(t, now))
	require.NoError(t, err)
	require.Equal(t, 1, sink.mentionCalls)
}

func TestForwardDisabledByPreference(t *testing.T) {
	sink := &fakeSink{}
	ctrl, _ := newTestController(t, sink)
	now := time.Now().UTC()
	ctx := context.Background()

	actx := testContext(now)
	actx.ForwardEnabled = false

	out, err := ctrl.Process(ctx, actx, tweetCandidate(t, now))
	require.NoError(t, err)
	require.Equal(t, ReasonUserDisabled, out.Reason)
	require.Zero(t, sink.submitCalls)
	require.Zero(t, sink.latestCalls)
}

func TestObserverBlockedWithCache(t *testing.T) {
	sink := &fakeSink{blocked: true}
	ctrl, _ := newTestController(t, sink)
	now := time.Now().UTC()
	ctx := context.Background()
	actx := testContext(now)

	out, err := ctrl.Process(ctx, actx, tweetCandidate(t, now))
	require.NoError(t, err)
	require.Equal(t, ReasonUserBlocked, out.Reason)
	require.Equal(t, 1, sink.blockedCalls)

	// Within the cache TTL the verdict is reused.
	_, err = ctrl.Process(ctx, actx, tweetCandidate(t, now))
	require.NoError(t, err)
	require.Equal(t, 1, sink.blockedCalls)

	// Past the TTL the list is consulted again.
	later := testContext(now.Add(time.Minute))
	_, err = ctrl.Process(ctx, later, tweetCandidate(t, now))
	require.NoError(t, err)
	require.Equal(t, 2, sink.blockedCalls)
}

func TestRecencyChecks(t *testing.T) {
	now := time.Now().UTC()
	ctx := context.Background()

	run := func(latest time.Time, added time.Time) (Outcome, *fakeSink) {
		sink := &fakeSink{latest: &latest}
		ctrl, _ := newTestController(t, sink)
		out, err := ctrl.Process(ctx, testContext(now), tweetCandidate(t, added))
		require.NoError(t, err)
		return out, sink
	}

	// A newer remote record makes the candidate stale.
	out, sink := run(now.Add(time.Hour), now)
	require.Equal(t, ReasonStale, out.Reason)
	require.Zero(t, sink.submitCalls)

	// A recent-enough remote record throttles resubmission.
	out, sink = run(now.Add(-time.Minute), now)
	require.Equal(t, ReasonAlreadySent, out.Reason)
	require.Zero(t, sink.submitCalls)

	// Outside the expiry window the record goes through again.
	out, sink = run(now.Add(-time.Hour), now)
	require.True(t, out.Forwarded)
	require.Equal(t, 1, sink.submitCalls)
}

func TestForwardFailureIsRetryable(t *testing.T) {
	sink := &fakeSink{submitErr: &archive.TransportError{Err: errors.New("connection refused")}}
	ctrl, db := newTestController(t, sink)
	now := time.Now().UTC()
	ctx := context.Background()
	actx := testContext(now)

	out, err := ctrl.Process(ctx, actx, tweetCandidate(t, now))
	require.NoError(t, err)
	require.Equal(t, ReasonForwardError, out.Reason)
	require.True(t, out.Retryable)

	// The sink recovers; a reprocess sweep picks the record back up.
	sink.submitErr = nil
	forwarded, err := ctrl.Reprocess(ctx, actx)
	require.NoError(t, err)
	require.Equal(t, 1, forwarded)

	r, err := db.Get(ctx, ledger.Key("123", "123", "api_tweet-detail"))
	require.NoError(t, err)
	require.NotNil(t, r.CanForward)
	require.True(t, *r.CanForward)
	require.Empty(t, r.Reason)
}

func TestBulkChunkFailureIsRetryable(t *testing.T) {
	sink := &fakeSink{bulkFailed: []archive.ChunkError{{Offset: 0, Count: 3, Err: errors.New("boom")}}}
	ctrl, _ := newTestController(t, sink)
	now := time.Now().UTC()
	ctx := context.Background()

	out, err := ctrl.Process(ctx, testContext(now), tweetCandidate(t, now))
	require.NoError(t, err)
	require.Equal(t, ReasonForwardError, out.Reason)
	require.True(t, out.Retryable)
}

func TestReprocessNothingToRetry(t *testing.T) {
	sink := &fakeSink{}
	ctrl, _ := newTestController(t, sink)
	_, err := ctrl.Reprocess(context.Background(), testContext(time.Now()))
	require.ErrorIs(t, err, ErrNothingToRetry)
}

func TestReprocessSkipsPolicyRejections(t *testing.T) {
	sink := &fakeSink{}
	ctrl, db := newTestController(t, sink)
	now := time.Now().UTC()
	ctx := context.Background()

	cand := tweetCandidate(t, now)
	cand.Post.Author.Protected = true
	out, err := ctrl.Process(ctx, testContext(now), cand)
	require.NoError(t, err)
	require.Equal(t, ReasonProtected, out.Reason)

	_, err = ctrl.Reprocess(ctx, testContext(now))
	require.ErrorIs(t, err, ErrNothingToRetry, "final rejections never re-enter admission")

	r, err := db.Get(ctx, ledger.Key("123", "123", "api_tweet-detail"))
	require.NoError(t, err)
	require.Equal(t, ReasonProtected, r.Reason)
}
