package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"birdcage/pkg/admission"
	"birdcage/pkg/archive"
	"birdcage/pkg/ledger"
	"birdcage/pkg/records"
	"birdcage/pkg/timeline"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// admitAllSink lets everything through so intake tests exercise the whole
// pipeline down to the ledger.
type admitAllSink struct{}

func (admitAllSink) Submit(ctx context.Context, rec archive.Submission) error { return nil }
func (admitAllSink) SubmitBulk(ctx context.Context, rows []records.SubRecord) (archive.BulkResult, error) {
	return archive.BulkResult{Inserted: len(rows)}, nil
}
func (admitAllSink) Latest(ctx context.Context, originatorID, itemID, typ string) (*time.Time, error) {
	return nil, nil
}
func (admitAllSink) IsMentioned(ctx context.Context, userID string) (bool, error) { return true, nil }
func (admitAllSink) IsBlocked(ctx context.Context, userID string) (bool, error)   { return false, nil }

const detailBody = `{"data": {"threaded_conversation_with_injections_v2": {"instructions": [
	{"type": "TimelineAddEntries", "entries": [
		{"entryId": "tweet-123", "content": {"itemContent": {
			"itemType": "TimelineTweet",
			"tweet_results": {"result": {
				"__typename": "Tweet",
				"rest_id": "123",
				"core": {"user_results": {"result": {
					"rest_id": "42",
					"legacy": {"screen_name": "alice", "name": "Alice"}
				}}},
				"legacy": {
					"id_str": "123",
					"full_text": "hello",
					"created_at": "Wed Oct 10 20:19:24 +0000 2018"
				}
			}}
		}}}
	]}
]}}}`

func newTestServer(t *testing.T) (*Server, *ledger.DB) {
	t.Helper()
	db, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	srv := &Server{
		Ledger: db,
		Ctrl:   admission.NewController(db, admitAllSink{}, log),
		ACtx: func() admission.Context {
			return admission.Context{
				UserID:         "42",
				HashedUserID:   "hashed-42",
				ForwardEnabled: true,
				ExpiryWindow:   10 * time.Minute,
			}
		},
	}
	return srv, db
}

func postIntercepted(srv *Server, in Intercepted) *httptest.ResponseRecorder {
	body, _ := json.Marshal(in)
	req := httptest.NewRequest(http.MethodPost, "/api/intercepted", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	srv.basicAuth(srv.handleIntercepted)(w, req)
	return w
}

func TestHandleInterceptedAdmits(t *testing.T) {
	srv, db := newTestServer(t)
	srv.startWorker()

	w := postIntercepted(srv, Intercepted{
		Method: "GET",
		URL:    "https://x.com/i/api/graphql/abc/TweetDetail",
		Status: 200,
		Body:   detailBody,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		IntakeID   string `json:"intake_id"`
		Candidates int    `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.IntakeID)
	require.Equal(t, 1, resp.Candidates)

	srv.Close() // drain the queue before inspecting the ledger

	r, err := db.Get(context.Background(), ledger.Key("123", "123", "api_tweet-detail"))
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NotNil(t, r.CanForward)
	require.True(t, *r.CanForward)
}

func TestHandleInterceptedIgnoresOtherTraffic(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.startWorker()
	defer srv.Close()

	w := postIntercepted(srv, Intercepted{
		URL:    "https://x.com/i/api/1.1/jot/client_event.json",
		Status: 200,
		Body:   `{}`,
	})
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleInterceptedSkipsFailedResponses(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.startWorker()
	defer srv.Close()

	w := postIntercepted(srv, Intercepted{
		URL:    "https://x.com/i/api/graphql/abc/TweetDetail",
		Status: 403,
		Body:   detailBody,
	})
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleInterceptedMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.startWorker()
	defer srv.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/intercepted", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.handleIntercepted(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleInterceptedGarbagePayloadContained(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.startWorker()
	defer srv.Close()

	// A response body that parses but holds no instructions yields nothing,
	// and must not poison subsequent intakes.
	w := postIntercepted(srv, Intercepted{
		URL:    "https://x.com/i/api/graphql/abc/TweetDetail",
		Status: 200,
		Body:   `{"data": {"unexpected": true}}`,
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = postIntercepted(srv, Intercepted{
		URL:    "https://x.com/i/api/graphql/abc/TweetDetail",
		Status: 200,
		Body:   detailBody,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandleInterceptedQueueFull(t *testing.T) {
	srv, _ := newTestServer(t)
	// Unbuffered queue with no worker: every enqueue attempt must push back.
	srv.queue = make(chan job)

	w := postIntercepted(srv, Intercepted{
		URL:    "https://x.com/i/api/graphql/abc/TweetDetail",
		Status: 200,
		Body:   detailBody,
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBasicAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Username = "user"
	srv.Password = "pass"

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	srv.basicAuth(srv.handleStats)(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.SetBasicAuth("user", "pass")
	w = httptest.NewRecorder()
	srv.basicAuth(srv.handleStats)(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleRecords(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, ledger.Record{
		OriginatorID: "123", ItemID: "123", Type: "api_tweet-detail",
		DateAdded: time.Now().UTC(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/records?type=api_tweet-detail&page=1&pageSize=10", nil)
	w := httptest.NewRecorder()
	srv.handleRecords(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Records    []json.RawMessage `json:"records"`
		Pagination ledger.Pagination `json:"pagination"`
		Overview   ledger.Overview   `json:"overview"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	require.Equal(t, 1, resp.Pagination.TotalCount)
	require.Equal(t, 1, resp.Overview.CanForwardCounts["pending"])
}

func TestHandleReprocessEmptyLedger(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/reprocess", nil)
	w := httptest.NewRecorder()
	srv.handleReprocess(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Zero(t, resp["forwarded"])
}

func TestExtractCandidatesWrongPath(t *testing.T) {
	op, ok := timeline.MatchURL("https://x.com/i/api/graphql/abc/TweetDetail")
	require.True(t, ok)
	got := extractCandidates(op, `{"data": {}}`, time.Now())
	require.Empty(t, got)
}
