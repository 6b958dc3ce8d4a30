package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"birdcage/pkg/records"

	"github.com/hashicorp/go-retryablehttp"
)

// bulkBatchSize respects the archive's per-request row limit.
const bulkBatchSize = 100

// Sink is the archival service as the admission pipeline sees it. The
// service itself is a black box with a success/failure contract; a local
// companion process implements the same interface over a SQL file.
type Sink interface {
	// Submit forwards one admitted record.
	Submit(ctx context.Context, rec Submission) error
	// SubmitBulk forwards derived sub-records in chunks. Partial failure
	// does not roll back chunks already inserted.
	SubmitBulk(ctx context.Context, rows []records.SubRecord) (BulkResult, error)
	// Latest returns the timestamp of the most recent remote record with
	// this identity, or nil when none exists.
	Latest(ctx context.Context, originatorID, itemID, typ string) (*time.Time, error)
	// IsMentioned reports whether an identity is on the archive's
	// data-sharing allow list.
	IsMentioned(ctx context.Context, userID string) (bool, error)
	// IsBlocked reports whether an observer has been barred from
	// contributing.
	IsBlocked(ctx context.Context, userID string) (bool, error)
}

// Submission is the single-record request shape.
type Submission struct {
	OriginatorID string `json:"originator_id"`
	ItemID       string `json:"item_id"`
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	Data         string `json:"data"`
	Timestamp    string `json:"timestamp"`
}

// BulkResult reports per-chunk outcomes of a bulk submission.
type BulkResult struct {
	Inserted int
	Failed   []ChunkError
}

// ChunkError identifies a failed chunk by its row offset.
type ChunkError struct {
	Offset int
	Count  int
	Err    error
}

// TransportError marks transport-level and 5xx-class failures. These are
// the only failures admission treats as retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to the archival service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

func NewClient(baseURL, token string) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = log.New(io.Discard, "", 0)
	rc.RetryMax = 5
	rc.RetryWaitMax = 15 * time.Minute
	rc.Backoff = bulkBackoff
	return &Client{baseURL: baseURL, token: token, http: rc}
}

// bulkBackoff waits 3^attempt x 10s between attempts (30s, 90s, 270s, ...),
// capped by the client's maximum wait.
func bulkBackoff(min, max time.Duration, attemptNum int, _ *http.Response) time.Duration {
	d := 10 * time.Second
	for i := 0; i <= attemptNum; i++ {
		d *= 3
		if d > max {
			return max
		}
	}
	return d
}

func (c *Client) Submit(ctx context.Context, rec Submission) error {
	return c.post(ctx, "/api/records", rec)
}

func (c *Client) SubmitBulk(ctx context.Context, rows []records.SubRecord) (BulkResult, error) {
	var result BulkResult
	for offset := 0; offset < len(rows); offset += bulkBatchSize {
		end := offset + bulkBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[offset:end]
		if err := c.post(ctx, "/api/records/bulk", chunk); err != nil {
			result.Failed = append(result.Failed, ChunkError{Offset: offset, Count: len(chunk), Err: err})
			continue
		}
		result.Inserted += len(chunk)
	}
	return result, nil
}

func (c *Client) Latest(ctx context.Context, originatorID, itemID, typ string) (*time.Time, error) {
	q := url.Values{}
	q.Set("originator_id", originatorID)
	q.Set("item_id", itemID)
	q.Set("type", typ)
	body, err := c.get(ctx, "/api/records/latest?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var resp struct {
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding latest-record response: %w", err)
	}
	return resp.Timestamp, nil
}

func (c *Client) IsMentioned(ctx context.Context, userID string) (bool, error) {
	body, err := c.get(ctx, "/api/mentions/"+url.PathEscape(userID))
	if err != nil {
		return false, err
	}
	var resp struct {
		Mentioned bool `json:"mentioned"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decoding mention response: %w", err)
	}
	return resp.Mentioned, nil
}

func (c *Client) IsBlocked(ctx context.Context, userID string) (bool, error) {
	body, err := c.get(ctx, "/api/blocked/"+url.PathEscape(userID))
	if err != nil {
		return false, err
	}
	var resp struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decoding block response: %w", err)
	}
	return resp.Blocked, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return statusErr(resp.StatusCode, path)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if serr := statusErr(resp.StatusCode, path); serr != nil {
		return nil, serr
	}
	return body, nil
}

func (c *Client) auth(req *retryablehttp.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusErr(code int, path string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500:
		return &TransportError{Err: fmt.Errorf("archive returned %d for %s", code, path)}
	default:
		return fmt.Errorf("archive rejected %s with status %d", path, code)
	}
}
