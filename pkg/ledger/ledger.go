package ledger

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// evictBatchSize bounds each deletion batch so a sweep can be interrupted
// and re-run without double-deletion.
const evictBatchSize = 500

type DB struct {
	sql *sql.DB
}

// Record is one ledger row: a candidate record and its admission outcome.
// Timestamp stays NULL until the record is forwarded; CanForward stays NULL
// while the decision is pending.
type Record struct {
	ItemKey      string
	OriginatorID string
	ItemID       string
	Type         string
	UserID       string
	Data         string
	Timestamp    *time.Time
	CanForward   *bool
	Reason       string
	DateAdded    time.Time
}

// Key builds the deterministic composite identity a record is keyed by.
// Re-running admission for the same candidate always targets the same row.
func Key(originatorID, itemID, typ string) string {
	return originatorID + "|" + itemID + "|" + typ
}

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS ledger (
  item_key      TEXT PRIMARY KEY,
  originator_id TEXT NOT NULL,
  item_id       TEXT NOT NULL,
  type          TEXT NOT NULL,
  user_id       TEXT,
  data          TEXT,
  timestamp     DATETIME,
  can_forward   INTEGER,
  reason        TEXT,
  date_added    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_originator ON ledger(originator_id);
CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger(timestamp);
CREATE INDEX IF NOT EXISTS idx_ledger_date_added ON ledger(date_added);
CREATE TABLE IF NOT EXISTS mention_seen (
  user_id   TEXT PRIMARY KEY,
  last_seen DATETIME NOT NULL
);
    `); err != nil {
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Upsert writes a record by its item key, last write wins per field. Safe
// to call repeatedly for the same candidate.
func (d *DB) Upsert(ctx context.Context, r Record) error {
	if r.ItemKey == "" {
		r.ItemKey = Key(r.OriginatorID, r.ItemID, r.Type)
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO ledger(item_key, originator_id, item_id, type, user_id, data, timestamp, can_forward, reason, date_added)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(item_key) DO UPDATE SET
  user_id = excluded.user_id,
  data = excluded.data,
  timestamp = excluded.timestamp,
  can_forward = excluded.can_forward,
  reason = excluded.reason,
  date_added = excluded.date_added`,
		r.ItemKey, r.OriginatorID, r.ItemID, r.Type, r.UserID, r.Data,
		nullTime(r.Timestamp), nullBool(r.CanForward), nullIfEmpty(r.Reason), r.DateAdded.UTC())
	return err
}

// MarkBlocked resolves a pending record to Blocked with a user-facing
// reason.
func (d *DB) MarkBlocked(ctx context.Context, itemKey, reason string) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE ledger SET can_forward = 0, reason = ? WHERE item_key = ?`, reason, itemKey)
	return err
}

// MarkForwarded resolves a record to Forwarded, stamping the forwarding
// timestamp and clearing any stale reason.
func (d *DB) MarkForwarded(ctx context.Context, itemKey string, ts time.Time) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE ledger SET can_forward = 1, reason = NULL, timestamp = ? WHERE item_key = ?`, ts.UTC(), itemKey)
	return err
}

// Get returns a record by key, or nil when absent.
func (d *DB) Get(ctx context.Context, itemKey string) (*Record, error) {
	row := d.sql.QueryRowContext(ctx, `
SELECT item_key, originator_id, item_id, type, user_id, data, timestamp, can_forward, reason, date_added
FROM ledger WHERE item_key = ?`, itemKey)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Count returns the total ledger row count.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger`).Scan(&n)
	return n, err
}

// ListRetryable returns records blocked with one of the given reasons,
// oldest first. Only transient-failure reasons belong here; policy
// rejections are final.
func (d *DB) ListRetryable(ctx context.Context, reasons []string) ([]Record, error) {
	if len(reasons) == 0 {
		return nil, nil
	}
	q := `
SELECT item_key, originator_id, item_id, type, user_id, data, timestamp, can_forward, reason, date_added
FROM ledger WHERE can_forward = 0 AND reason IN (?` + repeat(",?", len(reasons)-1) + `) ORDER BY date_added`
	args := make([]interface{}, len(reasons))
	for i, r := range reasons {
		args[i] = r
	}
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// EvictOldest deletes oldest-by-timestamp rows in batches until the table
// is at or below maxRows. Returns the number of rows deleted. Deletion is
// idempotent on an already-absent key, so a partially completed sweep can
// simply run again.
func (d *DB) EvictOldest(ctx context.Context, maxRows int) (int, error) {
	total, err := d.Count(ctx)
	if err != nil {
		return 0, err
	}
	if total <= maxRows {
		return 0, nil
	}
	remaining := total - maxRows
	deleted := 0
	for remaining > 0 {
		batch := evictBatchSize
		if remaining < batch {
			batch = remaining
		}
		res, err := d.sql.ExecContext(ctx, `
DELETE FROM ledger WHERE item_key IN (
  SELECT item_key FROM ledger ORDER BY timestamp IS NULL, timestamp, date_added LIMIT ?
)`, batch)
		if err != nil {
			return deleted, err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			break
		}
		deleted += int(n)
		remaining -= int(n)
	}
	return deleted, nil
}

// SeenMention reports whether a mentioned identity was observed within the
// freshness window.
func (d *DB) SeenMention(ctx context.Context, userID string, window time.Duration) (bool, error) {
	var lastSeen time.Time
	err := d.sql.QueryRowContext(ctx,
		`SELECT last_seen FROM mention_seen WHERE user_id = ?`, userID).Scan(&lastSeen)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(lastSeen) <= window, nil
}

// RecordMentions refreshes the last-seen timestamp for the given
// identities.
func (d *DB) RecordMentions(ctx context.Context, userIDs []string, now time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO mention_seen(user_id, last_seen) VALUES(?,?)
ON CONFLICT(user_id) DO UPDATE SET last_seen = excluded.last_seen`, id, now.UTC()); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var ts sql.NullTime
	var cf sql.NullBool
	var userID, data, reason sql.NullString
	if err := s.Scan(&r.ItemKey, &r.OriginatorID, &r.ItemID, &r.Type,
		&userID, &data, &ts, &cf, &reason, &r.DateAdded); err != nil {
		return nil, err
	}
	r.UserID = userID.String
	r.Data = data.String
	r.Reason = reason.String
	if ts.Valid {
		t := ts.Time
		r.Timestamp = &t
	}
	if cf.Valid {
		b := cf.Bool
		r.CanForward = &b
	}
	return &r, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
