package ledger

import (
	"context"
	"math"
)

// ListOptions controls selection for the inspection/reprocess view.
// Zero-valued (or "all") filters match everything.
type ListOptions struct {
	Type       string
	CanForward string // "true", "false", "pending" or "all"
	Reason     string
	Page       int
	PageSize   int
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
}

// Overview aggregates the filtered set by type, reason and forward status.
// Computed in one pass over the filtered rows.
type Overview struct {
	TypeCounts            map[string]int `json:"typeCounts"`
	ReasonCounts          map[string]int `json:"reasonCounts"`
	CanForwardCounts      map[string]int `json:"canForwardCounts"`
	ReprocessableByReason map[string]int `json:"reprocessableCountByReason"`
	TotalRecords          int            `json:"totalRecords"`
}

// List returns the filtered records newest first, one page at a time, plus
// overview counts computed across the whole filtered set. retryableReasons
// marks which rejection reasons count as reprocessable in the overview.
func (d *DB) List(ctx context.Context, opts ListOptions, retryableReasons []string) ([]Record, Pagination, Overview, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	if opts.Type != "" && opts.Type != "all" {
		where += " AND type = ?"
		args = append(args, opts.Type)
	}
	switch opts.CanForward {
	case "true":
		where += " AND can_forward = 1"
	case "false":
		where += " AND can_forward = 0"
	case "pending":
		where += " AND can_forward IS NULL"
	}
	if opts.Reason != "" && opts.Reason != "all" {
		where += " AND reason = ?"
		args = append(args, opts.Reason)
	}

	q := `
SELECT item_key, originator_id, item_id, type, user_id, data, timestamp, can_forward, reason, date_added
FROM ledger ` + where + ` ORDER BY date_added DESC`
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, Pagination{}, Overview{}, err
	}
	defer rows.Close()

	retryable := map[string]bool{}
	for _, r := range retryableReasons {
		retryable[r] = true
	}

	ov := Overview{
		TypeCounts:            map[string]int{},
		ReasonCounts:          map[string]int{},
		CanForwardCounts:      map[string]int{},
		ReprocessableByReason: map[string]int{},
	}

	var page []Record
	offset := (opts.Page - 1) * opts.PageSize
	i := 0
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, Pagination{}, Overview{}, err
		}

		typ := r.Type
		if typ == "" {
			typ = "unknown"
		}
		ov.TypeCounts[typ]++
		if r.Reason != "" {
			ov.ReasonCounts[r.Reason]++
			if retryable[r.Reason] {
				ov.ReprocessableByReason[r.Reason]++
			}
		}
		switch {
		case r.CanForward == nil:
			ov.CanForwardCounts["pending"]++
		case *r.CanForward:
			ov.CanForwardCounts["true"]++
		default:
			ov.CanForwardCounts["false"]++
		}
		ov.TotalRecords++

		if i >= offset && len(page) < opts.PageSize {
			page = append(page, *r)
		}
		i++
	}
	if err := rows.Err(); err != nil {
		return nil, Pagination{}, Overview{}, err
	}

	pg := Pagination{
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalCount: ov.TotalRecords,
		TotalPages: int(math.Ceil(float64(ov.TotalRecords) / float64(opts.PageSize))),
	}
	return page, pg, ov, nil
}
