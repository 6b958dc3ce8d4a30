package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"birdcage/internal/utils"
	"birdcage/pkg/admission"
	"birdcage/pkg/ledger"
	"birdcage/pkg/timeline"
)

func (s *Server) handleIntercepted(w http.ResponseWriter, r *http.Request) {
	var in Intercepted
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Status != 0 && in.Status != http.StatusOK {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	op, ok := timeline.MatchURL(in.URL)
	if !ok {
		// Not an operation we understand; the hook forwards everything.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	intakeID := newIntakeID()
	candidates := safeExtract(intakeID, op, in.Body)
	if len(candidates) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	select {
	case s.queue <- job{intakeID: intakeID, candidates: candidates}:
	default:
		http.Error(w, "intake queue full", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"intake_id":  intakeID,
		"candidates": len(candidates),
	})
}

// safeExtract contains parse failures to the one response that caused
// them.
func safeExtract(intakeID string, op timeline.Operation, body string) (out []admission.Candidate) {
	defer func() {
		if r := recover(); r != nil {
			utils.Log.Errorf("intake %s: panic extracting %s response: %v", intakeID, op.Name, r)
			out = nil
		}
	}()
	return extractCandidates(op, body, time.Now().UTC())
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := ledger.ListOptions{
		Type:       q.Get("type"),
		CanForward: q.Get("canForward"),
		Reason:     q.Get("reason"),
	}
	opts.Page, _ = strconv.Atoi(q.Get("page"))
	opts.PageSize, _ = strconv.Atoi(q.Get("pageSize"))

	recs, pg, ov, err := s.Ledger.List(r.Context(), opts, admission.RetryableReasons)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"records":    recs,
		"pagination": pg,
		"overview":   ov,
	})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	forwarded, err := s.Ctrl.Reprocess(r.Context(), s.ACtx())
	if err != nil && !errors.Is(err, admission.ErrNothingToRetry) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int{"forwarded": forwarded})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	_, _, ov, err := s.Ledger.List(r.Context(), ledger.ListOptions{Page: 1, PageSize: 1}, admission.RetryableReasons)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(ov)
}
