package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"birdcage/internal/utils"
	"birdcage/pkg/admission"
	"birdcage/pkg/ledger"
	"birdcage/pkg/timeline"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const defaultQueueSize = 256

// Server receives completed XHR responses from the browser hook, extracts
// candidate records and feeds them through the admission controller. It
// also serves the inspection/reprocess API over the ledger.
type Server struct {
	Ledger *ledger.DB
	Ctrl   *admission.Controller
	// ACtx snapshots the admission context per response, so identity and
	// preference changes take effect without restarting.
	ACtx     func() admission.Context
	Username string
	Password string
	// QueueSize bounds the intake queue; a full queue pushes back on the
	// hook with 503 instead of buffering without limit.
	QueueSize int

	queue chan job
	once  sync.Once
	wg    sync.WaitGroup
}

// job is one intercepted response's worth of candidates. One worker drains
// the queue, so records within a response are admitted in walk order;
// ordering across responses is not guaranteed and does not need to be.
type job struct {
	intakeID   string
	candidates []admission.Candidate
}

// Intercepted is the inbound record from the network-interception hook.
type Intercepted struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Status int    `json:"status"`
	Body   string `json:"body"`
}

func (s *Server) Start(addr string) error {
	s.startWorker()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/intercepted", s.basicAuth(s.handleIntercepted))
	mux.HandleFunc("GET /api/records", s.basicAuth(s.handleRecords))
	mux.HandleFunc("POST /api/reprocess", s.basicAuth(s.handleReprocess))
	mux.HandleFunc("GET /api/stats", s.basicAuth(s.handleStats))

	utils.Log.Infof("Starting intake server on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) startWorker() {
	s.once.Do(func() {
		size := s.QueueSize
		if size <= 0 {
			size = defaultQueueSize
		}
		s.queue = make(chan job, size)
		s.wg.Add(1)
		go s.work()
	})
}

// Close drains the queue and stops the worker.
func (s *Server) Close() {
	if s.queue != nil {
		close(s.queue)
		s.wg.Wait()
	}
}

func (s *Server) work() {
	defer s.wg.Done()
	for j := range s.queue {
		s.runJob(j)
	}
}

// runJob admits one response's candidates. Failures are contained per
// response: one malformed payload must never block the next.
func (s *Server) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			utils.Log.Errorf("intake %s: panic during admission: %v", j.intakeID, r)
		}
	}()

	actx := s.ACtx()
	for _, cand := range j.candidates {
		out, err := s.Ctrl.Process(context.Background(), actx, cand)
		if err != nil {
			utils.Log.Errorf("intake %s: ledger failure for %s/%s: %v",
				j.intakeID, cand.OriginatorID, cand.Type, err)
			continue
		}
		if out.Forwarded {
			utils.Log.Debugf("intake %s: forwarded %s/%s", j.intakeID, cand.OriginatorID, cand.Type)
		} else {
			utils.Log.Debugf("intake %s: blocked %s/%s: %s", j.intakeID, cand.OriginatorID, cand.Type, out.Reason)
		}
	}
}

// extractCandidates walks one response body. Extraction never touches the
// network or the ledger.
func extractCandidates(op timeline.Operation, body string, dateAdded time.Time) []admission.Candidate {
	instructions := gjson.Get(body, op.InstructionsPath)
	if !instructions.Exists() {
		return nil
	}

	var out []admission.Candidate
	for _, e := range timeline.Walk(instructions) {
		cand := admission.Candidate{
			Type:      op.Kind,
			Raw:       e.Raw,
			DateAdded: dateAdded,
		}
		switch {
		case e.Post != nil:
			cand.Post = e.Post
			cand.OriginatorID = e.Post.ID
			cand.ItemID = e.Post.ID
		case e.User != nil:
			cand.User = e.User
			cand.OriginatorID = e.User.ID
			cand.ItemID = e.User.ID
		default:
			continue
		}
		out = append(out, cand)
	}
	return out
}

func newIntakeID() string {
	return uuid.NewString()
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
