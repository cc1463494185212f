// Package health serves the liveness and readiness endpoints of the voice
// client.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 503 when any of them
// fails. When a [SessionReporter] is attached, /readyz also describes the
// voice session (state, failure cause and stream counters) and fails while
// the session is in [stream.StateFailed].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplexvoice/internal/stream"
)

// DefaultCheckTimeout bounds a single [Checker] run.
const DefaultCheckTimeout = 5 * time.Second

// ErrSessionFailed is reported by the session check while the session is in
// [stream.StateFailed].
var ErrSessionFailed = errors.New("health: session failed")

// Checker is one named readiness probe. Check returns nil when healthy and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// SessionReporter exposes the voice session behind the endpoint.
// [session.Controller] implements it.
type SessionReporter interface {
	State() stream.State
	Err() error
	Stats() stream.Stats
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// SessionReport describes the voice session in a /readyz response.
type SessionReport struct {
	State string       `json:"state"`
	Error string       `json:"error,omitempty"`
	Stats stream.Stats `json:"stats"`
}

// Report is the /readyz response body. /healthz only fills Status.
type Report struct {
	Status  string         `json:"status"`
	Session *SessionReport `json:"session,omitempty"`
	Checks  []CheckResult  `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checkers []Checker
	session  SessionReporter
	timeout  time.Duration
	log      *slog.Logger
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultCheckTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithSession attaches the voice session. Its failure makes /readyz fail.
func WithSession(r SessionReporter) Option {
	return func(h *Handler) { h.session = r }
}

// WithLogger sets the logger used for failed probes.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// New creates a Handler. Results are reported in the order of checkers.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.session != nil {
		h.checkers = append(h.checkers, Checker{Name: "session", Check: h.checkSession})
	}
	return h
}

func (h *Handler) checkSession(context.Context) error {
	if h.session.State() != stream.StateFailed {
		return nil
	}
	if err := h.session.Err(); err != nil {
		return errors.Join(ErrSessionFailed, err)
	}
	return ErrSessionFailed
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz runs all checkers and answers 200 or 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := Report{Status: "ok", Checks: h.run(r.Context())}
	for _, c := range rep.Checks {
		if !c.OK {
			rep.Status = "fail"
			h.log.WarnContext(r.Context(), "health: readiness check failed", "check", c.Name, "err", c.Error)
		}
	}
	if h.session != nil {
		sr := &SessionReport{State: h.session.State().String(), Stats: h.session.Stats()}
		if err := h.session.Err(); err != nil {
			sr.Error = err.Error()
		}
		rep.Session = sr
	}

	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// run executes every checker in its own goroutine. Each writes only its own
// slot, so no locking is needed.
func (h *Handler) run(ctx context.Context) []CheckResult {
	out := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			out[i] = CheckResult{Name: c.Name, OK: err == nil, ElapsedMS: time.Since(start).Milliseconds()}
			if err != nil {
				out[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
