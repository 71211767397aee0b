// Package health provides the HTTP health and readiness endpoints.
//
// The package exposes five routes:
//
//   - /health          — status summary with uptime; always returns 200.
//   - /health/live     — liveness probe; always returns 200.
//   - /health/ready    — readiness probe; returns 200 only when all
//     registered [Checker] functions pass.
//   - /health/detailed — readiness plus a live subsystem snapshot
//     (providers, breakers, queue depth, sessions).
//   - /health/metrics  — Prometheus metrics when an exporter is attached.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "providers",
	// "cache"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// DetailFunc supplies the subsystem snapshot served by /health/detailed:
// provider health states, breaker snapshots, queue depth, active sessions.
type DetailFunc func(ctx context.Context) map[string]any

// result is the JSON response body for health endpoints.
type result struct {
	Status  string            `json:"status"`
	UptimeS float64           `json:"uptime_s,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

// Handler serves the /health route family. It is safe for concurrent use;
// the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	details  DetailFunc
	metrics  http.Handler
	started  time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithDetails attaches the snapshot source for /health/detailed.
func WithDetails(fn DetailFunc) Option {
	return func(h *Handler) { h.details = fn }
}

// WithMetrics attaches the handler served at /health/metrics, typically
// promhttp wrapping the Prometheus exporter registry.
func WithMetrics(mh http.Handler) Option {
	return func(h *Handler) { h.metrics = mh }
}

// New creates a [Handler] that evaluates the given checkers on each readiness
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers []Checker, opts ...Option) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	h := &Handler{checkers: c, started: time.Now()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health is the status summary. It runs every checker and reports the
// aggregate, but always answers 200: it describes the gateway, it does not
// gate traffic.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, checks := h.evaluate(r.Context())
	writeJSON(w, http.StatusOK, result{
		Status:  status,
		UptimeS: time.Since(h.started).Seconds(),
		Checks:  checks,
	})
}

// Live is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Ready is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status, checks := h.evaluate(r.Context())
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, result{Status: status, Checks: checks})
}

// Detailed reports readiness together with the live subsystem snapshot from
// the attached [DetailFunc].
func (h *Handler) Detailed(w http.ResponseWriter, r *http.Request) {
	status, checks := h.evaluate(r.Context())
	res := result{
		Status:  status,
		UptimeS: time.Since(h.started).Seconds(),
		Checks:  checks,
	}
	if h.details != nil {
		res.Details = h.details(r.Context())
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// evaluate runs every checker and folds the outcomes into a status string
// and a per-check map.
func (h *Handler) evaluate(parent context.Context) (string, map[string]string) {
	if len(h.checkers) == 0 {
		return "ok", nil
	}
	checks := make(map[string]string, len(h.checkers))
	status := "ok"
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(parent, checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			status = "fail"
		} else {
			checks[c.Name] = "ok"
		}
	}
	return status, checks
}

// Register adds the /health route family to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.Live)
	mux.HandleFunc("GET /health/ready", h.Ready)
	mux.HandleFunc("GET /health/detailed", h.Detailed)
	if h.metrics != nil {
		mux.Handle("GET /health/metrics", h.metrics)
	}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
