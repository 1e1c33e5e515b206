// Package health provides HTTP liveness and readiness probe handlers.
//
// The package exposes two endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK with process uptime.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Probe] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail"),
// an "uptime" field, and a "checks" map with the result of each named probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds each individual readiness probe. Probes run on the
// request path, so a hung dependency must not stall the kubelet.
const probeTimeout = 5 * time.Second

// Probe is a named readiness check. The Check function returns nil when the
// dependency is healthy and a non-nil error describing the failure otherwise.
type Probe struct {
	// Name is a short label for this probe (e.g. "gateway", "telemetry").
	// It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// report is the JSON response body for both endpoints.
type report struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The probe list is fixed at
// construction time, so Handler is safe for concurrent use.
type Handler struct {
	probes  []Probe
	started time.Time
}

// New creates a [Handler] that evaluates the given probes on each /readyz
// request. Probes run concurrently; the response is assembled once all of
// them have reported.
func New(probes ...Probe) *Handler {
	p := make([]Probe, len(probes))
	copy(p, probes)
	return &Handler{probes: p, started: time.Now()}
}

// Healthz is the liveness probe. A running process that can serve HTTP is
// considered alive, so it always returns 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok", Uptime: h.uptime()})
}

// Readyz is the readiness probe. It runs every registered [Probe] with a
// [probeTimeout] deadline derived from the request context and returns 200
// only when all of them pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var mu sync.Mutex
	checks := make(map[string]string, len(h.probes))
	allOK := true

	g, ctx := errgroup.WithContext(r.Context())
	for _, p := range h.probes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := p.Check(probeCtx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[p.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[p.Name] = "ok"
			}
			// Failures are reported in the body, not as group errors, so one
			// failing probe does not cancel the others mid-flight.
			return nil
		})
	}
	_ = g.Wait()

	res := report{Status: "ok", Uptime: h.uptime(), Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) uptime() string {
	return time.Since(h.started).Round(time.Second).String()
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
