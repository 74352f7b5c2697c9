// Package health serves the liveness and readiness probes of the bot
// process.
//
//   - /healthz reports the process is up, with its uptime. Always 200.
//   - /readyz probes the pipeline's subsystems (queue, gateways, memory
//     index) and returns 503 while any of them is degraded.
//
// The readiness body carries one entry per probe with its outcome and
// latency, so an operator can see which subsystem is holding readiness back.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds one readiness probe. Probes run on every scrape, so
// they must be cheap; anything slower than this counts as degraded.
const probeTimeout = 3 * time.Second

// Check names one subsystem probe. Probe returns nil while the subsystem can
// do its job and must respect ctx.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// probeReport is the per-check entry in the readiness body.
type probeReport struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Endpoint serves the probe routes. The check list is fixed at construction;
// Endpoint is safe for concurrent use.
type Endpoint struct {
	checks  []Check
	started time.Time
}

// NewEndpoint builds an endpoint over the given checks. Probes run
// sequentially in the order given.
func NewEndpoint(checks ...Check) *Endpoint {
	return &Endpoint{
		checks:  append([]Check(nil), checks...),
		started: time.Now(),
	}
}

// Healthz reports liveness. A process that can answer HTTP is alive.
func (e *Endpoint) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(e.started).Round(time.Second).String(),
	})
}

// Readyz runs every probe and reports 200 when all pass, 503 otherwise.
func (e *Endpoint) Readyz(w http.ResponseWriter, r *http.Request) {
	reports := make(map[string]probeReport, len(e.checks))
	degraded := false

	for _, c := range e.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		start := time.Now()
		err := c.Probe(ctx)
		cancel()

		rep := probeReport{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			rep.Status = "degraded"
			rep.Error = err.Error()
			degraded = true
		}
		reports[c.Name] = rep
	}

	status := http.StatusOK
	overall := "ok"
	if degraded {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": reports,
	})
}

// Register adds the probe routes to mux.
func (e *Endpoint) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", e.Healthz)
	mux.HandleFunc("GET /readyz", e.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
