package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/basket/bridgews/internal/obs"
)

type healthzResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// writeHealthz writes the health payload spec.md §6 requires: 200 JSON
// {"status":"ok","connections":<N>}. Any other path served by the mux
// falls through to the WebSocket handler's default-404 behavior via
// http.ServeMux's own not-found handling.
func writeHealthz(w http.ResponseWriter, connections int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthzResponse{Status: "ok", Connections: connections})
}

// metricsResponse is the healthz shape plus the in-memory counter snapshot,
// per SPEC_FULL.md §4.9: GET /metrics is the JSON view, not a Prometheus
// exposition endpoint.
type metricsResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	obs.Snapshot
}

// writeMetrics writes the /metrics payload. snapshot is the zero value when
// no *obs.Metrics is configured, reporting all-zero counters.
func writeMetrics(w http.ResponseWriter, connections int, snapshot obs.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metricsResponse{Status: "ok", Connections: connections, Snapshot: snapshot})
}
