package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves a point-in-time snapshot of the saga and gate counters as
// JSON. The API server mounts it at /metrics.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(metrics.Snapshot())
	})
}
