package api

import (
	"net/http"

	"github.com/agentsea/nebulous/pkg/metrics"
)

// registerHealthRoutes mounts the unauthenticated operational endpoints:
// liveness, readiness, component health, and the Prometheus scrape target.
func registerHealthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())
}
