package api

import (
	"cmp"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/parklink-core/internal/infrastructure/metrics"
)

const defaultWSPath = "/ws"

// buildRouter mounts the read-only status API, the WebSocket stream and
// the Prometheus scrape endpoint.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestID, s.instrument, s.recoverPanics)

	r.Handle("/metrics", metrics.Handler())
	r.Get(cmp.Or(s.wsCfg.Path, defaultWSPath), s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/devices/status", s.handleDeviceStatus)
		r.Get("/connections", s.handleConnections)
	})

	return r
}
