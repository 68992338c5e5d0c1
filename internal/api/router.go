package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/drivers", s.handleListDrivers)

		r.Route("/supplies", func(r chi.Router) {
			r.Get("/", s.handleListSupplies)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetSupply)
				r.Get("/history", s.handleGetSupplyHistory)

				// Commands
				r.Group(func(r chi.Router) {
					r.Use(s.rateLimitMiddleware)
					r.Put("/current", s.handleSetCurrent)
					r.Put("/state", s.handleSetState)
					r.Post("/wait", s.handleWait)
					r.Post("/rearm", s.handleRearm)
				})
			})
		})

		r.Route("/io", func(r chi.Router) {
			r.Get("/", s.handleListPoints)
			r.Get("/{name}", s.handleGetPoint)
			r.With(s.rateLimitMiddleware).Put("/{name}", s.handleSetPoint)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"supplies": s.fleet.Len(),
	})
}
