package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/omriariav/FaceFindr/internal/metrics"
	"github.com/omriariav/FaceFindr/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	runsHandler := handlers.NewRunsHandler(s.runManager, s.prepare, s.store, s.logger)

	s.router.Get("/api/v1/health", handlers.Health(s.runManager))
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api/v1/runs", func(r chi.Router) {
		// Events is a long-lived stream and stays outside the timeout.
		r.Get("/{runId}/events", runsHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(5 * time.Minute))

			// runs read and write local paths; only JSON bodies, which browsers cannot send cross-site without preflight
			r.With(chiMiddleware.AllowContentType("application/json")).Post("/", runsHandler.Start)
			r.Get("/", runsHandler.List)
			r.Get("/{runId}", runsHandler.Get)
			r.Get("/{runId}/results", runsHandler.Results)
			r.Delete("/{runId}", runsHandler.Cancel)
		})
	})
}
