package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/omriariav/FaceFindr/internal/store"
	"github.com/omriariav/FaceFindr/internal/web/handlers"
	"github.com/omriariav/FaceFindr/internal/web/middleware"
	"go.uber.org/zap"
)

// Server represents the status server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	runManager *handlers.RunManager
	prepare    handlers.RunPreparer
	store      store.Store
	logger     *zap.Logger
}

// Option configures a Server.
type Option func(*options)

type options struct {
	allowedOrigins []string
}

// WithAllowedOrigins lets browsers on origins call the API, in addition to localhost.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) {
		o.allowedOrigins = append(o.allowedOrigins, origins...)
	}
}

// NewServer creates a new status server. s may be nil when runs are not persisted.
func NewServer(host string, port int, prepare handlers.RunPreparer, s store.Store, logger *zap.Logger, opts ...Option) *Server {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	srv := &Server{
		router:     r,
		runManager: handlers.NewRunManager(logger),
		prepare:    prepare,
		store:      s,
		logger:     logger,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(o.allowedOrigins))

	srv.setupRoutes()

	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams last as long as a run
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting status server on " + s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown cancels active runs and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status server...")

	if err := s.runManager.Shutdown(ctx); err != nil {
		s.logger.Warn("Runs did not stop in time", zap.Error(err))
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RunManager returns the manager of runs started through the API.
func (s *Server) RunManager() *handlers.RunManager {
	return s.runManager
}
