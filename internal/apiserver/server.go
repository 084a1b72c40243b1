// Package apiserver owns the HTTP server: routing, middleware, timeouts,
// and its lifecycle as a managed component. Handler logic lives in
// internal/api; this package only wires it to the wire.
package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devmesh/devmesh/internal/api"
	"github.com/devmesh/devmesh/internal/logging"
)

// Config holds server settings.
type Config struct {
	Port   int
	APIKey string // empty disables authentication
}

// Server handles HTTP API requests. It implements lifecycle.Component.
type Server struct {
	cfg      Config
	server   *http.Server
	router   *http.ServeMux
	handler  *api.Handler
	registry *prometheus.Registry
	logger   *logging.Logger
}

// New creates the API server around the handler set. registry backs the
// /metrics endpoint.
func New(cfg Config, handler *api.Handler, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		router:   http.NewServeMux(),
		handler:  handler,
		registry: registry,
		logger:   logging.GetLogger("apiserver"),
	}

	s.registerRoutes()

	// Middleware order, outermost first: CORS answers preflights before
	// auth can reject them; request IDs exist before anything logs.
	var h http.Handler = s.router
	h = s.authMiddleware(h)
	h = s.requestLogMiddleware(h)
	h = s.requestIDMiddleware(h)
	h = s.corsMiddleware(h)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start implements lifecycle.Component. The listener runs in its own
// goroutine; startup failures surface in the log, not here, because bind
// errors race the return.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	if s.cfg.APIKey == "" {
		s.logger.Warn("API authentication disabled (server.api_key not set)")
	}
	s.logger.Info("API server listening on port %d", s.cfg.Port)
	return nil
}

// Stop implements lifecycle.Component with a graceful drain.
func (s *Server) Stop(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- s.server.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("HTTP server shutdown error: %v", err)
			return err
		}
		s.logger.Info("API server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("API server shutdown timeout")
		return ctx.Err()
	}
}

// Name implements lifecycle.Component.
func (s *Server) Name() string {
	return "API Server"
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.cfg.Port
}

// Router exposes the mux for handler tests.
func (s *Server) Router() http.Handler {
	return s.server.Handler
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/ingest/logs", s.withMethod(http.MethodPost, s.handler.HandleIngest))
	s.router.HandleFunc("/query/logs", s.withMethod(http.MethodGet, s.handler.HandleQuery))
	s.router.HandleFunc("/search/logs", s.withMethod(http.MethodGet, s.handler.HandleSearchLogs))
	s.router.HandleFunc("/search/templates", s.withMethod(http.MethodGet, s.handler.HandleSearchTemplates))
	s.router.HandleFunc("/health", s.withMethod(http.MethodGet, s.handler.HandleHealth))
	s.router.HandleFunc("/info", s.withMethod(http.MethodGet, s.handler.HandleInfo))
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}
