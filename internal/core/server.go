// Package core provides the HTTP chassis for the reviewdesk API. It builds
// the chi router, applies cross-cutting middleware (recovery, timeouts,
// request ids, logging, compression, metrics) and mounts the route groups
// that domain handlers register into.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reviewdesk/internal/config"
)

// HTTPMetrics instruments the router and exposes the collected metrics.
type HTTPMetrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// RouteRegistrar attaches routes to a router group.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the API chassis. Handlers are attached
// through the registrar slices before MountRoutes is called.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	Metrics      HTTPMetrics
	HealthChecks []HealthCheck

	// RootRegistrars mount outside /v1 (provider webhooks).
	RootRegistrars []RouteRegistrar
	// PublicRegistrars mount under /v1 without identity.
	PublicRegistrars []RouteRegistrar
	// AccountRegistrars mount under /v1 behind RequireAccount.
	AccountRegistrars []RouteRegistrar
	// AdminRegistrars mount under /v1/admin behind RequireAdmin.
	AdminRegistrars []RouteRegistrar

	// Closers run on Shutdown in registration order.
	Closers []func() error

	router *chi.Mux
}

// NewServer creates a Server with an empty router.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources (database pools, Redis clients).
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var firstErr error
	for _, closeFn := range s.Closers {
		if err := closeFn(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("closing resource: %w", err)
			}
		}
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return firstErr
}
