package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"reviewdesk/internal/types"
)

const defaultRequestTimeout = 30 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in
// request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
	"X-Admin-Key",
}

// MountRoutes registers the middleware chain and every route group.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Get("/health", s.HandleHealth)
	if s.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	for _, registrar := range s.RootRegistrars {
		registrar(s.router)
	}

	s.router.Route("/v1", s.mountV1)
}

// registerGlobalMiddleware applies middleware in order:
//  1. Recoverer      - outermost, catches all panics.
//  2. ContextTimeout - request deadline.
//  3. RequestID      - correlation id for logs and upstream calls.
//  4. SecurityHeaders
//  5. RequestLogger  - structured access log with redacted headers.
//  6. Compression    - gzip for clients that accept it.
//  7. Metrics        - request count and latency by route pattern.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(CompressionMiddleware())
	if s.Metrics != nil {
		s.router.Use(s.Metrics.Middleware)
	}
}

func (s *Server) mountV1(r chi.Router) {
	r.Group(func(r chi.Router) {
		for _, registrar := range s.PublicRegistrars {
			registrar(r)
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(s.RequireAccount)
		for _, registrar := range s.AccountRegistrars {
			registrar(r)
		}
	})

	if len(s.AdminRegistrars) > 0 {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.RequireAdmin)
			for _, registrar := range s.AdminRegistrars {
				registrar(r)
			}
		})
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses an inbound X-Request-Id or generates one, stores
// it in the context and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
