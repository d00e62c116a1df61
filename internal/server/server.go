// Package server implements the HTTP transport layer for the Heimdall gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"heimdall/internal/cache"
	"heimdall/internal/health"
	"heimdall/internal/route"
	"heimdall/internal/telemetry"
	"heimdall/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Table          *route.Table
	Upstream       *upstream.Client
	Cache          cache.Store        // nil = caching disabled
	Invalidator    *cache.Invalidator // nil = no invalidation endpoints
	Health         *health.Aggregator // nil = health reports no services
	Metrics        *telemetry.Metrics // nil = no metrics recording
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/health", s.handleHealth)
	r.Delete("/cache", s.handleCacheClear)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Everything else is proxied per the route table.
	r.Handle("/*", http.HandlerFunc(s.handleProxy))

	return r
}

type server struct {
	deps   Deps
	flight singleflight.Group // coalesces concurrent cache fills per key
}
