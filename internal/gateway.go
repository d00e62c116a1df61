// Package gateway defines domain types and interfaces for the Heimdall API gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"time"
)

// --- Routing ---

// Route maps a URL path prefix to an upstream backend service.
// Routes are loaded once at startup and immutable thereafter.
type Route struct {
	Name      string        `json:"name"`       // service identifier (e.g. "users")
	Prefix    string        `json:"prefix"`     // path prefix, e.g. "/api/users"
	Target    string        `json:"target"`     // upstream base URL
	Cacheable bool          `json:"cacheable"`  // GET/HEAD responses may be cached
	TTL       time.Duration `json:"ttl"`        // cache entry lifetime
	Timeout   time.Duration `json:"timeout"`    // per-call upstream timeout
}

// --- Health ---

// HealthStatus classifies the observed state of an upstream service.
type HealthStatus string

const (
	// StatusHealthy means the service responded 2xx within the latency threshold.
	StatusHealthy HealthStatus = "healthy"
	// StatusDegraded means the service responded 2xx but slower than the threshold.
	StatusDegraded HealthStatus = "degraded"
	// StatusUnreachable means the service was unreachable or responded non-2xx.
	StatusUnreachable HealthStatus = "unreachable"
)

// HealthReport is the per-service result of a health probe.
// Reports are recomputed on every health request and never persisted.
type HealthReport struct {
	Service   string       `json:"service"`
	Status    HealthStatus `json:"status"`
	LatencyMs int64        `json:"latency_ms"`
	CheckedAt time.Time    `json:"checked_at"`
	Error     string       `json:"error,omitempty"`
}

// Aggregate reduces a set of reports to an overall gateway status:
// healthy only if every service is healthy, unreachable if any service is
// unreachable, degraded otherwise.
func Aggregate(reports []HealthReport) HealthStatus {
	status := StatusHealthy
	for _, r := range reports {
		switch r.Status {
		case StatusUnreachable:
			return StatusUnreachable
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
