package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "heimdall/internal"
	"heimdall/internal/cache"
	"heimdall/internal/telemetry"
	"heimdall/internal/upstream"
)

// cacheHeader marks responses served from (or freshly filled into) the cache.
const cacheHeader = "X-Cache"

// maxProxyBody caps buffered client request bodies.
const maxProxyBody = 32 << 20

// handleProxy is the catch-all entry point for proxied traffic. It resolves
// the route, then either serves through the cache (idempotent reads on
// cacheable routes) or forwards directly.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.deps.Table.Match(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "route_not_found", "no route for "+r.URL.Path)
		return
	}

	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead
	if isRead && rt.Cacheable && s.deps.Cache != nil {
		s.serveCacheable(w, r, rt)
		return
	}
	s.forward(w, r, rt)
}

// forward sends the request to the upstream without cache interaction and
// relays the response verbatim. Successful mutations invalidate the route's
// cached prefix before the response is returned to the client, so a
// read-after-write never observes a pre-mutation entry.
func (s *server) forward(w http.ResponseWriter, r *http.Request, rt gateway.Route) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "could not read request body")
			return
		}
	}

	resp, err := s.callUpstream(r.Context(), rt, r.Method, r.URL.Path, r.URL.RawQuery, r.Header, body)
	if err != nil {
		s.writeUpstreamError(r.Context(), w, rt, err)
		return
	}

	if isMutating(r.Method) && is2xx(resp.StatusCode) && s.deps.Invalidator != nil {
		// The upstream already applied the write; a client disconnect at this
		// point must not leave stale entries behind.
		s.deps.Invalidator.Resource(context.WithoutCancel(r.Context()), rt.Prefix)
		if s.deps.Metrics != nil {
			s.deps.Metrics.Invalidations.WithLabelValues("resource").Inc()
		}
	}

	writeUpstream(w, resp, "", r.Method == http.MethodHead)
}

// serveCacheable answers an idempotent read, preferring the cache. Within a
// request the order is strict: lookup, then forward, then store -- the entry
// written always reflects the response returned to this caller. Concurrent
// misses on the same key are coalesced into a single upstream call.
func (s *server) serveCacheable(w http.ResponseWriter, r *http.Request, rt gateway.Route) {
	key := cache.Key(r.Method, r.URL.Path, r.URL.Query(), r.Header)

	if e, ok := s.deps.Cache.Get(r.Context(), key); ok {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheHits.Inc()
		}
		upstream.CopyHeader(w.Header(), e.Header)
		w.Header().Set(cacheHeader, "HIT")
		w.WriteHeader(e.StatusCode)
		if r.Method != http.MethodHead {
			w.Write(e.Body)
		}
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CacheMisses.Inc()
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		// Detached from the client connection: a disconnect must not abort
		// a fill that can serve the next request for this key.
		ctx := context.WithoutCancel(r.Context())

		resp, err := s.callUpstream(ctx, rt, r.Method, r.URL.Path, r.URL.RawQuery, r.Header, nil)
		if err != nil {
			return nil, err
		}
		// Only successful responses with a body are cached; errors are
		// relayed but never stored.
		if is2xx(resp.StatusCode) && len(resp.Body) > 0 {
			s.deps.Cache.Set(ctx, key, cache.Entry{
				Body:       resp.Body,
				StatusCode: resp.StatusCode,
				Header:     cloneHeader(resp.Header),
				StoredAt:   time.Now(),
				TTL:        rt.TTL,
			})
		}
		return resp, nil
	})
	if err != nil {
		s.writeUpstreamError(r.Context(), w, rt, err)
		return
	}

	writeUpstream(w, v.(*upstream.Response), "MISS", r.Method == http.MethodHead)
}

// callUpstream forwards to the backend with the matched prefix stripped,
// recording duration and failure metrics.
func (s *server) callUpstream(ctx context.Context, rt gateway.Route, method, path, rawQuery string, header http.Header, body []byte) (*upstream.Response, error) {
	ctx, span := telemetry.Tracer("heimdall/proxy").Start(ctx, "upstream.forward",
		trace.WithAttributes(
			attribute.String("upstream.service", rt.Name),
			attribute.String("http.method", method),
		))
	defer span.End()

	start := time.Now()
	resp, err := s.deps.Upstream.Forward(ctx, rt, method, rewritePath(path, rt.Prefix), rawQuery, header, body)
	if err != nil {
		span.RecordError(err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(rt.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(rt.Name, errorReason(err)).Inc()
		}
	}
	return resp, err
}

// rewritePath strips the matched route prefix, keeping the remainder as the
// upstream path.
func rewritePath(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}

// writeUpstream relays a buffered upstream response to the client.
func writeUpstream(w http.ResponseWriter, resp *upstream.Response, cacheStatus string, headOnly bool) {
	upstream.CopyHeader(w.Header(), resp.Header)
	if cacheStatus != "" {
		w.Header().Set(cacheHeader, cacheStatus)
	}
	w.WriteHeader(resp.StatusCode)
	if !headOnly {
		w.Write(resp.Body)
	}
}

// writeUpstreamError maps upstream transport failures to 502/504 gateway
// responses. These are never cached.
func (s *server) writeUpstreamError(ctx context.Context, w http.ResponseWriter, rt gateway.Route, err error) {
	slog.LogAttrs(ctx, slog.LevelError, "upstream failure",
		slog.String("service", rt.Name),
		slog.String("error", err.Error()),
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
	)
	if errors.Is(err, gateway.ErrUpstreamTimeout) {
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", rt.Name+" did not respond in time")
		return
	}
	writeError(w, http.StatusBadGateway, "upstream_unreachable", "could not reach "+rt.Name)
}

func errorReason(err error) string {
	if errors.Is(err, gateway.ErrUpstreamTimeout) {
		return "timeout"
	}
	return "unreachable"
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	upstream.CopyHeader(dst, src)
	return dst
}

// errorBody is the structured JSON error surface of the gateway.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
