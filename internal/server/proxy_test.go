package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gateway "heimdall/internal"
	"heimdall/internal/cache"
	"heimdall/internal/route"
	"heimdall/internal/upstream"
)

func TestProxyNoRoute(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, jsonBackend(`{}`))

	rec := g.do(http.MethodGet, "/nope/123")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "route_not_found" {
		t.Errorf("error = %q, want route_not_found", body.Error)
	}
	if body.Message == "" {
		t.Error("message should not be empty")
	}
	if n := g.backendCalls.Load(); n != 0 {
		t.Errorf("no-route request should not reach the backend, calls = %d", n)
	}
}

func TestProxyForwards(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery string
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":42}`))
	})

	rec := g.do(http.MethodGet, "/api/users/42?fields=name")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotPath != "/42" {
		t.Errorf("backend path = %q, want /42 (prefix stripped)", gotPath)
	}
	if gotQuery != "fields=name" {
		t.Errorf("backend query = %q, want fields=name", gotQuery)
	}
	if rec.Body.String() != `{"id":42}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestProxyCacheHit(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, jsonBackend(`{"users":[]}`))

	first := g.do(http.MethodGet, "/api/users?page=1")
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if xc := first.Header().Get("X-Cache"); xc != "MISS" {
		t.Errorf("first X-Cache = %q, want MISS", xc)
	}
	g.settle()

	second := g.do(http.MethodGet, "/api/users?page=1")
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	if xc := second.Header().Get("X-Cache"); xc != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", xc)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("hit must serve the same payload as the miss")
	}
	if n := g.backendCalls.Load(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
}

func TestProxyCacheKeyQueryOrder(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, jsonBackend(`{}`))

	g.do(http.MethodGet, "/api/users?a=1&b=2")
	g.settle()
	rec := g.do(http.MethodGet, "/api/users?b=2&a=1")

	if xc := rec.Header().Get("X-Cache"); xc != "HIT" {
		t.Errorf("reordered query X-Cache = %q, want HIT", xc)
	}
	if n := g.backendCalls.Load(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
}

func TestProxyDistinctQueryMisses(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, jsonBackend(`{}`))

	g.do(http.MethodGet, "/api/users?page=1")
	g.settle()
	rec := g.do(http.MethodGet, "/api/users?page=2")

	if xc := rec.Header().Get("X-Cache"); xc != "MISS" {
		t.Errorf("distinct query X-Cache = %q, want MISS", xc)
	}
	if n := g.backendCalls.Load(); n != 2 {
		t.Errorf("backend calls = %d, want 2", n)
	}
}

func TestProxyMutationInvalidates(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, jsonBackend(`{"n":1}`))

	g.do(http.MethodGet, "/api/users")
	g.settle()
	if rec := g.do(http.MethodGet, "/api/users"); rec.Header().Get("X-Cache") != "HIT" {
		t.Fatal("expected a warm cache before the mutation")
	}

	post := g.do(http.MethodPost, "/api/users")
	if post.Code != http.StatusOK {
		t.Fatalf("post status = %d", post.Code)
	}
	if xc := post.Header().Get("X-Cache"); xc != "" {
		t.Errorf("writes must not carry a cache marker, got %q", xc)
	}

	rec := g.do(http.MethodGet, "/api/users")
	if xc := rec.Header().Get("X-Cache"); xc != "MISS" {
		t.Errorf("post-mutation X-Cache = %q, want MISS", xc)
	}
}

func TestProxyMutationScopedInvalidation(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, jsonBackend(`{}`))

	g.do(http.MethodGet, "/api/users")
	g.do(http.MethodGet, "/api/products")
	g.settle()

	// Writing to users must leave products warm.
	g.do(http.MethodDelete, "/api/users/7")

	if xc := g.do(http.MethodGet, "/api/products").Header().Get("X-Cache"); xc != "HIT" {
		t.Errorf("products X-Cache = %q, want HIT", xc)
	}
	if xc := g.do(http.MethodGet, "/api/users").Header().Get("X-Cache"); xc != "MISS" {
		t.Errorf("users X-Cache = %q, want MISS", xc)
	}
}

func TestProxyFailedMutationKeepsCache(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		jsonBackend(`{}`)(w, r)
	})

	g.do(http.MethodGet, "/api/users")
	g.settle()

	if rec := g.do(http.MethodPost, "/api/users"); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("post status = %d, want 422", rec.Code)
	}

	if xc := g.do(http.MethodGet, "/api/users").Header().Get("X-Cache"); xc != "HIT" {
		t.Errorf("X-Cache = %q, want HIT after rejected write", xc)
	}
}

func TestProxyCacheClearForcesMiss(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, jsonBackend(`{}`))

	g.do(http.MethodGet, "/api/users")
	g.settle()
	if rec := g.do(http.MethodGet, "/api/users"); rec.Header().Get("X-Cache") != "HIT" {
		t.Fatal("expected a warm cache before clearing")
	}

	g.do(http.MethodDelete, "/cache")

	rec := g.do(http.MethodGet, "/api/users")
	if xc := rec.Header().Get("X-Cache"); xc != "MISS" {
		t.Errorf("post-clear X-Cache = %q, want MISS", xc)
	}
	if n := g.backendCalls.Load(); n != 2 {
		t.Errorf("backend calls = %d, want 2", n)
	}
}

func TestProxyErrorResponseNotCached(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	})

	if rec := g.do(http.MethodGet, "/api/users"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 passed through", rec.Code)
	}
	g.settle()

	// Backend recovers; the earlier 500 must not have been cached.
	status.Store(http.StatusOK)
	rec := g.do(http.MethodGet, "/api/users")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after recovery", rec.Code)
	}
	if xc := rec.Header().Get("X-Cache"); xc != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", xc)
	}
}

func TestProxyTTLExpiry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprintf(w, `{"call":%d}`, calls.Load())
	}))
	t.Cleanup(backend.Close)

	store, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	handler := New(Deps{
		Table: route.NewTable([]gateway.Route{
			{Name: "short", Prefix: "/api/short", Target: backend.URL, Cacheable: true, TTL: 80 * time.Millisecond, Timeout: time.Second},
		}),
		Upstream: upstream.NewClient(nil, 0, 0),
		Cache:    store,
	})

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/short", nil))
		return rec
	}

	do()
	time.Sleep(50 * time.Millisecond)
	if xc := do().Header().Get("X-Cache"); xc != "HIT" {
		t.Fatalf("within TTL X-Cache = %q, want HIT", xc)
	}

	time.Sleep(100 * time.Millisecond)
	if xc := do().Header().Get("X-Cache"); xc != "MISS" {
		t.Errorf("past TTL X-Cache = %q, want MISS", xc)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("backend calls = %d, want 2", n)
	}
}

func TestProxyNonCacheableRoute(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, jsonBackend(`{}`))

	g.do(http.MethodGet, "/api/orders")
	g.settle()
	rec := g.do(http.MethodGet, "/api/orders")

	if xc := rec.Header().Get("X-Cache"); xc != "" {
		t.Errorf("non-cacheable route X-Cache = %q, want unset", xc)
	}
	if n := g.backendCalls.Load(); n != 2 {
		t.Errorf("backend calls = %d, want 2", n)
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(jsonBackend(`{}`))
	backend.Close() // nothing listening anymore

	store, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	handler := New(Deps{
		Table: route.NewTable([]gateway.Route{
			{Name: "down", Prefix: "/api/down", Target: backend.URL, Cacheable: true, TTL: time.Minute, Timeout: time.Second},
		}),
		Upstream: upstream.NewClient(nil, time.Millisecond, 0),
		Cache:    store,
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/down", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "upstream_unreachable" {
		t.Errorf("error = %q, want upstream_unreachable", body.Error)
	}

	// The failure must not leave anything behind in the cache.
	time.Sleep(50 * time.Millisecond)
	if _, ok := store.Get(t.Context(), cache.Key(http.MethodGet, "/api/down", nil, nil)); ok {
		t.Error("error response must not be cached")
	}
}

func TestProxyHeadUsesCacheWithoutBody(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, jsonBackend(`{"big":"payload"}`))

	g.do(http.MethodGet, "/api/users")
	g.settle()

	rec := g.do(http.MethodHead, "/api/users")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	// HEAD and GET hash to different keys, so this fill goes upstream.
	if rec.Body.Len() != 0 && rec.Header().Get("X-Cache") == "HIT" {
		t.Error("HEAD hit must not write a body")
	}
}
