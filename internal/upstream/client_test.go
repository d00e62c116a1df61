package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gateway "heimdall/internal"
)

func testRoute(target string) gateway.Route {
	return gateway.Route{
		Name:    "users",
		Prefix:  "/api/users",
		Target:  target,
		Timeout: 2 * time.Second,
	}
}

func TestForward(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			t.Errorf("upstream path = %q, want /users", r.URL.Path)
		}
		if r.URL.RawQuery != "page=1" {
			t.Errorf("query = %q, want page=1", r.URL.RawQuery)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q, want forwarded", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := NewClient(nil, 10*time.Millisecond, 0)
	hdr := http.Header{"Accept": []string{"application/json"}}
	resp, err := c.Forward(context.Background(), testRoute(srv.URL), http.MethodGet, "/users", "page=1", hdr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"data":[]}` {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Error("response headers should be preserved")
	}
}

func TestForwardErrorStatusPassedThrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(nil, 10*time.Millisecond, 0)
	resp, err := c.Forward(context.Background(), testRoute(srv.URL), http.MethodGet, "/users", "", nil, nil)
	if err != nil {
		t.Fatalf("upstream 5xx is not a transport error: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestForwardRetriesOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Kill the connection mid-request to force a transport error.
			srv.CloseClientConnections()
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c := NewClient(nil, 10*time.Millisecond, 0)
	resp, err := c.Forward(context.Background(), testRoute(srv.URL), http.MethodGet, "/users", "", nil, nil)
	if err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if string(resp.Body) != "recovered" {
		t.Errorf("body = %q, want recovered", resp.Body)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
}

func TestForwardUnreachable(t *testing.T) {
	t.Parallel()

	// Reserve an address, then close it so nothing is listening.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL
	srv.Close()

	c := NewClient(nil, 10*time.Millisecond, 0)
	start := time.Now()
	_, err := c.Forward(context.Background(), testRoute(target), http.MethodGet, "/users", "", nil, nil)
	if err == nil {
		t.Fatal("expected error for unreachable upstream")
	}
	if !errors.Is(err, gateway.ErrUpstreamUnreachable) {
		t.Errorf("error = %v, want ErrUpstreamUnreachable", err)
	}
	// One retry with backoff, not unlimited retries.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("bounded retry took too long: %v", elapsed)
	}
}

func TestForwardTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	route := testRoute(srv.URL)
	route.Timeout = 50 * time.Millisecond

	c := NewClient(nil, 10*time.Millisecond, 0)
	_, err := c.Forward(context.Background(), route, http.MethodGet, "/users", "", nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, gateway.ErrUpstreamTimeout) {
		t.Errorf("error = %v, want ErrUpstreamTimeout", err)
	}
}

func TestForwardBodyReplayOnRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			srv.CloseClientConnections()
			return
		}
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		w.Write(buf[:n])
	}))
	defer srv.Close()

	c := NewClient(nil, 10*time.Millisecond, 0)
	resp, err := c.Forward(context.Background(), testRoute(srv.URL), http.MethodPost, "/users", "", nil, []byte(`{"name":"ada"}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != `{"name":"ada"}` {
		t.Errorf("retried request body = %q, want replayed payload", resp.Body)
	}
}

func TestCopyHeaderSkipsHopByHop(t *testing.T) {
	t.Parallel()

	src := http.Header{
		"Accept":            []string{"application/json"},
		"Connection":        []string{"keep-alive"},
		"Transfer-Encoding": []string{"chunked"},
	}
	dst := http.Header{}
	CopyHeader(dst, src)

	if dst.Get("Accept") != "application/json" {
		t.Error("end-to-end headers should be copied")
	}
	if _, ok := dst["Connection"]; ok {
		t.Error("hop-by-hop Connection should be dropped")
	}
	if _, ok := dst["Transfer-Encoding"]; ok {
		t.Error("hop-by-hop Transfer-Encoding should be dropped")
	}
}
