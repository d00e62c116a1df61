package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	gateway "heimdall/internal"
)

// Response is a fully buffered upstream response. Backend bodies are small
// JSON documents; buffering keeps cache writes and retries simple.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client forwards requests to backend services with a per-call timeout and
// a single bounded retry on transport failure.
type Client struct {
	http         *http.Client
	retryBackoff time.Duration
	maxBodyBytes int64
}

// NewClient returns a Client using the given transport. retryBackoff is the
// pause before the single retry; maxBodyBytes caps buffered response bodies.
func NewClient(transport http.RoundTripper, retryBackoff time.Duration, maxBodyBytes int64) *Client {
	if transport == nil {
		transport = NewTransport(nil)
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 32 << 20
	}
	return &Client{
		http:         &http.Client{Transport: transport},
		retryBackoff: retryBackoff,
		maxBodyBytes: maxBodyBytes,
	}
}

// Forward sends a request to the route's target. path is the already
// rewritten upstream path (matched prefix stripped); header is the inbound
// header set, filtered of hop-by-hop fields before sending.
//
// Transport failures are retried exactly once after the configured backoff.
// Any HTTP response, including 4xx/5xx, is returned as-is -- only the
// inability to obtain a response is an error, reported as
// gateway.ErrUpstreamTimeout or gateway.ErrUpstreamUnreachable.
func (c *Client) Forward(ctx context.Context, route gateway.Route, method, path, rawQuery string, header http.Header, body []byte) (*Response, error) {
	targetURL := route.Target + path
	if rawQuery != "" {
		targetURL += "?" + rawQuery
	}

	resp, err := c.attempt(ctx, route.Timeout, method, targetURL, header, body)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, classify(err)
	}

	slog.Warn("upstream call failed, retrying once",
		"service", route.Name, "url", targetURL, "error", err)

	select {
	case <-time.After(c.retryBackoff):
	case <-ctx.Done():
		return nil, classify(err)
	}

	resp, retryErr := c.attempt(ctx, route.Timeout, method, targetURL, header, body)
	if retryErr != nil {
		return nil, classify(retryErr)
	}
	return resp, nil
}

// attempt performs a single upstream call with its own timeout.
func (c *Client) attempt(ctx context.Context, timeout time.Duration, method, targetURL string, header http.Header, body []byte) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	CopyHeader(req.Header, header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(respBody)) > c.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", c.maxBodyBytes)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// classify maps a transport error to the domain timeout/unreachable sentinels.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", gateway.ErrUpstreamUnreachable, err)
}
