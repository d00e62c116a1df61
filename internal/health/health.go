// Package health probes backend services and aggregates a gateway-level
// health report.
package health

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	gateway "heimdall/internal"
)

// Service is a probed backend.
type Service struct {
	Name    string
	BaseURL string
}

// Aggregator queries each backend's /health endpoint with a short timeout
// and classifies the result. Reports are ephemeral: recomputed per call,
// never persisted.
type Aggregator struct {
	services         []Service
	http             *http.Client
	timeout          time.Duration
	latencyThreshold time.Duration
}

// NewAggregator builds an aggregator for the backends referenced by the
// route table. Routes sharing a target are probed once.
func NewAggregator(routes []gateway.Route, transport http.RoundTripper, timeout, latencyThreshold time.Duration) *Aggregator {
	seen := make(map[string]struct{}, len(routes))
	var services []Service
	for _, r := range routes {
		if _, dup := seen[r.Target]; dup {
			continue
		}
		seen[r.Target] = struct{}{}
		services = append(services, Service{Name: r.Name, BaseURL: r.Target})
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Aggregator{
		services:         services,
		http:             &http.Client{Transport: transport},
		timeout:          timeout,
		latencyThreshold: latencyThreshold,
	}
}

// Report probes all backends concurrently and returns one report per
// service, in configuration order.
func (a *Aggregator) Report(ctx context.Context) []gateway.HealthReport {
	reports := make([]gateway.HealthReport, len(a.services))

	g, ctx := errgroup.WithContext(ctx)
	for i, svc := range a.services {
		g.Go(func() error {
			reports[i] = a.probe(ctx, svc)
			return nil
		})
	}
	// Probes never return errors; failures land in the report.
	_ = g.Wait()

	return reports
}

// probe performs a single health check against one backend.
func (a *Aggregator) probe(ctx context.Context, svc Service) gateway.HealthReport {
	report := gateway.HealthReport{
		Service:   svc.Name,
		CheckedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.BaseURL+"/health", nil)
	if err != nil {
		report.Status = gateway.StatusUnreachable
		report.Error = err.Error()
		return report
	}

	start := time.Now()
	resp, err := a.http.Do(req)
	report.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		report.Status = gateway.StatusUnreachable
		report.Error = err.Error()
		return report
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		report.Status = gateway.StatusUnreachable
		report.Error = resp.Status
		return report
	}

	if time.Since(start) > a.latencyThreshold {
		report.Status = gateway.StatusDegraded
		return report
	}

	// Backends report {"status": ..., "timestamp": ...}; honor a backend
	// that answers quickly but declares itself unwell. gjson tolerates
	// arbitrary payload shapes.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch status := gjson.GetBytes(body, "status").String(); status {
	case "", "ok", "healthy", "up":
		report.Status = gateway.StatusHealthy
	default:
		report.Status = gateway.StatusDegraded
		report.Error = "self-reported status: " + status
	}
	return report
}
