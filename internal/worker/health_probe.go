package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "heimdall/internal"
	"heimdall/internal/health"
	"heimdall/internal/telemetry"
)

const healthProbeInterval = 30 * time.Second

// HealthProber periodically probes all backends and publishes the results
// as metrics, so degradation is visible without anyone hitting /health.
type HealthProber struct {
	aggregator *health.Aggregator
	metrics    *telemetry.Metrics // nil = log only
	interval   time.Duration
}

// NewHealthProber creates a prober over the given aggregator.
func NewHealthProber(aggregator *health.Aggregator, metrics *telemetry.Metrics) *HealthProber {
	return &HealthProber{
		aggregator: aggregator,
		metrics:    metrics,
		interval:   healthProbeInterval,
	}
}

// Name returns the worker identifier.
func (w *HealthProber) Name() string { return "health_probe" }

// Run probes backends until ctx is cancelled.
func (w *HealthProber) Run(ctx context.Context) error {
	w.probe(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.probe(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *HealthProber) probe(ctx context.Context) {
	for _, report := range w.aggregator.Report(ctx) {
		if w.metrics != nil {
			w.metrics.BackendUp.WithLabelValues(report.Service).Set(gaugeValue(report.Status))
		}
		if report.Status != gateway.StatusHealthy {
			slog.LogAttrs(ctx, slog.LevelWarn, "backend unhealthy",
				slog.String("service", report.Service),
				slog.String("status", string(report.Status)),
				slog.Int64("latency_ms", report.LatencyMs),
				slog.String("error", report.Error),
			)
		}
	}
}

func gaugeValue(s gateway.HealthStatus) float64 {
	switch s {
	case gateway.StatusHealthy:
		return 1
	case gateway.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}
