package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"heimdall/internal/cache"
	"heimdall/internal/config"
	"heimdall/internal/health"
	"heimdall/internal/route"
	"heimdall/internal/server"
	"heimdall/internal/telemetry"
	"heimdall/internal/upstream"
	"heimdall/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting heimdall", "version", version, "addr", cfg.Server.Addr)

	routes := cfg.GatewayRoutes()
	table := route.NewTable(routes)

	// Shared transport with DNS caching for all upstream traffic.
	resolver := &dnscache.Resolver{}
	transport := upstream.NewTransport(resolver)
	client := upstream.NewClient(transport, cfg.Upstream.RetryBackoff, cfg.Upstream.MaxBodyBytes)

	// Cache store
	var (
		store cache.Store
		ready server.ReadyChecker
	)
	switch cfg.Cache.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		defer rdb.Close()
		rs := cache.NewRedis(rdb, cfg.Cache.Redis.KeyPrefix)
		store = rs
		ready = rs.Ping
	case "memory":
		mem, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if err != nil {
			return err
		}
		store = mem
	}

	aggregator := health.NewAggregator(routes, transport, cfg.Health.Timeout, cfg.Health.LatencyThreshold)

	deps := server.Deps{
		Table:       table,
		Upstream:    client,
		Cache:       store,
		Invalidator: cache.NewInvalidator(store),
		Health:      aggregator,
		ReadyCheck:  ready,
	}

	// Metrics
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		deps.Metrics = telemetry.NewMetrics(reg)
		deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(), telemetry.TracingConfig{
			Endpoint:     cfg.Telemetry.Tracing.Endpoint,
			SampleRate:   cfg.Telemetry.Tracing.SampleRate,
			CacheBackend: cfg.Cache.Backend,
			RouteCount:   len(routes),
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	handler := server.New(deps)

	// Background workers: DNS cache refresh and backend health probing.
	workers := worker.NewRunner(
		worker.NewDNSRefresher(resolver),
		worker.NewHealthProber(aggregator, deps.Metrics),
	)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go func() {
		if err := workers.Run(workerCtx); err != nil {
			slog.Error("worker runner stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("heimdall ready", "addr", cfg.Server.Addr, "routes", len(routes), "cache", cfg.Cache.Backend)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("heimdall stopped")
	return nil
}
