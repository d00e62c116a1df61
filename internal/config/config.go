// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "heimdall/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Health    HealthConfig    `yaml:"health"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Routes    []RouteEntry    `yaml:"routes"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Backend    string        `yaml:"backend"` // "memory" or "redis"
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds settings for the redis cache backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// UpstreamConfig holds settings for outbound backend calls.
type UpstreamConfig struct {
	Timeout      time.Duration `yaml:"timeout"`       // default per-call timeout
	RetryBackoff time.Duration `yaml:"retry_backoff"` // pause before the single retry
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// HealthConfig holds health probe settings.
type HealthConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	LatencyThreshold time.Duration `yaml:"latency_threshold"` // 2xx slower than this = degraded
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RouteEntry is a route definition in the config file.
type RouteEntry struct {
	Name      string        `yaml:"name"`
	Prefix    string        `yaml:"prefix"`
	Target    string        `yaml:"target"`
	Cacheable *bool         `yaml:"cacheable"` // nil = true
	TTL       time.Duration `yaml:"ttl"`       // 0 = cache.default_ttl
	Timeout   time.Duration `yaml:"timeout"`   // 0 = upstream.timeout
}

// IsCacheable reports whether the route is cacheable (defaults to true when nil).
func (r RouteEntry) IsCacheable() bool {
	return r.Cacheable == nil || *r.Cacheable
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "heimdall:",
			},
		},
		Upstream: UpstreamConfig{
			Timeout:      10 * time.Second,
			RetryBackoff: 250 * time.Millisecond,
			MaxBodyBytes: 32 << 20,
		},
		Health: HealthConfig{
			Timeout:          3 * time.Second,
			LatencyThreshold: 500 * time.Millisecond,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects configurations that cannot produce a working route table.
func (c *Config) validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("config: at least one route is required")
	}
	seen := make(map[string]struct{}, len(c.Routes))
	for i, r := range c.Routes {
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("config: route %d: prefix must start with '/'", i)
		}
		if r.Target == "" {
			return fmt.Errorf("config: route %q: target is required", r.Prefix)
		}
		// Compare the normalized form: /api/users and /api/users/ collapse
		// to the same table prefix.
		prefix := strings.TrimRight(r.Prefix, "/")
		if _, dup := seen[prefix]; dup {
			return fmt.Errorf("config: duplicate route prefix %q", r.Prefix)
		}
		seen[prefix] = struct{}{}
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// GatewayRoutes converts config entries to domain routes, applying defaults.
func (c *Config) GatewayRoutes() []gateway.Route {
	routes := make([]gateway.Route, len(c.Routes))
	for i, r := range c.Routes {
		name := r.Name
		if name == "" {
			name = strings.Trim(r.Prefix, "/")
		}
		ttl := r.TTL
		if ttl == 0 {
			ttl = c.Cache.DefaultTTL
		}
		timeout := r.Timeout
		if timeout == 0 {
			timeout = c.Upstream.Timeout
		}
		routes[i] = gateway.Route{
			Name:      name,
			Prefix:    strings.TrimRight(r.Prefix, "/"),
			Target:    strings.TrimRight(r.Target, "/"),
			Cacheable: r.IsCacheable(),
			TTL:       ttl,
			Timeout:   timeout,
		}
	}
	return routes
}
