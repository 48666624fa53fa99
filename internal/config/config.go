// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Engine        EngineConfig        `yaml:"engine"`
	Worker        WorkerConfig        `yaml:"worker"`
	Cache         CacheConfig         `yaml:"cache"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DiscoveryConfig lists the directories scanned for workflow templates.
// Roots are scanned in order; later roots shadow earlier ones.
type DiscoveryConfig struct {
	Roots []RootConfig `yaml:"roots"`
}

// RootConfig is one discovery root.
type RootConfig struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
}

// EngineConfig describes execution settings.
type EngineConfig struct {
	MaxConcurrency     int           `yaml:"max_concurrency"`
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
	SynthesisTimeout   time.Duration `yaml:"synthesis_timeout"`
}

// WorkerConfig describes the external query and synthesis workers.
type WorkerConfig struct {
	Query     EndpointConfig `yaml:"query"`
	Synthesis EndpointConfig `yaml:"synthesis"`
}

// EndpointConfig describes one worker endpoint.
type EndpointConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per worker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig describes retry settings per worker.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// CacheConfig describes the query result cache.
type CacheConfig struct {
	Driver string           `yaml:"driver"`
	TTL    time.Duration    `yaml:"ttl"`
	Redis  RedisCacheConfig `yaml:"redis"`
}

// RedisCacheConfig describes the Redis connection for the result cache.
type RedisCacheConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

var validCacheDrivers = map[string]bool{"none": true, "memory": true, "redis": true}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    15 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Roots: []RootConfig{
				{Path: "workflows/core", Source: "core"},
				{Path: "workflows/contrib", Source: "contrib"},
			},
		},
		Engine: EngineConfig{
			MaxConcurrency:     8,
			DefaultTaskTimeout: 300 * time.Second,
			SynthesisTimeout:   120 * time.Second,
		},
		Worker: WorkerConfig{
			Query:     defaultEndpoint(),
			Synthesis: defaultEndpoint(),
		},
		Cache: CacheConfig{
			Driver: "none",
			TTL:    5 * time.Minute,
			Redis:  RedisCacheConfig{AddrEnv: "FLOWPILOT_REDIS_ADDR"},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

func defaultEndpoint() EndpointConfig {
	return EndpointConfig{
		Timeout: 5 * time.Minute,
		Retry: RetryConfig{
			MaxAttempts:       2,
			BackoffInitial:    200 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        2 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load, but falls back to defaults plus
// environment overrides when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Defaults()
		applyEnvOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config: validation: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Discovery.Roots) == 0 {
		errs = append(errs, "discovery.roots must list at least one directory")
	}
	for i, r := range c.Discovery.Roots {
		if r.Path == "" {
			errs = append(errs, fmt.Sprintf("discovery.roots[%d].path is required", i))
		}
		if r.Source != "" && r.Source != "core" && r.Source != "contrib" {
			errs = append(errs, fmt.Sprintf("discovery.roots[%d].source must be core or contrib", i))
		}
	}
	if c.Engine.MaxConcurrency < 1 {
		errs = append(errs, "engine.max_concurrency must be at least 1")
	}
	if c.Engine.DefaultTaskTimeout <= 0 {
		errs = append(errs, "engine.default_task_timeout must be positive")
	}
	if !validCacheDrivers[c.Cache.Driver] {
		errs = append(errs, fmt.Sprintf("cache.driver %q is not one of none, memory, redis", c.Cache.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads FLOWPILOT_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWPILOT_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLOWPILOT_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("FLOWPILOT_DISCOVERY_ROOTS"); v != "" {
		var roots []RootConfig
		for i, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			source := "contrib"
			if i == 0 {
				source = "core"
			}
			roots = append(roots, RootConfig{Path: p, Source: source})
		}
		cfg.Discovery.Roots = roots
	}
	if v := os.Getenv("FLOWPILOT_QUERY_WORKER_URL"); v != "" {
		cfg.Worker.Query.BaseURL = v
	}
	if v := os.Getenv("FLOWPILOT_SYNTHESIS_WORKER_URL"); v != "" {
		cfg.Worker.Synthesis.BaseURL = v
	}
	if v := os.Getenv("FLOWPILOT_CACHE_DRIVER"); v != "" {
		cfg.Cache.Driver = v
	}
}

// RedisAddr resolves the Redis address from the configured environment
// variable.
func (c CacheConfig) RedisAddr() string {
	if c.Redis.AddrEnv == "" {
		return ""
	}
	return os.Getenv(c.Redis.AddrEnv)
}
