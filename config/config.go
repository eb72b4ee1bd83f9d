// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/dispatcher/pkg/tls"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatcher.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Source     SourceConfig     `yaml:"source"`
	Retry      RetryConfig      `yaml:"retry"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Cache      CacheConfig      `yaml:"cache"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	WorkQueue  WorkQueueConfig  `yaml:"workqueue"`
	Executors  ExecutorsConfig  `yaml:"executors"`
}

// ServerConfig holds HTTP listener and telemetry settings.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	IngestAddr      string        `yaml:"ingest_addr"`
	IngestEnabled   bool          `yaml:"ingest_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Per-tenant publish throttling on the ingest endpoint. 0 disables it.
	IngestRateLimit float64 `yaml:"ingest_rate_limit"`
	IngestBurst     int     `yaml:"ingest_burst"`

	// IngestTLS serves the ingest endpoint over TLS when a certificate is set.
	IngestTLS tls.Config `yaml:"ingest_tls"`

	// OpenTelemetry configuration
	MetricsEnabled      bool    `yaml:"metrics_enabled"`
	MetricsAddr         string  `yaml:"metrics_addr"` // OTLP gRPC endpoint
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// SourceConfig describes the partitioned log the dispatcher consumes.
type SourceConfig struct {
	Topic        string        `yaml:"topic"`
	Partitions   int           `yaml:"partitions"`
	Group        string        `yaml:"group"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"`
}

// RetryConfig describes the retry topic.
type RetryConfig struct {
	Topic string `yaml:"topic"`
	// Delay is applied by the retry consumer before a message is dispatched again.
	Delay time.Duration `yaml:"delay"`
	// ConsumerEnabled runs a dispatch loop over the retry topic.
	ConsumerEnabled bool `yaml:"consumer_enabled"`
}

// DispatcherConfig holds dispatch loop settings.
type DispatcherConfig struct {
	WorkerPoolSize       int    `yaml:"worker_pool_size"`
	RouteBy              string `yaml:"route_by"`               // tenant, event_source
	EnqueueFailurePolicy string `yaml:"enqueue_failure_policy"` // abort, retry
}

// CacheConfig holds target cache settings.
type CacheConfig struct {
	Capacity          int           `yaml:"capacity"`
	TTL               time.Duration `yaml:"ttl"`
	RefreshPoolSize   int           `yaml:"refresh_pool_size"`
	RefreshQueueDepth int           `yaml:"refresh_queue_depth"`
	RefreshFullPolicy string        `yaml:"refresh_full_policy"` // drop, block, error
}

// DiscoveryConfig selects and configures the target resolver.
type DiscoveryConfig struct {
	Type    string        `yaml:"type"` // http, etcd, static
	Timeout time.Duration `yaml:"timeout"`

	HTTP   HTTPDiscoveryConfig `yaml:"http"`
	Etcd   EtcdDiscoveryConfig `yaml:"etcd"`
	Static map[string][]string `yaml:"static"`
}

// HTTPDiscoveryConfig configures the HTTP resolver.
type HTTPDiscoveryConfig struct {
	URL            string               `yaml:"url"`
	RateLimit      float64              `yaml:"rate_limit"` // requests per second, 0 disables
	Burst          int                  `yaml:"burst"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// EtcdDiscoveryConfig configures the etcd resolver.
type EtcdDiscoveryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// WorkQueueConfig holds work queue settings.
type WorkQueueConfig struct {
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	Retention         time.Duration `yaml:"retention"`
}

// ExecutorsConfig holds the lease/ack loops run by this process.
type ExecutorsConfig struct {
	PollDelay time.Duration    `yaml:"poll_delay"`
	Targets   []ExecutorTarget `yaml:"targets"`
}

// ExecutorTarget binds a target queue to a plugin endpoint.
type ExecutorTarget struct {
	TargetID string        `yaml:"target_id"`
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HealthAddr:          ":8081",
			HealthEnabled:       true,
			IngestAddr:          ":8080",
			IngestEnabled:       true,
			ShutdownTimeout:     30 * time.Second,
			MetricsAddr:         "localhost:4317",
			OtelServiceName:     "dispatcher",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/dispatcher/data",
		},
		Source: SourceConfig{
			Topic:        "events",
			Partitions:   1,
			Group:        "dispatcher",
			PollInterval: 100 * time.Millisecond,
			Retention:    7 * 24 * time.Hour,
		},
		Retry: RetryConfig{
			Topic:           "events.retry",
			Delay:           5 * time.Second,
			ConsumerEnabled: true,
		},
		Dispatcher: DispatcherConfig{
			WorkerPoolSize:       16,
			RouteBy:              "tenant",
			EnqueueFailurePolicy: "abort",
		},
		Cache: CacheConfig{
			Capacity:          10000,
			TTL:               5 * time.Minute,
			RefreshPoolSize:   4,
			RefreshQueueDepth: 1024,
			RefreshFullPolicy: "drop",
		},
		Discovery: DiscoveryConfig{
			Type:    "static",
			Timeout: 5 * time.Second,
			HTTP: HTTPDiscoveryConfig{
				RateLimit: 100,
				Burst:     20,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     30 * time.Second,
				},
			},
			Etcd: EtcdDiscoveryConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/dispatcher/targets",
				DialTimeout: 5 * time.Second,
			},
		},
		WorkQueue: WorkQueueConfig{
			VisibilityTimeout: 30 * time.Second,
			Retention:         7 * 24 * time.Hour,
		},
		Executors: ExecutorsConfig{
			PollDelay: time.Second,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.IngestEnabled && c.Server.IngestAddr == "" {
		return fmt.Errorf("server.ingest_addr required when ingest is enabled")
	}
	if err := c.Server.IngestTLS.Validate(); err != nil {
		return fmt.Errorf("server.ingest_tls: %w", err)
	}
	if c.Server.IngestRateLimit < 0 {
		return fmt.Errorf("server.ingest_rate_limit cannot be negative")
	}
	if c.Server.IngestRateLimit > 0 && c.Server.IngestBurst < 1 {
		return fmt.Errorf("server.ingest_burst must be at least 1 when ingest_rate_limit is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Source.Topic == "" {
		return fmt.Errorf("source.topic cannot be empty")
	}
	if c.Source.Partitions < 1 {
		return fmt.Errorf("source.partitions must be at least 1")
	}
	if c.Source.Group == "" {
		return fmt.Errorf("source.group cannot be empty")
	}
	if c.Retry.Topic == "" || c.Retry.Topic == c.Source.Topic {
		return fmt.Errorf("retry.topic must be set and differ from source.topic")
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry.delay cannot be negative")
	}

	if c.Dispatcher.WorkerPoolSize < 1 {
		return fmt.Errorf("dispatcher.worker_pool_size must be at least 1")
	}
	if c.Dispatcher.RouteBy != "tenant" && c.Dispatcher.RouteBy != "event_source" {
		return fmt.Errorf("dispatcher.route_by must be 'tenant' or 'event_source'")
	}
	if c.Dispatcher.EnqueueFailurePolicy != "abort" && c.Dispatcher.EnqueueFailurePolicy != "retry" {
		return fmt.Errorf("dispatcher.enqueue_failure_policy must be 'abort' or 'retry'")
	}

	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be at least 1")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.RefreshPoolSize < 1 {
		return fmt.Errorf("cache.refresh_pool_size must be at least 1")
	}
	if c.Cache.RefreshQueueDepth < 1 {
		return fmt.Errorf("cache.refresh_queue_depth must be at least 1")
	}
	validFull := map[string]bool{"drop": true, "block": true, "error": true}
	if !validFull[c.Cache.RefreshFullPolicy] {
		return fmt.Errorf("cache.refresh_full_policy must be one of: drop, block, error")
	}

	switch c.Discovery.Type {
	case "http":
		if c.Discovery.HTTP.URL == "" {
			return fmt.Errorf("discovery.http.url required when type is http")
		}
		if c.Discovery.HTTP.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("discovery.http.circuit_breaker.failure_threshold must be at least 1")
		}
	case "etcd":
		if len(c.Discovery.Etcd.Endpoints) == 0 {
			return fmt.Errorf("discovery.etcd.endpoints required when type is etcd")
		}
		if c.Discovery.Etcd.Prefix == "" {
			return fmt.Errorf("discovery.etcd.prefix cannot be empty")
		}
	case "static":
	default:
		return fmt.Errorf("discovery.type must be one of: http, etcd, static")
	}

	if c.WorkQueue.VisibilityTimeout < time.Second {
		return fmt.Errorf("workqueue.visibility_timeout must be at least 1 second")
	}

	for i, t := range c.Executors.Targets {
		if _, err := uuid.Parse(t.TargetID); err != nil {
			return fmt.Errorf("executors.targets[%d].target_id must be a UUID", i)
		}
		if t.URL == "" {
			return fmt.Errorf("executors.targets[%d].url cannot be empty", i)
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
