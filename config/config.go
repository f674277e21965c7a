// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/mailbox/pkg/tls"
	"github.com/absmach/mailbox/ratelimit"
	"github.com/absmach/mailbox/topics"
	"github.com/absmach/mailbox/webhook"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides the file.
const EnvPrefix = "MAILBOX_"

// Config holds all configuration for the mailbox service.
type Config struct {
	Server    ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Log       LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Queue     QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	Memory    MemoryConfig     `yaml:"memory" envPrefix:"MEMORY_"`
	Breaker   BreakerConfig    `yaml:"breaker" envPrefix:"BREAKER_"`
	RateLimit ratelimit.Config `yaml:"ratelimit" envPrefix:"RATELIMIT_"`
	Webhook   webhook.Config   `yaml:"webhook" envPrefix:"WEBHOOK_"`
}

// ServerConfig holds listener and telemetry settings.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id" env:"NODE_ID"`
	HTTPAddr        string        `yaml:"http_addr" env:"HTTP_ADDR"`
	HTTPEnabled     bool          `yaml:"http_enabled" env:"HTTP_ENABLED"`
	HTTPTLS         tls.Config    `yaml:"http_tls" envPrefix:"HTTP_TLS_"`
	WSAddr          string        `yaml:"ws_addr" env:"WS_ADDR"`
	WSPath          string        `yaml:"ws_path" env:"WS_PATH"`
	WSEnabled       bool          `yaml:"ws_enabled" env:"WS_ENABLED"`
	WSTLS           tls.Config    `yaml:"ws_tls" envPrefix:"WS_TLS_"`
	HealthAddr      string        `yaml:"health_addr" env:"HEALTH_ADDR"`
	HealthEnabled   bool          `yaml:"health_enabled" env:"HEALTH_ENABLED"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// OpenTelemetry
	MetricsEnabled      bool             `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsAddr         string           `yaml:"metrics_addr" env:"METRICS_ADDR"` // OTLP gRPC endpoint
	OtelServiceName     string           `yaml:"otel_service_name" env:"OTEL_SERVICE_NAME"`
	OtelServiceVersion  string           `yaml:"otel_service_version" env:"OTEL_SERVICE_VERSION"`
	OtelMetricsEnabled  bool             `yaml:"otel_metrics_enabled" env:"OTEL_METRICS_ENABLED"`
	OtelMetricsInterval time.Duration    `yaml:"otel_metrics_interval" env:"OTEL_METRICS_INTERVAL"`
	OtelTracesEnabled   bool             `yaml:"otel_traces_enabled" env:"OTEL_TRACES_ENABLED"`
	OtelTraceSampleRate float64          `yaml:"otel_trace_sample_rate" env:"OTEL_TRACE_SAMPLE_RATE"` // 0.0 to 1.0
	OtelInsecure        bool             `yaml:"otel_insecure" env:"OTEL_INSECURE"`                   // plaintext gRPC to the collector
	OtelTLS             tls.ClientConfig `yaml:"otel_tls" envPrefix:"OTEL_TLS_"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text, json
}

// QueueConfig holds reliable queue settings.
type QueueConfig struct {
	// AckTimeout bounds how long a delivery may stay in-flight before it is
	// recovered. It applies to push rounds and to manual-ack HTTP fetches.
	AckTimeout time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
}

// MemoryConfig configures the in-process transport.
type MemoryConfig struct {
	Protocol string        `yaml:"protocol" env:"PROTOCOL"`
	Delay    time.Duration `yaml:"delay" env:"DELAY"` // simulated send latency
}

// BreakerConfig configures the circuit breaker around provider sends.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
	MaxRequests      uint32        `yaml:"max_requests" env:"MAX_REQUESTS"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:              "mailbox-1",
			HTTPAddr:            ":8080",
			HTTPEnabled:         true,
			WSAddr:              ":8083",
			WSPath:              "/subscribe",
			WSEnabled:           true,
			HealthAddr:          ":8081",
			HealthEnabled:       true,
			ShutdownTimeout:     30 * time.Second,
			MetricsEnabled:      false,
			MetricsAddr:         "localhost:4317",
			OtelServiceName:     "mailbox",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelMetricsInterval: 10 * time.Second,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelInsecure:        true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Queue: QueueConfig{
			AckTimeout: 30 * time.Second,
		},
		Memory: MemoryConfig{
			Protocol: "mem",
		},
		Breaker: BreakerConfig{
			Enabled:          false,
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			MaxRequests:      1,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Webhook:   webhook.DefaultConfig(),
	}
}

// Load reads filename over the defaults, applies MAILBOX_* environment
// overrides and validates the result. A missing or empty filename yields
// the defaults plus environment.
func Load(filename string) (*Config, error) {
	return load(filename, nil)
}

func load(filename string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id cannot be empty")
	}
	if c.Server.HTTPEnabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr required when HTTP is enabled")
	}
	if c.Server.WSEnabled {
		if c.Server.WSAddr == "" {
			return fmt.Errorf("server.ws_addr required when WebSocket is enabled")
		}
		if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
			return fmt.Errorf("server.ws_path must start with '/'")
		}
	}
	if err := validateTLS("server.http_tls", c.Server.HTTPTLS); err != nil {
		return err
	}
	if err := validateTLS("server.ws_tls", c.Server.WSTLS); err != nil {
		return err
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health checks are enabled")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Server.OtelMetricsEnabled && c.Server.OtelMetricsInterval <= 0 {
			return fmt.Errorf("server.otel_metrics_interval must be positive")
		}
		if !c.Server.OtelInsecure && (c.Server.OtelTLS.CertFile == "") != (c.Server.OtelTLS.KeyFile == "") {
			return fmt.Errorf("server.otel_tls requires both cert_file and key_file")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Queue.AckTimeout < 0 {
		return fmt.Errorf("queue.ack_timeout cannot be negative")
	}

	if c.Memory.Protocol == "" {
		return fmt.Errorf("memory.protocol cannot be empty")
	}
	if c.Memory.Delay < 0 {
		return fmt.Errorf("memory.delay cannot be negative")
	}

	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("breaker.failure_threshold must be at least 1")
		}
		if c.Breaker.ResetTimeout <= 0 {
			return fmt.Errorf("breaker.reset_timeout must be positive")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Post.Enabled && (c.RateLimit.Post.Rate <= 0 || c.RateLimit.Post.Burst < 1) {
			return fmt.Errorf("ratelimit.post requires a positive rate and burst")
		}
		if c.RateLimit.Subscribe.Enabled && (c.RateLimit.Subscribe.Rate <= 0 || c.RateLimit.Subscribe.Burst < 1) {
			return fmt.Errorf("ratelimit.subscribe requires a positive rate and burst")
		}
		if c.RateLimit.Connection.Enabled && (c.RateLimit.Connection.Rate <= 0 || c.RateLimit.Connection.Burst < 1) {
			return fmt.Errorf("ratelimit.connection requires a positive rate and burst")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}
		for i, ep := range c.Webhook.Endpoints {
			if ep.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if ep.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
			for _, f := range ep.TopicFilters {
				if err := topics.ValidateFilter(f); err != nil {
					return fmt.Errorf("webhook.endpoints[%d].topic_filters: %w: %q", i, err, f)
				}
			}
		}
	}

	return nil
}

func validateTLS(name string, c tls.Config) error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("%s requires both cert_file and key_file", name)
	}
	if c.ClientCAFile != "" && !c.Enabled() {
		return fmt.Errorf("%s.ca_file requires a server certificate", name)
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
