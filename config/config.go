// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the fleet command service.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Command   CommandConfig   `yaml:"command"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Health    HealthConfig    `yaml:"health"`
	Otel      OtelConfig      `yaml:"otel"`
	Log       LogConfig       `yaml:"log"`
}

// ServiceConfig identifies this instance.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	InstanceID      string        `yaml:"instance_id"`
	TopicRoot       string        `yaml:"topic_root"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MQTTConfig holds the pub/sub transport connection settings.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // Fixed backoff between connection attempts
	RequeueDelay   time.Duration `yaml:"requeue_delay"`   // Pause after re-enqueueing while disconnected
}

// CacheConfig selects the fast-path cache backend.
type CacheConfig struct {
	Type      string `yaml:"type"` // memory, badger
	BadgerDir string `yaml:"badger_dir"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	Type     string         `yaml:"type"` // memory, dynamodb
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// DynamoDBConfig holds DynamoDB table settings.
type DynamoDBConfig struct {
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"` // Optional, e.g. DynamoDB Local
	CommandsTable  string        `yaml:"commands_table"`
	TelemetryTable string        `yaml:"telemetry_table"`
	VehiclesTable  string        `yaml:"vehicles_table"`
	RulesTable     string        `yaml:"rules_table"`
	ZonesTable     string        `yaml:"zones_table"`
	TelemetryTTL   time.Duration `yaml:"telemetry_ttl"`
}

// RealtimeConfig holds the viewer WebSocket endpoint settings.
type RealtimeConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Path         string        `yaml:"path"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	RateLimit    RateLimit     `yaml:"rate_limit"`
}

// RateLimit throttles viewer connections per IP and subscription changes
// per connection.
type RateLimit struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // Connections per second
	Burst           int           `yaml:"burst"`
	ActionRate      float64       `yaml:"action_rate"` // Subscribe/unsubscribe actions per second
	ActionBurst     int           `yaml:"action_burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CommandConfig holds command lifecycle settings.
type CommandConfig struct {
	DefaultTimeout int           `yaml:"default_timeout"` // Seconds
	MinTimeout     int           `yaml:"min_timeout"`
	MaxTimeout     int           `yaml:"max_timeout"`
	StatusTTLSlack time.Duration `yaml:"status_ttl_slack"` // Added to the command timeout for the cache entry
	OrphanAckTTL   time.Duration `yaml:"orphan_ack_ttl"`
}

// TelemetryConfig holds ingestion settings.
type TelemetryConfig struct {
	SnapshotTTL  time.Duration `yaml:"snapshot_ttl"`
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`
	OnlineTTL    time.Duration `yaml:"online_ttl"`
	OrgCacheSize int           `yaml:"org_cache_size"`
	OrgCacheTTL  time.Duration `yaml:"org_cache_ttl"`
}

// AlertsConfig holds alert monitoring settings.
type AlertsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DefaultCooldown time.Duration `yaml:"default_cooldown"` // Used for geofences and rules without a cooldown
	PublishToBus    bool          `yaml:"publish_to_bus"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // "http"
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // Topic pattern filter (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// KafkaConfig holds the alert export stream settings.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	AlertTopic   string        `yaml:"alert_topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "aerocommand",
			InstanceID:      "aerocommand-1",
			TopicRoot:       "aerocommand",
			ShutdownTimeout: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			BrokerURL:      "tcp://localhost:1883",
			ClientID:       "aerocommand-core",
			QoS:            1,
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
			ReconnectDelay: 5 * time.Second,
			RequeueDelay:   1 * time.Second,
		},
		Cache: CacheConfig{
			Type:      "badger",
			BadgerDir: "/tmp/aerocommand/cache",
			KeyPrefix: "aero:",
		},
		Storage: StorageConfig{
			Type: "memory",
			DynamoDB: DynamoDBConfig{
				Region:         "us-east-1",
				CommandsTable:  "aerocommand-commands",
				TelemetryTable: "aerocommand-telemetry",
				VehiclesTable:  "aerocommand-vehicles",
				RulesTable:     "aerocommand-alert-rules",
				ZonesTable:     "aerocommand-geofences",
				TelemetryTTL:   7 * 24 * time.Hour,
			},
		},
		Realtime: RealtimeConfig{
			Enabled:      true,
			Addr:         ":8083",
			Path:         "/ws",
			SendTimeout:  5 * time.Second,
			PingInterval: 30 * time.Second,
			RateLimit: RateLimit{
				Enabled:         true,
				Rate:            10,
				Burst:           20,
				ActionRate:      5,
				ActionBurst:     10,
				CleanupInterval: time.Minute,
			},
		},
		Command: CommandConfig{
			DefaultTimeout: 30,
			MinTimeout:     5,
			MaxTimeout:     300,
			StatusTTLSlack: 60 * time.Second,
			OrphanAckTTL:   60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			SnapshotTTL:  300 * time.Second,
			HeartbeatTTL: 30 * time.Second,
			OnlineTTL:    60 * time.Second,
			OrgCacheSize: 10000,
			OrgCacheTTL:  10 * time.Minute,
		},
		Alerts: AlertsConfig{
			Enabled:         true,
			DefaultCooldown: 5 * time.Minute,
			PublishToBus:    true,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		Kafka: KafkaConfig{
			Enabled:      false,
			Brokers:      []string{"localhost:9092"},
			AlertTopic:   "aerocommand.alerts",
			BatchTimeout: 50 * time.Millisecond,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8081",
		},
		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "aerocommand",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
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

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"text": true, "json": true}
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Service.TopicRoot == "" {
		return fmt.Errorf("service.topic_root cannot be empty")
	}

	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url cannot be empty")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id cannot be empty")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.MQTT.ReconnectDelay <= 0 {
		return fmt.Errorf("mqtt.reconnect_delay must be positive")
	}
	if c.MQTT.RequeueDelay <= 0 {
		return fmt.Errorf("mqtt.requeue_delay must be positive")
	}

	switch c.Cache.Type {
	case "memory":
	case "badger":
		if c.Cache.BadgerDir == "" {
			return fmt.Errorf("cache.badger_dir required when type is badger")
		}
	default:
		return fmt.Errorf("cache.type must be 'memory' or 'badger'")
	}

	switch c.Storage.Type {
	case "memory":
	case "dynamodb":
		d := c.Storage.DynamoDB
		if d.Region == "" {
			return fmt.Errorf("storage.dynamodb.region required when type is dynamodb")
		}
		if d.CommandsTable == "" || d.TelemetryTable == "" || d.VehiclesTable == "" || d.RulesTable == "" || d.ZonesTable == "" {
			return fmt.Errorf("storage.dynamodb table names cannot be empty")
		}
	default:
		return fmt.Errorf("storage.type must be 'memory' or 'dynamodb'")
	}

	if c.Realtime.Enabled {
		if c.Realtime.Addr == "" {
			return fmt.Errorf("realtime.addr cannot be empty when realtime is enabled")
		}
		if c.Realtime.SendTimeout <= 0 {
			return fmt.Errorf("realtime.send_timeout must be positive")
		}
		if c.Realtime.RateLimit.Enabled && (c.Realtime.RateLimit.Rate <= 0 || c.Realtime.RateLimit.Burst < 1 ||
			c.Realtime.RateLimit.ActionRate <= 0 || c.Realtime.RateLimit.ActionBurst < 1) {
			return fmt.Errorf("realtime.rate_limit rate and burst must be positive")
		}
	}

	cmd := c.Command
	if cmd.MinTimeout < 1 || cmd.MaxTimeout < cmd.MinTimeout {
		return fmt.Errorf("command.min_timeout and command.max_timeout must form a positive range")
	}
	if cmd.DefaultTimeout < cmd.MinTimeout || cmd.DefaultTimeout > cmd.MaxTimeout {
		return fmt.Errorf("command.default_timeout must be between %d and %d", cmd.MinTimeout, cmd.MaxTimeout)
	}

	tel := c.Telemetry
	if tel.SnapshotTTL <= 0 || tel.HeartbeatTTL <= 0 || tel.OnlineTTL <= 0 {
		return fmt.Errorf("telemetry TTLs must be positive")
	}
	if tel.OrgCacheSize < 1 {
		return fmt.Errorf("telemetry.org_cache_size must be at least 1")
	}

	// Webhook validation (only if enabled)
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
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}
		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers required when kafka is enabled")
		}
		if c.Kafka.AlertTopic == "" {
			return fmt.Errorf("kafka.alert_topic required when kafka is enabled")
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr cannot be empty when health is enabled")
	}

	if c.Otel.Enabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when otel is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
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
