// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Service.TopicRoot != "aerocommand" {
		t.Errorf("expected default topic root aerocommand, got %s", cfg.Service.TopicRoot)
	}
	if cfg.MQTT.ReconnectDelay != 5*time.Second {
		t.Errorf("expected reconnect delay 5s, got %v", cfg.MQTT.ReconnectDelay)
	}
	if cfg.Command.DefaultTimeout != 30 {
		t.Errorf("expected default command timeout 30, got %d", cfg.Command.DefaultTimeout)
	}
	if cfg.Telemetry.HeartbeatTTL != 30*time.Second || cfg.Telemetry.OnlineTTL != 60*time.Second {
		t.Errorf("unexpected liveness TTLs %v/%v", cfg.Telemetry.HeartbeatTTL, cfg.Telemetry.OnlineTTL)
	}
	if cfg.Telemetry.SnapshotTTL != 300*time.Second {
		t.Errorf("expected snapshot ttl 300s, got %v", cfg.Telemetry.SnapshotTTL)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty topic root",
			modify:  func(c *Config) { c.Service.TopicRoot = "" },
			wantErr: true,
		},
		{
			name:    "empty broker url",
			modify:  func(c *Config) { c.MQTT.BrokerURL = "" },
			wantErr: true,
		},
		{
			name:    "invalid qos",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "unknown cache type",
			modify:  func(c *Config) { c.Cache.Type = "redis" },
			wantErr: true,
		},
		{
			name: "badger cache without dir",
			modify: func(c *Config) {
				c.Cache.Type = "badger"
				c.Cache.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name:    "memory cache",
			modify:  func(c *Config) { c.Cache.Type = "memory" },
			wantErr: false,
		},
		{
			name: "dynamodb storage without region",
			modify: func(c *Config) {
				c.Storage.Type = "dynamodb"
				c.Storage.DynamoDB.Region = ""
			},
			wantErr: true,
		},
		{
			name:    "default timeout above max",
			modify:  func(c *Config) { c.Command.DefaultTimeout = 301 },
			wantErr: true,
		},
		{
			name:    "zero heartbeat ttl",
			modify:  func(c *Config) { c.Telemetry.HeartbeatTTL = 0 },
			wantErr: true,
		},
		{
			name: "webhook endpoint without url",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "ops", Type: "http"}}
			},
			wantErr: true,
		},
		{
			name: "kafka without brokers",
			modify: func(c *Config) {
				c.Kafka.Enabled = true
				c.Kafka.Brokers = nil
			},
			wantErr: true,
		},
		{
			name: "otel sample rate out of range",
			modify: func(c *Config) {
				c.Otel.Enabled = true
				c.Otel.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MQTT.BrokerURL != Default().MQTT.BrokerURL {
		t.Errorf("expected defaults for missing file")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
service:
  topic_root: fleet
mqtt:
  broker_url: tcp://broker:1883
  reconnect_delay: 2s
cache:
  type: memory
command:
  default_timeout: 60
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.TopicRoot != "fleet" {
		t.Errorf("topic_root = %s", cfg.Service.TopicRoot)
	}
	if cfg.MQTT.ReconnectDelay != 2*time.Second {
		t.Errorf("reconnect_delay = %v", cfg.MQTT.ReconnectDelay)
	}
	if cfg.Command.DefaultTimeout != 60 {
		t.Errorf("default_timeout = %d", cfg.Command.DefaultTimeout)
	}
	// Untouched sections keep defaults.
	if cfg.Telemetry.OnlineTTL != 60*time.Second {
		t.Errorf("online_ttl = %v", cfg.Telemetry.OnlineTTL)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = []string{"k1:9092", "k2:9092"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Kafka.Brokers) != 2 || !loaded.Kafka.Enabled {
		t.Errorf("kafka section not preserved: %+v", loaded.Kafka)
	}
}
