// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the fleet agent.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Exchange     ExchangeConfig     `yaml:"exchange"`
	Registration RegistrationConfig `yaml:"registration"`
	Ping         PingConfig         `yaml:"ping"`
	Plugins      PluginConfig       `yaml:"plugins"`
	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
	Health       HealthConfig       `yaml:"health"`
	Otel         OtelConfig         `yaml:"otel"`
}

// ServerConfig holds management-server connection settings.
type ServerConfig struct {
	URL       string `yaml:"url"`
	Transport string `yaml:"transport"` // http, websocket, mqtt

	Timeout time.Duration `yaml:"timeout"`

	// Circuit breaker on the exchange endpoint.
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`

	// MQTT transport settings, used when transport is "mqtt".
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTClientID string `yaml:"mqtt_client_id"`
}

// ExchangeConfig holds exchange cadence settings.
type ExchangeConfig struct {
	Interval       time.Duration `yaml:"interval"`
	UrgentInterval time.Duration `yaml:"urgent_interval"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	MaxBatch       int           `yaml:"max_batch"`
	Heartbeat      bool          `yaml:"heartbeat"`
}

// RegistrationConfig identifies the agent to the server.
type RegistrationConfig struct {
	ComputerTitle string `yaml:"computer_title"`
	AccountName   string `yaml:"account_name"`
}

// PingConfig holds lightweight ping polling settings.
type PingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PluginConfig holds telemetry plugin settings.
type PluginConfig struct {
	Interval time.Duration `yaml:"interval"`

	CephUsage bool `yaml:"ceph_usage"`
	UbuntuPro bool `yaml:"ubuntu_pro"`
	Shutdown  bool `yaml:"shutdown"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds persisted-state backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // file, badger

	// File backend: snapshot path.
	File string `yaml:"file"`

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// HealthConfig holds the local health endpoint configuration.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// OtelConfig holds OpenTelemetry metrics configuration.
type OtelConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:              "https://fleet.example.com/message-system",
			Transport:        "http",
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
		Exchange: ExchangeConfig{
			Interval:       15 * time.Minute,
			UrgentInterval: 1 * time.Minute,
			BackoffBase:    1 * time.Minute,
			BackoffCap:     1 * time.Hour,
			MaxBatch:       100,
			Heartbeat:      true,
		},
		Ping: PingConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
		Plugins: PluginConfig{
			Interval:  5 * time.Minute,
			CephUsage: false,
			UbuntuPro: true,
			Shutdown:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "file",
			File:      "/var/lib/fleetagent/state.json",
			BadgerDir: "/var/lib/fleetagent/data",
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8081",
		},
		Otel: OtelConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			ServiceName:    "fleet-agent",
			ServiceVersion: "1.0.0",
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
	if c.Server.URL == "" {
		return fmt.Errorf("server.url cannot be empty")
	}

	validTransports := map[string]bool{"http": true, "websocket": true, "mqtt": true}
	if !validTransports[c.Server.Transport] {
		return fmt.Errorf("server.transport must be one of: http, websocket, mqtt")
	}
	if c.Server.Transport == "mqtt" && c.Server.MQTTBroker == "" {
		return fmt.Errorf("server.mqtt_broker required when transport is mqtt")
	}
	if c.Server.Timeout < time.Second {
		return fmt.Errorf("server.timeout must be at least 1 second")
	}
	if c.Server.FailureThreshold < 1 {
		return fmt.Errorf("server.failure_threshold must be at least 1")
	}

	if c.Exchange.Interval < time.Second {
		return fmt.Errorf("exchange.interval must be at least 1 second")
	}
	if c.Exchange.UrgentInterval < time.Second {
		return fmt.Errorf("exchange.urgent_interval must be at least 1 second")
	}
	if c.Exchange.UrgentInterval > c.Exchange.Interval {
		return fmt.Errorf("exchange.urgent_interval cannot exceed exchange.interval")
	}
	if c.Exchange.BackoffBase < time.Second {
		return fmt.Errorf("exchange.backoff_base must be at least 1 second")
	}
	if c.Exchange.BackoffCap < c.Exchange.BackoffBase {
		return fmt.Errorf("exchange.backoff_cap cannot be below exchange.backoff_base")
	}
	if c.Exchange.MaxBatch < 1 {
		return fmt.Errorf("exchange.max_batch must be at least 1")
	}

	if c.Registration.AccountName == "" {
		return fmt.Errorf("registration.account_name cannot be empty")
	}

	if c.Ping.Enabled {
		if c.Ping.Interval < time.Second {
			return fmt.Errorf("ping.interval must be at least 1 second")
		}
	}

	if c.Plugins.Interval < time.Second {
		return fmt.Errorf("plugins.interval must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"file": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: file, badger")
	}
	if c.Storage.Type == "file" && c.Storage.File == "" {
		return fmt.Errorf("storage.file required when type is file")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health endpoint is enabled")
	}

	if c.Otel.Enabled {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when otel is enabled")
		}
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when otel is enabled")
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
