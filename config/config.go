// Package config loads the engine configuration from a YAML file. The file
// path comes from the COURIER_CONFIG environment variable or the --config
// flag; there is no automatic discovery.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration.
type Config struct {
	// StorePath is the bbolt database file holding all engine state.
	StorePath string `yaml:"store_path"`

	// LogLevel is a logrus level name (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// HTTP configures the server protocol client.
	HTTP HTTPConfig `yaml:"http"`

	// Push configures the websocket push transport.
	Push PushConfig `yaml:"push"`

	// ActiveOnStart sets the always-reconnect flag at startup.
	ActiveOnStart bool `yaml:"active_on_start"`
}

// HTTPConfig configures the server protocol client.
type HTTPConfig struct {
	// TimeoutSeconds bounds every server call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// PushConfig configures the websocket push transport.
type PushConfig struct {
	// PingIntervalSeconds is the liveness ping period.
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`

	// PongTimeoutSeconds bounds the wait for a pong beyond the interval.
	PongTimeoutSeconds int `yaml:"pong_timeout_seconds"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		StorePath: "courier.db",
		LogLevel:  "info",
		HTTP:      HTTPConfig{TimeoutSeconds: 30},
		Push: PushConfig{
			PingIntervalSeconds: 20,
			PongTimeoutSeconds:  10,
		},
		ActiveOnStart: true,
	}
}

// Load reads a config file and fills unset fields with defaults. An empty
// path falls back to the COURIER_CONFIG environment variable, and to pure
// defaults when that is unset too.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("COURIER_CONFIG")
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("config: store_path must not be empty")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: http timeout must be positive")
	}
	if c.Push.PingIntervalSeconds <= 0 || c.Push.PongTimeoutSeconds <= 0 {
		return fmt.Errorf("config: push intervals must be positive")
	}
	return nil
}

// HTTPTimeout returns the protocol client timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// PingInterval returns the push liveness ping period.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Push.PingIntervalSeconds) * time.Second
}

// PongTimeout returns the push pong wait bound.
func (c *Config) PongTimeout() time.Duration {
	return time.Duration(c.Push.PongTimeoutSeconds) * time.Second
}
