package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aerovista/groundlink/backoff"
	"github.com/aerovista/groundlink/transport"
)

// Config is the engine configuration, loaded from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Resync     ResyncConfig     `yaml:"resync"`

	// Hydrate fetches the full record over REST on the first subscribe to
	// a scoped topic, before any push arrives.
	Hydrate bool `yaml:"hydrate"`
}

// ServerConfig locates the push channel and its REST collaborator.
type ServerConfig struct {
	WSURL   string        `yaml:"ws_url"`   // e.g. wss://ops.example.com/realtime
	RestURL string        `yaml:"rest_url"` // e.g. https://ops.example.com/api
	APIKey  string        `yaml:"api_key"`  // bearer token, expanded from env
	Timeout time.Duration `yaml:"timeout"`  // REST request timeout
}

// ConnectionConfig tunes the WebSocket transport.
type ConnectionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
	FrameBufferSize  int           `yaml:"frame_buffer_size"`
}

// BackoffConfig tunes the reconnect delay sequence.
type BackoffConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// ResyncConfig tunes gap-triggered REST resyncs.
type ResyncConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a config with every optional field at its default.
// Server URLs still need to be filled in before use.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// TransportConfig converts to the transport connection configuration.
func (c *Config) TransportConfig() transport.ConnConfig {
	return transport.ConnConfig{
		Client: transport.ClientConfig{
			URL:              c.Server.WSURL,
			APIKey:           c.Server.APIKey,
			HandshakeTimeout: c.Connection.HandshakeTimeout,
			PingInterval:     c.Connection.PingInterval,
			PingTimeout:      c.Connection.PingTimeout,
			WriteTimeout:     c.Connection.WriteTimeout,
			BufferSize:       c.Connection.BufferSize,
		},
		Backoff:         c.BackoffPolicy(),
		FrameBufferSize: c.Connection.FrameBufferSize,
	}
}

// BackoffPolicy converts to the backoff policy.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		BaseDelay:   c.Backoff.BaseDelay,
		MaxDelay:    c.Backoff.MaxDelay,
		Multiplier:  c.Backoff.Multiplier,
		Jitter:      c.Backoff.Jitter,
		MaxAttempts: c.Backoff.MaxAttempts,
	}
}
