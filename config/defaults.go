package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestTimeout       = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultPingInterval      = 15 * time.Second
	DefaultPingTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultBufferSize        = 1024
	DefaultFrameBufferSize   = 4096
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultBackoffMax        = 10 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffJitter     = 0.2
	DefaultMaxAttempts       = 20
	DefaultResyncConcurrency = 4
	DefaultResyncTimeout     = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Server.Timeout == 0 {
		c.Server.Timeout = DefaultRestTimeout
	}

	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}
	if c.Connection.FrameBufferSize == 0 {
		c.Connection.FrameBufferSize = DefaultFrameBufferSize
	}

	if c.Backoff.BaseDelay == 0 {
		c.Backoff.BaseDelay = DefaultBackoffBase
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = DefaultBackoffMax
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = DefaultBackoffMultiplier
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = DefaultBackoffJitter
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = DefaultMaxAttempts
	}

	if c.Resync.Concurrency == 0 {
		c.Resync.Concurrency = DefaultResyncConcurrency
	}
	if c.Resync.Timeout == 0 {
		c.Resync.Timeout = DefaultResyncTimeout
	}
}
