package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.WSURL == "" {
		return errors.New("server.ws_url is required")
	}
	if !strings.HasPrefix(c.Server.WSURL, "ws://") && !strings.HasPrefix(c.Server.WSURL, "wss://") {
		return fmt.Errorf("server.ws_url must be a ws:// or wss:// URL, got %q", c.Server.WSURL)
	}
	// rest_url is optional: without it, gap resync and hydration are
	// disabled rather than the config rejected.
	if c.Server.RestURL != "" &&
		!strings.HasPrefix(c.Server.RestURL, "http://") && !strings.HasPrefix(c.Server.RestURL, "https://") {
		return fmt.Errorf("server.rest_url must be an http(s) URL, got %q", c.Server.RestURL)
	}

	if c.Connection.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}
	if c.Connection.FrameBufferSize < 1 {
		return errors.New("connection.frame_buffer_size must be >= 1")
	}

	if c.Backoff.BaseDelay <= 0 {
		return errors.New("backoff.base_delay must be > 0")
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return errors.New("backoff.max_delay must be >= backoff.base_delay")
	}
	if c.Backoff.Multiplier <= 1 {
		return errors.New("backoff.multiplier must be > 1")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return fmt.Errorf("backoff.jitter must be in [0, 1), got %v", c.Backoff.Jitter)
	}
	if c.Backoff.MaxAttempts < 1 {
		return errors.New("backoff.max_attempts must be >= 1")
	}

	if c.Resync.Concurrency < 1 {
		return errors.New("resync.concurrency must be >= 1")
	}

	return nil
}
