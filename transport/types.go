package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aerovista/groundlink/backoff"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// FatalError is a server-sent fatal control message. The connection stops
// retrying when one arrives; callers must re-subscribe after resolving the
// condition out of band.
type FatalError struct {
	Code    string
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal protocol error %s: %s", e.Code, e.Message)
}

// State is the process-wide connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Control ops on the wire.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpError       = "error"
)

// ControlFrame is an outbound subscribe/unsubscribe command or an inbound
// server error notice.
type ControlFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`

	// Inbound error fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// Envelope is one inbound entity delta. Envelopes are immutable once
// received.
type Envelope struct {
	Topic      string         `json:"topic"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Version    int64          `json:"version"`
	Payload    map[string]any `json:"payload"`
	TS         time.Time      `json:"ts"`

	ReceivedAt time.Time `json:"-"`
}

// Frame is one decoded inbound message: either a data envelope or a
// control frame, never both.
type Frame struct {
	Envelope *Envelope
	Control  *ControlFrame
}

// framePeek is used to distinguish control frames from envelopes without a
// full parse.
type framePeek struct {
	Op string `json:"op"`
}

// DecodeFrame parses a raw inbound message. A malformed frame returns an
// error and must be dropped by the caller; it never takes the connection
// down.
func DecodeFrame(data []byte, receivedAt time.Time) (Frame, error) {
	var peek framePeek
	if err := json.Unmarshal(data, &peek); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	if peek.Op != "" {
		var ctl ControlFrame
		if err := json.Unmarshal(data, &ctl); err != nil {
			return Frame{}, fmt.Errorf("decode control frame: %w", err)
		}
		return Frame{Control: &ctl}, nil
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Topic == "" || env.EntityKind == "" || env.EntityID == "" {
		return Frame{}, errors.New("envelope missing topic, entity_kind or entity_id")
	}
	env.ReceivedAt = receivedAt

	return Frame{Envelope: &env}, nil
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL              string        // push channel URL (e.g. wss://ops.example.com/realtime)
	APIKey           string        // bearer token, empty for no auth
	HandshakeTimeout time.Duration // dial timeout; a slow handshake counts as a connect failure
	PingInterval     time.Duration // outbound keepalive interval
	PingTimeout      time.Duration // max inbound silence before the connection is considered stale
	WriteTimeout     time.Duration // write deadline for sends
	BufferSize       int           // inbound frame channel buffer
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}

// ConnConfig configures the reconnecting connection.
type ConnConfig struct {
	Client  ClientConfig
	Backoff backoff.Policy

	// FrameBufferSize is the decoded frame channel buffer.
	FrameBufferSize int
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		Client:          DefaultClientConfig(),
		Backoff:         backoff.DefaultPolicy(),
		FrameBufferSize: 4096,
	}
}
