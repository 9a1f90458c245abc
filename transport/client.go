package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a single physical WebSocket connection to the push channel.
// It decodes inbound messages into frames as it reads them; the Conn only
// ever sees well-formed frames. A client is single-use: Frames closes when
// the read loop exits, Err reports why, and the Conn dials a fresh client.
type Client interface {
	// Connect establishes the WebSocket connection.
	Connect(ctx context.Context) error

	// Close tears the connection down deliberately.
	Close() error

	// Send marshals and writes a control frame.
	Send(frame ControlFrame) error

	// Frames returns the decoded inbound frame channel. It is closed when
	// the read loop exits; check Err afterwards.
	Frames() <-chan Frame

	// Err returns the reason the read loop exited: nil after a deliberate
	// Close, ErrStaleConnection when the peer went silent, a *FatalError
	// for a server fatal control frame, or the underlying read error.
	Err() error

	// IsConnected returns the current connection state.
	IsConnected() bool
}

// wsClient implements Client over gorilla/websocket. Liveness is enforced
// through the read deadline: every inbound message, ping, or pong pushes
// it forward by PingTimeout, and a deadline hit maps to
// ErrStaleConnection.
type wsClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	frames chan Frame
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
	closed    bool
	err       error
}

// NewClient creates a new WebSocket client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &wsClient{
		cfg:    cfg,
		logger: logger,
		frames: make(chan Frame, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (c *wsClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(c.cfg.WriteTimeout),
		)
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()
	go c.pingLoop()

	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	return nil
}

// Close tears down the connection. The read loop exits with a nil Err.
func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}

	return nil
}

// Send marshals and writes a control frame.
func (c *wsClient) Send(frame ControlFrame) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Frames returns the decoded inbound frame channel.
func (c *wsClient) Frames() <-chan Frame {
	return c.frames
}

// Err returns the reason the read loop exited.
func (c *wsClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsConnected returns the current connection state.
func (c *wsClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// readLoop reads, decodes, and forwards inbound frames until the
// connection drops, the peer goes stale, or a fatal control frame
// arrives.
func (c *wsClient) readLoop() {
	defer close(c.frames)
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// No terminal error after a deliberate Close.
			select {
			case <-c.done:
				return
			default:
			}

			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.logger.Warn("no traffic within ping timeout, connection stale",
					"timeout", c.cfg.PingTimeout,
				)
				err = ErrStaleConnection
			}
			c.setErr(err)
			return
		}
		c.conn.SetReadDeadline(receivedAt.Add(c.cfg.PingTimeout))

		frame, err := DecodeFrame(data, receivedAt)
		if err != nil {
			// A single bad frame must not take down unrelated topics.
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		if ctl := frame.Control; ctl != nil && ctl.Op == OpError && ctl.Fatal {
			c.deliver(frame)
			c.setErr(&FatalError{Code: ctl.Code, Message: ctl.Message})
			return
		}

		c.deliver(frame)
	}
}

// deliver forwards a frame without blocking the read loop.
func (c *wsClient) deliver(frame Frame) {
	select {
	case c.frames <- frame:
	default:
		c.logger.Warn("inbound buffer full, dropping frame")
	}
}

// pingLoop keeps the connection alive; the pong responses push the read
// deadline forward.
func (c *wsClient) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

func (c *wsClient) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}
