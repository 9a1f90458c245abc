package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aerovista/groundlink/backoff"
)

// Conn is the engine's single transport connection. It owns one Client at
// a time and reconnects with backoff after unexpected closures. A
// deliberate Stop never triggers a reconnect.
//
// On every successful (re)connection the OnConnect hook fires before any
// frames are delivered; the topic registry uses it to replay subscribe
// frames so reconnection is transparent to callers.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	// newClient is replaceable in tests.
	newClient func(ClientConfig, *slog.Logger) Client

	backoff *backoff.Controller
	frames  chan Frame

	onConnect func()
	onState   func(State, int)

	mu      sync.RWMutex
	client  Client
	state   State
	attempt int
	termErr error
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConn creates a new transport connection.
func NewConn(cfg ConnConfig, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameBufferSize < 1 {
		cfg.FrameBufferSize = DefaultConnConfig().FrameBufferSize
	}

	return &Conn{
		cfg:       cfg,
		logger:    logger,
		newClient: NewClient,
		backoff:   backoff.NewController(cfg.Backoff),
		frames:    make(chan Frame, cfg.FrameBufferSize),
		state:     StateDisconnected,
	}
}

// OnConnect registers the replay hook. Must be called before Start.
func (c *Conn) OnConnect(fn func()) {
	c.onConnect = fn
}

// OnStateChange registers a state observer called with the new state and
// the current attempt counter. Must be called before Start.
func (c *Conn) OnStateChange(fn func(State, int)) {
	c.onState = fn
}

// Start launches the connect/reconnect loop. The first connection is
// attempted immediately in the background; frames flow once it succeeds.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.started = true
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run()

	return nil
}

// Stop deliberately tears the connection down. No reconnect follows.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	client := c.client
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if client != nil {
		client.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("transport stop timed out")
	}

	c.setState(StateDisconnected)
	return nil
}

// Send writes a control frame. Returns ErrNotConnected while the
// connection is down; the registry treats that as "pending".
func (c *Conn) Send(frame ControlFrame) error {
	c.mu.RLock()
	client := c.client
	state := c.state
	c.mu.RUnlock()

	if state != StateConnected || client == nil {
		return ErrNotConnected
	}
	return client.Send(frame)
}

// Frames returns the decoded inbound frame channel. It is closed when the
// connection terminates for good (deliberate stop, fatal error, or
// exhausted retries); check Err afterwards.
func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the terminal error, if any, once Frames is closed.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.termErr
}

// run is the connect/reconnect loop.
func (c *Conn) run() {
	defer c.wg.Done()
	defer close(c.frames)

	first := true
	for {
		if first {
			c.setState(StateConnecting)
			first = false
		} else {
			c.setState(StateReconnecting)
		}

		client, ok := c.dial()
		if !ok {
			return
		}

		c.backoff.Reset()
		c.setState(StateConnected)
		c.logger.Info("connected", "url", c.cfg.Client.URL)

		if c.onConnect != nil {
			c.onConnect()
		}

		reconnect := c.pump(client)
		client.Close()

		c.mu.Lock()
		c.client = nil
		c.mu.Unlock()

		if !reconnect {
			return
		}
	}
}

// dial attempts connections until one succeeds, applying backoff between
// failures. Returns false when the context is done or attempts are
// exhausted.
func (c *Conn) dial() (Client, bool) {
	for {
		select {
		case <-c.ctx.Done():
			return nil, false
		default:
		}

		client := c.newClient(c.cfg.Client, c.logger)
		err := client.Connect(c.ctx)
		if err == nil {
			c.mu.Lock()
			c.client = client
			c.mu.Unlock()
			return client, true
		}
		client.Close()

		delay, retry := c.backoff.Next()
		c.mu.Lock()
		c.attempt = c.backoff.Attempt()
		c.mu.Unlock()

		if !retry {
			c.logger.Error("giving up after exhausting reconnect attempts",
				"attempts", c.backoff.Attempt()-1,
				"error", err,
			)
			c.setTerminal(ErrRetriesExhausted)
			return nil, false
		}

		c.logger.Warn("connect failed, retrying",
			"attempt", c.backoff.Attempt(),
			"delay", delay,
			"error", err,
		)

		select {
		case <-c.ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
	}
}

// pump forwards the client's decoded frames until its read loop exits.
// Returns true if a reconnect should follow.
func (c *Conn) pump(client Client) bool {
	for {
		select {
		case <-c.ctx.Done():
			return false

		case frame, ok := <-client.Frames():
			if !ok {
				err := client.Err()
				var fatal *FatalError
				if errors.As(err, &fatal) {
					c.logger.Error("fatal protocol error",
						"code", fatal.Code,
						"message", fatal.Message,
					)
					c.setTerminal(fatal)
					return false
				}
				if err != nil {
					c.logger.Warn("connection dropped", "error", err)
				}
				return true
			}

			if !c.deliver(frame) {
				return false
			}
		}
	}
}

// deliver forwards a frame to the consumer. Returns false if the context
// ended before delivery.
func (c *Conn) deliver(frame Frame) bool {
	select {
	case c.frames <- frame:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	attempt := c.attempt
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(s, attempt)
	}
}

func (c *Conn) setTerminal(err error) {
	c.mu.Lock()
	if c.termErr == nil {
		c.termErr = err
	}
	c.mu.Unlock()
}
