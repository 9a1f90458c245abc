package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aerovista/groundlink/store"
)

// UpdateFunc receives a reconciled record snapshot after every applied
// patch for the handle's topic. It runs on the engine's frame goroutine
// and must return promptly.
type UpdateFunc func(store.Record)

// ErrorFunc receives the terminal error when the connection fails for
// good (fatal protocol error or exhausted reconnect attempts).
type ErrorFunc func(error)

// SubscribeOption customizes a handle at creation.
type SubscribeOption func(*Handle)

// WithErrorFunc registers a terminal-error callback on the handle.
func WithErrorFunc(fn ErrorFunc) SubscribeOption {
	return func(h *Handle) {
		h.onError = fn
	}
}

// Handle is one (topic, listener) subscription. Handles are owned
// exclusively by the caller that created them and destroyed exactly once
// via Unsubscribe; two subscribes to the same topic yield two independent
// handles.
type Handle struct {
	id       uuid.UUID
	topic    string
	eng      *Engine
	onUpdate UpdateFunc
	onError  ErrorFunc

	// mu guards closed. Callbacks run outside the lock so they may call
	// Unsubscribe on their own handle.
	mu     sync.Mutex
	closed bool
}

func newHandle(e *Engine, topic string, onUpdate UpdateFunc, opts ...SubscribeOption) *Handle {
	h := &Handle{
		id:       uuid.New(),
		topic:    topic,
		eng:      e,
		onUpdate: onUpdate,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ID returns the handle's unique identity.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Topic returns the topic this handle listens on.
func (h *Handle) Topic() string {
	return h.topic
}

// Unsubscribe detaches the handle. Safe to call more than once, and safe
// to call from within the handle's own callbacks. After it returns no new
// callbacks are dispatched for this handle; a callback already executing
// on the engine's frame goroutine may run to completion.
func (h *Handle) Unsubscribe() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.eng.removeHandle(h)
}

// dispatch invokes the update callback unless the handle is closed. The
// closed check happens before the call and the lock is not held across
// it, so the callback may unsubscribe its own handle.
func (h *Handle) dispatch(rec store.Record) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	h.onUpdate(rec)
}

// fail invokes the terminal-error callback unless the handle is closed.
func (h *Handle) fail(err error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed || h.onError == nil {
		return
	}
	h.onError(err)
}
