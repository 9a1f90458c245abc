package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/aerovista/groundlink/transport"
)

// Sender issues control frames upstream. Satisfied by *transport.Conn;
// Send returns transport.ErrNotConnected while the connection is down.
type Sender interface {
	Send(transport.ControlFrame) error
}

// Registry tracks which topics are wanted and by how many local listeners.
// One upstream subscribe stays active per topic while its refcount is
// above zero. Frames that cannot be sent while disconnected are not queued:
// the desired state is replayed wholesale by Flush on reconnect.
type Registry struct {
	logger *slog.Logger
	sender Sender

	mu    sync.Mutex
	refs  map[string]int
	order []string // topics with refcount > 0, in first-registration order
}

// New creates an empty registry sending frames through sender.
func New(sender Sender, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		sender: sender,
		refs:   make(map[string]int),
	}
}

// Acquire increments a topic's refcount and returns the new count. The
// 0→1 transition issues a subscribe frame; re-acquiring a topic whose
// unsubscribe is still in flight simply subscribes again, so desired state
// wins over wire order and UI churn never fully drops the subscription.
func (r *Registry) Acquire(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.refs[topic] + 1
	r.refs[topic] = n
	if n == 1 {
		r.order = append(r.order, topic)
		r.send(transport.ControlFrame{Op: transport.OpSubscribe, Topic: topic})
	}
	return n
}

// Release decrements a topic's refcount and returns the new count. The
// 1→0 transition issues an unsubscribe frame immediately. Releasing an
// unknown topic is a logged no-op.
func (r *Registry) Release(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.refs[topic]
	if !ok {
		r.logger.Warn("release of unknown topic", "topic", topic)
		return 0
	}

	n--
	if n == 0 {
		delete(r.refs, topic)
		for i, t := range r.order {
			if t == topic {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
		r.send(transport.ControlFrame{Op: transport.OpUnsubscribe, Topic: topic})
	} else {
		r.refs[topic] = n
	}
	return n
}

// Refcount returns the current refcount for a topic.
func (r *Registry) Refcount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[topic]
}

// ActiveTopics returns topics with refcount > 0 in registration order.
func (r *Registry) ActiveTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Flush replays subscribe frames for every active topic in registration
// order. The transport calls this from its OnConnect hook so reconnection
// is transparent to subscribers.
func (r *Registry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return
	}

	r.logger.Info("replaying subscriptions", "topics", len(r.order))
	for _, topic := range r.order {
		r.send(transport.ControlFrame{Op: transport.OpSubscribe, Topic: topic})
	}
}

// send issues a frame, treating a disconnected transport as "pending":
// Flush will re-issue the desired state once the connection is back.
// Called with the lock held so the wire order of subscribe/unsubscribe
// frames always matches the order of refcount transitions.
func (r *Registry) send(frame transport.ControlFrame) {
	err := r.sender.Send(frame)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrNotConnected):
		r.logger.Debug("transport down, topic pending",
			"op", frame.Op,
			"topic", frame.Topic,
		)
	default:
		r.logger.Warn("failed to send control frame",
			"op", frame.Op,
			"topic", frame.Topic,
			"error", err,
		)
	}
}
