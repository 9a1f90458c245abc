package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aerovista/groundlink/model"
	"github.com/aerovista/groundlink/registry"
	"github.com/aerovista/groundlink/rest"
	"github.com/aerovista/groundlink/sequence"
	"github.com/aerovista/groundlink/store"
	"github.com/aerovista/groundlink/transport"
)

// Errors
var (
	ErrStopped     = errors.New("engine stopped")
	ErrNilCallback = errors.New("update callback is required")
	ErrEmptyTopic  = errors.New("topic is required")
)

// Transport is the connection surface the engine drives. Satisfied by
// *transport.Conn; an alternate transport (polling fallback, server-sent
// events) can satisfy the same contract.
type Transport interface {
	OnConnect(func())
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(transport.ControlFrame) error
	Frames() <-chan transport.Frame
	State() transport.State
	Err() error
}

// Fetcher fetches full entity records for gap resync and hydration.
// Satisfied by *rest.Client. A nil fetcher disables both.
type Fetcher interface {
	GetEntity(ctx context.Context, kind, id string) (rest.EntityDoc, error)
}

// Config holds engine behavior knobs. Transport tuning lives in the
// transport's own config.
type Config struct {
	// Hydrate fetches the full record on the first subscribe to a topic
	// naming a single entity, before any push arrives.
	Hydrate bool

	// ResyncConcurrency bounds concurrent gap-resync fetches.
	ResyncConcurrency int

	// ResyncTimeout is the per-fetch deadline.
	ResyncTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ResyncConcurrency: 4,
		ResyncTimeout:     10 * time.Second,
	}
}

// hydratableKinds maps topic kinds whose scope is a single entity id to
// the entity kind fetched for hydration. Feed topics (discovery,
// chat-session) and wildcard scopes are not hydratable.
var hydratableKinds = map[string]string{
	"mission": model.KindMission,
	"drone":   model.KindDrone,
}

// Stats is a snapshot of engine counters.
type Stats struct {
	State          transport.State
	FramesReceived int64
	PatchesApplied int64
	Duplicates     int64
	Stale          int64
	Gaps           int64
	Resyncs        int64
	ActiveTopics   int
	ActiveHandles  int
}

// Engine owns the transport connection, multiplexes topic subscriptions
// over it, and reconciles inbound deltas into the entity store. Construct
// one engine at application start and inject it into UI code; there is no
// package-level instance.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	conn    Transport
	fetcher Fetcher

	topics *registry.Registry
	seq    *sequence.Tracker
	store  *store.Store
	sem    *semaphore.Weighted

	mu        sync.Mutex
	handles   map[string][]*Handle
	refreshes map[string]struct{} // (kind/id) fetches in flight
	pending   []refreshReq        // hydrations queued before Start
	termErr   error
	started   bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	framesReceived atomic.Int64
	patchesApplied atomic.Int64
	duplicates     atomic.Int64
	stale          atomic.Int64
	gaps           atomic.Int64
	resyncs        atomic.Int64
}

// New creates an engine over the given transport. fetcher may be nil, in
// which case gap resync and hydration are disabled.
func New(cfg Config, conn Transport, fetcher Fetcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ResyncConcurrency < 1 {
		cfg.ResyncConcurrency = def.ResyncConcurrency
	}
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = def.ResyncTimeout
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		fetcher:   fetcher,
		topics:    registry.New(conn, logger),
		seq:       sequence.NewTracker(),
		store:     store.New(logger),
		sem:       semaphore.NewWeighted(int64(cfg.ResyncConcurrency)),
		handles:   make(map[string][]*Handle),
		refreshes: make(map[string]struct{}),
	}
}

// Start connects the transport and begins processing frames. Hydrations
// for topics subscribed before Start are fetched once running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrStopped
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	// Replay the desired topic set after every (re)connect.
	e.conn.OnConnect(e.topics.Flush)

	if err := e.conn.Start(e.ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.run()

	for _, req := range queued {
		e.scheduleRefresh(req.topic, req.kind, req.id, "hydrate")
	}

	e.logger.Info("engine started",
		"hydrate", e.cfg.Hydrate,
		"resync_concurrency", e.cfg.ResyncConcurrency,
	)
	return nil
}

// Stop tears the engine down deliberately. Active handles receive no
// error; callers simply stop getting updates.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.conn.Stop(ctx)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
	case <-ctx.Done():
		e.logger.Warn("engine stop timed out")
	}
	return nil
}

// Subscribe registers a listener for one topic and returns its handle.
// Subscribing twice to the same topic creates two independent handles;
// each must be unsubscribed separately. The first handle for a topic
// issues the upstream subscribe frame (or marks the topic pending while
// disconnected).
func (e *Engine) Subscribe(topic string, onUpdate UpdateFunc, opts ...SubscribeOption) (*Handle, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if onUpdate == nil {
		return nil, ErrNilCallback
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	if e.termErr != nil {
		err := e.termErr
		e.mu.Unlock()
		return nil, err
	}

	h := newHandle(e, topic, onUpdate, opts...)
	e.handles[topic] = append(e.handles[topic], h)
	e.mu.Unlock()

	first := e.topics.Acquire(topic) == 1

	if first && e.cfg.Hydrate && e.fetcher != nil {
		kind, scope := model.SplitTopic(topic)
		if entityKind, ok := hydratableKinds[kind]; ok && scope != "" && scope != model.ScopeAll {
			e.hydrate(topic, entityKind, scope)
		}
	}

	return h, nil
}

// hydrate fetches an entity's full record, or queues the fetch until
// Start when the engine is not yet running.
func (e *Engine) hydrate(topic, kind, id string) {
	e.mu.Lock()
	if !e.started {
		e.pending = append(e.pending, refreshReq{topic: topic, kind: kind, id: id})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.scheduleRefresh(topic, kind, id, "hydrate")
}

// Snapshot returns the reconciled record for one entity.
func (e *Engine) Snapshot(kind, id string) (store.Record, bool) {
	return e.store.Snapshot(kind, id)
}

// SnapshotKind returns the reconciled records of one entity kind.
func (e *Engine) SnapshotKind(kind string) []store.Record {
	return e.store.SnapshotKind(kind)
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	topics := len(e.handles)
	handleCount := 0
	for _, list := range e.handles {
		handleCount += len(list)
	}
	e.mu.Unlock()

	return Stats{
		State:          e.conn.State(),
		FramesReceived: e.framesReceived.Load(),
		PatchesApplied: e.patchesApplied.Load(),
		Duplicates:     e.duplicates.Load(),
		Stale:          e.stale.Load(),
		Gaps:           e.gaps.Load(),
		Resyncs:        e.resyncs.Load(),
		ActiveTopics:   topics,
		ActiveHandles:  handleCount,
	}
}

// run consumes transport frames until the connection terminates.
func (e *Engine) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return

		case frame, ok := <-e.conn.Frames():
			if !ok {
				// Terminal: fatal protocol error or exhausted retries.
				if err := e.conn.Err(); err != nil {
					e.fail(err)
				}
				return
			}
			e.handleFrame(frame)
		}
	}
}

// handleFrame processes one decoded inbound frame.
func (e *Engine) handleFrame(frame transport.Frame) {
	if ctl := frame.Control; ctl != nil {
		if ctl.Op == transport.OpError {
			// Fatal errors surface via conn.Err when the frame channel
			// closes; non-fatal notices are log-only.
			e.logger.Warn("server error notice",
				"code", ctl.Code,
				"message", ctl.Message,
				"fatal", ctl.Fatal,
			)
		}
		return
	}

	env := frame.Envelope
	e.framesReceived.Add(1)

	verdict, missed := e.seq.Admit(env.EntityKind, env.EntityID, env.Version)
	switch verdict {
	case sequence.Duplicate:
		e.duplicates.Add(1)
		e.logger.Debug("dropping duplicate envelope",
			"kind", env.EntityKind,
			"id", env.EntityID,
			"version", env.Version,
		)
		return

	case sequence.Stale:
		e.stale.Add(1)
		e.logger.Debug("dropping stale envelope",
			"kind", env.EntityKind,
			"id", env.EntityID,
			"version", env.Version,
		)
		return

	case sequence.Gap:
		e.gaps.Add(1)
		e.logger.Warn("sequence gap detected",
			"kind", env.EntityKind,
			"id", env.EntityID,
			"version", env.Version,
			"missed", missed,
		)
		if e.fetcher != nil {
			e.scheduleRefresh(env.Topic, env.EntityKind, env.EntityID, "gap")
		}
	}

	rec, applied := e.store.ApplyPatch(env.EntityKind, env.EntityID, env.Version, env.TS, env.Payload)
	if !applied {
		return
	}
	e.patchesApplied.Add(1)

	e.dispatch(env.Topic, rec)
}

// dispatch notifies every handle registered for the envelope's topic, in
// registration order. Topic matching is exact string equality; the engine
// never interprets wildcard scopes.
func (e *Engine) dispatch(topic string, rec store.Record) {
	e.mu.Lock()
	list := e.handles[topic]
	targets := make([]*Handle, len(list))
	copy(targets, list)
	e.mu.Unlock()

	for _, h := range targets {
		h.dispatch(rec)
	}
}

// refreshReq identifies one entity whose full record should be fetched.
type refreshReq struct {
	topic string
	kind  string
	id    string
}

// scheduleRefresh fetches the full record for an entity over REST and
// installs it as an authoritative replacement. At most one fetch per
// entity is in flight; per-entity anomalies never propagate as errors.
// Only called after Start, so e.ctx is set.
func (e *Engine) scheduleRefresh(topic, kind, id, reason string) {
	key := kind + "/" + id

	e.mu.Lock()
	if _, inflight := e.refreshes[key]; inflight {
		e.mu.Unlock()
		return
	}
	e.refreshes[key] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.refreshes, key)
			e.mu.Unlock()
		}()

		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ResyncTimeout)
		defer cancel()

		doc, err := e.fetcher.GetEntity(ctx, kind, id)
		if err != nil {
			e.logger.Warn("entity refresh failed",
				"reason", reason,
				"kind", kind,
				"id", id,
				"error", err,
			)
			return
		}

		e.seq.Observe(kind, id, doc.Version)
		rec, ok := e.store.Replace(kind, id, doc.Version, doc.UpdatedAt, doc.Data)
		if !ok {
			return
		}
		e.resyncs.Add(1)

		e.logger.Debug("entity refreshed",
			"reason", reason,
			"kind", kind,
			"id", id,
			"version", doc.Version,
		)
		e.dispatch(topic, rec)
	}()
}

// fail records a terminal error and surfaces it to every active handle.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.termErr != nil {
		e.mu.Unlock()
		return
	}
	e.termErr = err
	var all []*Handle
	for _, list := range e.handles {
		all = append(all, list...)
	}
	e.mu.Unlock()

	e.logger.Error("terminal connection error", "error", err)

	for _, h := range all {
		h.fail(err)
	}
}

// removeHandle detaches a closed handle and releases its topic reference.
func (e *Engine) removeHandle(h *Handle) {
	e.mu.Lock()
	list := e.handles[h.topic]
	for i, x := range list {
		if x == h {
			e.handles[h.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(e.handles[h.topic]) == 0 {
		delete(e.handles, h.topic)
	}
	e.mu.Unlock()

	e.topics.Release(h.topic)
}
