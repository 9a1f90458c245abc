package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aerovista/groundlink/model"
	"github.com/aerovista/groundlink/rest"
	"github.com/aerovista/groundlink/store"
	"github.com/aerovista/groundlink/transport"
)

// fakeTransport is an in-memory Transport for engine tests.
type fakeTransport struct {
	mu        sync.Mutex
	frames    chan transport.Frame
	sent      []transport.ControlFrame
	connected bool
	closed    bool
	onConnect func()
	err       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan transport.Frame, 64),
	}
}

func (f *fakeTransport) OnConnect(fn func()) { f.onConnect = fn }

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.onConnect != nil {
		f.onConnect()
	}
	return nil
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

func (f *fakeTransport) Send(frame transport.ControlFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Frames() <-chan transport.Frame { return f.frames }

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return transport.StateConnected
	}
	return transport.StateDisconnected
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// fail simulates a terminal connection failure.
func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.connected = false
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
}

// reconnect simulates a drop followed by a successful reconnect.
func (f *fakeTransport) reconnect() {
	f.mu.Lock()
	f.sent = nil
	f.connected = true
	f.mu.Unlock()
	if f.onConnect != nil {
		f.onConnect()
	}
}

func (f *fakeTransport) sentFrames() []transport.ControlFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.ControlFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) push(env transport.Envelope) {
	env.ReceivedAt = time.Now()
	f.frames <- transport.Frame{Envelope: &env}
}

// fakeFetcher is an in-memory Fetcher.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	docs  map[string]rest.EntityDoc
}

func (f *fakeFetcher) GetEntity(ctx context.Context, kind, id string) (rest.EntityDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := kind + "/" + id
	f.calls = append(f.calls, key)
	doc, ok := f.docs[key]
	if !ok {
		return rest.EntityDoc{}, &rest.APIError{StatusCode: 404, Message: "not found"}
	}
	return doc, nil
}

func (f *fakeFetcher) callCount(kind, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == kind+"/"+id {
			n++
		}
	}
	return n
}

// recorder collects update callbacks.
type recorder struct {
	mu   sync.Mutex
	recs []store.Record
}

func (r *recorder) update(rec store.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

func (r *recorder) last() (store.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.recs) == 0 {
		return store.Record{}, false
	}
	return r.recs[len(r.recs)-1], true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startEngine(t *testing.T, cfg Config, conn *fakeTransport, fetcher Fetcher) *Engine {
	t.Helper()
	e := New(cfg, conn, fetcher, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func missionEnvelope(id string, version int64, payload map[string]any) transport.Envelope {
	return transport.Envelope{
		Topic:      model.MissionTopic(id),
		EntityKind: model.KindMission,
		EntityID:   id,
		Version:    version,
		Payload:    payload,
		TS:         time.Now(),
	}
}

func TestSubscribe_RefcountCorrectness(t *testing.T) {
	conn := newFakeTransport()
	e := startEngine(t, Config{}, conn, nil)

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := e.Subscribe(model.MissionTopic("42"), func(store.Record) {})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Unsubscribe()
	}

	frames := conn.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2 (one subscribe, one unsubscribe)", len(frames))
	}
	if frames[0].Op != transport.OpSubscribe || frames[1].Op != transport.OpUnsubscribe {
		t.Errorf("frames = %+v", frames)
	}
}

func TestScenario_MergeDuplicateGapResync(t *testing.T) {
	conn := newFakeTransport()
	fetcher := &fakeFetcher{docs: map[string]rest.EntityDoc{
		"mission/42": {
			ID: "42", Kind: model.KindMission, Version: 5,
			Data: map[string]any{"status": "active", "progress": 80, "eta": "4m"},
		},
	}}
	e := startEngine(t, Config{}, conn, fetcher)

	rec := &recorder{}
	if _, err := e.Subscribe(model.MissionTopic("42"), rec.update); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// v1 then v2 merge.
	conn.push(missionEnvelope("42", 1, map[string]any{"status": "planning"}))
	conn.push(missionEnvelope("42", 2, map[string]any{"status": "active", "progress": 10}))
	waitFor(t, "two updates", func() bool { return rec.count() == 2 })

	snap, ok := e.Snapshot(model.KindMission, "42")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Data["status"] != "active" || snap.Data["progress"] != 10 {
		t.Errorf("snapshot = %v, want merged v2 state", snap.Data)
	}

	// Replayed v1: snapshot unchanged, no callback.
	conn.push(missionEnvelope("42", 1, map[string]any{"status": "planning"}))
	waitFor(t, "replayed v1 dropped", func() bool { return e.Stats().Stale == 1 })
	if rec.count() != 2 {
		t.Errorf("updates after duplicate = %d, want 2", rec.count())
	}

	// v5 (gap from 2): applied immediately, one resync scheduled.
	conn.push(missionEnvelope("42", 5, map[string]any{"progress": 60}))
	waitFor(t, "gap applied", func() bool { return rec.count() >= 3 })

	snap, _ = e.Snapshot(model.KindMission, "42")
	if snap.Version < 5 || snap.Data["progress"] == 10 {
		t.Errorf("gap envelope not applied: %+v", snap)
	}

	waitFor(t, "resync", func() bool { return e.Stats().Resyncs == 1 })
	if got := fetcher.callCount(model.KindMission, "42"); got != 1 {
		t.Errorf("resync fetches = %d, want exactly 1", got)
	}

	// The resynced full record replaces the gapped state.
	waitFor(t, "resynced snapshot", func() bool {
		s, _ := e.Snapshot(model.KindMission, "42")
		return s.Data["eta"] == "4m"
	})
}

func TestEnvelope_OutOfOrderOldVersionDropped(t *testing.T) {
	conn := newFakeTransport()
	e := startEngine(t, Config{}, conn, nil)

	rec := &recorder{}
	e.Subscribe(model.MissionTopic("7"), rec.update)

	conn.push(missionEnvelope("7", 5, map[string]any{"status": "active", "progress": 50}))
	conn.push(missionEnvelope("7", 3, map[string]any{"status": "planning"}))
	waitFor(t, "stale counted", func() bool { return e.Stats().Stale == 1 })

	snap, _ := e.Snapshot(model.KindMission, "7")
	if snap.Version != 5 || snap.Data["status"] != "active" {
		t.Errorf("state regressed: %+v", snap)
	}
	if rec.count() != 1 {
		t.Errorf("updates = %d, want 1", rec.count())
	}
}

func TestDispatch_TwoIndependentHandles(t *testing.T) {
	conn := newFakeTransport()
	e := startEngine(t, Config{}, conn, nil)

	a, b := &recorder{}, &recorder{}
	ha, _ := e.Subscribe(model.DroneTopic("d1"), a.update)
	_, err := e.Subscribe(model.DroneTopic("d1"), b.update)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn.push(transport.Envelope{
		Topic:      model.DroneTopic("d1"),
		EntityKind: model.KindDrone,
		EntityID:   "d1",
		Version:    1,
		Payload:    map[string]any{"battery": 90},
	})
	waitFor(t, "both handles", func() bool { return a.count() == 1 && b.count() == 1 })

	ha.Unsubscribe()

	conn.push(transport.Envelope{
		Topic:      model.DroneTopic("d1"),
		EntityKind: model.KindDrone,
		EntityID:   "d1",
		Version:    2,
		Payload:    map[string]any{"battery": 85},
	})
	waitFor(t, "second handle only", func() bool { return b.count() == 2 })

	if a.count() != 1 {
		t.Errorf("unsubscribed handle got %d updates, want 1", a.count())
	}

	// One upstream subscription still live, so no unsubscribe frame yet.
	for _, f := range conn.sentFrames() {
		if f.Op == transport.OpUnsubscribe {
			t.Error("unsubscribe frame sent while a handle is still active")
		}
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	conn := newFakeTransport()
	e := startEngine(t, Config{}, conn, nil)

	h, _ := e.Subscribe(model.MissionTopic("42"), func(store.Record) {})
	h.Unsubscribe()
	h.Unsubscribe() // no-op

	unsubs := 0
	for _, f := range conn.sentFrames() {
		if f.Op == transport.OpUnsubscribe {
			unsubs++
		}
	}
	if unsubs != 1 {
		t.Errorf("unsubscribe frames = %d, want 1", unsubs)
	}
}

func TestReconnect_ReplaysTopicsInOrder(t *testing.T) {
	conn := newFakeTransport()
	e := startEngine(t, Config{}, conn, nil)

	topics := []string{
		model.MissionTopic("42"),
		model.AllDronesTopic,
		model.ChatSessionTopic("7"),
	}
	for _, topic := range topics {
		if _, err := e.Subscribe(topic, func(store.Record) {}); err != nil {
			t.Fatalf("Subscribe(%s): %v", topic, err)
		}
	}

	// Forced drop and reconnect: exactly the 3 active topics replay, in
	// original subscription order.
	conn.reconnect()

	frames := conn.sentFrames()
	if len(frames) != len(topics) {
		t.Fatalf("replayed frames = %d, want %d", len(frames), len(topics))
	}
	for i, topic := range topics {
		if frames[i].Op != transport.OpSubscribe || frames[i].Topic != topic {
			t.Errorf("replay[%d] = %+v, want subscribe %s", i, frames[i], topic)
		}
	}

	// Envelopes arriving post-reconnect still reach handles.
	rec := &recorder{}
	e.Subscribe(model.MissionTopic("42"), rec.update)
	conn.push(missionEnvelope("42", 1, map[string]any{"status": "active"}))
	waitFor(t, "post-reconnect update", func() bool { return rec.count() == 1 })
}

func TestFatalError_SurfacesToHandles(t *testing.T) {
	conn := newFakeTransport()
	e := startEngine(t, Config{}, conn, nil)

	errCh := make(chan error, 2)
	e.Subscribe(model.MissionTopic("42"), func(store.Record) {},
		WithErrorFunc(func(err error) { errCh <- err }))
	e.Subscribe(model.DroneTopic("d1"), func(store.Record) {},
		WithErrorFunc(func(err error) { errCh <- err }))

	fatal := &transport.FatalError{Code: "unauthorized", Message: "key revoked"}
	conn.fail(fatal)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			var fe *transport.FatalError
			if !errors.As(err, &fe) || fe.Code != "unauthorized" {
				t.Errorf("handle error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handle did not receive terminal error")
		}
	}

	// After a terminal error new subscriptions are refused until the
	// caller rebuilds the engine out of band.
	waitFor(t, "terminal state", func() bool {
		_, err := e.Subscribe(model.MissionTopic("1"), func(store.Record) {})
		return err != nil
	})
}

func TestHydrate_FetchesBeforePush(t *testing.T) {
	conn := newFakeTransport()
	fetcher := &fakeFetcher{docs: map[string]rest.EntityDoc{
		"mission/42": {
			ID: "42", Kind: model.KindMission, Version: 3,
			Data: map[string]any{"status": "active", "name": "ridge survey"},
		},
	}}
	e := startEngine(t, Config{Hydrate: true}, conn, fetcher)

	rec := &recorder{}
	e.Subscribe(model.MissionTopic("42"), rec.update)

	waitFor(t, "hydrated record", func() bool { return rec.count() == 1 })
	last, _ := rec.last()
	if last.Version != 3 || last.Data["name"] != "ridge survey" {
		t.Errorf("hydrated record = %+v", last)
	}

	// Pushes at or below the hydrated version are filtered.
	conn.push(missionEnvelope("42", 3, map[string]any{"status": "stale-push"}))
	waitFor(t, "old push dropped", func() bool { return e.Stats().Duplicates == 1 })
	if rec.count() != 1 {
		t.Errorf("updates = %d, want 1", rec.count())
	}

	// Only single-entity topics hydrate.
	e.Subscribe(model.AllDronesTopic, func(store.Record) {})
	time.Sleep(20 * time.Millisecond)
	if n := fetcher.callCount(model.KindDrone, model.ScopeAll); n != 0 {
		t.Errorf("wildcard topic hydrated %d times, want 0", n)
	}
}

func TestHydrate_SubscribeBeforeStart(t *testing.T) {
	conn := newFakeTransport()
	fetcher := &fakeFetcher{docs: map[string]rest.EntityDoc{
		"mission/42": {
			ID: "42", Kind: model.KindMission, Version: 3,
			Data: map[string]any{"status": "active"},
		},
	}}
	e := New(Config{Hydrate: true}, conn, fetcher, nil)

	// Subscribing before Start must not fetch (and must not crash); the
	// hydration is queued until the engine is running.
	rec := &recorder{}
	if _, err := e.Subscribe(model.MissionTopic("42"), rec.update); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := fetcher.callCount(model.KindMission, "42"); n != 0 {
		t.Fatalf("fetches before Start = %d, want 0", n)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})

	waitFor(t, "queued hydration", func() bool { return rec.count() == 1 })
	last, _ := rec.last()
	if last.Version != 3 {
		t.Errorf("hydrated version = %d, want 3", last.Version)
	}
	if n := fetcher.callCount(model.KindMission, "42"); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestUnsubscribe_FromOwnCallback(t *testing.T) {
	conn := newFakeTransport()
	e := startEngine(t, Config{}, conn, nil)

	count := 0
	var h *Handle
	var err error
	h, err = e.Subscribe(model.MissionTopic("42"), func(store.Record) {
		count++
		h.Unsubscribe()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn.push(missionEnvelope("42", 1, map[string]any{"status": "planning"}))
	waitFor(t, "self-unsubscribing callback", func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.handles) == 0
	})

	// Later envelopes still reconcile into the store but no longer reach
	// the handle.
	conn.push(missionEnvelope("42", 2, map[string]any{"status": "active"}))
	waitFor(t, "second patch applied", func() bool { return e.Stats().PatchesApplied == 2 })
	if count != 1 {
		t.Errorf("callback calls = %d, want 1", count)
	}
	snap, _ := e.Snapshot(model.KindMission, "42")
	if snap.Version != 2 {
		t.Errorf("snapshot version = %d, want 2", snap.Version)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	conn := newFakeTransport()
	e := startEngine(t, Config{}, conn, nil)

	if _, err := e.Subscribe("", func(store.Record) {}); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("empty topic err = %v", err)
	}
	if _, err := e.Subscribe(model.MissionTopic("42"), nil); !errors.Is(err, ErrNilCallback) {
		t.Errorf("nil callback err = %v", err)
	}
}

func TestStats(t *testing.T) {
	conn := newFakeTransport()
	e := startEngine(t, Config{}, conn, nil)

	e.Subscribe(model.MissionTopic("42"), func(store.Record) {})
	e.Subscribe(model.MissionTopic("42"), func(store.Record) {})

	conn.push(missionEnvelope("42", 1, map[string]any{"status": "planning"}))
	conn.push(missionEnvelope("42", 1, map[string]any{"status": "planning"}))

	waitFor(t, "stats", func() bool {
		s := e.Stats()
		return s.FramesReceived == 2 && s.PatchesApplied == 1 && s.Duplicates == 1
	})

	s := e.Stats()
	if s.ActiveTopics != 1 || s.ActiveHandles != 2 {
		t.Errorf("topics = %d, handles = %d; want 1, 2", s.ActiveTopics, s.ActiveHandles)
	}
	if s.State != transport.StateConnected {
		t.Errorf("state = %s", s.State)
	}
}
