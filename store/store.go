package store

import (
	"log/slog"
	"sync"
	"time"
)

// Record is the reconciled state for one entity.
type Record struct {
	Kind        string
	ID          string
	Version     int64
	LastUpdated time.Time
	Data        map[string]any
}

// clone returns a copy safe to hand to callers. The top-level data map is
// copied; nested payload values are treated as immutable.
func (r *Record) clone() Record {
	out := *r
	out.Data = make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		out.Data[k] = v
	}
	return out
}

// ListenerFunc receives a snapshot of a record after an applied patch.
type ListenerFunc func(Record)

// listener wraps a callback so unregistering is O(1) and safe while a
// notification pass is in flight.
type listener struct {
	fn      ListenerFunc
	removed bool
}

// Store holds reconciled entity records keyed by (kind, id) and notifies
// listeners after every applied patch. Patches are shallow-merged: patch
// fields win field-by-field, absent fields are left untouched.
type Store struct {
	logger *slog.Logger

	mu       sync.Mutex
	records  map[string]*Record
	byKind   map[string][]*listener
	byEntity map[string][]*listener
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:   logger,
		records:  make(map[string]*Record),
		byKind:   make(map[string][]*listener),
		byEntity: make(map[string][]*listener),
	}
}

// ApplyPatch shallow-merges payload onto the entity's record if version is
// greater than the stored one. Returns the resulting snapshot and whether
// the patch was applied. Version must be monotonically non-decreasing per
// entity; an envelope at or below the stored version never mutates the
// record.
//
// Listeners for the entity's kind and id are notified synchronously, in
// registration order, exactly once per applied patch.
func (s *Store) ApplyPatch(kind, id string, version int64, ts time.Time, payload map[string]any) (Record, bool) {
	key := entityKey(kind, id)

	s.mu.Lock()

	rec, ok := s.records[key]
	if !ok {
		rec = &Record{
			Kind: kind,
			ID:   id,
			Data: make(map[string]any, len(payload)),
		}
		s.records[key] = rec
	} else if version <= rec.Version {
		snap := rec.clone()
		s.mu.Unlock()
		s.logger.Debug("ignoring stale patch",
			"kind", kind,
			"id", id,
			"version", version,
			"stored", snap.Version,
		)
		return snap, false
	}

	for k, v := range payload {
		rec.Data[k] = v
	}
	rec.Version = version
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.LastUpdated = ts

	snap := rec.clone()
	targets := s.collectListeners(kind, key)
	s.mu.Unlock()

	notify(targets, snap)
	return snap, true
}

// Replace installs a full authoritative record (hydration or gap resync)
// when version is at or above the stored one. Unlike ApplyPatch an equal
// version is accepted: a full record at the same version may carry fields
// missed inside a gap. Listeners are notified on every accepted replace,
// equal-version included, so they observe the authoritative snapshot.
func (s *Store) Replace(kind, id string, version int64, ts time.Time, data map[string]any) (Record, bool) {
	key := entityKey(kind, id)

	s.mu.Lock()

	rec, ok := s.records[key]
	if ok && version < rec.Version {
		snap := rec.clone()
		s.mu.Unlock()
		return snap, false
	}
	if !ok {
		rec = &Record{Kind: kind, ID: id}
		s.records[key] = rec
	}

	rec.Data = make(map[string]any, len(data))
	for k, v := range data {
		rec.Data[k] = v
	}
	rec.Version = version
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.LastUpdated = ts

	snap := rec.clone()
	targets := s.collectListeners(kind, key)
	s.mu.Unlock()

	notify(targets, snap)
	return snap, true
}

// Snapshot returns a copy of the entity's record.
func (s *Store) Snapshot(kind, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[entityKey(kind, id)]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// SnapshotKind returns copies of all records of one kind.
func (s *Store) SnapshotKind(kind string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records {
		if rec.Kind == kind {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Drop removes an entity's record without notifying listeners.
func (s *Store) Drop(kind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, entityKey(kind, id))
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// OnKind registers a listener for every applied patch of one entity kind.
// The returned func unregisters it and is safe to call more than once.
func (s *Store) OnKind(kind string, fn ListenerFunc) func() {
	l := &listener{fn: fn}

	s.mu.Lock()
	s.byKind[kind] = append(s.byKind[kind], l)
	s.mu.Unlock()

	return func() { s.unregister(s.byKind, kind, l) }
}

// OnEntity registers a listener for applied patches of one specific entity.
func (s *Store) OnEntity(kind, id string, fn ListenerFunc) func() {
	l := &listener{fn: fn}
	key := entityKey(kind, id)

	s.mu.Lock()
	s.byEntity[key] = append(s.byEntity[key], l)
	s.mu.Unlock()

	return func() { s.unregister(s.byEntity, key, l) }
}

// collectListeners snapshots the callbacks to invoke for an applied patch,
// kind-level listeners first, then entity-level, each in registration
// order. Must be called with the lock held.
func (s *Store) collectListeners(kind, key string) []ListenerFunc {
	var out []ListenerFunc
	for _, l := range s.byKind[kind] {
		if !l.removed {
			out = append(out, l.fn)
		}
	}
	for _, l := range s.byEntity[key] {
		if !l.removed {
			out = append(out, l.fn)
		}
	}
	return out
}

func (s *Store) unregister(m map[string][]*listener, key string, target *listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target.removed = true
	list := m[key]
	for i, l := range list {
		if l == target {
			m[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(m[key]) == 0 {
		delete(m, key)
	}
}

// notify runs outside the lock so listeners may read snapshots from the
// store without deadlocking.
func notify(targets []ListenerFunc, snap Record) {
	for _, fn := range targets {
		fn(snap)
	}
}

func entityKey(kind, id string) string {
	return kind + "/" + id
}
