package sequence

import (
	"sync"
)

// Verdict classifies an envelope against the last admitted version for its
// entity.
type Verdict int

const (
	// Accepted envelopes advance the entity by exactly one version, or are
	// the first seen for the entity.
	Accepted Verdict = iota

	// Duplicate envelopes repeat the last admitted version. Dropped.
	Duplicate

	// Stale envelopes carry a version below the last admitted one. Dropped.
	Stale

	// Gap envelopes jump the version by more than one. Still applied, but
	// the caller should schedule a resync for the missed range.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Gap:
		return "gap-detected"
	default:
		return "unknown"
	}
}

// Applied reports whether an envelope with this verdict mutates state.
func (v Verdict) Applied() bool {
	return v == Accepted || v == Gap
}

// Tracker remembers the last admitted version per (kind, id) and filters
// duplicates. It does not request retransmission; gaps are only flagged.
type Tracker struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		last: make(map[string]int64),
	}
}

// Admit classifies version against the entity's last admitted version and,
// for Accepted and Gap, records it as the new high-water mark. The second
// return is the gap size (missed versions), zero unless the verdict is Gap.
//
// The first envelope seen for an entity is always Accepted: with no
// baseline there is nothing to diff against.
func (t *Tracker) Admit(kind, id string, version int64) (Verdict, int64) {
	key := entityKey(kind, id)

	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.last[key]
	if !seen {
		t.last[key] = version
		return Accepted, 0
	}

	switch {
	case version == last:
		return Duplicate, 0
	case version < last:
		return Stale, 0
	case version == last+1:
		t.last[key] = version
		return Accepted, 0
	default:
		t.last[key] = version
		return Gap, version - last - 1
	}
}

// LastVersion returns the last admitted version for an entity, or false if
// none has been seen.
func (t *Tracker) LastVersion(kind, id string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.last[entityKey(kind, id)]
	return v, ok
}

// Observe records a version obtained out of band (hydration or resync) so
// later pushes at or below it are filtered. It never lowers the mark.
func (t *Tracker) Observe(kind, id string, version int64) {
	key := entityKey(kind, id)

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, seen := t.last[key]; !seen || version > last {
		t.last[key] = version
	}
}

// Forget drops tracking state for an entity.
func (t *Tracker) Forget(kind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, entityKey(kind, id))
}

// Len returns the number of tracked entities.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

func entityKey(kind, id string) string {
	return kind + "/" + id
}
