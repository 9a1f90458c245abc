// Package sequence implements the Sequencing & Dedup Buffer component.
//
// The tracker:
//   - remembers the last admitted version per (entity kind, entity id)
//   - drops duplicate and stale envelopes before they reach the store
//   - flags version gaps without requesting retransmission; the engine
//     resolves them with a one-shot REST resync
//
// The policy favors availability over strict completeness: a gapped
// envelope is still applied so the UI shows best-known state immediately.
package sequence
