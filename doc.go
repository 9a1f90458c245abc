// Package groundlink is a client-side realtime subscription and
// reconciliation engine for mission-control UIs.
//
// The library owns a single WebSocket connection to the push channel,
// multiplexes an arbitrary number of topic subscriptions over it, reconnects
// with jittered exponential backoff, and reconciles at-least-once entity
// deltas (missions, drones, discoveries, chat messages) into in-memory
// entity stores that UI layers read.
//
// Component layout:
//
//   - backoff:   reconnect delay policy (exponential, capped, jittered)
//   - transport: the single WebSocket connection and its reconnect loop
//   - registry:  refcounted topic subscriptions, replayed on reconnect
//   - sequence:  per-entity version tracking (duplicate/stale/gap detection)
//   - store:     reconciled entity records with merge-patch semantics
//   - engine:    the public Subscribe/Unsubscribe surface tying it together
//   - rest:      REST collaborator used for hydration and gap resync
//   - model:     domain entity types and topic helpers
//
// UI code constructs one engine.Engine at application start and injects it
// wherever subscriptions are needed; there is no package-level singleton.
package groundlink
