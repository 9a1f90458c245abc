// Package registry implements the Topic Registry component.
//
// The registry reference-counts logical topics across local subscribers
// and keeps exactly one upstream subscription alive per wanted topic. It
// issues subscribe frames on 0→1 transitions, unsubscribe frames on 1→0,
// and replays the full desired state in registration order after every
// reconnect.
package registry
