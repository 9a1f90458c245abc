// Package backoff computes reconnect delay sequences.
//
// The controller grows delays exponentially from a base, caps them at a
// maximum, and randomizes each delay with uniform jitter so that many
// clients dropped at the same instant do not reconnect in lockstep.
// The attempt counter saturates at a configured maximum, after which the
// caller must stop retrying and report a terminal disconnect.
package backoff
