// Package rest is the client for the mission-control REST API.
//
// The engine treats it as an external collaborator: GetEntity serves
// gap-triggered resyncs and initial hydration before any push arrives.
// Requests retry with jittered exponential backoff on 5xx and 429.
package rest
