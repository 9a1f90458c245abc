package model

import "strings"

// ScopeAll is the opaque "all" scope. The engine never interprets it;
// matching is always exact string equality.
const ScopeAll = "*"

// Topic helpers for the streams this domain publishes. A topic string is
// "<kind>:<scope>" and is stable and comparable by exact equality.

func MissionTopic(id string) string { return "mission:" + id }

func DroneTopic(id string) string { return "drone:" + id }

// AllDronesTopic is the fleet-wide telemetry stream.
const AllDronesTopic = "drone:" + ScopeAll

func DiscoveryTopic(missionID string) string { return "discovery:" + missionID }

func ChatSessionTopic(sessionID string) string { return "chat-session:" + sessionID }

// SplitTopic returns a topic's kind and scope. Topics without a scope
// separator return the whole string as kind and an empty scope.
func SplitTopic(topic string) (kind, scope string) {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i], topic[i+1:]
	}
	return topic, ""
}
