package model

import "encoding/json"

// Entity kinds carried in envelope entity_kind fields.
const (
	KindMission     = "mission"
	KindDrone       = "drone"
	KindDiscovery   = "discovery"
	KindChatMessage = "chat_message"
)

// Mission is a typed view of a mission record.
type Mission struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"` // planning, active, paused, complete, aborted
	Progress    float64 `json:"progress"`
	CommanderID string  `json:"commander_id"`
	Area        string  `json:"area"`
	StartedAt   string  `json:"started_at"`
}

// Drone is a typed view of a drone telemetry record.
type Drone struct {
	ID        string  `json:"id"`
	MissionID string  `json:"mission_id"`
	Status    string  `json:"status"` // idle, enroute, surveying, returning, offline
	Battery   float64 `json:"battery"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Heading   float64 `json:"heading"`
}

// Discovery is a typed view of a discovery feed record.
type Discovery struct {
	ID         string  `json:"id"`
	MissionID  string  `json:"mission_id"`
	DroneID    string  `json:"drone_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// ChatMessage is a typed view of a mission chat message.
type ChatMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
	SentAt    string `json:"sent_at"`
}

// Decode converts reconciled record data into a typed view via a JSON
// round-trip. Fields absent from the record keep their zero values.
func Decode(data map[string]any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
