// Package mqtt mirrors scale events to an MQTT broker, with an abstraction
// for testing.
package mqtt

import (
	"encoding/json"
	"math"
	"time"
)

// Topic is the MQTT topic for weight and session events.
const Topic = "smartscale/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "smartscale/system"

// Event types published on Topic.
const (
	EventWeight = "WEIGHT"
	EventReady  = "READY"
	EventFinish = "FINISH"
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a scale event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Event is a weight or session change.
type Event struct {
	Timestamp time.Time
	Type      string  // EventWeight, EventReady or EventFinish
	Device    string  // device id, "none" before the welcome handshake
	Session   string  // measurement session id, empty outside a session
	Value     float64 // stable value, weight events only
	Diff      float64
	Direction string // ADD or REMOVE
	Delivered bool   // the weight reached the server directly
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Scale ScalePayload `json:"scale"`
}

// ScalePayload contains the event details.
type ScalePayload struct {
	Timestamp string  `json:"timestamp"`
	Event     string  `json:"event"`
	Device    string  `json:"device"`
	Session   string  `json:"session,omitempty"`
	Weight    *Weight `json:"weight,omitempty"`
}

// Weight is the stable value part of a weight event.
type Weight struct {
	Value     float64 `json:"value"`
	Diff      float64 `json:"diff"`
	Direction string  `json:"direction"`
	Delivered bool    `json:"delivered"`
}

// FormatPayload creates the JSON payload for a scale event.
func FormatPayload(event Event) ([]byte, error) {
	payload := Payload{
		Scale: ScalePayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Type,
			Device:    event.Device,
			Session:   event.Session,
		},
	}
	if event.Type == EventWeight {
		payload.Scale.Weight = &Weight{
			Value:     round2(event.Value),
			Diff:      round2(event.Diff),
			Direction: event.Direction,
			Delivered: event.Delivered,
		}
	}
	return json.Marshal(payload)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
