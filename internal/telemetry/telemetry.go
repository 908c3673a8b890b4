// Package telemetry publishes dispense and lifecycle events to MQTT for
// fleet monitoring. Telemetry is optional: with no broker configured the
// agent uses the no-op publisher. Delivery failures never affect the
// control loop.
package telemetry

import (
	"encoding/json"
	"time"
)

// Topic is the MQTT topic for dispense events.
const Topic = "dispenser/agent/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "dispenser/agent/system"

// Event is one completed dispense cycle.
type Event struct {
	Timestamp time.Time
	DeviceID  string
	UID       string
	Slot      int
	Outcome   string
	Duration  time.Duration
}

// SystemEvent is a lifecycle event (startup, shutdown, heartbeat, halt).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g. "STARTUP", "SHUTDOWN", "HEARTBEAT", "HALTED"
	Reason     string // e.g. signal name, health reason
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a dispense event to the broker.
	// Returns error if publishing fails (must not crash the process).
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

// Payload is the MQTT message payload for a dispense event.
type Payload struct {
	Dispense DispensePayload `json:"dispense"`
}

// DispensePayload contains the dispense event details.
type DispensePayload struct {
	Timestamp  string `json:"timestamp"`
	DeviceID   string `json:"device_id"`
	UID        string `json:"uid"`
	Slot       int    `json:"slot"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
}

// FormatPayload creates the JSON payload for a dispense event.
func FormatPayload(event Event) ([]byte, error) {
	payload := Payload{
		Dispense: DispensePayload{
			Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
			DeviceID:   event.DeviceID,
			UID:        event.UID,
			Slot:       event.Slot,
			Outcome:    event.Outcome,
			DurationMS: event.Duration.Milliseconds(),
		},
	}
	return json.Marshal(payload)
}

// SystemPayload is the MQTT message payload for simple system events
// that don't carry a full status snapshot.
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
// If event.RawPayload is set, it is returned directly (used for full
// status snapshots).
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
