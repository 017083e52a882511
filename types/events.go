package types

import "time"

// EventType identifies a status event emitted by the engine.
type EventType string

// Status event types. Events are passive notifications for logging and
// telemetry collaborators, never control inputs.
const (
	EventSessionCreated   EventType = "session_created"
	EventSessionFinalized EventType = "session_finalized"
	EventSessionExpired   EventType = "session_expired"
	EventDecodeError      EventType = "decode_error"
	EventSyncTransition   EventType = "sync_transition"
	EventDriftCorrection  EventType = "drift_correction"
	EventPlaybackStarted  EventType = "playback_started"
	EventPlaybackStopped  EventType = "playback_stopped"
	EventSyncFallback     EventType = "sync_fallback"
)

// IsTerminal returns true for events that end a sync session.
func (e EventType) IsTerminal() bool {
	return e == EventPlaybackStopped || e == EventSyncFallback
}

// StatusEvent is the envelope for all status events.
type StatusEvent struct {
	// ContractVersion is the project version the emitter was built at.
	ContractVersion string `json:"contract_version"`
	// Type is the event type discriminator.
	Type EventType `json:"type"`
	// DeviceID identifies the emitting device.
	DeviceID string `json:"device_id"`
	// Ts is the event timestamp in ISO 8601 UTC format.
	Ts string `json:"ts"`
	// Fields is the type-specific payload.
	Fields map[string]any `json:"fields,omitempty"`
}

// NewStatusEvent builds an event envelope stamped with the current time.
func NewStatusEvent(deviceID string, typ EventType, fields map[string]any) *StatusEvent {
	return &StatusEvent{
		ContractVersion: Version,
		Type:            typ,
		DeviceID:        deviceID,
		Ts:              time.Now().UTC().Format(time.RFC3339Nano),
		Fields:          fields,
	}
}
