package types

// Sync protocol message kinds, carried in the "type" field of every
// message on the WebSocket sync link.
const (
	MsgTypeStartSync       = "start_sync"
	MsgTypeProbe           = "probe"
	MsgTypeProbeResponse   = "probe_response"
	MsgTypeScheduledStart  = "scheduled_start"
	MsgTypeHeartbeat       = "heartbeat"
	MsgTypeStop            = "stop"
	MsgTypeDriftCorrection = "drift_correction"
	MsgTypeSyncMetrics     = "sync_metrics"
)

// ProbeMessage is a latency probe sent by the device. The client echoes
// Sequence and DeviceTimeMs back in a ProbeResponse.
type ProbeMessage struct {
	Type         string  `json:"type"`
	Sequence     int     `json:"sequence"`
	DeviceTimeMs float64 `json:"device_time_ms"`
}

// ProbeResponseMessage is the client's echo of a probe, carrying its own
// timestamp so either side can compute the round trip.
type ProbeResponseMessage struct {
	Type         string  `json:"type"`
	Sequence     int     `json:"sequence"`
	DeviceTimeMs float64 `json:"device_time_ms"`
	ClientTimeMs float64 `json:"client_time_ms"`
}

// ScheduledStartMessage announces the common playback start instant,
// expressed as a delay from the moment of sending plus the measured
// one-way latency the device compensated for.
type ScheduledStartMessage struct {
	Type              string  `json:"type"`
	StartDelayMs      float64 `json:"start_delay_ms"`
	LatencyMs         float64 `json:"latency_ms"`
	ReducedConfidence bool    `json:"reduced_confidence,omitempty"`
}

// HeartbeatMessage is the client's periodic self-reported elapsed play
// time, consumed by the drift-correction step.
type HeartbeatMessage struct {
	Type            string  `json:"type"`
	ClientElapsedMs float64 `json:"client_elapsed_ms"`
}

// StopMessage ends the sync session from either side.
type StopMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// DriftCorrectionMessage reports an applied correction to the client.
// Informational: the device has already adjusted its own playback clock.
type DriftCorrectionMessage struct {
	Type       string  `json:"type"`
	ErrorMs    float64 `json:"error_ms"`
	RateAdjust float64 `json:"rate_adjust"`
	SkippedMs  float64 `json:"skipped_ms,omitempty"`
}

// SyncMetricsMessage is a periodic observability report pushed to clients.
type SyncMetricsMessage struct {
	Type            string  `json:"type"`
	State           string  `json:"state"`
	DeviceElapsedMs float64 `json:"device_elapsed_ms"`
	ClientElapsedMs float64 `json:"client_elapsed_ms"`
	DriftMs         float64 `json:"drift_ms"`
	LatencyMs       float64 `json:"latency_ms"`
}
