// Package metrics provides device-lifetime metrics collection.
//
// The Collector accumulates counters across upload, decode, ring and sync
// activity. It is a leaf package with no internal dependencies; all
// increment methods are nil-receiver safe so instrumentation can be
// optional at every call site.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Upload
	SessionsCreated   int64
	SessionsFinalized int64
	SessionsExpired   int64
	ChunksAccepted    int64
	ChunksDuplicate   int64
	ChunksRejected    int64

	// Decode
	FramesDecoded    int64
	MalformedRecords int64
	TruncatedStreams int64

	// Ring
	RingPushWaits int64
	RingFull      int64
	RingEmptyPops int64

	// Sync
	ProbesSent         int64
	ProbeTimeouts      int64
	CorrectionsApplied int64
	FrameSkips         int64
	SyncFallbacks      int64

	// Dimensions (informational, set at construction)
	DeviceID string
}

// Collector accumulates metrics for the life of the device process.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	sessionsCreated   int64
	sessionsFinalized int64
	sessionsExpired   int64
	chunksAccepted    int64
	chunksDuplicate   int64
	chunksRejected    int64

	framesDecoded    int64
	malformedRecords int64
	truncatedStreams int64

	ringPushWaits int64
	ringFull      int64
	ringEmptyPops int64

	probesSent         int64
	probeTimeouts      int64
	correctionsApplied int64
	frameSkips         int64
	syncFallbacks      int64

	deviceID string
}

// NewCollector creates a Collector labelled with the device identity.
func NewCollector(deviceID string) *Collector {
	return &Collector{deviceID: deviceID}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Upload ---

// IncSessionCreated records an upload session creation.
func (c *Collector) IncSessionCreated() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsCreated)
}

// IncSessionFinalized records a successful finalize.
func (c *Collector) IncSessionFinalized() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsFinalized)
}

// IncSessionExpired records a session reclaimed by the idle sweep.
func (c *Collector) IncSessionExpired() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsExpired)
}

// IncChunkAccepted records an accepted chunk.
func (c *Collector) IncChunkAccepted() {
	if c == nil {
		return
	}
	c.inc(&c.chunksAccepted)
}

// IncChunkDuplicate records an idempotent duplicate chunk.
func (c *Collector) IncChunkDuplicate() {
	if c == nil {
		return
	}
	c.inc(&c.chunksDuplicate)
}

// IncChunkRejected records a rejected chunk (checksum, range, session).
func (c *Collector) IncChunkRejected() {
	if c == nil {
		return
	}
	c.inc(&c.chunksRejected)
}

// --- Decode ---

// IncFrameDecoded records a successfully decoded frame.
func (c *Collector) IncFrameDecoded() {
	if c == nil {
		return
	}
	c.inc(&c.framesDecoded)
}

// IncMalformedRecord records a skipped malformed record.
func (c *Collector) IncMalformedRecord() {
	if c == nil {
		return
	}
	c.inc(&c.malformedRecords)
}

// IncTruncatedStream records a decode pass ended by truncation.
func (c *Collector) IncTruncatedStream() {
	if c == nil {
		return
	}
	c.inc(&c.truncatedStreams)
}

// --- Ring ---

// IncRingPushWait records a producer push that had to wait for space.
func (c *Collector) IncRingPushWait() {
	if c == nil {
		return
	}
	c.inc(&c.ringPushWaits)
}

// IncRingFull records a push that timed out against a full ring.
func (c *Collector) IncRingFull() {
	if c == nil {
		return
	}
	c.inc(&c.ringFull)
}

// IncRingEmptyPop records a consumer pop against an empty ring.
func (c *Collector) IncRingEmptyPop() {
	if c == nil {
		return
	}
	c.inc(&c.ringEmptyPops)
}

// --- Sync ---

// IncProbeSent records a latency probe sent to the client.
func (c *Collector) IncProbeSent() {
	if c == nil {
		return
	}
	c.inc(&c.probesSent)
}

// IncProbeTimeout records a probe that received no response in time.
func (c *Collector) IncProbeTimeout() {
	if c == nil {
		return
	}
	c.inc(&c.probeTimeouts)
}

// IncCorrectionApplied records a drift correction step.
func (c *Collector) IncCorrectionApplied() {
	if c == nil {
		return
	}
	c.inc(&c.correctionsApplied)
}

// IncFrameSkip records a one-shot skip/repeat resynchronization.
func (c *Collector) IncFrameSkip() {
	if c == nil {
		return
	}
	c.inc(&c.frameSkips)
}

// IncSyncFallback records a sync session terminated by excessive drift.
func (c *Collector) IncSyncFallback() {
	if c == nil {
		return
	}
	c.inc(&c.syncFallbacks)
}

// Snapshot returns an immutable point-in-time view of all counters.
// The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		SessionsCreated:   c.sessionsCreated,
		SessionsFinalized: c.sessionsFinalized,
		SessionsExpired:   c.sessionsExpired,
		ChunksAccepted:    c.chunksAccepted,
		ChunksDuplicate:   c.chunksDuplicate,
		ChunksRejected:    c.chunksRejected,

		FramesDecoded:    c.framesDecoded,
		MalformedRecords: c.malformedRecords,
		TruncatedStreams: c.truncatedStreams,

		RingPushWaits: c.ringPushWaits,
		RingFull:      c.ringFull,
		RingEmptyPops: c.ringEmptyPops,

		ProbesSent:         c.probesSent,
		ProbeTimeouts:      c.probeTimeouts,
		CorrectionsApplied: c.correctionsApplied,
		FrameSkips:         c.frameSkips,
		SyncFallbacks:      c.syncFallbacks,

		DeviceID: c.deviceID,
	}
}
