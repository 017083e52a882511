// Package types defines the shared data model: decoded audio frames,
// feature-file records, sync protocol messages, and status events.
package types

// NumBins is the fixed number of frequency bins per frame.
// The render side indexes bins positionally, so this never varies at runtime.
const NumBins = 16

// AudioFrame is one decoded unit of pre-analyzed audio features,
// timestamped relative to playback start. Immutable once produced:
// the decoder is the only writer, the render side reads only.
type AudioFrame struct {
	// TimestampMs is the frame-relative time offset in milliseconds.
	TimestampMs float64
	// Bins holds per-band spectral energies, length NumBins, ordered
	// low to high frequency.
	Bins []float64
	// BassEnergy is the aggregate low-band energy.
	BassEnergy float64
	// Beat is set when the analyzer detected a beat at this frame.
	Beat bool
	// BeatConfidence is the analyzer's confidence in Beat, 0..1.
	BeatConfidence float64
	// Silence is set when total energy is below the silence floor.
	Silence bool
}

// RecordTypeHeader and RecordTypeFrame discriminate feature-file records.
const (
	RecordTypeHeader = "header"
	RecordTypeFrame  = "frame"
)

// FeatureHeader is the first record of a feature file. It carries the
// stream-level metadata the device needs before any frame is decoded.
// All fields use msgpack tags to match the analyzer's wire format.
type FeatureHeader struct {
	// Type is the record type discriminator, always RecordTypeHeader.
	Type string `msgpack:"type"`
	// FormatVersion is the container format version.
	FormatVersion int `msgpack:"format_version"`
	// DurationMs is the total track duration in milliseconds.
	DurationMs float64 `msgpack:"duration_ms"`
	// BPM is the analyzer's tempo estimate.
	BPM int `msgpack:"bpm"`
	// FrameIntervalMs is the nominal spacing between frames.
	FrameIntervalMs float64 `msgpack:"frame_interval_ms"`
	// BinCount is the number of frequency bins per frame record.
	BinCount int `msgpack:"bin_count"`
	// FrameCount is the declared number of frame records, 0 if unknown.
	FrameCount int64 `msgpack:"frame_count"`
}

// FeatureRecord is one frame record of a feature file.
type FeatureRecord struct {
	// Type is the record type discriminator, always RecordTypeFrame.
	Type string `msgpack:"type"`
	// TimestampMs is the frame-relative time offset in milliseconds.
	TimestampMs float64 `msgpack:"ts_ms"`
	// Bins holds per-band spectral energies.
	Bins []float64 `msgpack:"bins"`
	// BassEnergy is the aggregate low-band energy.
	BassEnergy float64 `msgpack:"bass"`
	// Beat is the beat-detected flag.
	Beat bool `msgpack:"beat"`
	// BeatConfidence is the beat confidence, 0..1.
	BeatConfidence float64 `msgpack:"beat_conf"`
	// Silence is the silence flag.
	Silence bool `msgpack:"silence"`
}

// Frame converts a wire record into an immutable AudioFrame.
// The bins slice is copied so the decoder's scratch buffer never leaks
// into frames held by the render side.
func (r *FeatureRecord) Frame() *AudioFrame {
	bins := make([]float64, len(r.Bins))
	copy(bins, r.Bins)
	return &AudioFrame{
		TimestampMs:    r.TimestampMs,
		Bins:           bins,
		BassEnergy:     r.BassEnergy,
		Beat:           r.Beat,
		BeatConfidence: r.BeatConfidence,
		Silence:        r.Silence,
	}
}
