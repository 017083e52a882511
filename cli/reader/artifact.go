// Package reader provides read-only data access for CLI commands.
// It loads feature artifacts from disk and queries live devices over
// their portal API; it never mutates device state.
package reader

import (
	"fmt"
	"io"
	"os"

	"github.com/lumenworks/cadence/codec"
)

// ArtifactSummary is the response payload for inspecting a feature
// artifact. Field tags drive both JSON output and table headers.
type ArtifactSummary struct {
	Path            string  `json:"path"`
	SizeBytes       int64   `json:"size_bytes"`
	FormatVersion   int     `json:"format_version"`
	DurationMs      float64 `json:"duration_ms"`
	BPM             int     `json:"bpm"`
	FrameIntervalMs float64 `json:"frame_interval_ms"`
	BinCount        int     `json:"bin_count"`
	FrameCount      int64   `json:"frame_count"`
	Beats           int64   `json:"beats"`
	SilentFrames    int64   `json:"silent_frames"`
	PeakBassEnergy  float64 `json:"peak_bass_energy"`
}

// ReadArtifactSummary decodes a feature artifact and aggregates its
// frame stream into a summary. The whole stream is walked so the count
// fields reflect what the device would actually play, not just what
// the header declares.
func ReadArtifactSummary(path string) (*ArtifactSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	dec := codec.NewDecoder(f)
	header, err := dec.ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("read artifact header: %w", err)
	}

	summary := &ArtifactSummary{
		Path:            path,
		SizeBytes:       info.Size(),
		FormatVersion:   header.FormatVersion,
		DurationMs:      header.DurationMs,
		BPM:             header.BPM,
		FrameIntervalMs: header.FrameIntervalMs,
		BinCount:        header.BinCount,
		FrameCount:      header.FrameCount,
	}

	var frames int64
	for {
		frame, err := dec.Next()
		if err != nil {
			if err == io.EOF || codec.IsTruncated(err) {
				break
			}
			if codec.IsMalformed(err) {
				continue
			}
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		frames++
		if frame.Beat {
			summary.Beats++
		}
		if frame.Silence {
			summary.SilentFrames++
		}
		if frame.BassEnergy > summary.PeakBassEnergy {
			summary.PeakBassEnergy = frame.BassEnergy
		}
	}

	// Trust the walk over the header when they disagree.
	summary.FrameCount = frames
	return summary, nil
}

// FrameRow is one decoded frame flattened for per-frame table output.
type FrameRow struct {
	Index       int64   `json:"index"`
	TimestampMs float64 `json:"timestamp_ms"`
	BassEnergy  float64 `json:"bass_energy"`
	Beat        bool    `json:"beat"`
	Confidence  float64 `json:"confidence"`
	Silence     bool    `json:"silence"`
}

// ReadArtifactFrames decodes up to limit frames from a feature
// artifact. A limit of zero or below reads the whole stream.
func ReadArtifactFrames(path string, limit int64) ([]FrameRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	dec := codec.NewDecoder(f)
	if _, err := dec.ReadHeader(); err != nil {
		return nil, fmt.Errorf("read artifact header: %w", err)
	}

	var rows []FrameRow
	var index int64
	for limit <= 0 || index < limit {
		frame, err := dec.Next()
		if err != nil {
			if err == io.EOF || codec.IsTruncated(err) {
				break
			}
			if codec.IsMalformed(err) {
				continue
			}
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		rows = append(rows, FrameRow{
			Index:       index,
			TimestampMs: frame.TimestampMs,
			BassEnergy:  frame.BassEnergy,
			Beat:        frame.Beat,
			Confidence:  frame.BeatConfidence,
			Silence:     frame.Silence,
		})
		index++
	}
	return rows, nil
}
