// Package analyze extracts playback features from audio. It turns a
// 16-bit PCM WAV track into the frame stream the device consumes:
// per-interval spectral bin energies, bass energy, beat markers with
// confidence, and silence flags, serialized through the feature codec.
package analyze

import (
	"fmt"
	"io"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"

	"github.com/lumenworks/cadence/codec"
	"github.com/lumenworks/cadence/types"
)

const (
	// windowSize is the FFT window length in samples. 1024 at 44.1kHz
	// spans about 23ms, enough low-frequency resolution for the bass
	// bands the effects react to.
	windowSize = 1024

	// silenceFloor is the RMS level below which a frame is silent.
	silenceFloor = 1e-3

	// bassBins is how many of the low spectral bands feed BassEnergy.
	bassBins = 3
)

// Config holds analyzer tuning.
type Config struct {
	// FrameIntervalMs is the spacing between feature frames (default 20).
	FrameIntervalMs float64
}

func (c *Config) applyDefaults() {
	if c.FrameIntervalMs <= 0 {
		c.FrameIntervalMs = 20
	}
}

// Result is an analyzed track: the header plus every frame record,
// ready to serialize.
type Result struct {
	Header *types.FeatureHeader
	Frames []*types.FeatureRecord
}

// WriteTo serializes the result through the feature codec.
func (r *Result) WriteTo(w io.Writer) (int64, error) {
	enc := codec.NewEncoder(w)
	if err := enc.WriteHeader(r.Header); err != nil {
		return 0, err
	}
	for _, frame := range r.Frames {
		if err := enc.WriteFrame(frame); err != nil {
			return enc.FramesWritten(), err
		}
	}
	return enc.FramesWritten(), nil
}

// AnalyzeFile reads a WAV file and extracts its feature stream.
func AnalyzeFile(path string, cfg Config) (*Result, error) {
	audio, err := readWAV(path)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", path, err)
	}
	return Analyze(audio.samples, audio.sampleRate, cfg)
}

// Analyze extracts the feature stream from normalized mono samples.
func Analyze(samples []float64, sampleRate int, cfg Config) (*Result, error) {
	cfg.applyDefaults()
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	hop := int(cfg.FrameIntervalMs / 1000 * float64(sampleRate))
	if hop < 1 {
		hop = 1
	}
	window := hannWindow(windowSize)
	durationMs := float64(len(samples)) / float64(sampleRate) * 1000

	det := newBeatDetector(cfg.FrameIntervalMs)
	var frames []*types.FeatureRecord

	scratch := make([]float64, windowSize)
	for start := 0; start < len(samples); start += hop {
		tsMs := float64(start) / float64(sampleRate) * 1000

		n := copy(scratch, samples[start:min(start+windowSize, len(samples))])
		for i := n; i < windowSize; i++ {
			scratch[i] = 0
		}

		rms := rootMeanSquare(scratch[:max(n, 1)])

		for i := range scratch {
			scratch[i] *= window[i]
		}
		spectrum := fft.FFTReal(scratch)

		magnitude := make([]float64, len(spectrum)/2)
		for i := range magnitude {
			magnitude[i] = cmplx.Abs(spectrum[i])
		}

		bins := binEnergies(magnitude)
		bass := 0.0
		for _, b := range bins[:bassBins] {
			bass += b
		}
		bass /= bassBins

		beat, confidence := det.observe(bass)

		frames = append(frames, &types.FeatureRecord{
			Type:           types.RecordTypeFrame,
			TimestampMs:    tsMs,
			Bins:           bins,
			BassEnergy:     bass,
			Beat:           beat,
			BeatConfidence: confidence,
			Silence:        rms < silenceFloor,
		})
	}

	header := &types.FeatureHeader{
		Type:            types.RecordTypeHeader,
		FormatVersion:   types.FeatureFormatVersion,
		DurationMs:      durationMs,
		BPM:             det.estimateBPM(),
		FrameIntervalMs: cfg.FrameIntervalMs,
		BinCount:        types.NumBins,
		FrameCount:      int64(len(frames)),
	}
	return &Result{Header: header, Frames: frames}, nil
}

// hannWindow builds the tapering window applied before each FFT.
func hannWindow(size int) []float64 {
	w := make([]float64, size)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size-1))
	}
	return w
}

func rootMeanSquare(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// binEnergies folds the magnitude spectrum into NumBins log-spaced
// bands. Log spacing mirrors perceived pitch: the low bands stay
// narrow so bass detail survives, the high bands aggregate broadly.
func binEnergies(magnitude []float64) []float64 {
	bins := make([]float64, types.NumBins)
	if len(magnitude) < 2 {
		return bins
	}

	// Band edges are exponential from bin 1 to the Nyquist bin.
	maxIdx := float64(len(magnitude))
	for b := range types.NumBins {
		lo := int(math.Pow(maxIdx, float64(b)/types.NumBins))
		hi := int(math.Pow(maxIdx, float64(b+1)/types.NumBins))
		if hi <= lo {
			hi = lo + 1
		}
		if hi > len(magnitude) {
			hi = len(magnitude)
		}

		var sum float64
		for i := lo; i < hi; i++ {
			sum += magnitude[i]
		}
		bins[b] = sum / float64(hi-lo)
	}

	// Normalize against the window's worst-case gain so bin values stay
	// in a stable 0..1-ish range regardless of track loudness ceiling.
	norm := float64(windowSize) / 4
	for i := range bins {
		bins[i] = math.Min(bins[i]/norm*types.NumBins, 1)
	}
	return bins
}
