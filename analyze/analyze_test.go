package analyze

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/lumenworks/cadence/codec"
	"github.com/lumenworks/cadence/types"
)

// makeWAV serializes normalized samples as a 16-bit PCM WAV.
func makeWAV(t *testing.T, samples []float64, sampleRate, channels int) []byte {
	t.Helper()

	dataLen := len(samples) * 2
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataLen),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataLen),
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		t.Fatal(err)
	}
	for _, s := range samples {
		v := int16(max(-1, min(1, s)) * 32767)
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func sine(freq float64, amplitude float64, durationSec float64, sampleRate int) []float64 {
	n := int(durationSec * float64(sampleRate))
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return samples
}

func TestDecodeWAVMono(t *testing.T) {
	samples := sine(440, 0.5, 0.1, 44100)
	data := makeWAV(t, samples, 44100, 1)

	audio, err := decodeWAV(data)
	if err != nil {
		t.Fatalf("decodeWAV failed: %v", err)
	}
	if audio.sampleRate != 44100 {
		t.Errorf("sampleRate = %d, want 44100", audio.sampleRate)
	}
	if len(audio.samples) != len(samples) {
		t.Errorf("samples = %d, want %d", len(audio.samples), len(samples))
	}
	if math.Abs(audio.durationMs()-100) > 1 {
		t.Errorf("durationMs = %v, want ~100", audio.durationMs())
	}
}

func TestDecodeWAVStereoDownmix(t *testing.T) {
	// Interleaved stereo: left carries the tone, right is silent. The
	// downmix halves the amplitude.
	mono := sine(440, 0.8, 0.05, 44100)
	interleaved := make([]float64, 0, len(mono)*2)
	for _, s := range mono {
		interleaved = append(interleaved, s, 0)
	}
	data := makeWAV(t, interleaved, 44100, 2)

	audio, err := decodeWAV(data)
	if err != nil {
		t.Fatalf("decodeWAV failed: %v", err)
	}
	if len(audio.samples) != len(mono) {
		t.Fatalf("samples = %d, want %d", len(audio.samples), len(mono))
	}

	var peak float64
	for _, s := range audio.samples {
		peak = max(peak, math.Abs(s))
	}
	if peak < 0.3 || peak > 0.5 {
		t.Errorf("downmixed peak = %v, want ~0.4", peak)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"too short": []byte("RIFF"),
		"not riff":  bytes.Repeat([]byte{0}, 64),
	}
	for name, data := range cases {
		if _, err := decodeWAV(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestAnalyzeToneEnergy(t *testing.T) {
	samples := sine(440, 0.5, 1.0, 44100)
	result, err := Analyze(samples, 44100, Config{FrameIntervalMs: 20})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	wantFrames := int64(50)
	if result.Header.FrameCount != wantFrames {
		t.Errorf("FrameCount = %d, want %d", result.Header.FrameCount, wantFrames)
	}
	if math.Abs(result.Header.DurationMs-1000) > 1 {
		t.Errorf("DurationMs = %v, want ~1000", result.Header.DurationMs)
	}

	// A steady mid-frequency tone: not silent, energy concentrated in
	// the mid bands rather than the extremes.
	frame := result.Frames[len(result.Frames)/2]
	if frame.Silence {
		t.Error("tone frame flagged silent")
	}
	maxBin, maxVal := 0, 0.0
	for i, v := range frame.Bins {
		if v > maxVal {
			maxBin, maxVal = i, v
		}
	}
	if maxBin < 4 || maxBin > 8 {
		t.Errorf("peak energy in bin %d, want a mid band for 440Hz", maxBin)
	}
	if frame.Bins[types.NumBins-1] > maxVal/2 {
		t.Error("top band unexpectedly hot for a pure 440Hz tone")
	}
}

func TestAnalyzeSilence(t *testing.T) {
	samples := make([]float64, 44100/2)
	result, err := Analyze(samples, 44100, Config{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	for i, frame := range result.Frames {
		if !frame.Silence {
			t.Fatalf("frame %d not flagged silent", i)
		}
		if frame.Beat {
			t.Fatalf("frame %d detected a beat in silence", i)
		}
	}
	if result.Header.BPM != 0 {
		t.Errorf("BPM = %d, want 0 for silence", result.Header.BPM)
	}
}

// A 120 BPM bass pulse train: onsets are detected with the right tempo
// and never retrigger within one pulse.
func TestAnalyzeBeatDetection(t *testing.T) {
	const (
		sampleRate = 44100
		beatPeriod = 0.5 // 120 BPM
		burstLen   = 0.1
		totalSec   = 6.0
	)

	samples := make([]float64, int(totalSec*sampleRate))
	for i := range samples {
		tSec := float64(i) / sampleRate
		phase := math.Mod(tSec, beatPeriod)
		if phase < burstLen {
			samples[i] = 0.9 * math.Sin(2*math.Pi*60*tSec)
		} else {
			samples[i] = 0.01 * math.Sin(2*math.Pi*60*tSec)
		}
	}

	result, err := Analyze(samples, sampleRate, Config{FrameIntervalMs: 20})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	var beats int
	lastBeatMs := math.Inf(-1)
	for _, frame := range result.Frames {
		if !frame.Beat {
			continue
		}
		beats++
		if frame.BeatConfidence <= 0 || frame.BeatConfidence > 1 {
			t.Errorf("beat confidence %v out of range", frame.BeatConfidence)
		}
		if frame.TimestampMs-lastBeatMs < beatRefractoryMs {
			t.Errorf("beats %vms apart, closer than the refractory window", frame.TimestampMs-lastBeatMs)
		}
		lastBeatMs = frame.TimestampMs
	}

	// 12 pulses in 6s; the detector needs its history warmup, so allow
	// slack at the front.
	if beats < 8 {
		t.Errorf("detected %d beats, want >= 8", beats)
	}
	if result.Header.BPM < 100 || result.Header.BPM > 140 {
		t.Errorf("BPM = %d, want ~120", result.Header.BPM)
	}
}

// The analyzer's output round-trips through the device's decoder.
func TestAnalyzeWriteToDecodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	if err := os.WriteFile(path, makeWAV(t, sine(220, 0.4, 0.5, 44100), 44100, 1), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := AnalyzeFile(path, Config{FrameIntervalMs: 25})
	if err != nil {
		t.Fatalf("AnalyzeFile failed: %v", err)
	}

	var buf bytes.Buffer
	written, err := result.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if written != result.Header.FrameCount {
		t.Errorf("wrote %d frames, header declares %d", written, result.Header.FrameCount)
	}

	dec := codec.NewDecoder(&buf)
	header, err := dec.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if header.FrameIntervalMs != 25 || header.BinCount != types.NumBins {
		t.Errorf("header = %+v", header)
	}

	var count int64
	var lastTs float64 = -1
	for {
		frame, err := dec.Next()
		if err != nil {
			break
		}
		if frame.TimestampMs < lastTs {
			t.Fatalf("timestamp regression at frame %d", count)
		}
		lastTs = frame.TimestampMs
		count++
	}
	if count != result.Header.FrameCount {
		t.Errorf("decoded %d frames, want %d", count, result.Header.FrameCount)
	}
}
