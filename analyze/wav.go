package analyze

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM data.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// pcm holds decoded mono samples normalized to [-1, 1).
type pcm struct {
	samples    []float64
	sampleRate int
}

func (p *pcm) durationMs() float64 {
	return float64(len(p.samples)) / float64(p.sampleRate) * 1000
}

// readWAV loads a 16-bit PCM WAV file. Stereo input is downmixed to
// mono by channel averaging.
func readWAV(path string) (*pcm, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeWAV(data)
}

func decodeWAV(data []byte) (*pcm, error) {
	if len(data) < 44 {
		return nil, errors.New("invalid WAV file size (too small)")
	}

	var header wavHeader
	if err := binary.Read(bytes.NewReader(data[:44]), binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if string(header.ChunkID[:]) != "RIFF" || string(header.Format[:]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE file")
	}
	if header.AudioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format %d (expect PCM)", header.AudioFormat)
	}
	if header.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bits-per-sample %d (expect 16-bit PCM)", header.BitsPerSample)
	}
	channels := int(header.NumChannels)
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	if header.SampleRate == 0 {
		return nil, errors.New("zero sample rate")
	}

	raw := data[44:]
	frameCount := len(raw) / (2 * channels)
	int16Buf := make([]int16, frameCount*channels)
	if err := binary.Read(bytes.NewReader(raw[:frameCount*channels*2]), binary.LittleEndian, int16Buf); err != nil {
		return nil, err
	}

	const scale = 1.0 / 32768.0
	samples := make([]float64, frameCount)
	if channels == 1 {
		for i, s := range int16Buf {
			samples[i] = float64(s) * scale
		}
	} else {
		for i := range frameCount {
			left := float64(int16Buf[2*i])
			right := float64(int16Buf[2*i+1])
			samples[i] = (left + right) / 2 * scale
		}
	}

	return &pcm{samples: samples, sampleRate: int(header.SampleRate)}, nil
}
