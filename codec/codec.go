// Package codec implements the feature-file container: length-prefixed
// msgpack records, a header followed by frame records in timestamp order.
//
// The decoder is a single forward pass with a bounded window: the 4-byte
// length prefix plus at most one pending record, independent of total
// input size. It never rewinds; reopening the source is the only way to
// restart a pass.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumenworks/cadence/types"
)

// Framing constants.
const (
	// MaxRecordSize is the maximum msgpack payload size per record (64 KiB).
	// Bounds the decoder's working set; a frame record is a few hundred bytes.
	MaxRecordSize = 64 * 1024
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// StreamErrorKind classifies decode errors.
type StreamErrorKind int

const (
	// KindMalformed indicates a single undecodable record. The caller may
	// continue to the next record: the length prefix delimits a recovery
	// boundary.
	KindMalformed StreamErrorKind = iota
	// KindTruncated indicates EOF inside a record. Terminal for the pass.
	KindTruncated
	// KindOversized indicates a record exceeding MaxRecordSize. Terminal:
	// the stream position can no longer be trusted.
	KindOversized
	// KindHeader indicates a missing or invalid stream header. Terminal.
	KindHeader
)

// StreamError represents a decode error.
type StreamError struct {
	Kind StreamErrorKind
	Msg  string
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the pass cannot continue past this error.
func (e *StreamError) IsFatal() bool {
	return e.Kind != KindMalformed
}

// IsMalformed returns true if err is a recoverable per-record error.
func IsMalformed(err error) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == KindMalformed
}

// IsTruncated returns true if err reports a truncated stream.
func IsTruncated(err error) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == KindTruncated
}

// recordTypeProbe peeks at the type field without a full decode.
type recordTypeProbe struct {
	Type string `msgpack:"type"`
}

// Decoder decodes a feature stream from an io.Reader.
// Not safe for concurrent use; a single producer goroutine owns it.
type Decoder struct {
	reader  io.Reader
	header  *types.FeatureHeader
	lastTs  float64
	started bool
}

// NewDecoder creates a decoder over r. Call ReadHeader before Next.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: r}
}

// readRecord reads one length-prefixed payload.
// A clean EOF at a record boundary returns io.EOF.
func (d *Decoder) readRecord() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &StreamError{
			Kind: KindTruncated,
			Msg:  "truncated length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxRecordSize {
		return nil, &StreamError{
			Kind: KindOversized,
			Msg:  fmt.Sprintf("record size %d exceeds maximum %d", payloadSize, MaxRecordSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &StreamError{
			Kind: KindTruncated,
			Msg:  "truncated record payload",
			Err:  err,
		}
	}

	return payload, nil
}

// ReadHeader reads and validates the stream header. Must be called once,
// before the first Next.
func (d *Decoder) ReadHeader() (*types.FeatureHeader, error) {
	if d.started {
		return d.header, nil
	}

	payload, err := d.readRecord()
	if err != nil {
		if err == io.EOF {
			return nil, &StreamError{Kind: KindHeader, Msg: "empty stream"}
		}
		return nil, err
	}

	var header types.FeatureHeader
	if err := msgpack.Unmarshal(payload, &header); err != nil {
		return nil, &StreamError{
			Kind: KindHeader,
			Msg:  "failed to decode header",
			Err:  err,
		}
	}

	if header.Type != types.RecordTypeHeader {
		return nil, &StreamError{
			Kind: KindHeader,
			Msg:  fmt.Sprintf("first record is %q, want %q", header.Type, types.RecordTypeHeader),
		}
	}
	if header.FormatVersion != types.FeatureFormatVersion {
		return nil, &StreamError{
			Kind: KindHeader,
			Msg: fmt.Sprintf("format version %d unsupported (want %d)",
				header.FormatVersion, types.FeatureFormatVersion),
		}
	}
	if header.BinCount <= 0 || header.BinCount > types.NumBins {
		return nil, &StreamError{
			Kind: KindHeader,
			Msg:  fmt.Sprintf("bin count %d out of range (1..%d)", header.BinCount, types.NumBins),
		}
	}

	d.header = &header
	d.started = true
	return d.header, nil
}

// Header returns the stream header, or nil before ReadHeader.
func (d *Decoder) Header() *types.FeatureHeader {
	return d.header
}

// Next returns the next decoded frame.
//
// Errors:
//   - io.EOF: stream ended cleanly at a record boundary
//   - *StreamError Kind=KindMalformed: this record is bad; the decoder has
//     already advanced past it and Next may be called again
//   - *StreamError Kind=KindTruncated / KindOversized: terminal
func (d *Decoder) Next() (*types.AudioFrame, error) {
	if !d.started {
		return nil, &StreamError{Kind: KindHeader, Msg: "ReadHeader not called"}
	}

	payload, err := d.readRecord()
	if err != nil {
		return nil, err
	}

	var probe recordTypeProbe
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &StreamError{
			Kind: KindMalformed,
			Msg:  "failed to decode record type",
			Err:  err,
		}
	}
	if probe.Type != types.RecordTypeFrame {
		return nil, &StreamError{
			Kind: KindMalformed,
			Msg:  fmt.Sprintf("unexpected record type %q", probe.Type),
		}
	}

	var rec types.FeatureRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &StreamError{
			Kind: KindMalformed,
			Msg:  "failed to decode frame record",
			Err:  err,
		}
	}

	if len(rec.Bins) != d.header.BinCount {
		return nil, &StreamError{
			Kind: KindMalformed,
			Msg:  fmt.Sprintf("frame has %d bins, header declares %d", len(rec.Bins), d.header.BinCount),
		}
	}

	// Frames must be non-decreasing in timestamp. A regression makes this
	// record malformed but does not poison the rest of the stream.
	if rec.TimestampMs < d.lastTs {
		return nil, &StreamError{
			Kind: KindMalformed,
			Msg:  fmt.Sprintf("timestamp regression: %f after %f", rec.TimestampMs, d.lastTs),
		}
	}
	d.lastTs = rec.TimestampMs

	return rec.Frame(), nil
}

// Encoder writes a feature stream: one header, then frame records.
type Encoder struct {
	writer io.Writer
	count  int64
}

// NewEncoder creates an encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

func (e *Encoder) writeRecord(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if len(payload) > MaxRecordSize {
		return fmt.Errorf("record size %d exceeds maximum %d", len(payload), MaxRecordSize)
	}

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := e.writer.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := e.writer.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// WriteHeader writes the stream header. Must be called exactly once,
// before the first WriteFrame.
func (e *Encoder) WriteHeader(header *types.FeatureHeader) error {
	h := *header
	h.Type = types.RecordTypeHeader
	h.FormatVersion = types.FeatureFormatVersion
	return e.writeRecord(&h)
}

// WriteFrame writes one frame record.
func (e *Encoder) WriteFrame(rec *types.FeatureRecord) error {
	r := *rec
	r.Type = types.RecordTypeFrame
	if err := e.writeRecord(&r); err != nil {
		return err
	}
	e.count++
	return nil
}

// FramesWritten returns the number of frame records written so far.
func (e *Encoder) FramesWritten() int64 {
	return e.count
}
