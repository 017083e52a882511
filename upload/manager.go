// Package upload implements sessioned, content-addressed chunk reassembly
// of large audio-feature artifacts.
//
// Per-chunk verification turns one large integrity check into incremental
// checks that fail fast and allow targeted retransmission. Duplicate
// chunks whose checksum matches are idempotent no-ops, so client retry
// logic cannot corrupt state.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenworks/cadence/log"
	"github.com/lumenworks/cadence/metrics"
	"github.com/lumenworks/cadence/types"
)

// DefaultMaxArtifactBytes is the default artifact size ceiling (64 MiB).
// Feature files for long tracks land around 15-20 MB.
const DefaultMaxArtifactBytes = 64 * 1024 * 1024

// DefaultMaxChunkBytes is the default per-chunk size ceiling (1 MiB).
const DefaultMaxChunkBytes = 1 * 1024 * 1024

// Sentinel errors for chunk and session rejection.
// All are recoverable by client retry; none are fatal to the device.
var (
	// ErrUnknownSession indicates the session ID is not in the table.
	ErrUnknownSession = errors.New("unknown upload session")

	// ErrChecksumMismatch indicates a chunk payload does not hash to its
	// declared checksum.
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")

	// ErrIndexOutOfRange indicates a chunk index outside [0, totalChunks).
	ErrIndexOutOfRange = errors.New("chunk index out of range")

	// ErrSizeExceeded indicates a declared or accumulated size beyond the
	// configured ceiling.
	ErrSizeExceeded = errors.New("size exceeds limit")

	// ErrInvalidSession indicates malformed session parameters.
	ErrInvalidSession = errors.New("invalid session parameters")

	// ErrArtifactChecksum indicates the assembled artifact does not hash
	// to the checksum declared at session creation.
	ErrArtifactChecksum = errors.New("artifact checksum mismatch")
)

// IncompleteError is returned by Finalize when chunks are missing.
// Missing is sorted ascending and is always a subset of [0, totalChunks).
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete upload: %d chunks missing", len(e.Missing))
}

// AddResult reports the outcome of an accepted AddChunk call.
type AddResult int

const (
	// Accepted means the chunk was new and verified.
	Accepted AddResult = iota
	// DuplicateIgnored means the chunk was already present with a
	// matching checksum. Idempotent no-op.
	DuplicateIgnored
)

// Checksum returns the hex SHA-256 of payload, the checksum format used
// across the upload protocol.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// EventSink receives status events. Passive: implementations must not
// block or feed back into upload control flow.
type EventSink func(*types.StatusEvent)

// Config configures a Manager.
type Config struct {
	// Dir is the directory for spool files and assembled artifacts.
	Dir string
	// MaxArtifactBytes caps the declared total size (default 64 MiB).
	MaxArtifactBytes int64
	// MaxChunkBytes caps a single chunk payload (default 1 MiB).
	MaxChunkBytes int64
	// DeviceID labels emitted events.
	DeviceID string
	// Logger is optional.
	Logger *log.Logger
	// Metrics is optional.
	Metrics *metrics.Collector
	// Events is optional.
	Events EventSink
}

// FinalizeResult describes a successfully assembled artifact.
type FinalizeResult struct {
	// Path is the assembled artifact on disk. It persists independently
	// of the (now released) session.
	Path string
	// SizeBytes is the assembled size.
	SizeBytes int64
	// Checksum is the hex SHA-256 of the whole artifact.
	Checksum string
}

// session is one upload in flight. Chunk payloads spill to a spool file
// as they arrive so resident memory stays bounded; the received map
// tracks index -> declared checksum, offsets tracks where each chunk
// landed in the spool.
type session struct {
	mu sync.Mutex

	id          string
	totalChunks int
	totalBytes  int64
	artifactSum string

	received map[int]string
	offsets  map[int][2]int64 // index -> (spool offset, length)
	spool    *os.File
	spoolEnd int64
	written  int64

	lastActivity int64 // unix nanos, read by the sweep without sess.mu
	finalizing   bool
	closed       bool
}

func (s *session) touch() {
	s.lastActivity = time.Now().UnixNano()
}

// Manager owns the upload session table. Created sessions live until
// Finalize succeeds or the idle sweep reclaims them.
//
// The table mutex covers lookup and insertion only; each session carries
// its own lock so concurrent chunk handlers for different sessions never
// serialize on one another.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a Manager, ensuring the working directory exists.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("upload: Dir is required")
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}, nil
}

// CreateSession allocates a session for an upload of totalChunks chunks
// and totalSizeBytes bytes. artifactChecksum is the optional hex SHA-256
// of the whole artifact, verified at finalize when present.
func (m *Manager) CreateSession(totalChunks int, totalSizeBytes int64, artifactChecksum string) (string, error) {
	if totalChunks <= 0 {
		return "", fmt.Errorf("%w: total chunks must be positive, got %d", ErrInvalidSession, totalChunks)
	}
	if totalSizeBytes <= 0 {
		return "", fmt.Errorf("%w: total size must be positive, got %d", ErrInvalidSession, totalSizeBytes)
	}
	if totalSizeBytes > m.cfg.MaxArtifactBytes {
		return "", fmt.Errorf("%w: declared size %d exceeds ceiling %d",
			ErrSizeExceeded, totalSizeBytes, m.cfg.MaxArtifactBytes)
	}

	id := uuid.NewString()
	spoolPath := filepath.Join(m.cfg.Dir, id+".spool")
	spool, err := os.OpenFile(spoolPath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("upload: create spool: %w", err)
	}

	sess := &session{
		id:          id,
		totalChunks: totalChunks,
		totalBytes:  totalSizeBytes,
		artifactSum: artifactChecksum,
		received:    make(map[int]string),
		offsets:     make(map[int][2]int64),
		spool:       spool,
	}
	sess.touch()

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.cfg.Metrics.IncSessionCreated()
	m.logInfo("upload session created", map[string]any{
		"session_id":   id,
		"total_chunks": totalChunks,
		"total_bytes":  totalSizeBytes,
	})
	m.emit(types.EventSessionCreated, map[string]any{
		"session_id":   id,
		"total_chunks": totalChunks,
		"total_bytes":  totalSizeBytes,
	})

	return id, nil
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// AddChunk validates and stores one chunk. A chunk is accepted only while
// its session is open.
//
// Returns DuplicateIgnored for a retransmission whose checksum matches
// the already-accepted copy; a mismatching duplicate is rejected with
// ErrChecksumMismatch without disturbing the accepted copy.
func (m *Manager) AddChunk(sessionID string, index int, payload []byte, declaredChecksum string) (AddResult, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		m.cfg.Metrics.IncChunkRejected()
		return 0, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		m.cfg.Metrics.IncChunkRejected()
		return 0, ErrUnknownSession
	}

	if index < 0 || index >= sess.totalChunks {
		m.cfg.Metrics.IncChunkRejected()
		return 0, fmt.Errorf("%w: index %d not in [0, %d)", ErrIndexOutOfRange, index, sess.totalChunks)
	}
	if int64(len(payload)) > m.cfg.MaxChunkBytes {
		m.cfg.Metrics.IncChunkRejected()
		return 0, fmt.Errorf("%w: chunk size %d exceeds ceiling %d",
			ErrSizeExceeded, len(payload), m.cfg.MaxChunkBytes)
	}

	// Verify before accepting: the declared checksum must match the
	// payload, whatever the arrival order.
	actual := Checksum(payload)
	if actual != declaredChecksum {
		m.cfg.Metrics.IncChunkRejected()
		return 0, fmt.Errorf("%w: chunk %d declared %.12s, payload hashes to %.12s",
			ErrChecksumMismatch, index, declaredChecksum, actual)
	}

	if existing, dup := sess.received[index]; dup {
		sess.touch()
		if existing == declaredChecksum {
			m.cfg.Metrics.IncChunkDuplicate()
			return DuplicateIgnored, nil
		}
		// Same index, different verified content. Keep the first copy.
		m.cfg.Metrics.IncChunkRejected()
		return 0, fmt.Errorf("%w: chunk %d retransmitted with different content", ErrChecksumMismatch, index)
	}

	if sess.written+int64(len(payload)) > sess.totalBytes {
		m.cfg.Metrics.IncChunkRejected()
		return 0, fmt.Errorf("%w: accumulated size would exceed declared %d",
			ErrSizeExceeded, sess.totalBytes)
	}

	if _, err := sess.spool.WriteAt(payload, sess.spoolEnd); err != nil {
		return 0, fmt.Errorf("upload: spool write: %w", err)
	}
	sess.offsets[index] = [2]int64{sess.spoolEnd, int64(len(payload))}
	sess.spoolEnd += int64(len(payload))
	sess.written += int64(len(payload))
	sess.received[index] = declaredChecksum
	sess.touch()

	m.cfg.Metrics.IncChunkAccepted()
	m.logDebug("chunk accepted", map[string]any{
		"session_id": sessionID,
		"index":      index,
		"received":   len(sess.received),
		"total":      sess.totalChunks,
	})

	return Accepted, nil
}

// Finalize assembles the artifact from the session's chunks in index
// order. Succeeds only when every index in [0, totalChunks) was accepted;
// otherwise returns *IncompleteError listing exactly the missing indices
// and leaves the session open for further chunks.
//
// On success the session is closed and its bookkeeping released; the
// assembled artifact persists independently.
func (m *Manager) Finalize(sessionID string) (*FinalizeResult, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		return nil, ErrUnknownSession
	}

	if len(sess.received) != sess.totalChunks {
		missing := make([]int, 0, sess.totalChunks-len(sess.received))
		for i := range sess.totalChunks {
			if _, ok := sess.received[i]; !ok {
				missing = append(missing, i)
			}
		}
		sort.Ints(missing)
		sess.touch()
		return nil, &IncompleteError{Missing: missing}
	}

	// The sweep skips finalizing sessions; flag before the file work.
	sess.finalizing = true
	defer func() { sess.finalizing = false }()

	result, err := m.assemble(sess)
	if err != nil {
		return nil, err
	}

	// Close the session: release bookkeeping, drop the spool.
	sess.closed = true
	spoolPath := sess.spool.Name()
	_ = sess.spool.Close()
	_ = os.Remove(spoolPath)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.cfg.Metrics.IncSessionFinalized()
	m.logInfo("upload session finalized", map[string]any{
		"session_id": sessionID,
		"path":       result.Path,
		"size_bytes": result.SizeBytes,
	})
	m.emit(types.EventSessionFinalized, map[string]any{
		"session_id": sessionID,
		"path":       result.Path,
		"size_bytes": result.SizeBytes,
		"checksum":   result.Checksum,
	})

	return result, nil
}

// assemble writes chunks in index order to the artifact path, hashing as
// it goes. Caller holds sess.mu.
func (m *Manager) assemble(sess *session) (*FinalizeResult, error) {
	artifactPath := filepath.Join(m.cfg.Dir, sess.id+".features")
	out, err := os.Create(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("upload: create artifact: %w", err)
	}

	hasher := sha256.New()
	var total int64
	buf := make([]byte, 64*1024)

	for i := range sess.totalChunks {
		loc := sess.offsets[i]
		remaining := loc[1]
		offset := loc[0]
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if _, err := sess.spool.ReadAt(buf[:n], offset); err != nil {
				_ = out.Close()
				_ = os.Remove(artifactPath)
				return nil, fmt.Errorf("upload: spool read: %w", err)
			}
			if _, err := out.Write(buf[:n]); err != nil {
				_ = out.Close()
				_ = os.Remove(artifactPath)
				return nil, fmt.Errorf("upload: artifact write: %w", err)
			}
			hasher.Write(buf[:n])
			offset += n
			remaining -= n
			total += n
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(artifactPath)
		return nil, fmt.Errorf("upload: close artifact: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if sess.artifactSum != "" && sum != sess.artifactSum {
		_ = os.Remove(artifactPath)
		return nil, fmt.Errorf("%w: assembled %.12s, declared %.12s",
			ErrArtifactChecksum, sum, sess.artifactSum)
	}

	return &FinalizeResult{
		Path:      artifactPath,
		SizeBytes: total,
		Checksum:  sum,
	}, nil
}

// CleanupStale reclaims sessions idle longer than maxIdle, freeing their
// spool files. Never reaps a session mid-finalization. Returns the number
// of sessions removed.
func (m *Manager) CleanupStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle).UnixNano()

	m.mu.Lock()
	var stale []*session
	for _, sess := range m.sessions {
		if sess.lastActivity < cutoff {
			stale = append(stale, sess)
		}
	}
	m.mu.Unlock()

	var removed int
	for _, sess := range stale {
		sess.mu.Lock()
		if sess.finalizing || sess.closed || sess.lastActivity >= cutoff {
			sess.mu.Unlock()
			continue
		}
		sess.closed = true
		spoolPath := sess.spool.Name()
		_ = sess.spool.Close()
		_ = os.Remove(spoolPath)
		sess.mu.Unlock()

		m.mu.Lock()
		delete(m.sessions, sess.id)
		m.mu.Unlock()

		removed++
		m.cfg.Metrics.IncSessionExpired()
		m.logInfo("upload session expired", map[string]any{"session_id": sess.id})
		m.emit(types.EventSessionExpired, map[string]any{"session_id": sess.id})
	}

	return removed
}

// SessionCount returns the number of open sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close releases all open sessions and their spool files.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if !sess.closed {
			sess.closed = true
			spoolPath := sess.spool.Name()
			_ = sess.spool.Close()
			_ = os.Remove(spoolPath)
		}
		sess.mu.Unlock()
	}
}

func (m *Manager) emit(typ types.EventType, fields map[string]any) {
	if m.cfg.Events == nil {
		return
	}
	m.cfg.Events(types.NewStatusEvent(m.cfg.DeviceID, typ, fields))
}

func (m *Manager) logInfo(msg string, fields map[string]any) {
	if m.cfg.Logger == nil {
		return
	}
	m.cfg.Logger.Info(msg, fields)
}

func (m *Manager) logDebug(msg string, fields map[string]any) {
	if m.cfg.Logger == nil {
		return
	}
	m.cfg.Logger.Debug(msg, fields)
}
