package upload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{Dir: t.TempDir(), DeviceID: "lamp-01"})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

// splitChunks cuts data into n roughly equal chunks.
func splitChunks(data []byte, n int) [][]byte {
	size := (len(data) + n - 1) / n
	chunks := make([][]byte, 0, n)
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

func artifactChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestCreateSessionRejectsOversized(t *testing.T) {
	m, err := NewManager(Config{Dir: t.TempDir(), MaxArtifactBytes: 100})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_, err = m.CreateSession(4, 101, "")
	if !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("err = %v, want ErrSizeExceeded", err)
	}
}

func TestCreateSessionRejectsZeroChunks(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.CreateSession(0, 100, ""); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("err = %v, want ErrInvalidSession", err)
	}
}

func TestAddChunkUnknownSession(t *testing.T) {
	m := newTestManager(t)

	payload := []byte("data")
	_, err := m.AddChunk("no-such-session", 0, payload, Checksum(payload))
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestAddChunkIndexOutOfRange(t *testing.T) {
	m := newTestManager(t)
	id, err := m.CreateSession(4, 100, "")
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("data")
	for _, idx := range []int{-1, 4, 100} {
		_, err := m.AddChunk(id, idx, payload, Checksum(payload))
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("index %d: err = %v, want ErrIndexOutOfRange", idx, err)
		}
	}
}

func TestAddChunkChecksumMismatchAlwaysRejected(t *testing.T) {
	m := newTestManager(t)
	id, err := m.CreateSession(2, 100, "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.AddChunk(id, 0, []byte("payload"), Checksum([]byte("different")))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestAddChunkDuplicateIdempotent(t *testing.T) {
	m := newTestManager(t)
	id, err := m.CreateSession(2, 100, "")
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("chunk zero")
	if res, err := m.AddChunk(id, 0, payload, Checksum(payload)); err != nil || res != Accepted {
		t.Fatalf("first add = (%v, %v), want (Accepted, nil)", res, err)
	}

	// Matching retransmission: no-op.
	if res, err := m.AddChunk(id, 0, payload, Checksum(payload)); err != nil || res != DuplicateIgnored {
		t.Fatalf("duplicate add = (%v, %v), want (DuplicateIgnored, nil)", res, err)
	}

	// Retransmission with different verified content: rejected.
	other := []byte("other data")
	if _, err := m.AddChunk(id, 0, other, Checksum(other)); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("conflicting duplicate = %v, want ErrChecksumMismatch", err)
	}
}

// Spec scenario: totalChunks=4; chunks 2,0,3 arrive; finalize reports
// missing [1]; chunk 1 arrives; finalize assembles a byte-identical
// artifact.
func TestFinalizeScenario(t *testing.T) {
	m := newTestManager(t)

	original := make([]byte, 4000)
	rand.New(rand.NewSource(7)).Read(original)
	chunks := splitChunks(original, 4)

	id, err := m.CreateSession(4, int64(len(original)), artifactChecksum(original))
	if err != nil {
		t.Fatal(err)
	}

	for _, idx := range []int{2, 0, 3} {
		if _, err := m.AddChunk(id, idx, chunks[idx], Checksum(chunks[idx])); err != nil {
			t.Fatalf("AddChunk(%d) failed: %v", idx, err)
		}
	}

	_, err = m.Finalize(id)
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Finalize = %v, want IncompleteError", err)
	}
	if len(incomplete.Missing) != 1 || incomplete.Missing[0] != 1 {
		t.Fatalf("Missing = %v, want [1]", incomplete.Missing)
	}

	if _, err := m.AddChunk(id, 1, chunks[1], Checksum(chunks[1])); err != nil {
		t.Fatalf("AddChunk(1) failed: %v", err)
	}

	result, err := m.Finalize(id)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	assembled, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, original) {
		t.Error("assembled artifact differs from original")
	}
	if result.Checksum != artifactChecksum(original) {
		t.Error("result checksum differs from original checksum")
	}

	// Session released; the artifact persists.
	if m.SessionCount() != 0 {
		t.Errorf("SessionCount = %d, want 0", m.SessionCount())
	}
	if _, err := os.Stat(result.Path); err != nil {
		t.Errorf("artifact should persist after finalize: %v", err)
	}

	if _, err := m.Finalize(id); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Finalize on closed session = %v, want ErrUnknownSession", err)
	}
}

// Any arrival permutation, with duplicate retransmissions mixed in,
// reassembles a byte-identical artifact.
func TestFinalizePermutationsWithDuplicates(t *testing.T) {
	original := make([]byte, 9000)
	rng := rand.New(rand.NewSource(42))
	rng.Read(original)
	chunks := splitChunks(original, 6)

	for trial := range 10 {
		m := newTestManager(t)
		id, err := m.CreateSession(len(chunks), int64(len(original)), "")
		if err != nil {
			t.Fatal(err)
		}

		order := rng.Perm(len(chunks))
		for _, idx := range order {
			if _, err := m.AddChunk(id, idx, chunks[idx], Checksum(chunks[idx])); err != nil {
				t.Fatalf("trial %d: AddChunk(%d) failed: %v", trial, idx, err)
			}
			// Retransmit the chunk just accepted; must be a no-op.
			if rng.Intn(2) == 0 {
				res, err := m.AddChunk(id, idx, chunks[idx], Checksum(chunks[idx]))
				if err != nil || res != DuplicateIgnored {
					t.Fatalf("trial %d: duplicate of %d = (%v, %v)", trial, idx, res, err)
				}
			}
		}

		result, err := m.Finalize(id)
		if err != nil {
			t.Fatalf("trial %d: Finalize failed: %v", trial, err)
		}
		assembled, err := os.ReadFile(result.Path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(assembled, original) {
			t.Fatalf("trial %d (order %v): artifact differs from original", trial, order)
		}
	}
}

func TestFinalizeArtifactChecksumMismatch(t *testing.T) {
	m := newTestManager(t)

	data := []byte("the artifact body")
	id, err := m.CreateSession(1, int64(len(data)), artifactChecksum([]byte("something else")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddChunk(id, 0, data, Checksum(data)); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Finalize(id); !errors.Is(err, ErrArtifactChecksum) {
		t.Fatalf("Finalize = %v, want ErrArtifactChecksum", err)
	}
}

func TestAddChunkRejectsOverflowOfDeclaredSize(t *testing.T) {
	m := newTestManager(t)

	id, err := m.CreateSession(2, 10, "")
	if err != nil {
		t.Fatal(err)
	}

	big := bytes.Repeat([]byte("x"), 11)
	if _, err := m.AddChunk(id, 0, big, Checksum(big)); !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("err = %v, want ErrSizeExceeded", err)
	}
}

func TestCleanupStale(t *testing.T) {
	m := newTestManager(t)

	stale, err := m.CreateSession(2, 100, "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.CreateSession(2, 100, "")
	if err != nil {
		t.Fatal(err)
	}

	// Age only the first session.
	m.mu.Lock()
	m.sessions[stale].lastActivity = time.Now().Add(-time.Hour).UnixNano()
	m.mu.Unlock()

	if removed := m.CleanupStale(30 * time.Minute); removed != 1 {
		t.Fatalf("CleanupStale removed %d, want 1", removed)
	}
	if m.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", m.SessionCount())
	}

	payload := []byte("late chunk")
	if _, err := m.AddChunk(stale, 0, payload, Checksum(payload)); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("chunk to expired session = %v, want ErrUnknownSession", err)
	}
}

func TestCleanupStaleSkipsActiveSessions(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.CreateSession(2, 100, ""); err != nil {
		t.Fatal(err)
	}

	if removed := m.CleanupStale(time.Hour); removed != 0 {
		t.Errorf("CleanupStale removed %d fresh sessions", removed)
	}
}
