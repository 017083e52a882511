package metrics

import (
	"sync"
	"testing"
)

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector

	// None of these should panic on a nil receiver.
	c.IncSessionCreated()
	c.IncChunkAccepted()
	c.IncFrameDecoded()
	c.IncRingFull()
	c.IncCorrectionApplied()

	snap := c.Snapshot()
	if snap.SessionsCreated != 0 {
		t.Error("nil collector snapshot should be zero")
	}
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("lamp-01")

	c.IncSessionCreated()
	c.IncSessionCreated()
	c.IncChunkAccepted()
	c.IncChunkDuplicate()
	c.IncChunkRejected()
	c.IncFrameDecoded()
	c.IncMalformedRecord()
	c.IncRingEmptyPop()
	c.IncProbeSent()
	c.IncProbeTimeout()
	c.IncFrameSkip()
	c.IncSyncFallback()

	snap := c.Snapshot()
	if snap.SessionsCreated != 2 {
		t.Errorf("SessionsCreated = %d, want 2", snap.SessionsCreated)
	}
	if snap.ChunksAccepted != 1 || snap.ChunksDuplicate != 1 || snap.ChunksRejected != 1 {
		t.Errorf("chunk counters = %d/%d/%d, want 1/1/1",
			snap.ChunksAccepted, snap.ChunksDuplicate, snap.ChunksRejected)
	}
	if snap.FramesDecoded != 1 || snap.MalformedRecords != 1 {
		t.Errorf("decode counters = %d/%d, want 1/1", snap.FramesDecoded, snap.MalformedRecords)
	}
	if snap.DeviceID != "lamp-01" {
		t.Errorf("DeviceID = %q, want lamp-01", snap.DeviceID)
	}
}

func TestCollectorConcurrentIncrements(t *testing.T) {
	c := NewCollector("lamp-01")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.IncFrameDecoded()
			}
		}()
	}
	wg.Wait()

	if got := c.Snapshot().FramesDecoded; got != 800 {
		t.Errorf("FramesDecoded = %d, want 800", got)
	}
}
