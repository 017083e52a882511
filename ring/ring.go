// Package ring implements the bounded frame handoff between the decode
// producer and the render consumer.
//
// Policy: a full ring blocks the producer up to a caller-supplied timeout
// and then reports ErrFull as a recoverable backpressure signal; data is
// never dropped silently. The consumer side never blocks: Pop returns
// immediately, empty or not, because the render loop runs on a hard
// per-frame deadline and falls back to its last-known frame state.
package ring

import (
	"errors"
	"sync"
	"time"

	"github.com/lumenworks/cadence/types"
)

// DefaultCapacity is the default ring capacity. Small on purpose: the
// ring decouples rates, it is not a lookahead cache.
const DefaultCapacity = 32

// ErrFull is returned when a push times out against a full ring.
// Recoverable: the producer retries after the consumer drains.
var ErrFull = errors.New("ring full")

// ErrClosed is returned for pushes after Close.
var ErrClosed = errors.New("ring closed")

// ErrOutOfOrder is returned for a push whose timestamp precedes the
// previously pushed frame. Frames enter the ring in non-decreasing
// timestamp order only.
var ErrOutOfOrder = errors.New("frame timestamp out of order")

// Buffer is a single-producer/single-consumer bounded frame queue.
//
// Internally a mutex plus condition variable; every critical section is a
// few pointer moves, so the consumer's lock hold time is bounded even
// though the producer may park waiting for space.
type Buffer struct {
	mu      sync.Mutex
	nonFull *sync.Cond

	frames []*types.AudioFrame
	head   int
	tail   int
	count  int
	lastTs float64
	closed bool

	waits int64 // pushes that had to wait
}

// New creates a ring with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{
		frames: make([]*types.AudioFrame, capacity),
		lastTs: -1,
	}
	b.nonFull = sync.NewCond(&b.mu)
	return b
}

// Push appends a frame, blocking up to timeout when full.
//
// Errors:
//   - ErrFull: no space became available within timeout (recoverable)
//   - ErrOutOfOrder: frame regresses behind the previous push
//   - ErrClosed: the ring was closed
func (b *Buffer) Push(frame *types.AudioFrame, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == len(b.frames) && !b.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrFull
		}
		b.waits++
		// Cond has no deadline wait; a timer broadcast bounds the park.
		timer := time.AfterFunc(remaining, b.nonFull.Broadcast)
		b.nonFull.Wait()
		timer.Stop()
	}

	if b.closed {
		return ErrClosed
	}
	if frame.TimestampMs < b.lastTs {
		return ErrOutOfOrder
	}

	b.frames[b.tail] = frame
	b.tail = (b.tail + 1) % len(b.frames)
	b.count++
	b.lastTs = frame.TimestampMs
	return nil
}

// Pop removes and returns the oldest frame. Non-blocking: returns
// (nil, false) immediately when the ring is empty.
func (b *Buffer) Pop() (*types.AudioFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil, false
	}

	frame := b.frames[b.head]
	b.frames[b.head] = nil
	b.head = (b.head + 1) % len(b.frames)
	b.count--
	b.nonFull.Broadcast()
	return frame, true
}

// Peek returns the oldest frame without removing it.
func (b *Buffer) Peek() (*types.AudioFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil, false
	}
	return b.frames[b.head], true
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the ring capacity.
func (b *Buffer) Cap() int {
	return len(b.frames)
}

// PushWaits returns the number of pushes that had to wait for space.
func (b *Buffer) PushWaits() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waits
}

// Reset empties the ring and clears the ordering watermark.
// Used between decode passes; caller must ensure producer and consumer
// are quiescent.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head, b.tail, b.count = 0, 0, 0
	b.lastTs = -1
	b.nonFull.Broadcast()
}

// Close wakes any blocked producer. Subsequent pushes fail with
// ErrClosed; buffered frames remain poppable.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.nonFull.Broadcast()
}
