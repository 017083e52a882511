// Package adapter defines the status-event fanout boundary.
//
// Adapters publish device status events (upload lifecycle, sync
// transitions, drift corrections, fallbacks) to downstream systems.
// Events are passive notifications: publish failures are logged and
// dropped, never fed back into upload, decode, or sync control flow.
package adapter

import (
	"context"
	"time"

	"github.com/lumenworks/cadence/log"
	"github.com/lumenworks/cadence/types"
)

// Adapter publishes status events to a downstream system.
type Adapter interface {
	// Publish sends one status event downstream.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *types.StatusEvent) error

	// Close releases adapter resources.
	Close() error
}

// queueDepth bounds the fanout backlog. Events beyond it are dropped;
// a slow downstream must not stall the device.
const queueDepth = 256

// publishTimeout bounds one event's total fanout time.
const publishTimeout = 30 * time.Second

// Fanout dispatches events to a set of adapters from a single worker
// goroutine. Enqueueing never blocks.
type Fanout struct {
	adapters []Adapter
	logger   *log.Logger

	queue chan *types.StatusEvent
	done  chan struct{}
}

// NewFanout creates a running fanout over the given adapters.
func NewFanout(logger *log.Logger, adapters ...Adapter) *Fanout {
	f := &Fanout{
		adapters: adapters,
		logger:   logger,
		queue:    make(chan *types.StatusEvent, queueDepth),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

// Sink returns the event callback handed to emitting components.
func (f *Fanout) Sink() func(*types.StatusEvent) {
	return f.Enqueue
}

// Enqueue queues an event for publication. Non-blocking: when the
// backlog is full the event is dropped and logged.
func (f *Fanout) Enqueue(event *types.StatusEvent) {
	if event == nil {
		return
	}
	select {
	case f.queue <- event:
	default:
		f.logWarn("event dropped, fanout backlog full", map[string]any{"type": string(event.Type)})
	}
}

func (f *Fanout) run() {
	defer close(f.done)
	for event := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		for _, a := range f.adapters {
			if err := a.Publish(ctx, event); err != nil {
				f.logWarn("event publish failed", map[string]any{
					"type":  string(event.Type),
					"error": err.Error(),
				})
			}
		}
		cancel()
	}
}

// Close drains the backlog, stops the worker, and closes every adapter.
func (f *Fanout) Close() error {
	close(f.queue)
	<-f.done

	var firstErr error
	for _, a := range f.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Fanout) logWarn(msg string, fields map[string]any) {
	if f.logger != nil {
		f.logger.Warn(msg, fields)
	}
}
