// Package engine orchestrates the device runtime: it feeds decoded
// frames from a finalized feature artifact through the ring buffer to a
// fixed-rate render consumer, gates frame selection on the sync
// controller's corrected playback clock, and reclaims stale upload
// sessions in the background.
package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenworks/cadence/codec"
	"github.com/lumenworks/cadence/log"
	"github.com/lumenworks/cadence/metrics"
	"github.com/lumenworks/cadence/ring"
	"github.com/lumenworks/cadence/syncctl"
	"github.com/lumenworks/cadence/types"
	"github.com/lumenworks/cadence/upload"
)

// ErrNoArtifact indicates a sync session was requested before any
// feature artifact was loaded.
var ErrNoArtifact = errors.New("no feature artifact loaded")

// ErrSyncActive indicates a sync session is already attached.
var ErrSyncActive = errors.New("sync session already attached")

// EventSink receives status events.
type EventSink func(*types.StatusEvent)

// Config holds engine tuning. Zero values take the documented defaults.
type Config struct {
	// DeviceID labels logs, metrics and events.
	DeviceID string
	// FrameRate is the render tick rate in frames per second (60).
	FrameRate int
	// RingCapacity is the decode-to-render buffer depth (ring.DefaultCapacity).
	RingCapacity int
	// PushTimeout bounds a producer push against a full ring (500ms).
	PushTimeout time.Duration
	// StaleSessionAge is the idle age after which an upload session is
	// reclaimed (5 minutes, matching the upload portal contract).
	StaleSessionAge time.Duration
	// SweepInterval is the reclamation sweep period (1 minute).
	SweepInterval time.Duration

	Uploads *upload.Manager
	Logger  *log.Logger
	Metrics *metrics.Collector
	Events  EventSink
}

func (c *Config) applyDefaults() {
	if c.FrameRate <= 0 {
		c.FrameRate = 60
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = ring.DefaultCapacity
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 500 * time.Millisecond
	}
	if c.StaleSessionAge <= 0 {
		c.StaleSessionAge = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Engine is the device runtime. One per process.
type Engine struct {
	cfg  Config
	ring *ring.Buffer

	mu           sync.Mutex
	artifactPath string
	header       *types.FeatureHeader
	producerStop context.CancelFunc
	producerDone chan struct{}

	// sync is the attached controller, nil outside a session. The render
	// tick loads it lock-free every frame.
	sync atomic.Pointer[syncctl.Controller]

	// current is the last frame handed to the render side. hasFrame
	// distinguishes "no frame yet" from a zero-valued frame.
	current  atomic.Pointer[types.AudioFrame]
	hasFrame atomic.Bool
}

// New creates an engine. Run must be called to start the render and
// sweep loops.
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:  cfg,
		ring: ring.New(cfg.RingCapacity),
	}
}

// FrameInterval returns the render tick period.
func (e *Engine) FrameInterval() time.Duration {
	return time.Second / time.Duration(e.cfg.FrameRate)
}

// LoadArtifact validates a finalized feature artifact and registers it
// as the active track. Only the header is read here; frames stream at
// playback time.
func (e *Engine) LoadArtifact(path string) (*types.FeatureHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := codec.NewDecoder(f).ReadHeader()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.artifactPath = path
	e.header = header
	e.mu.Unlock()

	e.logInfo("artifact loaded", map[string]any{
		"path":        path,
		"duration_ms": header.DurationMs,
		"frames":      header.FrameCount,
		"bpm":         header.BPM,
	})
	return header, nil
}

// Header returns the active track's header, nil if none is loaded.
func (e *Engine) Header() *types.FeatureHeader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.header
}

// BeginSync attaches a sync session over the given link and starts the
// decode producer so the ring is primed before the scheduled start.
// The returned controller is live; route probe responses, heartbeats
// and stop requests to it.
func (e *Engine) BeginSync(ctx context.Context, link syncctl.Link, syncCfg syncctl.Config) (*syncctl.Controller, error) {
	e.mu.Lock()
	if e.artifactPath == "" {
		e.mu.Unlock()
		return nil, ErrNoArtifact
	}
	if e.sync.Load() != nil {
		e.mu.Unlock()
		return nil, ErrSyncActive
	}
	path := e.artifactPath
	e.mu.Unlock()

	syncCfg.DeviceID = e.cfg.DeviceID
	syncCfg.Logger = e.cfg.Logger
	syncCfg.Metrics = e.cfg.Metrics
	syncCfg.Events = syncctl.EventSink(e.cfg.Events)
	ctrl := syncctl.NewController(syncCfg, link)

	if err := e.startProducer(ctx, path); err != nil {
		return nil, err
	}
	if err := ctrl.BeginSync(ctx); err != nil {
		e.stopProducer()
		return nil, err
	}
	e.sync.Store(ctrl)
	return ctrl, nil
}

// EndSync tears down the attached sync session. Idempotent; safe when
// no session is attached.
func (e *Engine) EndSync(reason string) {
	ctrl := e.sync.Swap(nil)
	if ctrl == nil {
		return
	}
	ctrl.Stop(reason)
	e.stopProducer()
	e.ring.Reset()
	e.hasFrame.Store(false)
}

// Sync returns the attached controller, nil outside a session.
func (e *Engine) Sync() *syncctl.Controller {
	return e.sync.Load()
}

// CurrentFrame returns the last frame selected by the render loop. The
// second return is false until the first frame of a session lands.
func (e *Engine) CurrentFrame() (*types.AudioFrame, bool) {
	if !e.hasFrame.Load() {
		return nil, false
	}
	return e.current.Load(), true
}

// startProducer launches the decode goroutine for the given artifact.
// Caller must not hold e.mu across the whole session, only this call.
func (e *Engine) startProducer(ctx context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.producerDone != nil {
		return ErrSyncActive
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.producerStop = cancel
	e.producerDone = done
	e.ring.Reset()

	go e.produce(pctx, f, done)
	return nil
}

// stopProducer cancels the decode goroutine and waits for it to drain.
func (e *Engine) stopProducer() {
	e.mu.Lock()
	cancel := e.producerStop
	done := e.producerDone
	e.producerStop = nil
	e.producerDone = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	// The producer may be parked in a timed push; Reset frees capacity
	// so the wait ends promptly either way.
	e.ring.Reset()
	<-done
}

// produce streams frames from the artifact into the ring until the
// stream ends, a fatal decode error occurs, or the context is canceled.
// Malformed records are skipped and counted; truncation ends the pass
// with a decode_error event. The render loop is never disturbed.
func (e *Engine) produce(ctx context.Context, f *os.File, done chan struct{}) {
	defer close(done)
	defer f.Close()

	dec := codec.NewDecoder(f)
	if _, err := dec.ReadHeader(); err != nil {
		e.logWarn("producer header read failed", map[string]any{"error": err.Error()})
		e.emit(types.EventDecodeError, map[string]any{"error": err.Error()})
		return
	}

	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.logInfo("artifact stream complete", nil)
				return
			}
			if codec.IsMalformed(err) {
				e.cfg.Metrics.IncMalformedRecord()
				e.logDebug("malformed record skipped", map[string]any{"error": err.Error()})
				continue
			}
			if codec.IsTruncated(err) {
				e.cfg.Metrics.IncTruncatedStream()
			}
			e.logWarn("decode pass ended", map[string]any{"error": err.Error()})
			e.emit(types.EventDecodeError, map[string]any{"error": err.Error()})
			return
		}
		e.cfg.Metrics.IncFrameDecoded()

		// Timed pushes against a full ring: retry until space frees or
		// the session ends.
		for {
			perr := e.ring.Push(frame, e.cfg.PushTimeout)
			if perr == nil {
				break
			}
			if errors.Is(perr, ring.ErrClosed) {
				return
			}
			if errors.Is(perr, ring.ErrOutOfOrder) {
				// The decoder already enforces ordering; an out-of-order
				// push means the ring was reset mid-stream. Drop it.
				return
			}
			e.cfg.Metrics.IncRingFull()
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Run drives the render tick and the stale-session sweep until the
// context ends. The render tick is bounded: ring pops and atomic stores
// only, no I/O.
func (e *Engine) Run(ctx context.Context) error {
	renderTicker := time.NewTicker(e.FrameInterval())
	defer renderTicker.Stop()

	sweepTicker := time.NewTicker(e.cfg.SweepInterval)
	defer sweepTicker.Stop()

	e.logInfo("engine running", map[string]any{
		"frame_rate":    e.cfg.FrameRate,
		"ring_capacity": e.cfg.RingCapacity,
	})

	for {
		select {
		case <-renderTicker.C:
			e.renderTick()
		case <-sweepTicker.C:
			e.sweep()
		case <-ctx.Done():
			e.EndSync("shutdown")
			e.ring.Close()
			return ctx.Err()
		}
	}
}

// renderTick advances the current frame to the newest one at or before
// the corrected playback clock. Empty pops hold the last frame.
func (e *Engine) renderTick() {
	ctrl := e.sync.Load()
	if ctrl == nil || !ctrl.Active() {
		return
	}
	target := ctrl.PlaybackElapsedMs()

	advanced := false
	for {
		frame, ok := e.ring.Peek()
		if !ok {
			if !advanced {
				e.cfg.Metrics.IncRingEmptyPop()
			}
			break
		}
		if frame.TimestampMs > target {
			break
		}
		e.ring.Pop()
		e.current.Store(frame)
		advanced = true
	}
	if advanced {
		e.hasFrame.Store(true)
	}
}

// sweep reclaims idle upload sessions.
func (e *Engine) sweep() {
	if e.cfg.Uploads == nil {
		return
	}
	if removed := e.cfg.Uploads.CleanupStale(e.cfg.StaleSessionAge); removed > 0 {
		e.logInfo("stale upload sessions reclaimed", map[string]any{"count": removed})
	}
}

func (e *Engine) emit(typ types.EventType, fields map[string]any) {
	if e.cfg.Events == nil {
		return
	}
	e.cfg.Events(types.NewStatusEvent(e.cfg.DeviceID, typ, fields))
}

func (e *Engine) logInfo(msg string, fields map[string]any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Info(msg, fields)
	}
}

func (e *Engine) logWarn(msg string, fields map[string]any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Warn(msg, fields)
	}
}

func (e *Engine) logDebug(msg string, fields map[string]any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Debug(msg, fields)
	}
}
