// Package syncctl implements the synchronization controller: latency
// measurement against a remote player, a scheduled common start, and a
// closed-loop drift correction that keeps the device's playback clock
// aligned with the client's self-reported elapsed time.
package syncctl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenworks/cadence/log"
	"github.com/lumenworks/cadence/metrics"
	"github.com/lumenworks/cadence/types"
)

// Sync error taxonomy.
var (
	// ErrProbeTimeout indicates no latency samples could be gathered.
	ErrProbeTimeout = errors.New("latency probes timed out")

	// ErrExcessiveDrift indicates sustained drift beyond the ceiling.
	// Terminal for the sync session, not for the device.
	ErrExcessiveDrift = errors.New("excessive drift")

	// ErrClockUnavailable indicates the monotonic clock is unusable.
	// Fatal to entering Measuring.
	ErrClockUnavailable = errors.New("monotonic clock unavailable")

	// ErrBusy indicates a sync session is already in flight.
	ErrBusy = errors.New("sync session already active")
)

// Clock abstracts monotonic time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Link is the outbound half of the sync transport. Implementations must
// not block indefinitely; send failures are logged, not propagated, since
// the correction loop competes with the render path for scheduling.
type Link interface {
	SendProbe(m *types.ProbeMessage) error
	SendScheduledStart(m *types.ScheduledStartMessage) error
	SendDriftCorrection(m *types.DriftCorrectionMessage) error
	SendStop(m *types.StopMessage) error
}

// EventSink receives status events. Passive notifications only.
type EventSink func(*types.StatusEvent)

// Config holds controller tuning. Zero values take the documented
// defaults.
type Config struct {
	// ProbeCount is the number of latency probes per measurement (10).
	ProbeCount int
	// ProbeTimeout is the per-probe response deadline (500ms).
	ProbeTimeout time.Duration
	// ProbeInterval is the spacing between probes (100ms).
	ProbeInterval time.Duration
	// MinProbes is the minimum sample count for full confidence (ProbeCount/2).
	MinProbes int

	// SafetyMargin pads the scheduled start beyond the one-way latency (150ms).
	SafetyMargin time.Duration

	// CorrectionInterval is the drift-correction step period (50ms,
	// about every 3 frames at 60fps).
	CorrectionInterval time.Duration
	// SkipThresholdMs is the error beyond which a one-shot skip/repeat
	// replaces rate adjustment (250ms).
	SkipThresholdMs float64
	// DriftCeilingMs is the sustained-error ceiling that kills the
	// session (1000ms).
	DriftCeilingMs float64
	// DriftGraceSteps is how many consecutive over-ceiling steps are
	// tolerated before fallback (20, one second at the default interval).
	DriftGraceSteps int

	// PID gains. Error in milliseconds, output is a rate fraction.
	Kp, Ki, Kd float64
	// IntegralClampMsS clamps the integral accumulator (ms·s).
	IntegralClampMsS float64
	// MaxRateAdjust bounds the per-step rate correction (0.05 = ±5%).
	MaxRateAdjust float64

	// DeviceID labels emitted events.
	DeviceID string

	Clock   Clock
	Logger  *log.Logger
	Metrics *metrics.Collector
	Events  EventSink
}

func (c *Config) applyDefaults() {
	if c.ProbeCount <= 0 {
		c.ProbeCount = 10
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 500 * time.Millisecond
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 100 * time.Millisecond
	}
	if c.MinProbes <= 0 {
		c.MinProbes = c.ProbeCount / 2
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 150 * time.Millisecond
	}
	if c.CorrectionInterval <= 0 {
		c.CorrectionInterval = 50 * time.Millisecond
	}
	if c.SkipThresholdMs <= 0 {
		c.SkipThresholdMs = 250
	}
	if c.DriftCeilingMs <= 0 {
		c.DriftCeilingMs = 1000
	}
	if c.DriftGraceSteps <= 0 {
		c.DriftGraceSteps = 20
	}
	if c.Kp == 0 {
		c.Kp = 0.002
	}
	if c.Ki == 0 {
		c.Ki = 0.002
	}
	if c.Kd == 0 {
		c.Kd = 0.0005
	}
	if c.IntegralClampMsS == 0 {
		c.IntegralClampMsS = 25
	}
	if c.MaxRateAdjust == 0 {
		c.MaxRateAdjust = 0.05
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
}

// Status is a point-in-time snapshot for observability surfaces.
type Status struct {
	State             State
	LatencyMs         float64
	ReducedConfidence bool
	DeviceElapsedMs   float64
	ClientElapsedMs   float64
	DriftMs           float64
}

// Controller owns all sync state. Mutated only by its own run goroutine
// and by the protocol entry points (probe response, heartbeat, stop);
// the render path reads the active flag and corrected clock without
// taking the controller lock on a slow path.
type Controller struct {
	cfg  Config
	link Link

	mu        sync.Mutex
	state     State
	latencyMs float64
	reduced   bool
	pid       *PID
	rate      float64
	playedMs  float64
	lastStep  time.Time
	strikes   int

	lastHB    *types.HeartbeatMessage
	lastHBAt  time.Time
	lastDrift float64

	probeCh chan *types.ProbeResponseMessage
	stopCh  chan struct{}
	stopped sync.Once

	// active is the lightweight flag the render path polls each frame.
	active atomic.Bool
	// playedAtomic mirrors playedMs for lock-free render-path reads,
	// stored as micros to keep the value integral.
	playedAtomic atomic.Int64
}

// NewController creates a controller in Idle.
func NewController(cfg Config, link Link) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:     cfg,
		link:    link,
		state:   Idle,
		rate:    1,
		pid:     NewPID(cfg.Kp, cfg.Ki, cfg.Kd, cfg.IntegralClampMsS, cfg.MaxRateAdjust),
		probeCh: make(chan *types.ProbeResponseMessage, 16),
		stopCh:  make(chan struct{}),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether audio-reactive playback is live. Lock-free;
// the render loop checks this before every frame.
func (c *Controller) Active() bool {
	return c.active.Load()
}

// PlaybackElapsedMs returns the corrected playback clock. Monotonically
// non-decreasing: corrections adjust rate or skip forward, never rewind.
// Lock-free for the render path.
func (c *Controller) PlaybackElapsedMs() float64 {
	return float64(c.playedAtomic.Load()) / 1000
}

// Status returns an observability snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var clientMs float64
	if c.lastHB != nil {
		clientMs = c.lastHB.ClientElapsedMs + float64(c.cfg.Clock.Now().Sub(c.lastHBAt))/float64(time.Millisecond)
	}
	return Status{
		State:             c.state,
		LatencyMs:         c.latencyMs,
		ReducedConfidence: c.reduced,
		DeviceElapsedMs:   c.playedMs,
		ClientElapsedMs:   clientMs,
		DriftMs:           c.lastDrift,
	}
}

// transition moves the state machine, emitting a sync_transition event.
// Caller must hold c.mu.
func (c *Controller) transition(to State) error {
	from := c.state
	if from == to {
		return nil
	}
	if !validTransition(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}
	c.state = to

	c.logInfo("sync state transition", map[string]any{"from": from.String(), "to": to.String()})
	c.emit(types.EventSyncTransition, map[string]any{"from": from.String(), "to": to.String()})
	return nil
}

// BeginSync starts a sync session: Idle -> Measuring, then the run
// goroutine carries the session through Scheduled and Playing. Returns
// ErrBusy if a session is already in flight and ErrClockUnavailable if
// the monotonic clock cannot be read.
func (c *Controller) BeginSync(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.cfg.Clock.Now().IsZero() {
		c.mu.Unlock()
		return ErrClockUnavailable
	}
	if err := c.transition(Measuring); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// HandleProbeResponse feeds a client probe echo into the measurement.
// Responses outside Measuring are dropped.
func (c *Controller) HandleProbeResponse(m *types.ProbeResponseMessage) {
	select {
	case c.probeCh <- m:
	default:
		// Channel full: a late flood of responses after measurement
		// completed. Dropping is correct.
	}
}

// HandleHeartbeat records the client's self-reported elapsed play time.
func (c *Controller) HandleHeartbeat(m *types.HeartbeatMessage) {
	c.mu.Lock()
	c.lastHB = m
	c.lastHBAt = c.cfg.Clock.Now()
	c.mu.Unlock()
}

// Stop ends the sync session from any state. Effective before the next
// render frame: the active flag clears synchronously.
func (c *Controller) Stop(reason string) {
	c.stopped.Do(func() {
		c.active.Store(false)

		c.mu.Lock()
		_ = c.transition(Stopped)
		c.mu.Unlock()

		close(c.stopCh)
		if err := c.link.SendStop(&types.StopMessage{Type: types.MsgTypeStop, Reason: reason}); err != nil {
			c.logWarn("stop send failed", map[string]any{"error": err.Error()})
		}
		c.emit(types.EventPlaybackStopped, map[string]any{"reason": reason})
	})
}

// run carries the session: measure, schedule, play. Owns all timing.
func (c *Controller) run(ctx context.Context) {
	rttMs, err := c.measure(ctx)
	if err != nil {
		c.logWarn("latency measurement failed", map[string]any{"error": err.Error()})
		c.Stop("probe_timeout")
		return
	}

	oneWayMs := rttMs / 2

	c.mu.Lock()
	c.latencyMs = oneWayMs
	if err := c.transition(Scheduled); err != nil {
		c.mu.Unlock()
		return
	}
	reduced := c.reduced
	c.mu.Unlock()

	// Common start: now plus one-way latency plus the safety margin.
	// The client receives the announcement roughly one-way later, so the
	// margin is the slack that absorbs jitter on that delivery.
	startDelay := time.Duration(oneWayMs)*time.Millisecond + c.cfg.SafetyMargin
	if err := c.link.SendScheduledStart(&types.ScheduledStartMessage{
		Type:              types.MsgTypeScheduledStart,
		StartDelayMs:      float64(startDelay) / float64(time.Millisecond),
		LatencyMs:         oneWayMs,
		ReducedConfidence: reduced,
	}); err != nil {
		c.logWarn("scheduled start send failed", map[string]any{"error": err.Error()})
	}

	startTimer := time.NewTimer(startDelay)
	defer startTimer.Stop()
	select {
	case <-startTimer.C:
	case <-c.stopCh:
		return
	case <-ctx.Done():
		c.Stop("context_canceled")
		return
	}

	c.mu.Lock()
	if err := c.transition(Playing); err != nil {
		c.mu.Unlock()
		return
	}
	c.playedMs = 0
	c.playedAtomic.Store(0)
	c.lastStep = c.cfg.Clock.Now()
	c.rate = 1
	c.pid.Reset()
	c.strikes = 0
	c.mu.Unlock()

	c.active.Store(true)
	c.emit(types.EventPlaybackStarted, map[string]any{"latency_ms": oneWayMs})

	ticker := time.NewTicker(c.cfg.CorrectionInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if !c.correctionStep(now) {
				return
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			c.Stop("context_canceled")
			return
		}
	}
}

// measure issues latency probes and returns the median round trip in
// milliseconds. Individual probe timeouts are tolerated; fewer than
// MinProbes samples flags reduced confidence; zero samples is
// ErrProbeTimeout.
func (c *Controller) measure(ctx context.Context) (float64, error) {
	var samples []float64

	for seq := range c.cfg.ProbeCount {
		sentAt := c.cfg.Clock.Now()
		probe := &types.ProbeMessage{
			Type:         types.MsgTypeProbe,
			Sequence:     seq,
			DeviceTimeMs: float64(sentAt.UnixNano()) / float64(time.Millisecond),
		}
		if err := c.link.SendProbe(probe); err != nil {
			c.logWarn("probe send failed", map[string]any{"sequence": seq, "error": err.Error()})
			continue
		}
		c.cfg.Metrics.IncProbeSent()

		timer := time.NewTimer(c.cfg.ProbeTimeout)
	wait:
		for {
			select {
			case resp := <-c.probeCh:
				if resp.Sequence != seq {
					// Stale echo from an earlier timed-out probe.
					continue wait
				}
				rtt := float64(c.cfg.Clock.Now().Sub(sentAt)) / float64(time.Millisecond)
				samples = append(samples, rtt)
				timer.Stop()
				break wait
			case <-timer.C:
				c.cfg.Metrics.IncProbeTimeout()
				c.logDebug("probe timeout", map[string]any{"sequence": seq})
				break wait
			case <-c.stopCh:
				timer.Stop()
				return 0, ErrProbeTimeout
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			}
		}

		if seq < c.cfg.ProbeCount-1 {
			select {
			case <-time.After(c.cfg.ProbeInterval):
			case <-c.stopCh:
				return 0, ErrProbeTimeout
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	if len(samples) == 0 {
		return 0, ErrProbeTimeout
	}

	c.mu.Lock()
	c.reduced = len(samples) < c.cfg.MinProbes
	c.mu.Unlock()

	median := medianMs(samples)
	c.logInfo("latency measured", map[string]any{
		"samples": len(samples),
		"rtt_ms":  median,
		"reduced": len(samples) < c.cfg.MinProbes,
	})
	return median, nil
}

// correctionStep runs one drift-correction iteration. Returns false when
// the session ended (fallback). Bounded execution: a few float ops and
// at most one non-blocking link send.
func (c *Controller) correctionStep(now time.Time) bool {
	c.mu.Lock()

	if c.state != Playing {
		c.mu.Unlock()
		return false
	}

	dt := now.Sub(c.lastStep)
	if dt < 0 {
		dt = 0
	}
	c.lastStep = now

	// Advance the corrected clock. rate is never negative, so the clock
	// never moves backward regardless of the correction applied below.
	deltaMs := float64(dt) / float64(time.Millisecond) * c.rate
	c.playedMs += deltaMs
	c.playedAtomic.Store(int64(c.playedMs * 1000))

	if c.lastHB == nil {
		// No client report yet: free-run at nominal rate.
		c.rate = 1
		c.mu.Unlock()
		return true
	}

	// Extrapolate the client clock from its last report.
	clientMs := c.lastHB.ClientElapsedMs + float64(now.Sub(c.lastHBAt))/float64(time.Millisecond)
	errMs := clientMs - c.playedMs
	c.lastDrift = errMs

	// Sustained drift beyond the ceiling is fatal to the session.
	if errMs > c.cfg.DriftCeilingMs || errMs < -c.cfg.DriftCeilingMs {
		c.strikes++
		if c.strikes >= c.cfg.DriftGraceSteps {
			c.mu.Unlock()
			c.fallback(errMs)
			return false
		}
	} else {
		c.strikes = 0
	}

	var msg *types.DriftCorrectionMessage
	switch {
	case errMs > c.cfg.SkipThresholdMs:
		// Device is far behind: one-shot forward skip to realign.
		c.playedMs += errMs
		c.playedAtomic.Store(int64(c.playedMs * 1000))
		c.rate = 1
		c.pid.Reset()
		c.cfg.Metrics.IncFrameSkip()
		msg = &types.DriftCorrectionMessage{
			Type:      types.MsgTypeDriftCorrection,
			ErrorMs:   errMs,
			SkippedMs: errMs,
		}
	case errMs < -c.cfg.SkipThresholdMs:
		// Device is far ahead. The clock cannot rewind, so hold frame
		// advancement (repeat) until the client catches up.
		c.rate = 0
		c.pid.Reset()
		c.cfg.Metrics.IncFrameSkip()
		msg = &types.DriftCorrectionMessage{
			Type:    types.MsgTypeDriftCorrection,
			ErrorMs: errMs,
		}
	default:
		adjust := c.pid.Update(errMs, float64(dt)/float64(time.Second))
		c.rate = 1 + adjust
		c.cfg.Metrics.IncCorrectionApplied()
		msg = &types.DriftCorrectionMessage{
			Type:       types.MsgTypeDriftCorrection,
			ErrorMs:    errMs,
			RateAdjust: adjust,
		}
	}
	c.mu.Unlock()

	if err := c.link.SendDriftCorrection(msg); err != nil {
		c.logDebug("drift correction send failed", map[string]any{"error": err.Error()})
	}
	if msg.SkippedMs != 0 || msg.RateAdjust != 0 {
		c.emit(types.EventDriftCorrection, map[string]any{
			"error_ms":    msg.ErrorMs,
			"rate_adjust": msg.RateAdjust,
			"skipped_ms":  msg.SkippedMs,
		})
	}
	return true
}

// fallback ends the session on excessive drift. The device falls back to
// non-audio-driven rendering; the render loop keeps its deadline.
func (c *Controller) fallback(errMs float64) {
	c.cfg.Metrics.IncSyncFallback()
	c.logWarn("excessive drift, disabling audio-reactive mode", map[string]any{
		"error_ms": errMs,
		"ceiling":  c.cfg.DriftCeilingMs,
	})
	c.emit(types.EventSyncFallback, map[string]any{
		"error_ms":   errMs,
		"ceiling_ms": c.cfg.DriftCeilingMs,
	})
	c.Stop("excessive_drift")
}

func (c *Controller) emit(typ types.EventType, fields map[string]any) {
	if c.cfg.Events == nil {
		return
	}
	c.cfg.Events(types.NewStatusEvent(c.cfg.DeviceID, typ, fields))
}

func (c *Controller) logInfo(msg string, fields map[string]any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(msg, fields)
	}
}

func (c *Controller) logWarn(msg string, fields map[string]any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warn(msg, fields)
	}
}

func (c *Controller) logDebug(msg string, fields map[string]any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, fields)
	}
}
