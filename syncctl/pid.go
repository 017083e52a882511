package syncctl

// PID is a proportional-integral-derivative controller over the playback
// timing error. Input is the error in milliseconds (client elapsed minus
// device elapsed); output is a dimensionless playback-rate adjustment,
// bounded per step so a correction is never an audible or visible jump.
//
// The integral accumulator is clamped to prevent windup: a long stall
// (client paused, network outage) must not bank a huge correction that
// unwinds violently once the error clears.
type PID struct {
	kp, ki, kd float64

	integralClamp float64
	outputClamp   float64

	integral float64
	prevErr  float64
	primed   bool
}

// NewPID creates a controller with the given gains and clamps.
// Gains act on an error in milliseconds; outputClamp bounds the returned
// rate adjustment (e.g. 0.05 for at most ±5% playback-rate change).
func NewPID(kp, ki, kd, integralClamp, outputClamp float64) *PID {
	return &PID{
		kp:            kp,
		ki:            ki,
		kd:            kd,
		integralClamp: integralClamp,
		outputClamp:   outputClamp,
	}
}

// Update feeds one error sample and the elapsed step time in seconds,
// returning the bounded rate adjustment.
func (p *PID) Update(errMs, dtSeconds float64) float64 {
	if dtSeconds <= 0 {
		return clamp(p.kp*errMs, p.outputClamp)
	}

	p.integral += errMs * dtSeconds
	p.integral = clamp(p.integral, p.integralClamp)

	var derivative float64
	if p.primed {
		derivative = (errMs - p.prevErr) / dtSeconds
	}
	p.prevErr = errMs
	p.primed = true

	out := p.kp*errMs + p.ki*p.integral + p.kd*derivative
	return clamp(out, p.outputClamp)
}

// Reset clears accumulated state. Called after a discontinuous
// correction (frame skip) so stale integral/derivative terms do not
// fight the fresh alignment.
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.primed = false
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
