package analyze

import (
	"math"
	"sort"
)

const (
	// beatHistoryMs is the trailing window the flux detector compares
	// against, roughly one second of local energy context.
	beatHistoryMs = 1000

	// beatThreshold is the ratio of instant bass energy to the trailing
	// average that registers as an onset.
	beatThreshold = 1.4

	// beatRefractoryMs suppresses re-triggering right after an onset;
	// 200ms caps detection at 300 BPM.
	beatRefractoryMs = 200

	// beatMinEnergy filters onsets in near-silent passages where the
	// ratio test turns into noise.
	beatMinEnergy = 0.01
)

// beatDetector runs energy-flux onset detection over the bass band.
// Fed one value per frame in timestamp order.
type beatDetector struct {
	intervalMs float64

	history []float64
	idx     int
	filled  int

	cooldown  int
	frame     int
	beatTimes []float64 // ms
}

func newBeatDetector(frameIntervalMs float64) *beatDetector {
	size := int(beatHistoryMs / frameIntervalMs)
	if size < 4 {
		size = 4
	}
	return &beatDetector{
		intervalMs: frameIntervalMs,
		history:    make([]float64, size),
	}
}

// observe feeds one frame's bass energy and reports whether it is a
// beat onset and with what confidence.
func (d *beatDetector) observe(bass float64) (bool, float64) {
	defer func() {
		d.history[d.idx] = bass
		d.idx = (d.idx + 1) % len(d.history)
		if d.filled < len(d.history) {
			d.filled++
		}
		d.frame++
		if d.cooldown > 0 {
			d.cooldown--
		}
	}()

	// No verdicts until the trailing window has real context.
	if d.filled < len(d.history)/2 || d.cooldown > 0 {
		return false, 0
	}

	var sum float64
	for i := range d.filled {
		sum += d.history[i]
	}
	avg := sum / float64(d.filled)
	if avg <= 0 || bass < beatMinEnergy {
		return false, 0
	}

	ratio := bass / avg
	if ratio < beatThreshold {
		return false, 0
	}

	d.cooldown = int(beatRefractoryMs / d.intervalMs)
	d.beatTimes = append(d.beatTimes, float64(d.frame)*d.intervalMs)

	confidence := math.Min(1, (ratio-beatThreshold)/beatThreshold+0.5)
	return true, confidence
}

// estimateBPM derives tempo from the median inter-onset interval.
// Returns 0 when too few onsets were seen to call a tempo.
func (d *beatDetector) estimateBPM() int {
	if len(d.beatTimes) < 3 {
		return 0
	}

	intervals := make([]float64, 0, len(d.beatTimes)-1)
	for i := 1; i < len(d.beatTimes); i++ {
		intervals = append(intervals, d.beatTimes[i]-d.beatTimes[i-1])
	}
	sort.Float64s(intervals)
	median := intervals[len(intervals)/2]
	if median <= 0 {
		return 0
	}
	return int(math.Round(60000 / median))
}
