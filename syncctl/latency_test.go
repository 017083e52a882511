package syncctl

import (
	"math"
	"testing"
)

func TestMedianOddCount(t *testing.T) {
	got := medianMs([]float64{30, 10, 20})
	if got != 20 {
		t.Errorf("medianMs = %v, want 20", got)
	}
}

func TestMedianEvenCount(t *testing.T) {
	got := medianMs([]float64{10, 20, 30, 40})
	if got != 25 {
		t.Errorf("medianMs = %v, want 25", got)
	}
}

func TestMedianEmpty(t *testing.T) {
	if got := medianMs(nil); got != 0 {
		t.Errorf("medianMs(nil) = %v, want 0", got)
	}
}

// Nine consistent samples and one 10x spike: the estimate must stay
// within a small tolerance of the consistent value.
func TestMedianRejectsOutlier(t *testing.T) {
	samples := []float64{42, 41, 43, 42, 44, 40, 42, 43, 41, 420}
	got := medianMs(samples)
	if math.Abs(got-42) > 2 {
		t.Errorf("medianMs = %v, want within 2 of 42", got)
	}
}

func TestMedianDoesNotMutateInput(t *testing.T) {
	samples := []float64{30, 10, 20}
	medianMs(samples)
	if samples[0] != 30 || samples[1] != 10 || samples[2] != 20 {
		t.Errorf("input mutated: %v", samples)
	}
}
