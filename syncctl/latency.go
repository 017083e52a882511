package syncctl

import "sort"

// medianMs returns the median of the samples. The median is the
// outlier-rejection statistic for latency estimation: a single spiked
// round trip from transient congestion cannot move it, where a mean
// would absorb the spike. The original system computed both mean and
// median and trusted neither consistently; this implementation commits
// to the median and the convergence tests hold it to that.
func medianMs(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
