package baseline

import (
	"math"
	"sort"

	"github.com/sentinelops/sentinel-core/internal/models"
)

// ComputeStatistics summarises a sample population. The caller guarantees all
// values are finite; an empty input yields a zero summary.
func ComputeStatistics(values []float64) models.BaselineStatistics {
	if len(values) == 0 {
		return models.BaselineStatistics{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mean := meanOf(sorted)
	return models.BaselineStatistics{
		Mean:         mean,
		Std:          stdOf(sorted, mean),
		Median:       percentile(sorted, 50),
		MAD:          madOf(sorted),
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Percentile5:  percentile(sorted, 5),
		Percentile25: percentile(sorted, 25),
		Percentile75: percentile(sorted, 75),
		Percentile95: percentile(sorted, 95),
		SampleCount:  len(sorted),
	}
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdOf is the population standard deviation.
func stdOf(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// madOf is the median absolute deviation from the median.
func madOf(sorted []float64) float64 {
	median := percentile(sorted, 50)
	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	sort.Float64s(deviations)
	return percentile(deviations, 50)
}

// percentile computes the p-th percentile of pre-sorted values using linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
