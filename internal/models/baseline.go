package models

import "time"

// BaselineStatistics is a frozen numeric summary of a sample population.
type BaselineStatistics struct {
	Mean         float64 `json:"mean"`
	Std          float64 `json:"std"`
	Median       float64 `json:"median"`
	MAD          float64 `json:"mad"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Percentile5  float64 `json:"percentile_5"`
	Percentile25 float64 `json:"percentile_25"`
	Percentile75 float64 `json:"percentile_75"`
	Percentile95 float64 `json:"percentile_95"`
	SampleCount  int     `json:"sample_count"`
}

// Baseline is the learned statistical expectation for one metric. Baselines
// are replaced wholesale on refresh, never mutated in place, so concurrent
// readers always see a consistent snapshot.
type Baseline struct {
	MetricName  string            `json:"metric_name"`
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	DataStart   time.Time         `json:"data_start"`
	DataEnd     time.Time         `json:"data_end"`
	SampleCount int               `json:"sample_count"`

	GlobalStats BaselineStatistics `json:"global_stats"`

	// HourlyStats holds one optional slot per hour of day. A nil slot falls
	// back to GlobalStats.
	HourlyStats [24]*BaselineStatistics `json:"hourly_baselines"`

	QualityScore float64 `json:"quality_score"`
	CoverageDays int     `json:"coverage_days"`
}

// Key returns the canonical store key for this baseline.
func (b *Baseline) Key() string {
	return MetricKey(b.MetricName, b.Labels)
}

// ExpectedValue returns the expected (mean, std) for the given timestamp,
// preferring the hour-of-day slot when one was learned.
func (b *Baseline) ExpectedValue(ts time.Time) (float64, float64) {
	if hourly := b.HourlyStats[ts.Hour()]; hourly != nil {
		return hourly.Mean, hourly.Std
	}
	return b.GlobalStats.Mean, b.GlobalStats.Std
}

// Threshold returns the (lower, upper) detection bounds at the given sigma.
func (b *Baseline) Threshold(ts time.Time, sigma float64) (float64, float64) {
	mean, std := b.ExpectedValue(ts)
	return mean - sigma*std, mean + sigma*std
}

// IsStale reports whether the baseline is older than maxAge.
func (b *Baseline) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(b.UpdatedAt) > maxAge
}
