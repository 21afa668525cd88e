package models

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// MetricCategory groups metrics by the platform subsystem they describe.
type MetricCategory string

const (
	CategoryTrading        MetricCategory = "trading"
	CategoryMatching       MetricCategory = "matching"
	CategoryRisk           MetricCategory = "risk"
	CategoryWallet         MetricCategory = "wallet"
	CategoryAPI            MetricCategory = "api"
	CategoryInfrastructure MetricCategory = "infrastructure"
	CategoryDatabase       MetricCategory = "database"
	CategoryQueue          MetricCategory = "queue"
	CategoryBusiness       MetricCategory = "business"
)

// Valid reports whether the category is a known value.
func (c MetricCategory) Valid() bool {
	switch c {
	case CategoryTrading, CategoryMatching, CategoryRisk, CategoryWallet,
		CategoryAPI, CategoryInfrastructure, CategoryDatabase, CategoryQueue,
		CategoryBusiness:
		return true
	}
	return false
}

// MetricDataPoint is a single immutable sample of a metric.
type MetricDataPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// MetricSeries is an ordered sequence of samples for one metric within a
// collection cycle. Construct via NewMetricSeries; the series is not mutated
// afterwards.
type MetricSeries struct {
	Name        string            `json:"name"`
	Category    MetricCategory    `json:"category"`
	Unit        string            `json:"unit,omitempty"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	DataPoints  []MetricDataPoint `json:"data_points"`
}

// NewMetricSeries validates samples, sorts them chronologically and returns an
// immutable series. NaN and infinite values are rejected here so scoring logic
// never sees them.
func NewMetricSeries(name string, category MetricCategory, unit, description string, labels map[string]string, points []MetricDataPoint) (MetricSeries, error) {
	if name == "" {
		return MetricSeries{}, fmt.Errorf("metric series requires a name")
	}
	if !category.Valid() {
		return MetricSeries{}, fmt.Errorf("unknown metric category %q", category)
	}
	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return MetricSeries{}, fmt.Errorf("metric %s contains non-finite value at %s", name, p.Timestamp.Format(time.RFC3339))
		}
	}
	sorted := append([]MetricDataPoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return MetricSeries{
		Name:        name,
		Category:    category,
		Unit:        unit,
		Description: description,
		Labels:      labels,
		DataPoints:  sorted,
	}, nil
}

// LatestValue returns the most recent sample value.
func (s MetricSeries) LatestValue() (float64, bool) {
	if len(s.DataPoints) == 0 {
		return 0, false
	}
	return s.DataPoints[len(s.DataPoints)-1].Value, true
}

// LatestTimestamp returns the most recent sample time.
func (s MetricSeries) LatestTimestamp() (time.Time, bool) {
	if len(s.DataPoints) == 0 {
		return time.Time{}, false
	}
	return s.DataPoints[len(s.DataPoints)-1].Timestamp, true
}

// Values returns all sample values in chronological order.
func (s MetricSeries) Values() []float64 {
	values := make([]float64, len(s.DataPoints))
	for i, p := range s.DataPoints {
		values[i] = p.Value
	}
	return values
}

// Timestamps returns all sample times in chronological order.
func (s MetricSeries) Timestamps() []time.Time {
	ts := make([]time.Time, len(s.DataPoints))
	for i, p := range s.DataPoints {
		ts[i] = p.Timestamp
	}
	return ts
}

// ValuesInRange returns sample values within [start, end].
func (s MetricSeries) ValuesInRange(start, end time.Time) []float64 {
	values := make([]float64, 0, len(s.DataPoints))
	for _, p := range s.DataPoints {
		if p.Timestamp.Before(start) || p.Timestamp.After(end) {
			continue
		}
		values = append(values, p.Value)
	}
	return values
}

// Span returns the time covered between first and last sample.
func (s MetricSeries) Span() time.Duration {
	if len(s.DataPoints) < 2 {
		return 0
	}
	return s.DataPoints[len(s.DataPoints)-1].Timestamp.Sub(s.DataPoints[0].Timestamp)
}

// Key returns the unique identity for this series.
func (s MetricSeries) Key() string {
	return MetricKey(s.Name, s.Labels)
}

// MetricQuery describes one catalog entry a collector evaluates per cycle.
type MetricQuery struct {
	Name        string         `yaml:"name"`
	Query       string         `yaml:"query"`
	Category    MetricCategory `yaml:"category"`
	Unit        string         `yaml:"unit"`
	Description string         `yaml:"description"`
}

// MetricKey builds the canonical key for a metric name plus labels, with
// labels sorted so the same identity always yields the same key.
func MetricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
