package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnomalyType classifies how a metric deviates from its baseline.
type AnomalyType string

const (
	AnomalyTypePoint AnomalyType = "point"
	AnomalyTypeTrend AnomalyType = "trend"
	// Reserved for cross-metric and seasonal analysis.
	AnomalyTypePeriodic    AnomalyType = "periodic"
	AnomalyTypeCorrelation AnomalyType = "correlation"
	AnomalyTypeThreshold   AnomalyType = "threshold"
)

// Valid reports whether the anomaly type is a known value.
func (t AnomalyType) Valid() bool {
	switch t {
	case AnomalyTypePoint, AnomalyTypeTrend, AnomalyTypePeriodic,
		AnomalyTypeCorrelation, AnomalyTypeThreshold:
		return true
	}
	return false
}

// AnomalySeverity captures impact levels.
type AnomalySeverity string

const (
	SeverityLow      AnomalySeverity = "low"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityHigh     AnomalySeverity = "high"
	SeverityCritical AnomalySeverity = "critical"
)

// Rank orders severities so callers can compare them.
func (s AnomalySeverity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// Valid reports whether the severity is a known value.
func (s AnomalySeverity) Valid() bool { return s.Rank() >= 0 }

// NewAnomalyID returns a fresh anomaly identifier.
func NewAnomalyID() string {
	return "ANO-" + uuid.New().String()[:8]
}

// Anomaly is a detected deviation of a metric from its baseline. A record is
// never written after release; the detector stores a fresh copy on every
// state change, so holders of a pointer see a consistent snapshot.
type Anomaly struct {
	ID         string            `json:"id"`
	DetectedAt time.Time         `json:"detected_at"`
	MetricName string            `json:"metric_name"`
	Category   MetricCategory    `json:"category"`
	Labels     map[string]string `json:"labels,omitempty"`

	CurrentValue     float64 `json:"current_value"`
	BaselineValue    float64 `json:"baseline_value"`
	Deviation        float64 `json:"deviation"`
	DeviationPercent float64 `json:"deviation_percent"`

	AnomalyType AnomalyType     `json:"anomaly_type"`
	Severity    AnomalySeverity `json:"severity"`

	StartedAt       time.Time `json:"started_at"`
	DurationMinutes int       `json:"duration_minutes"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// MetricKey returns the unique key for the anomalous metric.
func (a *Anomaly) MetricKey() string {
	return MetricKey(a.MetricName, a.Labels)
}

// IsCritical reports whether the anomaly carries the highest severity.
func (a *Anomaly) IsCritical() bool { return a.Severity == SeverityCritical }

// AlertMessage renders a human-readable one-line summary.
func (a *Anomaly) AlertMessage() string {
	direction := "above"
	deviation := a.Deviation
	if deviation < 0 {
		direction = "below"
		deviation = -deviation
	}
	return fmt.Sprintf("[%s] %s is %.1f sigma %s baseline. Current: %.2f, Expected: %.2f (%+.1f%%)",
		a.Severity, a.MetricName, deviation, direction, a.CurrentValue, a.BaselineValue, a.DeviationPercent)
}

// AnomalyBatch is the outcome of one detection cycle.
type AnomalyBatch struct {
	DetectionTime       time.Time     `json:"detection_time"`
	Anomalies           []*Anomaly    `json:"anomalies"`
	TotalMetricsChecked int           `json:"total_metrics_checked"`
	DetectionDuration   time.Duration `json:"detection_duration"`
}

// Count returns the number of anomalies in the batch.
func (b AnomalyBatch) Count() int { return len(b.Anomalies) }

// CriticalCount returns the number of critical anomalies in the batch.
func (b AnomalyBatch) CriticalCount() int {
	count := 0
	for _, a := range b.Anomalies {
		if a.IsCritical() {
			count++
		}
	}
	return count
}

// FilterBySeverity returns batch anomalies of the given severity.
func (b AnomalyBatch) FilterBySeverity(severity AnomalySeverity) []*Anomaly {
	matched := make([]*Anomaly, 0, len(b.Anomalies))
	for _, a := range b.Anomalies {
		if a.Severity == severity {
			matched = append(matched, a)
		}
	}
	return matched
}
