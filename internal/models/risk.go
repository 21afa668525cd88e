package models

import "time"

// RiskLevel is the gating tier a remediation action falls into.
type RiskLevel string

const (
	RiskAuto     RiskLevel = "auto"
	RiskSemiAuto RiskLevel = "semi_auto"
	RiskManual   RiskLevel = "manual"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from least to most restrictive.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskAuto:
		return 0
	case RiskSemiAuto:
		return 1
	case RiskManual:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// Valid reports whether the level is a known value.
func (l RiskLevel) Valid() bool { return l.Rank() >= 0 }

// RiskFactors holds the four normalized factor scores behind an assessment.
type RiskFactors struct {
	Severity   float64 `json:"severity"`
	Urgency    float64 `json:"urgency"`
	Impact     float64 `json:"impact"`
	Complexity float64 `json:"complexity"`
}

// RiskAssessment is the outcome of scoring one candidate remediation action.
// Assessments are created fresh per call and embedded into the resulting plan.
type RiskAssessment struct {
	RiskScore  float64     `json:"risk_score"`
	RiskLevel  RiskLevel   `json:"risk_level"`
	Factors    RiskFactors `json:"factors"`
	Reasoning  []string    `json:"reasoning,omitempty"`
	AssessedAt time.Time   `json:"assessed_at"`
}
