package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/sentinelops/sentinel-core/internal/models"
)

// Weights combine the four factors into a risk score. They should sum to 1.
type Weights struct {
	Severity   float64
	Urgency    float64
	Impact     float64
	Complexity float64
}

// Thresholds map a risk score onto a gating tier. They must be strictly
// increasing.
type Thresholds struct {
	Auto     float64
	SemiAuto float64
	Manual   float64
}

// Approvals configures how many approvals each gated tier needs. Critical is
// pinned at a value no approval flow can reach.
type Approvals struct {
	SemiAuto int
	Manual   int
}

// criticalApprovals is unreachable through the normal approval flow; critical
// plans are diagnosis-only.
const criticalApprovals = 999

// FactorOverrides lets a caller replace individual factor scores before the
// weighted combination. Keys are "severity", "urgency", "impact" and
// "complexity"; values are clamped to [0, 1].
type FactorOverrides map[string]float64

// complexityByAction scores how intrinsically hard an action is to execute
// and undo.
var complexityByAction = map[models.ActionType]float64{
	models.ActionPodRestart:         0.2,
	models.ActionCacheFlush:         0.3,
	models.ActionHPAScale:           0.3,
	models.ActionCircuitBreaker:     0.4,
	models.ActionDeploymentRollback: 0.5,
	models.ActionCustomWebhook:      0.5,
	models.ActionConfigRollback:     0.6,
	models.ActionTrafficShift:       0.7,
	models.ActionDatabaseFailover:   0.9,
}

// scopeByAction scores the blast radius of an action.
var scopeByAction = map[models.ActionType]float64{
	models.ActionPodRestart:         0.3,
	models.ActionCacheFlush:         0.4,
	models.ActionHPAScale:           0.5,
	models.ActionCustomWebhook:      0.5,
	models.ActionCircuitBreaker:     0.6,
	models.ActionDeploymentRollback: 0.7,
	models.ActionConfigRollback:     0.7,
	models.ActionTrafficShift:       0.8,
	models.ActionDatabaseFailover:   0.95,
}

// impactByCategory scores how much a subsystem matters to the platform.
var impactByCategory = map[models.MetricCategory]float64{
	models.CategoryRisk:           1.0,
	models.CategoryWallet:         1.0,
	models.CategoryTrading:        0.9,
	models.CategoryMatching:       0.9,
	models.CategoryDatabase:       0.8,
	models.CategoryAPI:            0.7,
	models.CategoryQueue:          0.7,
	models.CategoryInfrastructure: 0.6,
	models.CategoryBusiness:       0.5,
}

// sensitivityByNamespace scores the environment a target lives in.
var sensitivityByNamespace = map[string]float64{
	"production":  1.0,
	"staging":     0.6,
	"development": 0.3,
}

const defaultNamespaceSensitivity = 0.7

var severityBase = map[models.AnomalySeverity]float64{
	models.SeverityLow:      0.2,
	models.SeverityMedium:   0.4,
	models.SeverityHigh:     0.7,
	models.SeverityCritical: 0.95,
}

// Assessor scores candidate remediation actions. It is a pure function over
// its inputs; safe to call concurrently at any rate.
type Assessor struct {
	weights    Weights
	thresholds Thresholds
	approvals  Approvals
	now        func() time.Time
}

// NewAssessor builds an assessor. Zero-valued weights or thresholds fall back
// to defaults.
func NewAssessor(weights Weights, thresholds Thresholds, approvals Approvals) *Assessor {
	if weights == (Weights{}) {
		weights = Weights{Severity: 0.35, Urgency: 0.25, Impact: 0.25, Complexity: 0.15}
	}
	if thresholds == (Thresholds{}) {
		thresholds = Thresholds{Auto: 0.4, SemiAuto: 0.6, Manual: 0.8}
	}
	if approvals == (Approvals{}) {
		approvals = Approvals{SemiAuto: 1, Manual: 2}
	}
	return &Assessor{
		weights:    weights,
		thresholds: thresholds,
		approvals:  approvals,
		now:        time.Now,
	}
}

// Assess scores one candidate action against an anomaly.
func (a *Assessor) Assess(anomaly *models.Anomaly, action models.ActionType, namespace string, overrides FactorOverrides) models.RiskAssessment {
	factors := models.RiskFactors{
		Severity:   a.severityFactor(anomaly),
		Urgency:    a.urgencyFactor(anomaly),
		Impact:     a.impactFactor(anomaly.Category, action, namespace),
		Complexity: complexityFor(action),
	}
	reasoning := []string{
		fmt.Sprintf("severity %s with deviation %.1f sigma", anomaly.Severity, math.Abs(anomaly.Deviation)),
		fmt.Sprintf("ongoing for %d minutes", anomaly.DurationMinutes),
		fmt.Sprintf("%s against %s in namespace %q", action, anomaly.Category, namespaceOrDefault(namespace)),
	}

	for name, value := range overrides {
		value = clamp01(value)
		switch name {
		case "severity":
			factors.Severity = value
		case "urgency":
			factors.Urgency = value
		case "impact":
			factors.Impact = value
		case "complexity":
			factors.Complexity = value
		default:
			continue
		}
		reasoning = append(reasoning, fmt.Sprintf("%s factor overridden to %.2f", name, value))
	}

	score := clamp01(a.weights.Severity*factors.Severity +
		a.weights.Urgency*factors.Urgency +
		a.weights.Impact*factors.Impact +
		a.weights.Complexity*factors.Complexity)

	return models.RiskAssessment{
		RiskScore:  score,
		RiskLevel:  a.Level(score),
		Factors:    factors,
		Reasoning:  reasoning,
		AssessedAt: a.now(),
	}
}

// Level maps a score onto a risk level using the configured thresholds.
func (a *Assessor) Level(score float64) models.RiskLevel {
	switch {
	case score >= a.thresholds.Manual:
		return models.RiskCritical
	case score >= a.thresholds.SemiAuto:
		return models.RiskManual
	case score >= a.thresholds.Auto:
		return models.RiskSemiAuto
	default:
		return models.RiskAuto
	}
}

// RequiredApprovals returns how many approvals a level needs before
// execution. Critical returns a count no normal flow can satisfy.
func (a *Assessor) RequiredApprovals(level models.RiskLevel) int {
	switch level {
	case models.RiskAuto:
		return 0
	case models.RiskSemiAuto:
		return a.approvals.SemiAuto
	case models.RiskManual:
		return a.approvals.Manual
	default:
		return criticalApprovals
	}
}

// severityFactor blends the severity tier with the observed deviation so a
// 10-sigma high anomaly outranks a 4-sigma one.
func (a *Assessor) severityFactor(anomaly *models.Anomaly) float64 {
	base, ok := severityBase[anomaly.Severity]
	if !ok {
		base = 0.5
	}
	deviation := math.Min(math.Abs(anomaly.Deviation)/5, 1)
	return clamp01(base*0.7 + deviation*0.3)
}

// urgencyFactor grows with how long the anomaly has been open; sustained
// trends get a further bump.
func (a *Assessor) urgencyFactor(anomaly *models.Anomaly) float64 {
	var urgency float64
	switch d := anomaly.DurationMinutes; {
	case d < 2:
		urgency = 0.3
	case d < 5:
		urgency = 0.5
	case d < 15:
		urgency = 0.7
	case d < 30:
		urgency = 0.85
	default:
		urgency = 0.95
	}
	if anomaly.AnomalyType == models.AnomalyTypeTrend {
		urgency += 0.05
	}
	return clamp01(urgency)
}

// impactFactor combines subsystem weight, namespace sensitivity and action
// blast radius.
func (a *Assessor) impactFactor(category models.MetricCategory, action models.ActionType, namespace string) float64 {
	categoryImpact, ok := impactByCategory[category]
	if !ok {
		categoryImpact = 0.7
	}
	sensitivity, ok := sensitivityByNamespace[namespaceOrDefault(namespace)]
	if !ok {
		sensitivity = defaultNamespaceSensitivity
	}
	scope, ok := scopeByAction[action]
	if !ok {
		scope = 0.5
	}
	return clamp01(categoryImpact*0.4 + sensitivity*0.3 + scope*0.3)
}

func complexityFor(action models.ActionType) float64 {
	if c, ok := complexityByAction[action]; ok {
		return c
	}
	return 0.5
}

func namespaceOrDefault(namespace string) string {
	if namespace == "" {
		return "default"
	}
	return namespace
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
