package risk

import (
	"testing"

	"github.com/sentinelops/sentinel-core/internal/models"
)

func anomalyFor(severity models.AnomalySeverity, deviation float64, durationMinutes int, category models.MetricCategory) *models.Anomaly {
	return &models.Anomaly{
		ID:              models.NewAnomalyID(),
		MetricName:      "test_metric",
		Category:        category,
		Severity:        severity,
		Deviation:       deviation,
		DurationMinutes: durationMinutes,
		AnomalyType:     models.AnomalyTypePoint,
	}
}

func TestLevelBoundaries(t *testing.T) {
	a := NewAssessor(Weights{}, Thresholds{}, Approvals{})

	tests := []struct {
		score float64
		want  models.RiskLevel
	}{
		{0.0, models.RiskAuto},
		{0.39999, models.RiskAuto},
		{0.4, models.RiskSemiAuto},
		{0.59999, models.RiskSemiAuto},
		{0.6, models.RiskManual},
		{0.79999, models.RiskManual},
		{0.8, models.RiskCritical},
		{1.0, models.RiskCritical},
	}
	for _, tt := range tests {
		if got := a.Level(tt.score); got != tt.want {
			t.Errorf("Level(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestRequiredApprovalsMonotonic(t *testing.T) {
	a := NewAssessor(Weights{}, Thresholds{}, Approvals{})

	levels := []models.RiskLevel{models.RiskAuto, models.RiskSemiAuto, models.RiskManual, models.RiskCritical}
	prev := -1
	for _, level := range levels {
		n := a.RequiredApprovals(level)
		if n < prev {
			t.Fatalf("approvals not monotonic at %s: %d < %d", level, n, prev)
		}
		prev = n
	}
	if a.RequiredApprovals(models.RiskAuto) != 0 {
		t.Fatal("auto tier must not require approvals")
	}
	if a.RequiredApprovals(models.RiskCritical) < 100 {
		t.Fatalf("critical approvals = %d, must be unreachable", a.RequiredApprovals(models.RiskCritical))
	}
}

func TestAssessLowRiskDevelopmentRestart(t *testing.T) {
	a := NewAssessor(Weights{}, Thresholds{}, Approvals{})

	anomaly := anomalyFor(models.SeverityLow, 2.0, 1, models.CategoryTrading)
	assessment := a.Assess(anomaly, models.ActionPodRestart, "development", nil)

	if assessment.RiskScore >= 0.4 {
		t.Fatalf("score = %v, want < 0.4", assessment.RiskScore)
	}
	if assessment.RiskLevel != models.RiskAuto {
		t.Fatalf("level = %s, want auto", assessment.RiskLevel)
	}
	if a.RequiredApprovals(assessment.RiskLevel) != 0 {
		t.Fatal("auto plan must not require approvals")
	}
}

func TestAssessCriticalProductionFailover(t *testing.T) {
	a := NewAssessor(Weights{}, Thresholds{}, Approvals{})

	anomaly := anomalyFor(models.SeverityCritical, 12.0, 45, models.CategoryWallet)
	assessment := a.Assess(anomaly, models.ActionDatabaseFailover, "production", nil)

	if assessment.RiskScore < 0.8 {
		t.Fatalf("score = %v, want >= 0.8", assessment.RiskScore)
	}
	if assessment.RiskLevel != models.RiskCritical {
		t.Fatalf("level = %s, want critical", assessment.RiskLevel)
	}
}

func TestAssessScoreAlwaysBounded(t *testing.T) {
	a := NewAssessor(Weights{}, Thresholds{}, Approvals{})

	severities := []models.AnomalySeverity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical}
	actions := []models.ActionType{
		models.ActionPodRestart, models.ActionHPAScale, models.ActionCacheFlush,
		models.ActionCircuitBreaker, models.ActionDeploymentRollback, models.ActionConfigRollback,
		models.ActionTrafficShift, models.ActionDatabaseFailover, models.ActionCustomWebhook,
	}
	namespaces := []string{"", "production", "staging", "development", "qa-7"}
	categories := []models.MetricCategory{
		models.CategoryTrading, models.CategoryRisk, models.CategoryWallet,
		models.CategoryAPI, models.CategoryInfrastructure, models.CategoryBusiness,
	}

	for _, sev := range severities {
		for _, action := range actions {
			for _, ns := range namespaces {
				for _, cat := range categories {
					anomaly := anomalyFor(sev, 25.0, 120, cat)
					got := a.Assess(anomaly, action, ns, nil)
					if got.RiskScore < 0 || got.RiskScore > 1 {
						t.Fatalf("score out of bounds: %v (%s %s %s %s)", got.RiskScore, sev, action, ns, cat)
					}
					if !got.RiskLevel.Valid() {
						t.Fatalf("invalid level %q", got.RiskLevel)
					}
				}
			}
		}
	}
}

func TestAssessImpactOrdering(t *testing.T) {
	a := NewAssessor(Weights{}, Thresholds{}, Approvals{})
	anomaly := anomalyFor(models.SeverityMedium, 3.5, 10, models.CategoryAPI)

	restart := a.Assess(anomaly, models.ActionPodRestart, "production", nil)
	failover := a.Assess(anomaly, models.ActionDatabaseFailover, "production", nil)
	if restart.RiskScore >= failover.RiskScore {
		t.Fatalf("pod_restart (%v) should score below database_failover (%v)", restart.RiskScore, failover.RiskScore)
	}

	dev := a.Assess(anomaly, models.ActionPodRestart, "development", nil)
	prod := a.Assess(anomaly, models.ActionPodRestart, "production", nil)
	if dev.RiskScore >= prod.RiskScore {
		t.Fatalf("development (%v) should score below production (%v)", dev.RiskScore, prod.RiskScore)
	}
}

func TestAssessOverridesRaiseLevel(t *testing.T) {
	a := NewAssessor(Weights{}, Thresholds{}, Approvals{})

	anomaly := anomalyFor(models.SeverityLow, 2.0, 1, models.CategoryBusiness)
	base := a.Assess(anomaly, models.ActionPodRestart, "development", nil)
	if base.RiskLevel != models.RiskAuto {
		t.Fatalf("base level = %s, want auto", base.RiskLevel)
	}

	raised := a.Assess(anomaly, models.ActionPodRestart, "development", FactorOverrides{
		"severity":   1.0,
		"urgency":    1.0,
		"impact":     1.0,
		"complexity": 1.0,
	})
	if raised.RiskScore <= base.RiskScore {
		t.Fatalf("overrides did not raise score: %v <= %v", raised.RiskScore, base.RiskScore)
	}
	if raised.RiskLevel.Rank() <= base.RiskLevel.Rank() {
		t.Fatalf("overrides did not raise level: %s", raised.RiskLevel)
	}
	if raised.Factors.Severity != 1.0 {
		t.Fatalf("severity factor = %v, want 1.0", raised.Factors.Severity)
	}

	clamped := a.Assess(anomaly, models.ActionPodRestart, "development", FactorOverrides{"impact": 7.5})
	if clamped.Factors.Impact != 1.0 {
		t.Fatalf("override not clamped: %v", clamped.Factors.Impact)
	}
}

func TestUrgencyGrowsWithDuration(t *testing.T) {
	a := NewAssessor(Weights{}, Thresholds{}, Approvals{})

	prev := -1.0
	for _, minutes := range []int{0, 3, 10, 20, 60} {
		anomaly := anomalyFor(models.SeverityMedium, 4.0, minutes, models.CategoryAPI)
		got := a.Assess(anomaly, models.ActionPodRestart, "staging", nil)
		if got.Factors.Urgency <= prev {
			t.Fatalf("urgency not increasing at %d minutes: %v <= %v", minutes, got.Factors.Urgency, prev)
		}
		prev = got.Factors.Urgency
	}

	spike := anomalyFor(models.SeverityMedium, 4.0, 10, models.CategoryAPI)
	trend := anomalyFor(models.SeverityMedium, 4.0, 10, models.CategoryAPI)
	trend.AnomalyType = models.AnomalyTypeTrend
	spikeGot := a.Assess(spike, models.ActionPodRestart, "staging", nil)
	trendGot := a.Assess(trend, models.ActionPodRestart, "staging", nil)
	if trendGot.Factors.Urgency <= spikeGot.Factors.Urgency {
		t.Fatal("trend anomaly should be more urgent than a point spike")
	}
}
