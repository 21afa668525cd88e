package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sentinelops/sentinel-core/internal/audit"
	"github.com/sentinelops/sentinel-core/internal/baseline"
	"github.com/sentinelops/sentinel-core/internal/collectors"
	"github.com/sentinelops/sentinel-core/internal/detector"
	"github.com/sentinelops/sentinel-core/internal/executors"
	"github.com/sentinelops/sentinel-core/internal/models"
	"github.com/sentinelops/sentinel-core/internal/notify"
	"github.com/sentinelops/sentinel-core/internal/planner"
	"github.com/sentinelops/sentinel-core/internal/playbook"
	"github.com/sentinelops/sentinel-core/internal/remediation"
	"github.com/sentinelops/sentinel-core/internal/risk"
)

const restartPlaybook = `
name: pod-restart
action_type: pod_restart
steps:
  - name: restart pod
    action_type: pod_restart
    can_rollback: true
`

// fakeCollector returns a canned result.
type fakeCollector struct {
	mu     sync.Mutex
	result collectors.CollectResult
	err    error
	calls  int
}

func (f *fakeCollector) Name() string { return "fake" }

func (f *fakeCollector) Connect(context.Context) error { return nil }

func (f *fakeCollector) Disconnect() error { return nil }

func (f *fakeCollector) HealthCheck(context.Context) error { return nil }

func (f *fakeCollector) Collect(context.Context, time.Time, time.Time) (collectors.CollectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeCollector) setResult(result collectors.CollectResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = result
}

// fakeNotifier records events by kind.
type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Notify(_ context.Context, event notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) byKind(kind string) []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := make([]notify.Event, 0, len(f.events))
	for _, e := range f.events {
		if e.Kind == kind {
			matched = append(matched, e)
		}
	}
	return matched
}

// fakeExecutor accepts every action.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Supports(models.ActionType) bool { return true }

func (f *fakeExecutor) Execute(_ context.Context, step *models.ActionStep) (executors.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, step.Name)
	return executors.Result{Success: true, Detail: "ok"}, nil
}

func (f *fakeExecutor) Rollback(context.Context, *models.ActionStep) (executors.Result, error) {
	return executors.Result{Success: true}, nil
}

type rig struct {
	engine    *Engine
	collector *fakeCollector
	notifier  *fakeNotifier
	executor  *fakeExecutor
	baselines *baseline.Engine
	planner   *planner.Planner
}

func newRig(t *testing.T) *rig {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "restart.yaml"), []byte(restartPlaybook), 0o644); err != nil {
		t.Fatalf("write playbook: %v", err)
	}
	library, err := playbook.NewLibrary(dir, nil)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	trail, err := audit.NewTrail(audit.Options{}, nil)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}

	baselines := baseline.NewEngine(baseline.Options{}, nil, nil)
	det := detector.New(detector.Options{}, baselines.Store(), nil)
	assessor := risk.NewAssessor(risk.Weights{}, risk.Thresholds{}, risk.Approvals{})
	pl := planner.New(planner.Options{ApprovalTimeout: time.Minute}, assessor, library, trail, nil)

	executor := &fakeExecutor{}
	rem := remediation.NewEngine(remediation.Options{Enabled: true}, executors.NewRegistry(executor), trail, nil, nil)

	collector := &fakeCollector{}
	notifier := &fakeNotifier{}
	e := New(Options{}, collector, baselines, det, pl, rem, notifier, nil)

	return &rig{
		engine:    e,
		collector: collector,
		notifier:  notifier,
		executor:  executor,
		baselines: baselines,
		planner:   pl,
	}
}

func seriesOf(t *testing.T, name string, category models.MetricCategory, labels map[string]string, values []float64) models.MetricSeries {
	t.Helper()
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	points := make([]models.MetricDataPoint, len(values))
	for i, v := range values {
		points[i] = models.MetricDataPoint{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Value:     v,
		}
	}
	series, err := models.NewMetricSeries(name, category, "", "", labels, points)
	if err != nil {
		t.Fatalf("build series: %v", err)
	}
	return series
}

func putBaseline(r *rig, name string, labels map[string]string, mean, std float64) {
	r.baselines.Store().Put(&models.Baseline{
		MetricName: name,
		Labels:     labels,
		UpdatedAt:  time.Now(),
		GlobalStats: models.BaselineStatistics{
			Mean:   mean,
			Std:    std,
			Median: mean,
		},
	})
}

func TestCycleRaisesPlanForSevereAnomaly(t *testing.T) {
	r := newRig(t)
	labels := map[string]string{"service": "checkout", "namespace": "development"}
	putBaseline(r, "pod_cpu", labels, 100, 5)

	// 6 sigma on an infrastructure metric: severe enough to plan.
	r.collector.setResult(collectors.CollectResult{Series: []models.MetricSeries{
		seriesOf(t, "pod_cpu", models.CategoryInfrastructure, labels, []float64{100, 101, 99, 130}),
	}})
	r.engine.runCycle(context.Background())

	if got := r.notifier.byKind(notify.KindAnomaly); len(got) != 1 {
		t.Fatalf("anomaly notifications = %d, want 1", len(got))
	}
	plans := r.planner.Recent(10)
	if len(plans) != 1 {
		t.Fatalf("plans = %d, want 1", len(plans))
	}
	plan := plans[0]
	if plan.Status != models.StatusWaitingApproval {
		t.Fatalf("status = %s, want waiting_approval", plan.Status)
	}
	if plan.Steps[0].Target != "checkout" {
		t.Fatalf("target = %s, want the service label", plan.Steps[0].Target)
	}
	if plan.Steps[0].Namespace != "development" {
		t.Fatalf("namespace = %s, want development", plan.Steps[0].Namespace)
	}
	if got := r.notifier.byKind(notify.KindApprovalRequest); len(got) != 1 {
		t.Fatalf("approval requests = %d, want 1", len(got))
	}

	// The same open anomaly must not spawn a second plan.
	r.engine.runCycle(context.Background())
	if got := r.planner.Recent(10); len(got) != 1 {
		t.Fatalf("plans after second cycle = %d, want 1", len(got))
	}
}

func TestCycleDispatchesApprovedPlans(t *testing.T) {
	r := newRig(t)
	labels := map[string]string{"service": "checkout", "namespace": "development"}
	putBaseline(r, "pod_cpu", labels, 100, 5)
	r.collector.setResult(collectors.CollectResult{Series: []models.MetricSeries{
		seriesOf(t, "pod_cpu", models.CategoryInfrastructure, labels, []float64{130}),
	}})

	r.engine.runCycle(context.Background())
	plans := r.planner.Recent(1)
	if len(plans) != 1 {
		t.Fatalf("plans = %d, want 1", len(plans))
	}
	if _, err := r.planner.Approve(plans[0].ID, "oncall@example.com"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	r.engine.runCycle(context.Background())
	if plans[0].Status != models.StatusSuccess {
		t.Fatalf("status = %s, want success after dispatch", plans[0].Status)
	}
	if len(r.executor.executed) != 1 {
		t.Fatalf("executed = %v, want one step", r.executor.executed)
	}
}

func TestCycleMediumSeverityOnlyNotifies(t *testing.T) {
	r := newRig(t)
	putBaseline(r, "disk_io", nil, 100, 5)

	// 3.5 sigma weighted by the infrastructure category stays medium.
	r.collector.setResult(collectors.CollectResult{Series: []models.MetricSeries{
		seriesOf(t, "disk_io", models.CategoryInfrastructure, nil, []float64{117.5}),
	}})
	r.engine.runCycle(context.Background())

	if got := r.notifier.byKind(notify.KindAnomaly); len(got) != 1 {
		t.Fatalf("anomaly notifications = %d, want 1", len(got))
	}
	if got := r.planner.Recent(10); len(got) != 0 {
		t.Fatalf("plans = %d, want none below the planning severity", len(got))
	}
}

func TestCycleSurvivesCollectorFailure(t *testing.T) {
	r := newRig(t)
	r.collector.err = errors.New("scrape target down")

	r.engine.runCycle(context.Background())

	if got := r.engine.Status().CyclesCompleted; got != 0 {
		t.Fatalf("cycles completed = %d, want 0 on collection failure", got)
	}
	if len(r.notifier.events) != 0 {
		t.Fatalf("events = %v, want none", r.notifier.events)
	}
}

func TestRefreshBaselinesLearnsFromHistory(t *testing.T) {
	r := newRig(t)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	points := make([]models.MetricDataPoint, 0, 8*24)
	for h := 0; h < 8*24; h++ {
		points = append(points, models.MetricDataPoint{
			Timestamp: start.Add(time.Duration(h) * time.Hour),
			Value:     100,
		})
	}
	series, err := models.NewMetricSeries("order_rate", models.CategoryTrading, "", "", nil, points)
	if err != nil {
		t.Fatalf("build series: %v", err)
	}
	r.collector.setResult(collectors.CollectResult{Series: []models.MetricSeries{series}})

	if err := r.engine.RefreshBaselines(context.Background()); err != nil {
		t.Fatalf("RefreshBaselines: %v", err)
	}
	if got := r.baselines.Store().Len(); got != 1 {
		t.Fatalf("baselines = %d, want 1", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	r := newRig(t)
	putBaseline(r, "m", nil, 100, 5)
	r.collector.setResult(collectors.CollectResult{Series: []models.MetricSeries{
		seriesOf(t, "m", models.CategoryAPI, nil, []float64{100}),
	}})

	r.engine.runCycle(context.Background())

	status := r.engine.Status()
	if status.Running {
		t.Fatal("engine is not running outside Run")
	}
	if status.CyclesCompleted != 1 {
		t.Fatalf("cycles = %d, want 1", status.CyclesCompleted)
	}
	if status.Baselines != 1 {
		t.Fatalf("baselines = %d, want 1", status.Baselines)
	}
	if status.LastCycle.IsZero() {
		t.Fatal("last cycle not recorded")
	}
}

func TestPlanTargetLabelPreference(t *testing.T) {
	a := &models.Anomaly{
		MetricName: "latency",
		Labels:     map[string]string{"pod": "api-0", "service": "api"},
	}
	if got := planTarget(a); got != "api" {
		t.Fatalf("target = %s, want service label first", got)
	}

	a.Labels = map[string]string{"pod": "api-0"}
	if got := planTarget(a); got != "api-0" {
		t.Fatalf("target = %s, want pod label", got)
	}

	a.Labels = nil
	if got := planTarget(a); got != "latency" {
		t.Fatalf("target = %s, want metric name fallback", got)
	}
}
