package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/sentinelops/sentinel-core/internal/audit"
	"github.com/sentinelops/sentinel-core/internal/baseline"
	"github.com/sentinelops/sentinel-core/internal/collectors"
	"github.com/sentinelops/sentinel-core/internal/config"
	"github.com/sentinelops/sentinel-core/internal/detector"
	"github.com/sentinelops/sentinel-core/internal/engine"
	"github.com/sentinelops/sentinel-core/internal/executors"
	"github.com/sentinelops/sentinel-core/internal/models"
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

type stubCollector struct{}

func (stubCollector) Name() string { return "stub" }

func (stubCollector) Connect(context.Context) error { return nil }

func (stubCollector) Disconnect() error { return nil }

func (stubCollector) HealthCheck(context.Context) error { return nil }

func (stubCollector) Collect(context.Context, time.Time, time.Time) (collectors.CollectResult, error) {
	return collectors.CollectResult{}, nil
}

type stubExecutor struct {
	mu       sync.Mutex
	executed int
}

func (s *stubExecutor) Name() string { return "stub" }

func (s *stubExecutor) Supports(models.ActionType) bool { return true }

func (s *stubExecutor) Execute(context.Context, *models.ActionStep) (executors.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed++
	return executors.Result{Success: true}, nil
}

func (s *stubExecutor) Rollback(context.Context, *models.ActionStep) (executors.Result, error) {
	return executors.Result{Success: true}, nil
}

type rig struct {
	router    *mux.Router
	handlers  *Handlers
	detector  *detector.Detector
	baselines *baseline.Engine
	planner   *planner.Planner
	trail     *audit.Trail
	executor  *stubExecutor
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
	executor := &stubExecutor{}
	rem := remediation.NewEngine(remediation.Options{Enabled: true}, executors.NewRegistry(executor), trail, nil, nil)
	e := engine.New(engine.Options{}, stubCollector{}, baselines, det, pl, rem, nil, nil)

	handlers := NewHandlers(e, det, baselines, pl, rem, trail, nil)
	router := mux.NewRouter()
	handlers.Register(router)

	return &rig{
		router:    router,
		handlers:  handlers,
		detector:  det,
		baselines: baselines,
		planner:   pl,
		trail:     trail,
		executor:  executor,
	}
}

func (r *rig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
}

// seedAnomaly plants a baseline and runs one detection so the detector holds
// an open anomaly. The deviation keeps the resulting risk in the auto tier.
func seedAnomaly(t *testing.T, r *rig) *models.Anomaly {
	t.Helper()
	labels := map[string]string{"service": "checkout", "namespace": "development"}
	r.baselines.Store().Put(&models.Baseline{
		MetricName: "pod_cpu",
		Labels:     labels,
		UpdatedAt:  time.Now(),
		GlobalStats: models.BaselineStatistics{
			Mean:   100,
			Std:    5,
			Median: 100,
		},
	})
	points := []models.MetricDataPoint{{Timestamp: time.Now(), Value: 115.5}}
	series, err := models.NewMetricSeries("pod_cpu", models.CategoryInfrastructure, "", "", labels, points)
	if err != nil {
		t.Fatalf("build series: %v", err)
	}
	batch := r.detector.Detect([]models.MetricSeries{series})
	if batch.Count() != 1 {
		t.Fatalf("seed anomaly: batch = %d", batch.Count())
	}
	return batch.Anomalies[0]
}

func TestProbeEndpoints(t *testing.T) {
	r := newRig(t)

	if rec := r.do(t, http.MethodGet, "/live", nil); rec.Code != http.StatusOK {
		t.Fatalf("live = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	// The loop is not running in tests, so readiness must fail.
	if rec := r.do(t, http.MethodGet, "/ready", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready = %d, want 503", rec.Code)
	}
}

func TestAnomalyEndpoints(t *testing.T) {
	r := newRig(t)
	anomaly := seedAnomaly(t, r)

	rec := r.do(t, http.MethodGet, "/api/v1/anomalies", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var list struct {
		Count     int               `json:"count"`
		Anomalies []*models.Anomaly `json:"anomalies"`
	}
	decodeInto(t, rec, &list)
	if list.Count != 1 || list.Anomalies[0].ID != anomaly.ID {
		t.Fatalf("list = %+v", list)
	}

	if rec := r.do(t, http.MethodGet, "/api/v1/anomalies/"+anomaly.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodGet, "/api/v1/anomalies/ANO-missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get missing = %d, want 404", rec.Code)
	}

	rec = r.do(t, http.MethodPost, "/api/v1/anomalies/"+anomaly.ID+"/acknowledge", map[string]string{"actor": "oncall@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge = %d: %s", rec.Code, rec.Body.String())
	}
	got, _ := r.detector.Get(anomaly.ID)
	if !got.Acknowledged || got.AcknowledgedBy != "oncall@example.com" {
		t.Fatalf("acknowledgment not recorded: %+v", got)
	}

	if rec := r.do(t, http.MethodPost, "/api/v1/anomalies/"+anomaly.ID+"/acknowledge", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("acknowledge without actor = %d, want 400", rec.Code)
	}
}

func TestBaselineEndpoints(t *testing.T) {
	r := newRig(t)
	seedAnomaly(t, r)

	rec := r.do(t, http.MethodGet, "/api/v1/baselines", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var list struct {
		Count     int               `json:"count"`
		Baselines []baselineSummary `json:"baselines"`
	}
	decodeInto(t, rec, &list)
	if list.Count != 1 || list.Baselines[0].MetricName != "pod_cpu" {
		t.Fatalf("list = %+v", list)
	}
	if list.Baselines[0].Mean != 100 {
		t.Fatalf("mean = %v", list.Baselines[0].Mean)
	}

	if rec := r.do(t, http.MethodGet, "/api/v1/baselines/pod_cpu", nil); rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodGet, "/api/v1/baselines/unknown", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get unknown = %d, want 404", rec.Code)
	}

	if rec := r.do(t, http.MethodPost, "/api/v1/baselines/refresh", nil); rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPlanLifecycleOverREST(t *testing.T) {
	r := newRig(t)
	anomaly := seedAnomaly(t, r)

	rec := r.do(t, http.MethodPost, "/api/v1/plans", createPlanRequest{
		AnomalyID: anomaly.ID,
		Action:    models.ActionPodRestart,
		Target:    "checkout",
		Namespace: "development",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var plan models.ActionPlan
	decodeInto(t, rec, &plan)
	if plan.Status != models.StatusApproved {
		t.Fatalf("status = %s, want approved for a low-risk plan", plan.Status)
	}

	if rec := r.do(t, http.MethodGet, "/api/v1/plans/"+plan.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("get plan = %d", rec.Code)
	}

	rec = r.do(t, http.MethodPost, "/api/v1/plans/"+plan.ID+"/execute", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("execute = %d: %s", rec.Code, rec.Body.String())
	}
	stored, _ := r.planner.Get(plan.ID)
	if stored.Status != models.StatusSuccess {
		t.Fatalf("status = %s, want success", stored.Status)
	}
	if r.executor.executed != 1 {
		t.Fatalf("executed = %d, want 1", r.executor.executed)
	}

	rec = r.do(t, http.MethodGet, "/api/v1/audit?plan_id="+plan.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit = %d", rec.Code)
	}
	var entries struct {
		Count int `json:"count"`
	}
	decodeInto(t, rec, &entries)
	if entries.Count < 3 {
		t.Fatalf("audit entries = %d, want plan creation plus execution records", entries.Count)
	}
}

func TestPlanValidationOverREST(t *testing.T) {
	r := newRig(t)
	anomaly := seedAnomaly(t, r)

	if rec := r.do(t, http.MethodPost, "/api/v1/plans", createPlanRequest{
		AnomalyID: "ANO-missing",
		Action:    models.ActionPodRestart,
		Target:    "x",
	}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown anomaly = %d, want 404", rec.Code)
	}

	if rec := r.do(t, http.MethodPost, "/api/v1/plans", createPlanRequest{
		AnomalyID: anomaly.ID,
		Action:    models.ActionType("reboot_everything"),
		Target:    "x",
	}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad action = %d, want 400", rec.Code)
	}

	if rec := r.do(t, http.MethodPost, "/api/v1/plans/PLAN-missing/approve", map[string]string{"approver": "a"}); rec.Code != http.StatusConflict {
		t.Fatalf("approve missing = %d, want 409", rec.Code)
	}
}

func TestRejectPlanOverREST(t *testing.T) {
	r := newRig(t)
	anomaly := seedAnomaly(t, r)

	rec := r.do(t, http.MethodPost, "/api/v1/plans", createPlanRequest{
		AnomalyID: anomaly.ID,
		Action:    models.ActionPodRestart,
		Target:    "checkout",
		Namespace: "development",
	})
	var plan models.ActionPlan
	decodeInto(t, rec, &plan)

	rec = r.do(t, http.MethodPost, "/api/v1/plans/"+plan.ID+"/reject", map[string]string{
		"actor":  "bob",
		"reason": "maintenance window",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reject = %d: %s", rec.Code, rec.Body.String())
	}
	stored, _ := r.planner.Get(plan.ID)
	if stored.Status != models.StatusRejected {
		t.Fatalf("status = %s, want rejected", stored.Status)
	}
}

func TestAuditSinceFilter(t *testing.T) {
	r := newRig(t)

	old := &models.AuditLog{
		Timestamp:    time.Now().Add(-48 * time.Hour),
		ActionType:   "pod_restart",
		ActionTarget: "old-target",
		ActorType:    models.ActorSystem,
		ActorID:      "engine",
		Status:       "success",
	}
	fresh := &models.AuditLog{
		ActionType:   "pod_restart",
		ActionTarget: "fresh-target",
		ActorType:    models.ActorSystem,
		ActorID:      "engine",
		Status:       "success",
	}
	for _, e := range []*models.AuditLog{old, fresh} {
		if err := r.trail.Add(e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	since := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec := r.do(t, http.MethodGet, "/api/v1/audit?since="+since, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit = %d", rec.Code)
	}
	var got struct {
		Count   int                `json:"count"`
		Entries []*models.AuditLog `json:"entries"`
	}
	decodeInto(t, rec, &got)
	if got.Count != 1 || got.Entries[0].ActionTarget != "fresh-target" {
		t.Fatalf("entries = %+v", got)
	}

	if rec := r.do(t, http.MethodGet, "/api/v1/audit?since=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since = %d, want 400", rec.Code)
	}
}

func TestServerLifecycle(t *testing.T) {
	r := newRig(t)

	cfg := config.ServerConfig{
		Address:         "127.0.0.1:0",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		GracefulTimeout: time.Second,
	}
	srv, err := NewServer(cfg, r.handlers, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	resp, err := http.Get(fmt.Sprintf("http://%s/live", srv.Address()))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
