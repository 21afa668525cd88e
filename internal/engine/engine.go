package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelops/sentinel-core/internal/baseline"
	"github.com/sentinelops/sentinel-core/internal/collectors"
	"github.com/sentinelops/sentinel-core/internal/detector"
	"github.com/sentinelops/sentinel-core/internal/metrics"
	"github.com/sentinelops/sentinel-core/internal/models"
	"github.com/sentinelops/sentinel-core/internal/notify"
	"github.com/sentinelops/sentinel-core/internal/planner"
	"github.com/sentinelops/sentinel-core/internal/remediation"
	"github.com/sentinelops/sentinel-core/internal/utils"
)

// recommendedActions maps a subsystem to the action proposed when one of its
// metrics misbehaves. The risk gate decides whether the plan runs.
var recommendedActions = map[models.MetricCategory]models.ActionType{
	models.CategoryTrading:        models.ActionPodRestart,
	models.CategoryMatching:       models.ActionPodRestart,
	models.CategoryAPI:            models.ActionPodRestart,
	models.CategoryInfrastructure: models.ActionPodRestart,
	models.CategoryRisk:           models.ActionCircuitBreaker,
	models.CategoryWallet:         models.ActionCircuitBreaker,
	models.CategoryQueue:          models.ActionHPAScale,
	models.CategoryDatabase:       models.ActionDatabaseFailover,
	models.CategoryBusiness:       models.ActionCustomWebhook,
}

// Options tune the coordination loop.
type Options struct {
	DetectionInterval time.Duration
	RefreshInterval   time.Duration
	// CollectWindow is the lookback used per detection cycle.
	CollectWindow time.Duration
	// LearnWindow is the lookback used when learning baselines.
	LearnWindow time.Duration
	// MinPlanSeverity gates automatic plan creation.
	MinPlanSeverity models.AnomalySeverity
}

func (o *Options) applyDefaults() {
	if o.DetectionInterval <= 0 {
		o.DetectionInterval = time.Minute
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 24 * time.Hour
	}
	if o.CollectWindow <= 0 {
		o.CollectWindow = 30 * time.Minute
	}
	if o.LearnWindow <= 0 {
		o.LearnWindow = 14 * 24 * time.Hour
	}
	if !o.MinPlanSeverity.Valid() {
		o.MinPlanSeverity = models.SeverityHigh
	}
}

// Status is a point-in-time view of the coordinator for the API layer.
type Status struct {
	Running         bool          `json:"running"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	UptimeMinutes   float64       `json:"uptime_minutes"`
	LastCycle       time.Time     `json:"last_cycle,omitempty"`
	CyclesCompleted uint64        `json:"cycles_completed"`
	ActiveAnomalies int           `json:"active_anomalies"`
	Baselines       int           `json:"baselines"`
	PlanSuccessRate float64       `json:"plan_success_rate"`
	CycleLatency    utils.Summary `json:"cycle_latency"`
}

// Engine is the coordinating loop: it collects telemetry, refreshes
// baselines, runs detection, raises plans for severe anomalies and
// dispatches approved plans.
type Engine struct {
	opts        Options
	collector   collectors.Collector
	baselines   *baseline.Engine
	detector    *detector.Detector
	planner     *planner.Planner
	remediation *remediation.Engine
	notifier    notify.Notifier
	logger      *slog.Logger
	latency     *utils.LatencyTracker
	now         func() time.Time

	running   atomic.Bool
	startedAt time.Time
	cycles    atomic.Uint64

	mu        sync.Mutex
	lastCycle time.Time
	planned   map[string]string // anomaly id -> plan id
}

// New wires the coordinator.
func New(opts Options, collector collectors.Collector, baselines *baseline.Engine, det *detector.Detector, pl *planner.Planner, rem *remediation.Engine, notifier notify.Notifier, logger *slog.Logger) *Engine {
	opts.applyDefaults()
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:        opts,
		collector:   collector,
		baselines:   baselines,
		detector:    det,
		planner:     pl,
		remediation: rem,
		notifier:    notifier,
		logger:      logger,
		latency:     utils.NewLatencyTracker(256),
		now:         time.Now,
		planned:     make(map[string]string),
	}
}

// Run drives the loop until the context is cancelled. Baselines are restored
// from the snapshot when available and learned from history otherwise.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	e.startedAt = e.now()
	defer e.running.Store(false)

	if n, err := e.baselines.Restore(ctx); err != nil {
		e.logger.Warn("baseline restore failed", "error", err)
	} else if n == 0 {
		if err := e.RefreshBaselines(ctx); err != nil {
			e.logger.Warn("initial baseline learning failed", "error", err)
		}
	}

	detectTicker := time.NewTicker(e.opts.DetectionInterval)
	defer detectTicker.Stop()
	refreshTicker := time.NewTicker(e.opts.RefreshInterval)
	defer refreshTicker.Stop()

	e.logger.Info("engine started",
		"detection_interval", e.opts.DetectionInterval,
		"refresh_interval", e.opts.RefreshInterval,
	)

	for {
		select {
		case <-ctx.Done():
			if err := e.baselines.Snapshot(context.Background()); err != nil {
				e.logger.Warn("final baseline snapshot failed", "error", err)
			}
			e.logger.Info("engine stopped")
			return ctx.Err()
		case <-refreshTicker.C:
			if err := e.RefreshBaselines(ctx); err != nil {
				e.logger.Error("baseline refresh failed", "error", err)
			}
		case <-detectTicker.C:
			e.runCycle(ctx)
		}
	}
}

// RefreshBaselines relearns every baseline from the learn window and
// snapshots the result.
func (e *Engine) RefreshBaselines(ctx context.Context) error {
	end := e.now()
	result, err := e.collector.Collect(ctx, end.Add(-e.opts.LearnWindow), end)
	if err != nil {
		return utils.NewAppError("engine.RefreshBaselines", "collect history", err)
	}
	for _, collectErr := range result.Errs {
		e.logger.Warn("history collection incomplete", "error", collectErr)
	}

	n, err := e.baselines.LearnAll(ctx, result.Series)
	if err != nil {
		return utils.NewAppError("engine.RefreshBaselines", "learn baselines", err)
	}
	if err := e.baselines.Snapshot(ctx); err != nil {
		e.logger.Warn("baseline snapshot failed", "error", err)
	}
	e.logger.Info("baselines refreshed", "count", n)
	return nil
}

func (e *Engine) runCycle(ctx context.Context) {
	started := e.now()
	outcome := metrics.OutcomeSuccess

	result, err := e.collector.Collect(ctx, started.Add(-e.opts.CollectWindow), started)
	if err != nil {
		e.logger.Error("collection failed", "error", err)
		metrics.ObserveDetectionCycle(e.now().Sub(started), metrics.OutcomeError)
		return
	}
	for _, collectErr := range result.Errs {
		e.logger.Warn("collection incomplete", "error", collectErr)
	}

	batch := e.detector.Detect(result.Series)
	for _, anomaly := range batch.Anomalies {
		e.handleAnomaly(ctx, anomaly)
	}

	expired := e.planner.ExpireStale()
	if expired > 0 {
		e.logger.Info("stale plans expired", "count", expired)
	}
	e.dispatch(ctx)

	elapsed := e.now().Sub(started)
	e.latency.Observe(elapsed)
	metrics.ObserveDetectionCycle(elapsed, outcome)
	e.cycles.Add(1)

	e.mu.Lock()
	e.lastCycle = started
	e.mu.Unlock()

	e.logger.Debug("detection cycle finished",
		"checked", batch.TotalMetricsChecked,
		"anomalies", batch.Count(),
		"duration", elapsed,
	)
}

func (e *Engine) handleAnomaly(ctx context.Context, anomaly *models.Anomaly) {
	e.notifyEvent(ctx, notify.Event{
		Kind:    notify.KindAnomaly,
		Subject: anomaly.ID,
		Message: anomaly.AlertMessage(),
		Payload: map[string]any{
			"metric":   anomaly.MetricName,
			"severity": string(anomaly.Severity),
		},
	})

	if anomaly.Severity.Rank() < e.opts.MinPlanSeverity.Rank() {
		return
	}
	if anomaly.Acknowledged || anomaly.Resolved {
		return
	}

	e.mu.Lock()
	_, alreadyPlanned := e.planned[anomaly.ID]
	e.mu.Unlock()
	if alreadyPlanned {
		return
	}

	action, ok := recommendedActions[anomaly.Category]
	if !ok {
		return
	}
	plan, err := e.planner.CreatePlan(anomaly, action, planTarget(anomaly), anomaly.Labels["namespace"], nil)
	if err != nil {
		e.logger.Warn("plan creation failed", "anomaly", anomaly.ID, "error", err)
		return
	}

	e.mu.Lock()
	e.planned[anomaly.ID] = plan.ID
	e.mu.Unlock()

	if plan.Status == models.StatusWaitingApproval {
		e.notifyEvent(ctx, notify.Event{
			Kind:    notify.KindApprovalRequest,
			Subject: plan.ID,
			Message: fmt.Sprintf("plan %s needs %d approval(s) for %s", plan.ID, plan.ApprovalsRequired, plan.AnomalyMetric),
			Payload: map[string]any{
				"anomaly_id": plan.AnomalyID,
				"risk_score": plan.Risk.RiskScore,
			},
		})
	}
}

// dispatch executes approved plans. Failures are recorded by the remediation
// engine; the loop moves on.
func (e *Engine) dispatch(ctx context.Context) {
	for _, plan := range e.planner.Executable() {
		if err := e.remediation.ExecutePlan(ctx, plan); err != nil {
			e.logger.Warn("plan execution failed", "plan", plan.ID, "error", err)
		}
	}
}

func (e *Engine) notifyEvent(ctx context.Context, event notify.Event) {
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Warn("notification failed", "kind", event.Kind, "subject", event.Subject, "error", err)
	}
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Status summarises the coordinator for the API layer.
func (e *Engine) Status() Status {
	e.mu.Lock()
	lastCycle := e.lastCycle
	e.mu.Unlock()

	status := Status{
		Running:         e.running.Load(),
		LastCycle:       lastCycle,
		CyclesCompleted: e.cycles.Load(),
		ActiveAnomalies: len(e.detector.Active()),
		Baselines:       e.baselines.Store().Len(),
		PlanSuccessRate: e.planner.SuccessRate(),
		CycleLatency:    e.latency.Snapshot(),
	}
	if status.Running {
		status.StartedAt = e.startedAt
		status.UptimeMinutes = utils.DurationMinutes(e.startedAt, e.now())
	}
	return status
}

func planTarget(anomaly *models.Anomaly) string {
	for _, key := range []string{"service", "deployment", "pod", "instance"} {
		if v := anomaly.Labels[key]; v != "" {
			return v
		}
	}
	return anomaly.MetricName
}
