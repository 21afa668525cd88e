package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelops/sentinel-core/internal/audit"
	"github.com/sentinelops/sentinel-core/internal/executors"
	"github.com/sentinelops/sentinel-core/internal/metrics"
	"github.com/sentinelops/sentinel-core/internal/models"
	"github.com/sentinelops/sentinel-core/internal/notify"
)

// Options are the execution safety rails.
type Options struct {
	Enabled bool
	// DryRun logs and audits every step without calling executors.
	DryRun        bool
	MaxConcurrent int
	// Cooldown is the minimum gap between actions on the same target.
	Cooldown time.Duration
	// BlacklistNamespaces are never touched by any executor.
	BlacklistNamespaces []string
}

// Engine executes approved plans step by step, in playbook order, with audit
// entries on every transition. A failed step triggers rollback of completed
// rollbackable steps in reverse order.
type Engine struct {
	opts     Options
	registry *executors.Registry
	trail    *audit.Trail
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	slots chan struct{}

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewEngine builds a remediation engine.
func NewEngine(opts Options, registry *executors.Registry, trail *audit.Trail, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:      opts,
		registry:  registry,
		trail:     trail,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
		slots:     make(chan struct{}, opts.MaxConcurrent),
		cooldowns: make(map[string]time.Time),
	}
}

// ExecutePlan runs one approved plan to a terminal status. It refuses
// critical-risk plans, blacklisted namespaces, targets still in cooldown and
// plans without the required approvals.
func (e *Engine) ExecutePlan(ctx context.Context, plan *models.ActionPlan) error {
	if !e.opts.Enabled {
		return fmt.Errorf("remediation is disabled")
	}
	if plan.Risk.RiskLevel == models.RiskCritical {
		return fmt.Errorf("plan %s is critical risk and cannot be executed", plan.ID)
	}
	if plan.Status != models.StatusApproved || !plan.IsApproved() {
		return fmt.Errorf("plan %s is not approved (status %s)", plan.ID, plan.Status)
	}
	for _, step := range plan.Steps {
		if e.blacklisted(step.Namespace) {
			return fmt.Errorf("plan %s touches blacklisted namespace %q", plan.ID, step.Namespace)
		}
		if wait, blocked := e.inCooldown(step); blocked {
			return fmt.Errorf("target %s of plan %s in cooldown for %s", step.Target, plan.ID, wait.Round(time.Second))
		}
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return fmt.Errorf("max concurrent executions reached")
	}
	defer func() { <-e.slots }()

	return e.run(ctx, plan)
}

func (e *Engine) run(ctx context.Context, plan *models.ActionPlan) error {
	now := e.now()
	plan.MarkStarted(now)
	e.auditPlan(plan, string(models.StatusExecuting), "")
	e.notify(notify.KindRemediation, plan, "remediation started")

	var failed *models.ActionStep
	for _, step := range plan.Steps {
		plan.CurrentStep = indexOf(plan.Steps, step)
		if err := e.runStep(ctx, plan, step); err != nil {
			failed = step
			break
		}
	}

	if failed == nil {
		plan.MarkCompleted(e.now(), true, fmt.Sprintf("%d steps completed", len(plan.Steps)))
		metrics.CountPlan(string(models.StatusSuccess))
		e.auditPlan(plan, string(models.StatusSuccess), "")
		e.notify(notify.KindRemediation, plan, "remediation succeeded")
		return nil
	}

	e.rollback(ctx, plan, failed)
	plan.MarkCompleted(e.now(), false, fmt.Sprintf("step %s failed: %s", failed.ID, failed.ErrorMessage))
	plan.ErrorMessage = failed.ErrorMessage
	metrics.CountPlan(string(models.StatusFailed))
	e.auditPlan(plan, string(models.StatusFailed), failed.ErrorMessage)
	e.notify(notify.KindRemediation, plan, "remediation failed")
	return fmt.Errorf("plan %s failed at step %s: %s", plan.ID, failed.ID, failed.ErrorMessage)
}

func (e *Engine) runStep(ctx context.Context, plan *models.ActionPlan, step *models.ActionStep) error {
	step.MarkStarted(e.now())
	e.auditStep(plan, step, string(models.StatusExecuting), nil)

	if e.opts.DryRun {
		step.MarkCompleted(e.now(), true, "")
		e.logger.Info("dry run: step skipped",
			"plan", plan.ID,
			"step", step.ID,
			"action", step.ActionType,
			"target", step.Target,
		)
		e.auditStep(plan, step, string(models.StatusSuccess), map[string]any{"dry_run": true})
		return nil
	}

	executor, ok := e.registry.For(step.ActionType)
	if !ok {
		step.MarkCompleted(e.now(), false, fmt.Sprintf("no executor for action %s", step.ActionType))
		e.auditStep(plan, step, string(models.StatusFailed), nil)
		return fmt.Errorf("no executor for %s", step.ActionType)
	}

	result, err := executor.Execute(ctx, step)
	if err != nil {
		step.MarkCompleted(e.now(), false, err.Error())
		e.auditStepResult(plan, step, result)
		return err
	}

	step.MarkCompleted(e.now(), true, "")
	e.setCooldown(step)
	e.auditStepResult(plan, step, result)
	return nil
}

// rollback undoes completed rollbackable steps in reverse order. The failed
// step itself is not rolled back; it never completed.
func (e *Engine) rollback(ctx context.Context, plan *models.ActionPlan, failed *models.ActionStep) {
	for i := indexOf(plan.Steps, failed) - 1; i >= 0; i-- {
		step := plan.Steps[i]
		if step.Status != models.StatusSuccess || !step.CanRollback {
			continue
		}
		if e.opts.DryRun {
			step.MarkRolledBack()
			e.auditStep(plan, step, string(models.StatusRolledBack), map[string]any{"dry_run": true})
			continue
		}
		executor, ok := e.registry.For(step.ActionType)
		if !ok {
			continue
		}
		if _, err := executor.Rollback(ctx, step); err != nil {
			e.logger.Error("rollback failed",
				"plan", plan.ID,
				"step", step.ID,
				"error", err,
			)
			e.auditStep(plan, step, string(models.StatusFailed), map[string]any{"rollback_error": err.Error()})
			continue
		}
		step.MarkRolledBack()
		e.auditStep(plan, step, string(models.StatusRolledBack), nil)
	}
}

func (e *Engine) blacklisted(namespace string) bool {
	for _, ns := range e.opts.BlacklistNamespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

func cooldownKey(step *models.ActionStep) string {
	return string(step.ActionType) + "|" + step.Namespace + "|" + step.Target
}

func (e *Engine) inCooldown(step *models.ActionStep) (time.Duration, bool) {
	if e.opts.Cooldown <= 0 {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.cooldowns[cooldownKey(step)]
	if !ok {
		return 0, false
	}
	elapsed := e.now().Sub(last)
	if elapsed >= e.opts.Cooldown {
		delete(e.cooldowns, cooldownKey(step))
		return 0, false
	}
	return e.opts.Cooldown - elapsed, true
}

func (e *Engine) setCooldown(step *models.ActionStep) {
	if e.opts.Cooldown <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[cooldownKey(step)] = e.now()
}

func (e *Engine) auditPlan(plan *models.ActionPlan, status, errMsg string) {
	action := ""
	if len(plan.Steps) > 0 {
		action = string(plan.Steps[0].ActionType)
	}
	entry := &models.AuditLog{
		ActionType:   action,
		ActorType:    models.ActorSystem,
		ActorID:      "sentinel",
		PlanID:       plan.ID,
		AnomalyID:    plan.AnomalyID,
		Status:       status,
		ErrorMessage: errMsg,
	}
	if plan.StartedAt != nil && plan.CompletedAt != nil {
		entry.DurationSeconds = int(plan.CompletedAt.Sub(*plan.StartedAt).Seconds())
	}
	if err := e.trail.Add(entry); err != nil {
		e.logger.Error("audit write failed", "plan", plan.ID, "error", err)
	}
}

func (e *Engine) auditStep(plan *models.ActionPlan, step *models.ActionStep, status string, metadata map[string]any) {
	entry := &models.AuditLog{
		ActionType:      string(step.ActionType),
		ActionTarget:    step.Target,
		ActorType:       models.ActorSystem,
		ActorID:         "sentinel",
		PlanID:          plan.ID,
		AnomalyID:       plan.AnomalyID,
		StepID:          step.ID,
		Status:          status,
		DurationSeconds: step.DurationSeconds,
		ErrorMessage:    step.ErrorMessage,
		Metadata:        metadata,
	}
	if err := e.trail.Add(entry); err != nil {
		e.logger.Error("audit write failed", "step", step.ID, "error", err)
	}
}

func (e *Engine) auditStepResult(plan *models.ActionPlan, step *models.ActionStep, result executors.Result) {
	entry := &models.AuditLog{
		ActionType:       string(step.ActionType),
		ActionTarget:     step.Target,
		ActionParameters: step.Parameters,
		ActorType:        models.ActorSystem,
		ActorID:          "sentinel",
		PlanID:           plan.ID,
		AnomalyID:        plan.AnomalyID,
		StepID:           step.ID,
		Status:           string(step.Status),
		DurationSeconds:  step.DurationSeconds,
		ErrorMessage:     step.ErrorMessage,
		StateBefore:      result.StateBefore,
		StateAfter:       result.StateAfter,
	}
	if err := e.trail.Add(entry); err != nil {
		e.logger.Error("audit write failed", "step", step.ID, "error", err)
	}
}

func (e *Engine) notify(kind string, plan *models.ActionPlan, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	event := notify.Event{
		Kind:    kind,
		Subject: plan.ID,
		Message: message,
		Payload: map[string]any{
			"anomaly_id": plan.AnomalyID,
			"status":     string(plan.Status),
			"risk_level": string(plan.Risk.RiskLevel),
		},
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Warn("notification failed", "plan", plan.ID, "error", err)
	}
}

func indexOf(steps []*models.ActionStep, target *models.ActionStep) int {
	for i, s := range steps {
		if s == target {
			return i
		}
	}
	return -1
}
