package planner

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sentinelops/sentinel-core/internal/audit"
	"github.com/sentinelops/sentinel-core/internal/metrics"
	"github.com/sentinelops/sentinel-core/internal/models"
	"github.com/sentinelops/sentinel-core/internal/playbook"
	"github.com/sentinelops/sentinel-core/internal/risk"
)

// Options tune plan creation.
type Options struct {
	// ApprovalTimeout bounds how long a plan may wait for approvals.
	ApprovalTimeout time.Duration
}

// Planner turns anomalies into gated remediation plans. Plan selection comes
// from the playbook library; risk gating comes from the assessor.
type Planner struct {
	opts     Options
	assessor *risk.Assessor
	library  *playbook.Library
	trail    *audit.Trail
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	plans map[string]*models.ActionPlan
	order []string
}

// New builds a planner.
func New(opts Options, assessor *risk.Assessor, library *playbook.Library, trail *audit.Trail, logger *slog.Logger) *Planner {
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		opts:     opts,
		assessor: assessor,
		library:  library,
		trail:    trail,
		logger:   logger,
		now:      time.Now,
		plans:    make(map[string]*models.ActionPlan),
	}
}

// CreatePlan assesses the action, binds the matching playbook to the target
// and gates the plan by risk level. Invalid requests fail before any plan is
// recorded; a missing playbook is an invalid request.
func (p *Planner) CreatePlan(anomaly *models.Anomaly, action models.ActionType, target, namespace string, overrides risk.FactorOverrides) (*models.ActionPlan, error) {
	if anomaly == nil {
		return nil, fmt.Errorf("plan requires an anomaly")
	}
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action type %q", action)
	}
	if target == "" {
		return nil, fmt.Errorf("plan requires a target")
	}

	pb, ok := p.library.Match(anomaly.Category, action)
	if !ok {
		return nil, fmt.Errorf("no playbook for action %s in category %s", action, anomaly.Category)
	}

	assessment := p.assessor.Assess(anomaly, action, namespace, overrides)
	now := p.now()

	plan := &models.ActionPlan{
		ID:            models.NewPlanID(),
		CreatedAt:     now,
		AnomalyID:     anomaly.ID,
		AnomalyMetric: anomaly.MetricName,
		Risk:          assessment,
		Steps:         bindSteps(pb, target, namespace),
	}

	required := p.assessor.RequiredApprovals(assessment.RiskLevel)
	switch assessment.RiskLevel {
	case models.RiskAuto:
		plan.Status = models.StatusApproved
	case models.RiskCritical:
		// Diagnosis only. The plan is recorded but cannot be approved
		// through the normal flow.
		plan.Status = models.StatusPending
		plan.RequiresApproval = true
		plan.ApprovalsRequired = required
	default:
		plan.Status = models.StatusWaitingApproval
		plan.RequiresApproval = true
		plan.ApprovalsRequired = required
		deadline := now.Add(p.opts.ApprovalTimeout)
		plan.ApprovalTimeout = &deadline
	}

	p.mu.Lock()
	p.plans[plan.ID] = plan
	p.order = append(p.order, plan.ID)
	p.mu.Unlock()

	p.audit(plan, models.ActorSystem, "sentinel", string(plan.Status), map[string]any{
		"risk_score": assessment.RiskScore,
		"risk_level": string(assessment.RiskLevel),
		"playbook":   pb.Name,
	})
	p.logger.Info("plan created",
		"plan", plan.ID,
		"anomaly", anomaly.ID,
		"action", action,
		"risk_level", assessment.RiskLevel,
		"status", plan.Status,
	)
	return plan, nil
}

func bindSteps(pb *playbook.Playbook, target, namespace string) []*models.ActionStep {
	steps := make([]*models.ActionStep, 0, len(pb.Steps))
	for _, tmpl := range pb.Steps {
		step := &models.ActionStep{
			ID:          models.NewStepID(),
			Name:        tmpl.Name,
			ActionType:  tmpl.ActionType,
			Target:      tmpl.Target,
			Namespace:   tmpl.Namespace,
			Status:      models.StatusPending,
			CanRollback: tmpl.CanRollback,
		}
		if step.Target == "" {
			step.Target = target
		}
		if step.Namespace == "" {
			step.Namespace = namespace
		}
		if len(tmpl.Parameters) > 0 {
			step.Parameters = make(map[string]any, len(tmpl.Parameters))
			for k, v := range tmpl.Parameters {
				step.Parameters[k] = v
			}
		}
		steps = append(steps, step)
	}
	return steps
}

// Approve records one approval. The plan moves to approved once the required
// count is reached; an expired approval window rejects the plan instead.
func (p *Planner) Approve(planID, approver string) (*models.ActionPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok := p.plans[planID]
	if !ok {
		return nil, fmt.Errorf("unknown plan %s", planID)
	}
	if plan.Status != models.StatusWaitingApproval {
		return nil, fmt.Errorf("plan %s is %s, not waiting for approval", planID, plan.Status)
	}
	if plan.IsExpired(p.now()) {
		plan.Reject("system", "approval window expired")
		metrics.CountPlan(string(models.StatusRejected))
		p.audit(plan, models.ActorSystem, "sentinel", string(models.StatusRejected), map[string]any{
			"reason": "approval window expired",
		})
		return nil, fmt.Errorf("plan %s approval window expired", planID)
	}

	approved := plan.AddApproval(approver)
	if approved {
		plan.Status = models.StatusApproved
	}
	p.audit(plan, models.ActorApproval, approver, string(plan.Status), map[string]any{
		"approvals_received": len(plan.ApprovalsReceived),
		"approvals_required": plan.ApprovalsRequired,
	})
	p.logger.Info("plan approval recorded",
		"plan", planID,
		"approver", approver,
		"approved", approved,
	)
	return plan, nil
}

// Reject moves a plan that has not started executing to rejected. This is
// also the cancellation path; no executor call has happened yet, so there are
// no side effects to undo.
func (p *Planner) Reject(planID, actor, reason string) (*models.ActionPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok := p.plans[planID]
	if !ok {
		return nil, fmt.Errorf("unknown plan %s", planID)
	}
	switch plan.Status {
	case models.StatusPending, models.StatusWaitingApproval, models.StatusApproved:
	default:
		return nil, fmt.Errorf("plan %s is %s and can no longer be rejected", planID, plan.Status)
	}

	plan.Reject(actor, reason)
	metrics.CountPlan(string(models.StatusRejected))
	p.audit(plan, models.ActorUser, actor, string(models.StatusRejected), map[string]any{
		"reason": reason,
	})
	p.logger.Info("plan rejected", "plan", planID, "actor", actor, "reason", reason)
	return plan, nil
}

// ExpireStale rejects every plan whose approval window has lapsed. It returns
// the number of plans expired.
func (p *Planner) ExpireStale() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	expired := 0
	for _, plan := range p.plans {
		if plan.Status != models.StatusWaitingApproval || !plan.IsExpired(now) {
			continue
		}
		plan.Reject("system", "approval window expired")
		metrics.CountPlan(string(models.StatusRejected))
		p.audit(plan, models.ActorSystem, "sentinel", string(models.StatusRejected), map[string]any{
			"reason": "approval window expired",
		})
		expired++
	}
	return expired
}

// Get returns a plan by id.
func (p *Planner) Get(planID string) (*models.ActionPlan, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	plan, ok := p.plans[planID]
	return plan, ok
}

// Recent returns the most recently created n plans, newest first.
func (p *Planner) Recent(n int) []*models.ActionPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.ActionPlan, 0, n)
	for i := len(p.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, p.plans[p.order[i]])
	}
	return out
}

// ByStatus returns plans currently in the given status, newest first.
func (p *Planner) ByStatus(status models.ActionStatus) []*models.ActionPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	matched := make([]*models.ActionPlan, 0)
	for i := len(p.order) - 1; i >= 0; i-- {
		plan := p.plans[p.order[i]]
		if plan.Status == status {
			matched = append(matched, plan)
		}
	}
	return matched
}

// Executable returns approved plans ready for dispatch, oldest first.
func (p *Planner) Executable() []*models.ActionPlan {
	plans := p.ByStatus(models.StatusApproved)
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })
	return plans
}

// SuccessRate reports the fraction of terminally executed plans that
// succeeded. Plans that never executed do not count.
func (p *Planner) SuccessRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	succeeded, finished := 0, 0
	for _, plan := range p.plans {
		switch plan.Status {
		case models.StatusSuccess:
			succeeded++
			finished++
		case models.StatusFailed, models.StatusRolledBack:
			finished++
		}
	}
	if finished == 0 {
		return 0
	}
	return float64(succeeded) / float64(finished)
}

func (p *Planner) audit(plan *models.ActionPlan, actorType, actorID, status string, metadata map[string]any) {
	action := ""
	if len(plan.Steps) > 0 {
		action = string(plan.Steps[0].ActionType)
	}
	entry := &models.AuditLog{
		ActionType: action,
		ActorType:  actorType,
		ActorID:    actorID,
		PlanID:     plan.ID,
		AnomalyID:  plan.AnomalyID,
		Status:     status,
		Metadata:   metadata,
	}
	if err := p.trail.Add(entry); err != nil {
		p.logger.Error("audit write failed", "plan", plan.ID, "error", err)
	}
}
