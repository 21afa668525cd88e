package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionType enumerates supported remediation actions.
type ActionType string

const (
	ActionPodRestart         ActionType = "pod_restart"
	ActionHPAScale           ActionType = "hpa_scale"
	ActionCacheFlush         ActionType = "cache_flush"
	ActionCircuitBreaker     ActionType = "circuit_breaker"
	ActionDeploymentRollback ActionType = "deployment_rollback"
	ActionConfigRollback     ActionType = "config_rollback"
	ActionTrafficShift       ActionType = "traffic_shift"
	ActionDatabaseFailover   ActionType = "database_failover"
	ActionCustomWebhook      ActionType = "custom_webhook"
)

// Valid reports whether the action type is a known value.
func (t ActionType) Valid() bool {
	switch t {
	case ActionPodRestart, ActionHPAScale, ActionCacheFlush, ActionCircuitBreaker,
		ActionDeploymentRollback, ActionConfigRollback, ActionTrafficShift,
		ActionDatabaseFailover, ActionCustomWebhook:
		return true
	}
	return false
}

// ActionStatus tracks a plan or step through its lifecycle.
type ActionStatus string

const (
	StatusPending         ActionStatus = "pending"
	StatusWaitingApproval ActionStatus = "waiting_approval"
	StatusApproved        ActionStatus = "approved"
	StatusRejected        ActionStatus = "rejected"
	StatusExecuting       ActionStatus = "executing"
	StatusSuccess         ActionStatus = "success"
	StatusFailed          ActionStatus = "failed"
	StatusRolledBack      ActionStatus = "rolled_back"
)

// Terminal reports whether the status ends a step's lifecycle.
func (s ActionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusRolledBack, StatusRejected:
		return true
	}
	return false
}

// NewStepID returns a fresh step identifier.
func NewStepID() string { return "STEP-" + uuid.New().String()[:6] }

// NewPlanID returns a fresh plan identifier.
func NewPlanID() string { return "PLAN-" + uuid.New().String()[:8] }

// ActionStep is a single unit of remediation work inside a plan.
type ActionStep struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	ActionType ActionType     `json:"action_type"`
	Target     string         `json:"target"`
	Namespace  string         `json:"namespace,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	Status          ActionStatus `json:"status"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	DurationSeconds int          `json:"duration_seconds,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`

	RollbackData map[string]any `json:"rollback_data,omitempty"`
	CanRollback  bool           `json:"can_rollback"`
}

// MarkStarted transitions the step into executing.
func (s *ActionStep) MarkStarted(now time.Time) {
	s.Status = StatusExecuting
	s.StartedAt = &now
}

// MarkCompleted records the terminal execution outcome.
func (s *ActionStep) MarkCompleted(now time.Time, success bool, errMsg string) {
	s.CompletedAt = &now
	if s.StartedAt != nil {
		s.DurationSeconds = int(now.Sub(*s.StartedAt).Seconds())
	}
	if success {
		s.Status = StatusSuccess
	} else {
		s.Status = StatusFailed
	}
	s.ErrorMessage = errMsg
}

// MarkRolledBack records a completed compensating action.
func (s *ActionStep) MarkRolledBack() { s.Status = StatusRolledBack }

// ActionPlan is the stateful unit of remediation tracked through the status
// lifecycle. The embedded RiskAssessment is computed before any step executes.
type ActionPlan struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	AnomalyID     string `json:"anomaly_id"`
	AnomalyMetric string `json:"anomaly_metric,omitempty"`

	Risk RiskAssessment `json:"risk_assessment"`

	Steps []*ActionStep `json:"steps"`

	RequiresApproval  bool       `json:"requires_approval"`
	ApprovalsRequired int        `json:"approvals_required"`
	ApprovalsReceived []string   `json:"approvals_received,omitempty"`
	ApprovalTimeout   *time.Time `json:"approval_timeout,omitempty"`

	Status      ActionStatus `json:"status"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CurrentStep int          `json:"current_step"`

	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// IsApproved reports whether the plan has all required approvals.
func (p *ActionPlan) IsApproved() bool {
	if !p.RequiresApproval {
		return true
	}
	return len(p.ApprovalsReceived) >= p.ApprovalsRequired
}

// IsExpired reports whether the approval window has passed.
func (p *ActionPlan) IsExpired(now time.Time) bool {
	if p.ApprovalTimeout == nil {
		return false
	}
	return now.After(*p.ApprovalTimeout)
}

// AddApproval records an approver (idempotent per approver) and reports
// whether the plan now has the required approvals.
func (p *ActionPlan) AddApproval(approver string) bool {
	for _, a := range p.ApprovalsReceived {
		if a == approver {
			return p.IsApproved()
		}
	}
	p.ApprovalsReceived = append(p.ApprovalsReceived, approver)
	return p.IsApproved()
}

// Reject moves the plan to rejected with a recorded reason.
func (p *ActionPlan) Reject(rejector, reason string) {
	p.Status = StatusRejected
	p.ErrorMessage = fmt.Sprintf("Rejected by %s: %s", rejector, reason)
}

// MarkStarted transitions the plan into executing.
func (p *ActionPlan) MarkStarted(now time.Time) {
	p.Status = StatusExecuting
	p.StartedAt = &now
}

// MarkCompleted records the terminal plan outcome.
func (p *ActionPlan) MarkCompleted(now time.Time, success bool, summary string) {
	p.CompletedAt = &now
	p.Success = success
	if success {
		p.Status = StatusSuccess
	} else {
		p.Status = StatusFailed
	}
	p.Summary = summary
}

// ActiveStep returns the step currently due for execution.
func (p *ActionPlan) ActiveStep() *ActionStep {
	if p.CurrentStep < 0 || p.CurrentStep >= len(p.Steps) {
		return nil
	}
	return p.Steps[p.CurrentStep]
}

// AdvanceStep moves to the next step and returns it (nil when exhausted).
func (p *ActionPlan) AdvanceStep() *ActionStep {
	p.CurrentStep++
	return p.ActiveStep()
}

// CompletedSteps returns steps that reached a terminal execution status.
func (p *ActionPlan) CompletedSteps() []*ActionStep {
	completed := make([]*ActionStep, 0, len(p.Steps))
	for _, s := range p.Steps {
		switch s.Status {
		case StatusSuccess, StatusFailed, StatusRolledBack:
			completed = append(completed, s)
		}
	}
	return completed
}
