package models

import (
	"time"

	"github.com/google/uuid"
)

// Actor type values recorded on audit entries.
const (
	ActorSystem   = "system"
	ActorUser     = "user"
	ActorApproval = "approval"
)

// NewAuditID returns a fresh audit entry identifier.
func NewAuditID() string { return "AUD-" + uuid.New().String()[:12] }

// AuditLog is one append-only record of an action attempt. Entries are never
// mutated after creation; retention is an external concern.
type AuditLog struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	ActionType       string         `json:"action_type"`
	ActionTarget     string         `json:"action_target"`
	ActionParameters map[string]any `json:"action_parameters,omitempty"`

	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`

	PlanID    string `json:"plan_id,omitempty"`
	AnomalyID string `json:"anomaly_id,omitempty"`
	StepID    string `json:"step_id,omitempty"`

	Status          string `json:"status"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`

	StateBefore map[string]any `json:"state_before,omitempty"`
	StateAfter  map[string]any `json:"state_after,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
