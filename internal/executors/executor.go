package executors

import (
	"context"

	"github.com/sentinelops/sentinel-core/internal/models"
)

// Result is the terminal outcome of one logical step execution, after the
// executor has exhausted its internal retries.
type Result struct {
	Success bool
	// Detail carries a status code or short failure description.
	Detail string
	// ResponseExcerpt holds a bounded slice of any remote response body.
	ResponseExcerpt string
	// StateBefore and StateAfter describe the touched resource around the
	// action, for the audit trail.
	StateBefore map[string]any
	StateAfter  map[string]any
}

// Executor performs remediation steps against an external system. Execute is
// one logical attempt from the caller's point of view; retries happen inside.
type Executor interface {
	Name() string
	Supports(action models.ActionType) bool
	Execute(ctx context.Context, step *models.ActionStep) (Result, error)
	Rollback(ctx context.Context, step *models.ActionStep) (Result, error)
}

// Registry routes steps to the first executor that supports their action.
type Registry struct {
	executors []Executor
}

// NewRegistry builds a registry; order determines routing precedence.
func NewRegistry(executors ...Executor) *Registry {
	return &Registry{executors: executors}
}

// For returns the executor responsible for an action type.
func (r *Registry) For(action models.ActionType) (Executor, bool) {
	for _, e := range r.executors {
		if e.Supports(action) {
			return e, true
		}
	}
	return nil, false
}
