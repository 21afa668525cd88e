package utils

import "fmt"

// AppError names the failing operation next to a short description, so a
// wrapped chain reads like "engine.RefreshBaselines: collect history: ...".
type AppError struct {
	Op  string
	Msg string
	Err error
}

// Error renders "op: msg" with the cause appended when present.
func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *AppError) Unwrap() error { return e.Err }

// NewAppError wraps err with the operation and message.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}
