package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInternalError     = "INTERNAL_ERROR"
	ErrWorkerUnavailable = "WORKER_UNAVAILABLE"
	ErrWorkerTimeout     = "WORKER_TIMEOUT"
)

// Workflow-specific error codes.
const (
	ErrWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	ErrWorkflowDisabled  = "WORKFLOW_DISABLED"
	ErrExecutionNotFound = "EXECUTION_NOT_FOUND"
)

// ErrorEnvelope is the standard error returned to callers of the engine.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes one problem at a path inside a template.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR carrying every detected
// problem.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "The workflow template is invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewWorkerUnavailableError returns a WORKER_UNAVAILABLE error.
func NewWorkerUnavailableError(worker string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkerUnavailable,
		Message: fmt.Sprintf("The %s worker is temporarily unavailable", worker),
	}
}

// NewWorkerTimeoutError returns a WORKER_TIMEOUT error.
func NewWorkerTimeoutError(worker string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkerTimeout,
		Message: fmt.Sprintf("The %s worker did not respond in time", worker),
	}
}

// NewWorkflowNotFoundError returns a WORKFLOW_NOT_FOUND error.
func NewWorkflowNotFoundError(workflowID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %q not found", workflowID),
	}
}

// NewExecutionNotFoundError returns an EXECUTION_NOT_FOUND error.
func NewExecutionNotFoundError(executionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrExecutionNotFound,
		Message: fmt.Sprintf("execution %q not found or already finished", executionID),
	}
}
