package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodePreconditionFailed     = "PRECONDITION_FAILED"
	ErrCodePostconditionFailed    = "POSTCONDITION_FAILED"
	ErrCodeExecutorFailure        = "EXECUTOR_FAILURE"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeApprovalRejected       = "APPROVAL_REJECTED"
	ErrCodeCancelled              = "CANCELLED"
	ErrCodeTimeout                = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen            = "CIRCUIT_OPEN"
	ErrCodeExpression             = "EXPRESSION_ERROR"
	ErrCodeAgentUnavailable       = "AGENT_UNAVAILABLE"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeStore                  = "STORE_ERROR"
)

// Reasons attached to INVALID_TRANSITION errors.
const (
	ReasonNotAllowed         = "transition_not_allowed"
	ReasonTerminalStatus     = "terminal_status"
	ReasonUnknownSubjectType = "unknown_subject_type"
	ReasonUnknownStatus      = "unknown_status"
)

// ChainopsError is the structured error type shared by every component.
type ChainopsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex *int           `json:"step_index,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ChainopsError) Error() string {
	if e.StepIndex != nil {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, *e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainopsError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ChainopsError.
func NewError(code, message string) *ChainopsError {
	return &ChainopsError{Code: code, Message: message}
}

// NewErrorf creates a new ChainopsError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainopsError {
	return &ChainopsError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidTransition builds the error returned when a status change is rejected.
func NewInvalidTransition(reason, from, to string) *ChainopsError {
	return NewErrorf(ErrCodeInvalidTransition, "cannot transition from %q to %q: %s", from, to, reason).
		WithDetails(map[string]any{
			"reason":      reason,
			"from_status": from,
			"to_status":   to,
		})
}

// WithStep attaches a chain step index to the error.
func (e *ChainopsError) WithStep(index int) *ChainopsError {
	e.StepIndex = &index
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainopsError) WithCause(err error) *ChainopsError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *ChainopsError) WithDetails(details map[string]any) *ChainopsError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// Detail returns a detail value as a string, or "" when absent.
func (e *ChainopsError) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	s, _ := e.Details[key].(string)
	return s
}

// AsError extracts a *ChainopsError from an error chain.
func AsError(err error) (*ChainopsError, bool) {
	var ce *ChainopsError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the code of the first ChainopsError in the chain, or "".
func CodeOf(err error) string {
	if ce, ok := AsError(err); ok {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
