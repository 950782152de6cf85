package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeProcessorFault    = "PROCESSOR_FAULT"
	ErrCodeSchedulingFault   = "SCHEDULING_FAULT"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
)

// CadenzaError is the structured error type returned by every cadenza operation.
type CadenzaError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	ActivityID string         `json:"activity_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *CadenzaError) Error() string {
	if e.ActivityID != "" {
		return fmt.Sprintf("[%s] activity %s: %s", e.Code, e.ActivityID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CadenzaError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure is transient.
func (e *CadenzaError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConflict, ErrCodeStore, ErrCodeTimeout:
		return true
	}
	return false
}

// NewError creates a new CadenzaError.
func NewError(code, message string) *CadenzaError {
	return &CadenzaError{Code: code, Message: message}
}

// NewErrorf creates a new CadenzaError with a formatted message.
func NewErrorf(code, format string, args ...any) *CadenzaError {
	return &CadenzaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithActivity attaches an activity ID to the error.
func (e *CadenzaError) WithActivity(activityID string) *CadenzaError {
	e.ActivityID = activityID
	return e
}

// WithCause attaches an underlying cause.
func (e *CadenzaError) WithCause(err error) *CadenzaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CadenzaError) WithDetails(details map[string]any) *CadenzaError {
	e.Details = details
	return e
}

// IsCode reports whether any CadenzaError in err's chain carries code.
func IsCode(err error, code string) bool {
	for err != nil {
		var ce *CadenzaError
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Cause
	}
	return false
}
