package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeParse                 = "PARSE_ERROR"
	ErrCodeUnknownDependency     = "UNKNOWN_DEPENDENCY"
	ErrCodeCyclicDependency      = "CYCLIC_DEPENDENCY"
	ErrCodeDuplicateRegistration = "DUPLICATE_REGISTRATION"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeActionExecution       = "ACTION_EXECUTION_ERROR"
	ErrCodeRetryExhausted        = "RETRY_EXHAUSTED"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeNoCredentials         = "NO_CREDENTIALS"
	ErrCodeSchedulerBinding      = "SCHEDULER_BINDING_ERROR"
	ErrCodeTemplate              = "TEMPLATE_ERROR"
	ErrCodeValidation            = "VALIDATION_ERROR"
)

// Error is the structured error type shared by the parser, executor,
// scheduler and actions.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
