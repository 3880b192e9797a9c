package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeHandlerPanic      = "HANDLER_PANIC"
)

// RelayError is the structured error type for all relay operations.
type RelayError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepRunID string         `json:"step_run_id,omitempty"`
	Cause     error          `json:"-"`
}

func (e *RelayError) Error() string {
	if e.StepRunID != "" {
		return fmt.Sprintf("[%s] step run %s: %s", e.Code, e.StepRunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RelayError.
func NewError(code, message string) *RelayError {
	return &RelayError{Code: code, Message: message}
}

// NewErrorf creates a new RelayError with a formatted message.
func NewErrorf(code, format string, args ...any) *RelayError {
	return &RelayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStepRun attaches a step run ID to the error.
func (e *RelayError) WithStepRun(stepRunID string) *RelayError {
	e.StepRunID = stepRunID
	return e
}

// WithCause attaches an underlying cause.
func (e *RelayError) WithCause(err error) *RelayError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RelayError) WithDetails(details map[string]any) *RelayError {
	e.Details = details
	return e
}

// HasCode reports whether err is a RelayError carrying the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		if re, ok := err.(*RelayError); ok && re.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
