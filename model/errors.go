package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
	ErrDatabaseError   = "DATABASE_ERROR"
)

// Workflow-specific error codes.
const (
	ErrActionNotFound         = "ACTION_NOT_FOUND"
	ErrConfigNotFound         = "CONFIG_NOT_FOUND"
	ErrInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ErrNotUnique              = "NOT_UNIQUE"
	ErrNoGetAction            = "NO_GET_ACTION"
	ErrFunctionFailed         = "FUNCTION_FAILED"
	ErrChainIntegrity         = "CHAIN_INTEGRITY"
)

// ErrorEnvelope is the standard error response envelope. It implements the
// error interface.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	Operation string       `json:"operation,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope returns the first ErrorEnvelope in err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
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

// NewDatabaseError wraps a failed query or transaction. The operation names
// the unit of work that was rolled back.
func NewDatabaseError(operation string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrDatabaseError,
		Message:   "A database operation failed",
		Operation: operation,
		cause:     cause,
	}
}

// NewActionNotFoundError returns an ACTION_NOT_FOUND error.
func NewActionNotFoundError(actionCode, entityCode, orgUnitCode string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrActionNotFound,
		Message: fmt.Sprintf("action %q not configured for %s/%s", actionCode, entityCode, orgUnitCode),
	}
}

// NewConfigNotFoundError returns a CONFIG_NOT_FOUND error.
func NewConfigNotFoundError(entityCode, orgUnitCode string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConfigNotFound,
		Message: fmt.Sprintf("no workflow config for %s/%s", entityCode, orgUnitCode),
	}
}

// NewInvalidStateTransitionError returns an INVALID_STATE_TRANSITION error.
func NewInvalidStateTransitionError(actionCode, expected, actual string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code: ErrInvalidStateTransition,
		Message: fmt.Sprintf("action %q requires state %q but case is in %q",
			actionCode, expected, actual),
	}
}

// NewNotUniqueError returns a NOT_UNIQUE error for batches spanning several
// entity code / org unit pairs.
func NewNotUniqueError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotUnique,
		Message: "all actions in a batch must target the same entity code and org unit",
	}
}

// NewNoGetActionError returns a NO_GET_ACTION error. This indicates a config
// defect rather than a transient condition.
func NewNoGetActionError(entityCode, orgUnitCode, state string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoGetAction,
		Message: fmt.Sprintf("no get action from state %q in %s/%s", state, entityCode, orgUnitCode),
	}
}

// NewFunctionFailedError returns a FUNCTION_FAILED error for a pipeline step.
func NewFunctionFailedError(functionCode string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrFunctionFailed,
		Message: fmt.Sprintf("function %q failed", functionCode),
		cause:   cause,
	}
}

// NewChainIntegrityError reports the first ledger entry that fails verification.
func NewChainIntegrityError(entryID int64, reason string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrChainIntegrity,
		Message: fmt.Sprintf("audit chain broken at entry %d: %s", entryID, reason),
	}
}
