// Package errors provides structured error types for flotilla.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeCycle            ErrorCode = "CYCLIC_DEPENDENCY"
	ErrCodeInvalidReference ErrorCode = "INVALID_REFERENCE"
	ErrCodeTaskExecution    ErrorCode = "TASK_EXECUTION_ERROR"
	ErrCodeValidationWait   ErrorCode = "VALIDATION_TIMEOUT"
	ErrCodeValidationQuery  ErrorCode = "VALIDATION_QUERY_ERROR"
	ErrCodeRollbackAction   ErrorCode = "ROLLBACK_ACTION_ERROR"
	ErrCodePolicy           ErrorCode = "POLICY_DENIED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeLocked           ErrorCode = "STATE_LOCKED"
	ErrCodeBackend          ErrorCode = "BACKEND_ERROR"
	ErrCodeStage            ErrorCode = "STAGE_ERROR"
	ErrCodeParse            ErrorCode = "PARSE_ERROR"
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
)

// Error is the base error type for flotilla
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// CycleError reports a dependency cycle between apps. Path holds the app
// names in cycle order; the first element closes the loop with the last.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("[%s] dependency cycle detected: %s", ErrCodeCycle,
		strings.Join(append(append([]string{}, e.Path...), e.Path[0]), " -> "))
}

// InvalidReferenceError reports a depends_on or task dependency that names
// an id which does not exist.
type InvalidReferenceError struct {
	Referrer string // app or task doing the referring
	Target   string // the missing id
	Field    string // "depends_on" or "needs"
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("[%s] %s references unknown %s %q", ErrCodeInvalidReference,
		e.Referrer, e.Field, e.Target)
}

// ValidationError creates a validation error
func ValidationError(message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// TaskError creates a task execution error naming the failing app and task.
func TaskError(app, task string, cause error) *Error {
	return &Error{
		Code:    ErrCodeTaskExecution,
		Message: fmt.Sprintf("task %q of app %q failed", task, app),
		Cause:   cause,
		Details: map[string]interface{}{
			"app":  app,
			"task": task,
		},
	}
}

// StageError creates an error for a failed deployment stage.
func StageError(app, stage string, cause error) *Error {
	return &Error{
		Code:    ErrCodeStage,
		Message: fmt.Sprintf("stage %q of app %q failed", stage, app),
		Cause:   cause,
		Details: map[string]interface{}{
			"app":   app,
			"stage": stage,
		},
	}
}

// BackendError creates a backend error
func BackendError(backend string, operation string, err error) *Error {
	return &Error{
		Code:    ErrCodeBackend,
		Message: fmt.Sprintf("backend %s failed during %s", backend, operation),
		Cause:   err,
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// ParseError creates a parse error
func ParseError(filePath string, err error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", filePath),
		Cause:   err,
		Details: map[string]interface{}{
			"file": filePath,
		},
	}
}

// LockInfo contains metadata about a lock
type LockInfo struct {
	ID        string
	Path      string
	Who       string
	Operation string
	Created   time.Time
}

// StateLocked creates a state locked error
func StateLocked(lockInfo LockInfo) *Error {
	return &Error{
		Code:    ErrCodeLocked,
		Message: "state is locked",
		Details: map[string]interface{}{
			"lock_id":   lockInfo.ID,
			"locked_by": lockInfo.Who,
			"operation": lockInfo.Operation,
			"created":   lockInfo.Created,
		},
	}
}

// Is checks if the error matches the given code
func Is(err error, code ErrorCode) bool {
	if e, ok := err.(*Error); ok {
		return e.Code == code
	}
	return false
}
