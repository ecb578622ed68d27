package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// AppError represents a standardized application error
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Severity   Severity               `json:"severity"`
}

// Severity levels for errors
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Error codes
const (
	// Executor errors
	CodeTaskFailed      = "TASK_FAILED"
	CodeTaskTimeout     = "TASK_TIMEOUT"
	CodeTaskCancelled   = "TASK_CANCELLED"
	CodeExecutorClosed  = "EXECUTOR_CLOSED"
	CodeRetriesExceeded = "RETRIES_EXCEEDED"

	// Pool errors
	CodePoolExhausted    = "POOL_EXHAUSTED"
	CodePoolClosed       = "POOL_CLOSED"
	CodeConnectionFailed = "CONNECTION_CREATE_FAILED"
	CodeQueryFailed      = "QUERY_FAILED"

	// Configuration errors
	CodeConfigInvalid    = "CONFIG_INVALID"
	CodeConfigValidation = "CONFIG_VALIDATION_FAILED"

	// System errors
	CodeSystemOverload = "SYSTEM_OVERLOAD"
	CodeSystemFailure  = "SYSTEM_FAILURE"
)

// New creates a new standardized error
func New(code, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Timestamp:  time.Now(),
		Severity:   SeverityMedium,
	}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As chains
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Wrap wraps another error as the cause
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithSeverity sets the severity level
func (e *AppError) WithSeverity(severity Severity) *AppError {
	e.Severity = severity
	return e
}

// IsCritical returns true if the error is critical
func (e *AppError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// ToMap converts the error to a map for structured logging
func (e *AppError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code":      e.Code,
		"error_message":   e.Message,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
	}

	if e.Cause != nil {
		result["error_cause"] = e.Cause.Error()
	}

	for k, v := range e.Metadata {
		result[fmt.Sprintf("error_meta_%s", k)] = v
	}

	return result
}

// Convenience constructors for the common error classes

// TimeoutError creates a task timeout error with the distinct cause tag
func TimeoutError(component, operation string, timeout time.Duration) *AppError {
	return New(CodeTaskTimeout, component, operation,
		fmt.Sprintf("operation exceeded timeout of %s", timeout)).
		WithSeverity(SeverityHigh)
}

// PoolExhaustedError signals that no resource could be obtained within the
// bounded wait
func PoolExhaustedError(component string, waited time.Duration) *AppError {
	return New(CodePoolExhausted, component, "acquire",
		fmt.Sprintf("no resources available after waiting %s", waited)).
		WithSeverity(SeverityHigh)
}

// ConnectionError creates a connection-creation failure
func ConnectionError(operation, message string) *AppError {
	return New(CodeConnectionFailed, "dbpool", operation, message)
}

// QueryError creates a query execution failure
func QueryError(operation, message string) *AppError {
	return New(CodeQueryFailed, "dbpool", operation, message)
}

// ConfigError creates a configuration error
func ConfigError(operation, message string) *AppError {
	return New(CodeConfigInvalid, "config", operation, message)
}

// IsCode reports whether err carries the given application error code
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// AsAppError converts an error to AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

// WrapError wraps a standard error into an AppError
func WrapError(err error, component, operation, message string) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := AsAppError(err); ok {
		return appErr
	}

	return New("WRAPPED_ERROR", component, operation, message).Wrap(err)
}
