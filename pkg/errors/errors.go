package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the base interface for all application errors
type AppError interface {
	error
	HTTPStatus() int
	Code() string
}

// NotFoundError represents a resource that was not found
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s with ID '%s' not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }
func (e *NotFoundError) Code() string    { return "NOT_FOUND" }

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError represents invalid input (bad form data, malformed requests).
// Rejected synchronously to the caller; engine state is unchanged.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }
func (e *ValidationError) Code() string    { return "VALIDATION_ERROR" }

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ConfigurationError represents an invalid workflow definition discovered at
// load or execution time (missing default transition, unknown stepKey, no start
// step). Never retried: the instance fails immediately.
type ConfigurationError struct {
	StepKey string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.StepKey != "" {
		return fmt.Sprintf("configuration error at step '%s': %s", e.StepKey, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ConfigurationError) HTTPStatus() int { return http.StatusUnprocessableEntity }
func (e *ConfigurationError) Code() string    { return "CONFIGURATION_ERROR" }

// NewConfigurationError creates a new ConfigurationError
func NewConfigurationError(stepKey, message string) *ConfigurationError {
	return &ConfigurationError{StepKey: stepKey, Message: message}
}

// TransientError represents a failure that is expected to succeed on retry
// (API call timeout, DB contention). Retried per the job/step retry policy.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) HTTPStatus() int { return http.StatusServiceUnavailable }
func (e *TransientError) Code() string    { return "TRANSIENT_FAILURE" }

// NewTransientError wraps an error as retryable
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// ConcurrencyConflictError represents a stale optimistic lock version. The
// caller must re-read and retry the operation; it is never silently absorbed.
type ConcurrencyConflictError struct {
	Resource string
	ID       string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s '%s': stale lock version", e.Resource, e.ID)
}

func (e *ConcurrencyConflictError) HTTPStatus() int { return http.StatusConflict }
func (e *ConcurrencyConflictError) Code() string    { return "CONCURRENCY_CONFLICT" }

// NewConcurrencyConflict creates a new ConcurrencyConflictError
func NewConcurrencyConflict(resource, id string) *ConcurrencyConflictError {
	return &ConcurrencyConflictError{Resource: resource, ID: id}
}

// AssignmentError represents a human task whose assignment could not be
// resolved to any user or pool. The task is stored unassigned and an Error
// event is logged for operators.
type AssignmentError struct {
	TaskID  string
	Message string
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("assignment error: %s", e.Message)
}

func (e *AssignmentError) HTTPStatus() int { return http.StatusUnprocessableEntity }
func (e *AssignmentError) Code() string    { return "ASSIGNMENT_ERROR" }

// NewAssignmentError creates a new AssignmentError
func NewAssignmentError(taskID, message string) *AssignmentError {
	return &AssignmentError{TaskID: taskID, Message: message}
}

// ConflictError covers claim races on human tasks (AlreadyClaimed)
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string   { return e.Message }
func (e *ConflictError) HTTPStatus() int { return http.StatusConflict }
func (e *ConflictError) Code() string    { return "CONFLICT" }

// NewConflictError creates a new ConflictError
func NewConflictError(message string) *ConflictError {
	return &ConflictError{Message: message}
}

// IsTransient reports whether err should be retried by the job queue
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is an input rejection
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfiguration reports whether err is a non-retryable definition problem
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsConcurrencyConflict reports whether err is a stale-lock rejection
func IsConcurrencyConflict(err error) bool {
	var ce *ConcurrencyConflictError
	return errors.As(err, &ce)
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// GetErrorCode returns the machine-readable code for an error
func GetErrorCode(err error) string {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	return "INTERNAL_ERROR"
}
