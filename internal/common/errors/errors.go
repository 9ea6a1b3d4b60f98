// Package errors provides custom error types for the dispatchd application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeNotReservable      = "NOT_RESERVABLE"
	ErrCodeNotAssigned        = "NOT_ASSIGNED"
	ErrCodeAlreadyVerified    = "ALREADY_VERIFIED"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeDatabaseConstraint = "DATABASE_CONSTRAINT_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id int64) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id %d not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// NotFoundNamed creates a not found error for a resource addressed by name or token.
func NotFoundNamed(resource string, name string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s '%s' not found", resource, name),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NotReservable creates the lease refusal error. The message carries the
// observed status and holder so agents can decide what to do next.
func NotReservable(taskID int64, status string, holder string) *AppError {
	msg := fmt.Sprintf("task %d is not reservable (status: %s)", taskID, status)
	if holder != "" {
		msg = fmt.Sprintf("task %d is not reservable (status: %s, held by: %s)", taskID, status, holder)
	}
	return &AppError{
		Code:       ErrCodeNotReservable,
		Message:    msg,
		HTTPStatus: http.StatusConflict,
	}
}

// NotAssigned creates the ownership refusal error for unlock/complete by a non-holder.
func NotAssigned(taskID int64, agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeNotAssigned,
		Message:    fmt.Sprintf("task %d is not assigned to agent '%s'", taskID, agentID),
		HTTPStatus: http.StatusConflict,
	}
}

// AlreadyVerified creates the error for verifying a task twice.
func AlreadyVerified(taskID int64) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyVerified,
		Message:    fmt.Sprintf("task %d is already verified", taskID),
		HTTPStatus: http.StatusConflict,
	}
}

// CircularDependency creates the error for a blocking edge that would close a cycle.
func CircularDependency(parentID, childID int64) *AppError {
	return &AppError{
		Code:       ErrCodeCircularDependency,
		Message:    fmt.Sprintf("relationship between %d and %d would create a circular dependency", parentID, childID),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// DatabaseConstraint wraps a constraint violation from the store. The hint
// points at the usual cause (schema/migration mismatch).
func DatabaseConstraint(err error) *AppError {
	return &AppError{
		Code:       ErrCodeDatabaseConstraint,
		Message:    "database constraint violated; check that the schema matches the running version",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsCode checks if the error carries the given application code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// errorKinds maps application codes to the wire-level error_kind tags.
var errorKinds = map[string]string{
	ErrCodeNotFound:           "not_found",
	ErrCodeBadRequest:         "invalid_input",
	ErrCodeValidationError:    "invalid_input",
	ErrCodeUnauthorized:       "unauthenticated",
	ErrCodeForbidden:          "forbidden",
	ErrCodeNotReservable:      "not_reservable",
	ErrCodeNotAssigned:        "not_assigned",
	ErrCodeAlreadyVerified:    "already_verified",
	ErrCodeCircularDependency: "circular_dependency",
	ErrCodeDatabaseConstraint: "database_constraint_error",
}

// GetErrorKind returns the wire-level error_kind tag for an error.
// Unknown or non-application errors report as internal.
func GetErrorKind(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if kind, ok := errorKinds[appErr.Code]; ok {
			return kind
		}
	}
	return "internal"
}
