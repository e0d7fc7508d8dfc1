// Package apperr defines the error taxonomy shared by services and the HTTP layer.
// Services return *Error values (usually wrapped); the gateway maps them to
// status codes and the {error, error_type} wire envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types, grouped by taxonomy class.
const (
	// Validation
	TypeValidation = "VALIDATION"

	// Auth
	TypeTokenInvalid          = "TOKEN_INVALID"
	TypeWorkspaceTokenInvalid = "WORKSPACE_TOKEN_INVALID"
	TypeRefreshInvalid        = "REFRESH_INVALID"
	TypeRefreshExpired        = "REFRESH_EXPIRED"
	TypeRefreshUsed           = "REFRESH_USED"
	TypeMonoAuthTokenInvalid  = "MONO_AUTH_TOKEN_INVALID"
	TypeForbidden             = "FORBIDDEN"
	TypeHandoffTokenUsed      = "HANDOFF_TOKEN_USED"
	TypeHandoffTokenExpired   = "HANDOFF_TOKEN_EXPIRED"

	// Lookup
	TypeNotFound = "NOT_FOUND"

	// Conflicts
	TypeConflict = "CONFLICT"

	// Git classifier
	TypeGitAuthFailed   = "AUTH_FAILED"
	TypeGitRepoNotFound = "REPO_NOT_FOUND"
	TypeGitNetwork      = "NETWORK"
	TypeGitInvalidURL   = "INVALID_URL"

	// Workspace filesystem
	TypeIDTaken     = "ID_TAKEN"
	TypeIDExhausted = "ID_EXHAUSTED"
	TypeIOFailed    = "IO_FAILED"

	// Fallback
	TypeInternal = "INTERNAL"
)

// Error carries a machine-readable type alongside the human message.
type Error struct {
	Type    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error with the given type and message.
func New(errType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(errType, format string, args ...any) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that carries an underlying cause.
func Wrap(errType, message string, cause error) *Error {
	return &Error{Type: errType, Message: message, cause: cause}
}

// Validation creates a VALIDATION error.
func Validation(message string) *Error {
	return New(TypeValidation, message)
}

// NotFound creates a NOT_FOUND error for the named entity.
func NotFound(entity, id string) *Error {
	return Newf(TypeNotFound, "%s not found: %s", entity, id)
}

// Conflict creates a CONFLICT error.
func Conflict(message string) *Error {
	return New(TypeConflict, message)
}

// Forbidden creates a FORBIDDEN error.
func Forbidden(message string) *Error {
	return New(TypeForbidden, message)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return Wrap(TypeInternal, message, cause)
}

// TypeOf extracts the taxonomy type from an error chain.
// Unlabeled errors are INTERNAL.
func TypeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Type
	}
	return TypeInternal
}

// IsType reports whether the error chain carries the given taxonomy type.
func IsType(err error, errType string) bool {
	return TypeOf(err) == errType
}

// HTTPStatus maps a taxonomy type to its HTTP status code.
func HTTPStatus(errType string) int {
	switch errType {
	case TypeValidation, TypeGitInvalidURL:
		return http.StatusBadRequest
	case TypeTokenInvalid, TypeWorkspaceTokenInvalid, TypeRefreshInvalid,
		TypeRefreshExpired, TypeRefreshUsed, TypeMonoAuthTokenInvalid,
		TypeGitAuthFailed:
		return http.StatusUnauthorized
	case TypeForbidden:
		return http.StatusForbidden
	case TypeNotFound, TypeGitRepoNotFound:
		return http.StatusNotFound
	case TypeConflict, TypeHandoffTokenUsed, TypeIDTaken:
		return http.StatusConflict
	case TypeHandoffTokenExpired:
		return http.StatusGone
	case TypeGitNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// StatusOf maps an error chain straight to an HTTP status code.
func StatusOf(err error) int {
	return HTTPStatus(TypeOf(err))
}
