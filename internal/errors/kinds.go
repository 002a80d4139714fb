package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain error sentinels shared across the platform.
// These enable consistent HTTP status mapping via errors.Is().

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates invalid input from the caller.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidPath indicates a name that failed path validation.
	ErrInvalidPath = errors.New("invalid path")

	// ErrPermissionDenied indicates the caller may not access the resource.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict indicates a state conflict (e.g., revoke on a completed task).
	ErrConflict = errors.New("conflict")

	// ErrPayloadTooLarge indicates a request body or value over the size limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnavailable indicates a required dependency is not configured or ready.
	ErrUnavailable = errors.New("service unavailable")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)

// NotFoundError wraps ErrNotFound with a descriptive message.
func NotFoundError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrNotFound)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// InvalidArgumentError wraps ErrInvalidArgument with a descriptive message.
func InvalidArgumentError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrInvalidArgument)
}

// InvalidArgumentf wraps ErrInvalidArgument with a formatted message.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
}

// InvalidPathError wraps ErrInvalidPath with a descriptive message.
func InvalidPathError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrInvalidPath)
}

// PermissionDeniedError wraps ErrPermissionDenied with a descriptive message.
func PermissionDeniedError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrPermissionDenied)
}

// ConflictError wraps ErrConflict with a descriptive message.
func ConflictError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrConflict)
}

// PayloadTooLargeError wraps ErrPayloadTooLarge with a descriptive message.
func PayloadTooLargeError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrPayloadTooLarge)
}

// UnavailableError wraps ErrUnavailable with a descriptive message.
func UnavailableError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrUnavailable)
}

// TimeoutError wraps ErrTimeout with a descriptive message.
func TimeoutError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrTimeout)
}

// HTTPStatus maps a domain error to its HTTP status code. Unclassified
// errors map to 500; handlers must not expose their details to clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Is re-exports errors.Is so callers do not need a second import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As re-exports errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New re-exports errors.New.
func New(text string) error {
	return errors.New(text)
}
