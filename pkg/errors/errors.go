package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrInternal        = errors.New("internal error")
	ErrServiceUnavail  = errors.New("service unavailable")
	ErrNoRefreshToken  = errors.New("no refresh token")
	ErrRefreshInvalid  = errors.New("refresh token rejected")
	ErrSessionExpired  = errors.New("session expired")
	ErrConnectionLost  = errors.New("connection lost")
	ErrSyncWriteFailed = errors.New("sync write failed")
)

// AppError represents a structured application error with HTTP status mapping.
// Status reflects the upstream response that produced the error, when there
// was one.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not-found error for a named resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// AuthFailed creates an error for a rejected login attempt, preserving the
// server-provided message for display.
func AuthFailed(message string) *AppError {
	return &AppError{
		Code:    "AUTH_FAILED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// NoRefreshToken creates an error for a refresh attempted without a stored
// refresh token.
func NoRefreshToken() *AppError {
	return &AppError{
		Code:    "NO_REFRESH_TOKEN",
		Message: "no refresh token available",
		Status:  http.StatusUnauthorized,
		Err:     ErrNoRefreshToken,
	}
}

// RefreshInvalid creates an error for a refresh call rejected by the auth
// service. Callers treat this as terminal: tokens are cleared, not retried.
func RefreshInvalid(err error) *AppError {
	return &AppError{
		Code:    "REFRESH_INVALID",
		Message: "refresh token rejected by auth service",
		Status:  http.StatusUnauthorized,
		Err:     errors.Join(ErrRefreshInvalid, err),
	}
}

// SessionExpired creates an error for a session that can no longer be
// validated or refreshed.
func SessionExpired() *AppError {
	return &AppError{
		Code:    "SESSION_EXPIRED",
		Message: "session expired, re-authentication required",
		Status:  http.StatusUnauthorized,
		Err:     ErrSessionExpired,
	}
}

// ConnectionFailed creates an error for a realtime connection that could not
// be established or was lost.
func ConnectionFailed(err error) *AppError {
	return &AppError{
		Code:    "CONNECTION_FAILED",
		Message: "realtime connection failed",
		Status:  http.StatusServiceUnavailable,
		Err:     errors.Join(ErrConnectionLost, err),
	}
}

// SyncWriteFailed creates an error for a failed write against the remote
// collection store. No local state was changed, so no rollback is implied.
func SyncWriteFailed(op, path string, err error) *AppError {
	return &AppError{
		Code:    "SYNC_WRITE_FAILED",
		Message: fmt.Sprintf("%s on collection %s failed", op, path),
		Status:  http.StatusServiceUnavailable,
		Err:     errors.Join(ErrSyncWriteFailed, err),
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrNoRefreshToken), errors.Is(err, ErrRefreshInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrServiceUnavail), errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrSyncWriteFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
