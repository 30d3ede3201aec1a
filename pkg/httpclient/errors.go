package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/opsdeck/collabcore/pkg/errors"
)

// upstreamErrorResponse matches the error body shape returned by the auth
// service (a bare "message" field) and by services using a nested "error"
// object. Both are tried.
type upstreamErrorResponse struct {
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError reads the body of a non-2xx HTTP response and translates
// it into an appropriate AppError, preserving the server-provided message when
// the body is structured. The response body is fully consumed and closed.
//
// The caller should only invoke this when resp.StatusCode indicates an error.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", serviceName, resp.StatusCode, err)
	}

	message := ""
	var upstream upstreamErrorResponse
	if json.Unmarshal(bodyBytes, &upstream) == nil {
		switch {
		case upstream.Error != nil && upstream.Error.Message != "":
			message = upstream.Error.Message
		case upstream.Message != "":
			message = upstream.Message
		}
	}
	if message == "" {
		// Fallback: unstructured error body.
		return fmt.Errorf("%s returned status %d: %s", serviceName, resp.StatusCode, string(bodyBytes))
	}

	return mapUpstreamError(resp.StatusCode, message, serviceName)
}

// mapUpstreamError translates an upstream service's HTTP status code and
// message into an AppError that preserves the error semantics.
func mapUpstreamError(status int, message, serviceName string) error {
	qualifiedMsg := fmt.Sprintf("%s: %s", serviceName, message)

	switch {
	case status == http.StatusNotFound:
		return apperrors.NotFound(serviceName, message)
	case status == http.StatusBadRequest:
		return apperrors.InvalidInput(qualifiedMsg)
	case status == http.StatusUnauthorized:
		// Keep the raw server message: login failures surface it to the user.
		return apperrors.AuthFailed(message)
	case status == http.StatusForbidden:
		return &apperrors.AppError{
			Code:    "FORBIDDEN",
			Message: qualifiedMsg,
			Status:  http.StatusForbidden,
			Err:     apperrors.ErrForbidden,
		}
	case status == http.StatusServiceUnavailable:
		return &apperrors.AppError{
			Code:    "SERVICE_UNAVAILABLE",
			Message: qualifiedMsg,
			Status:  http.StatusServiceUnavailable,
			Err:     apperrors.ErrServiceUnavail,
		}
	case status >= 500:
		return fmt.Errorf("%s server error (%d): %s", serviceName, status, message)
	default:
		return &apperrors.AppError{
			Code:    "UPSTREAM_ERROR",
			Message: qualifiedMsg,
			Status:  status,
		}
	}
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
