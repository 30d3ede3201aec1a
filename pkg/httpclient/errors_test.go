package httpclient

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/opsdeck/collabcore/pkg/errors"
)

func makeResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseResponseError_BareMessage(t *testing.T) {
	// The auth service returns a bare "message" field.
	resp := makeResponse(http.StatusUnauthorized, `{"message":"Invalid credentials"}`)

	err := ParseResponseError(resp, "auth")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "AUTH_FAILED", appErr.Code)
	assert.Equal(t, "Invalid credentials", appErr.Message)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestParseResponseError_NestedError(t *testing.T) {
	resp := makeResponse(http.StatusBadRequest, `{"error":{"code":"INVALID_INPUT","message":"username is required"}}`)

	err := ParseResponseError(resp, "auth")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Contains(t, err.Error(), "username is required")
}

func TestParseResponseError_NotFound(t *testing.T) {
	resp := makeResponse(http.StatusNotFound, `{"message":"no such user"}`)

	err := ParseResponseError(resp, "auth")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestParseResponseError_ServiceUnavailable(t *testing.T) {
	resp := makeResponse(http.StatusServiceUnavailable, `{"message":"maintenance"}`)

	err := ParseResponseError(resp, "collab")
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)
}

func TestParseResponseError_UnstructuredBody(t *testing.T) {
	resp := makeResponse(http.StatusBadGateway, "upstream exploded")

	err := ParseResponseError(resp, "auth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestParseResponseError_ServerErrorWithMessage(t *testing.T) {
	resp := makeResponse(http.StatusInternalServerError, `{"message":"boom"}`)

	err := ParseResponseError(resp, "auth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(400))
	assert.True(t, IsClientError(401))
	assert.True(t, IsClientError(499))
	assert.False(t, IsClientError(399))
	assert.False(t, IsClientError(500))
}
