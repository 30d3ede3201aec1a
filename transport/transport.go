// Package transport issues authenticated HTTP requests on behalf of the
// rest of the agent. It attaches the bearer token, and when the backend
// answers 401 it runs one token refresh and retries the request exactly
// once. Refresh failure surfaces as a session-expired error; callers treat
// that as a forced logout.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	apperrors "github.com/opsdeck/collabcore/pkg/errors"
	"github.com/opsdeck/collabcore/pkg/httpclient"
	"github.com/opsdeck/collabcore/session"
)

// tokenSource is the slice of the session manager the transport needs.
type tokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) (string, error)
	Logout(ctx context.Context)
}

// Client wraps an HTTP client with bearer auth and the refresh-and-retry
// path.
type Client struct {
	http    *httpclient.CircuitBreakerClient
	session tokenSource
	logger  *slog.Logger
}

func New(client *httpclient.CircuitBreakerClient, sess tokenSource, logger *slog.Logger) *Client {
	return &Client{http: client, session: sess, logger: logger}
}

// Do sends the request with the current access token attached. On a 401 it
// refreshes once and replays the request with the new token. A second 401,
// or a failed refresh, means the session is gone.
//
// Requests with a body must set GetBody (http.NewRequest does this for
// common body types) or the replay is skipped.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	token := c.session.AccessToken()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || token == "" {
		return resp, nil
	}
	resp.Body.Close()

	c.logger.DebugContext(ctx, "request rejected with 401, refreshing token",
		slog.String("url", req.URL.String()))

	newToken, err := c.session.Refresh(ctx)
	if err != nil {
		c.session.Logout(ctx)
		return nil, apperrors.SessionExpired()
	}

	retry, err := cloneRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Authorization", "Bearer "+newToken)

	resp, err = c.http.Do(ctx, retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.session.Logout(ctx)
		return nil, apperrors.SessionExpired()
	}
	return resp, nil
}

// GetJSON fetches url and decodes the 2xx response body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpclient.ParseResponseError(resp, "backend")
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// PostJSON posts payload as JSON and decodes the 2xx response into v when v
// is non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, payload, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpclient.ParseResponseError(resp, "backend")
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	retry := req.Clone(ctx)
	if req.Body == nil {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot retry request without GetBody: %s %s", req.Method, req.URL)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	retry.Body = body
	return retry, nil
}

var _ tokenSource = (*session.Manager)(nil)
