package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/collabcore/collab"
	"github.com/opsdeck/collabcore/pkg/logger"
	"github.com/opsdeck/collabcore/realtime"
	"github.com/opsdeck/collabcore/session"
)

func mintToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "1",
		"exp": time.Now().Add(expiresIn).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

// newAuthServer fakes the auth service endpoints the agent talks to.
func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	user := map[string]any{
		"id": 1, "username": "emilys", "email": "emily@example.com",
		"firstName": "Emily", "lastName": "Johnson",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "emilyspass" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"message": "Invalid credentials"})
			return
		}
		body := map[string]any{
			"accessToken":  mintToken(t, 2*time.Minute),
			"refreshToken": mintToken(t, time.Hour),
		}
		for k, v := range user {
			body[k] = v
		}
		json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.RefreshToken == "" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"message": "Invalid refresh token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"accessToken":  mintToken(t, 2*time.Minute),
			"refreshToken": mintToken(t, time.Hour),
		})
	})
	mux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(user)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	return newTestAppWith(t, newAuthServer(t), "")
}

func newTestAppWith(t *testing.T, auth *httptest.Server, tokenFile string) (*App, *httptest.Server) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := &Config{
		Environment:  "development",
		LogLevel:     "error",
		HTTPPort:     8090,
		PprofCIDRs:   []string{"127.0.0.0/8"},
		WebsocketURL: "ws://127.0.0.1:1/ws",
		TokenFile:    tokenFile,
	}
	cfg.Session = session.Config{
		BaseURL:           auth.URL,
		AccessExpiryMins:  2,
		RefreshExpiryMins: 60,
		IdleTimeout:       time.Minute,
		WarningLead:       time.Second,
	}
	cfg.Realtime = realtime.DefaultConfig()
	cfg.Realtime.BaseDelay = time.Millisecond
	cfg.Realtime.MaxDelay = time.Millisecond
	cfg.Realtime.MaxAttempts = 1
	cfg.Collab = collab.DefaultConfig()
	cfg.Collab.HeartbeatInterval = 50 * time.Millisecond
	cfg.Store.Addr = mr.Addr()
	cfg.Store.OfflineRetention = time.Hour
	cfg.Store.PresencePoll = 20 * time.Millisecond
	require.NoError(t, cfg.validate())

	app, err := NewApp(cfg, logger.NewWithWriter("agent", "error", io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown() })

	srv := httptest.NewServer(app.httpServer.Handler)
	t.Cleanup(srv.Close)
	return app, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data
}

func login(t *testing.T, srv *httptest.Server) {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/v1/session/login",
		map[string]string{"username": "emilys", "password": "emilyspass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := decodeData[session.User](t, resp)
	require.Equal(t, "emilys", user.Username)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLoginBringsCollabOnline(t *testing.T) {
	app, srv := newTestApp(t)
	login(t, srv)

	resp, err := http.Get(srv.URL + "/api/v1/session")
	require.NoError(t, err)
	status := decodeData[SessionStatus](t, resp)
	assert.Equal(t, session.StateAuthenticated, status.State)
	require.NotNil(t, status.User)
	assert.Equal(t, "Emily Johnson", status.User.DisplayName())

	waitFor(t, func() bool {
		return len(app.state.Presence()) == 1
	}, "presence roster never showed the logged-in user")

	resp, err = http.Get(srv.URL + "/api/v1/presence")
	require.NoError(t, err)
	roster := decodeData[[]collab.PresenceEntry](t, resp)
	require.Len(t, roster, 1)
	assert.Equal(t, "Emily Johnson", roster[0].DisplayName)
	assert.True(t, roster[0].Online)
}

func TestRejectsInvalidCredentials(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/v1/session/login",
		map[string]string{"username": "emilys", "password": "nope"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Invalid credentials")
}

func TestLoginValidatesInput(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/v1/session/login", map[string]string{"username": "emilys"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "VALIDATION_ERROR")
}

func TestRequiresSession(t *testing.T) {
	_, srv := newTestApp(t)

	for _, path := range []string{"/api/v1/notes", "/api/v1/presence", "/api/v1/activity", "/api/v1/alerts"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestNoteLifecycle(t *testing.T) {
	app, srv := newTestApp(t)
	login(t, srv)

	resp := postJSON(t, srv.URL+"/api/v1/notes", map[string]string{"content": "rotate the api keys"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeData[map[string]string](t, resp)
	noteID := created["id"]
	require.NotEmpty(t, noteID)

	waitFor(t, func() bool {
		notes := app.state.Notes()
		return len(notes) == 1 && notes[0].Content == "rotate the api keys"
	}, "created note never reached the dashboard snapshot")

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/notes/"+noteID,
		strings.NewReader(`{"content":"keys rotated"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	putResp.Body.Close()
	require.Equal(t, http.StatusNoContent, putResp.StatusCode)

	waitFor(t, func() bool {
		notes := app.state.Notes()
		return len(notes) == 1 && notes[0].Content == "keys rotated" && notes[0].Edited
	}, "edit never reached the dashboard snapshot")

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/notes/"+noteID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	waitFor(t, func() bool {
		return len(app.state.Notes()) == 0
	}, "delete never reached the dashboard snapshot")
}

func TestUpdateNoteRejectsBadID(t *testing.T) {
	_, srv := newTestApp(t)
	login(t, srv)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/notes/not-a-uuid",
		strings.NewReader(`{"content":"x"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAlertsAndActivityFeed(t *testing.T) {
	app, srv := newTestApp(t)
	login(t, srv)

	resp := postJSON(t, srv.URL+"/api/v1/alerts", map[string]any{
		"type": "incident", "message": "checkout error rate above 5%",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	waitFor(t, func() bool {
		alerts := app.state.Alerts()
		return len(alerts) == 1 && alerts[0].Message == "checkout error rate above 5%"
	}, "alert never reached the dashboard snapshot")

	// Raising the alert and joining both land in the activity feed.
	waitFor(t, func() bool {
		types := make(map[string]bool)
		for _, ev := range app.state.Activity() {
			types[ev.Type] = true
		}
		return types[collab.ActivityAlertRaised] && types[collab.ActivityUserJoined]
	}, "activity feed missing expected events")

	// Own alerts never increment the unread counter.
	resp, err := http.Get(srv.URL + "/api/v1/session")
	require.NoError(t, err)
	status := decodeData[SessionStatus](t, resp)
	assert.Zero(t, status.UnreadAlerts)
}

func TestLogoutTearsEverythingDown(t *testing.T) {
	app, srv := newTestApp(t)
	login(t, srv)

	waitFor(t, func() bool {
		return len(app.state.Presence()) == 1
	}, "presence roster never showed the logged-in user")

	resp, err := http.Post(srv.URL+"/api/v1/session/logout", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, session.StateAnonymous, app.session.State())
	assert.Empty(t, app.session.AccessToken())
	assert.Empty(t, app.state.Notes())
	assert.Empty(t, app.state.Presence())

	resp, err = http.Get(srv.URL + "/api/v1/notes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProfileRoundTrip(t *testing.T) {
	_, srv := newTestApp(t)
	login(t, srv)

	resp, err := http.Get(srv.URL + "/api/v1/session/profile")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := decodeData[session.User](t, resp)
	assert.Equal(t, "emilys", user.Username)
}

func TestContentTypeEnforced(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Post(srv.URL+"/api/v1/session/login", "text/plain",
		strings.NewReader("username=emilys"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, srv := newTestApp(t)

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestNotificationsEndpoint(t *testing.T) {
	app, srv := newTestApp(t)
	app.notifier.Notify("Realtime alert", "disk pressure on node-3")

	resp, err := http.Get(srv.URL + "/api/v1/notifications")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	notes := decodeData[[]notification](t, resp)
	require.Len(t, notes, 1)
	assert.Equal(t, "disk pressure on node-3", notes[0].Message)
}

func TestStayLoggedInRequiresSession(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Post(srv.URL+"/api/v1/session/stay", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestResumeWithStoredTokens(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "tokens.json")
	fs, err := session.NewFileStore(tokenFile)
	require.NoError(t, err)
	require.NoError(t, fs.SetPair(mintToken(t, time.Hour), mintToken(t, 2*time.Hour)))

	app, srv := newTestAppWith(t, newAuthServer(t), tokenFile)
	require.True(t, app.Resume(context.Background()))

	assert.Equal(t, session.StateAuthenticated, app.session.State())
	require.NotNil(t, app.session.CurrentUser())
	assert.False(t, app.session.SessionExpiry().IsZero())

	// The resumed session drives the API exactly like a fresh login.
	resp, err := http.Get(srv.URL + "/api/v1/notes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	waitFor(t, func() bool {
		return len(app.state.Presence()) == 1
	}, "resumed session never joined the presence roster")
}

func TestResumeRefreshesExpiredAccessToken(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "tokens.json")
	fs, err := session.NewFileStore(tokenFile)
	require.NoError(t, err)
	require.NoError(t, fs.SetPair(mintToken(t, -time.Minute), mintToken(t, time.Hour)))

	app, srv := newTestAppWith(t, newAuthServer(t), tokenFile)
	require.True(t, app.Resume(context.Background()))

	assert.Equal(t, session.StateAuthenticated, app.session.State())
	assert.False(t, session.IsExpired(app.session.AccessToken(), 0))

	resp, err := http.Get(srv.URL + "/api/v1/session/profile")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResumeWithoutTokensDeclines(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "tokens.json")

	app, _ := newTestAppWith(t, newAuthServer(t), tokenFile)
	assert.False(t, app.Resume(context.Background()))
	assert.Equal(t, session.StateAnonymous, app.session.State())
}

func TestRealtimeAlertBecomesNotification(t *testing.T) {
	app, _ := newTestApp(t)

	app.onRealtimeAlert(realtime.Message{
		Type: "alert",
		Data: json.RawMessage(`{"message":"node down"}`),
	})
	recent := app.notifier.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "node down", recent[0].Message)
}
