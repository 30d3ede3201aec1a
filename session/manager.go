package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/opsdeck/collabcore/pkg/errors"
	"github.com/opsdeck/collabcore/pkg/httpclient"
)

// State is the manager's lifecycle position.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateRefreshing     State = "refreshing"
)

// ValidationResult is the outcome of ValidateSession.
type ValidationResult string

const (
	// ValidationValid means the stored access token is still usable as-is.
	ValidationValid ValidationResult = "valid"
	// ValidationRefreshed means the access token was expired but the refresh
	// token minted a new pair.
	ValidationRefreshed ValidationResult = "refreshed"
	// ValidationExpired means no usable credentials remain; tokens have been
	// cleared.
	ValidationExpired ValidationResult = "expired"
)

// User is the authenticated principal as the auth service reports it.
type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Gender    string `json:"gender"`
	Image     string `json:"image"`
}

// DisplayName is the name shown to other collaborators.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// Config holds the auth service settings.
type Config struct {
	BaseURL           string        `env:"AUTH_BASE_URL" envDefault:"https://dummyjson.com" validate:"required,url"`
	AccessExpiryMins  int           `env:"AUTH_ACCESS_EXPIRY_MINS" envDefault:"2" validate:"min=1"`
	RefreshExpiryMins int           `env:"AUTH_REFRESH_EXPIRY_MINS" envDefault:"60" validate:"min=1"`
	IdleTimeout       time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"15m" validate:"required"`
	WarningLead       time.Duration `env:"SESSION_WARNING_LEAD" envDefault:"2m" validate:"required"`
}

type loginRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	ExpiresInMins int    `json:"expiresInMins"`
}

type refreshRequest struct {
	RefreshToken  string `json:"refreshToken"`
	ExpiresInMins int    `json:"expiresInMins"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type loginResponse struct {
	tokenResponse
	User
}

// Manager owns the authentication lifecycle: login, token storage, refresh
// and logout. Tokens never leave the manager except as an Authorization
// header value built by the transport layer.
//
// Refresh is single-flight: concurrent callers that hit an expired access
// token at the same moment share one refresh request and all observe the
// same new token.
type Manager struct {
	cfg    Config
	http   *httpclient.CircuitBreakerClient
	tokens TokenStore
	logger *slog.Logger

	sf singleflight.Group

	mu     sync.RWMutex
	state  State
	user   *User
	expiry time.Time

	now func() time.Time
}

func NewManager(cfg Config, client *httpclient.CircuitBreakerClient, tokens TokenStore, logger *slog.Logger) *Manager {
	if tokens == nil {
		tokens = NewMemoryStore()
	}
	return &Manager{
		cfg:    cfg,
		http:   client,
		tokens: tokens,
		logger: logger,
		state:  StateAnonymous,
		now:    time.Now,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CurrentUser returns the cached user from the last login or me fetch.
func (m *Manager) CurrentUser() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// AccessToken returns the stored access token, empty when logged out.
func (m *Manager) AccessToken() string {
	return m.tokens.Access()
}

// SessionExpiry is the idle deadline set at login and pushed forward by
// ExtendSession.
func (m *Manager) SessionExpiry() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiry
}

// Login authenticates with the auth service and stores the issued token
// pair. A 401 surfaces the server's own message so the caller can show it
// verbatim.
func (m *Manager) Login(ctx context.Context, username, password string) (*User, error) {
	if username == "" || password == "" {
		return nil, apperrors.InvalidInput("username and password are required")
	}

	m.setState(StateAuthenticating)

	resp, err := m.http.PostJSON(ctx, m.cfg.BaseURL+"/auth/login", loginRequest{
		Username:      username,
		Password:      password,
		ExpiresInMins: m.cfg.AccessExpiryMins,
	})
	if err != nil {
		m.setState(StateAnonymous)
		return nil, apperrors.ConnectionFailed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.setState(StateAnonymous)
		return nil, httpclient.ParseResponseError(resp, "auth")
	}

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		m.setState(StateAnonymous)
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if body.AccessToken == "" {
		m.setState(StateAnonymous)
		return nil, apperrors.AuthFailed("login response carried no access token")
	}

	if err := m.tokens.SetPair(body.AccessToken, body.RefreshToken); err != nil {
		m.setState(StateAnonymous)
		return nil, fmt.Errorf("store tokens: %w", err)
	}

	m.mu.Lock()
	m.state = StateAuthenticated
	m.user = &body.User
	m.expiry = m.now().Add(m.cfg.IdleTimeout)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "login succeeded", slog.String("username", body.Username))
	return &body.User, nil
}

// Refresh exchanges the stored refresh token for a new pair and returns the
// new access token. Concurrent calls collapse into one request. Any refresh
// failure clears all tokens; a half-refreshed session is never left behind.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	refresh := m.tokens.Refresh()
	if refresh == "" {
		return "", apperrors.NoRefreshToken()
	}

	prev := m.State()
	m.setState(StateRefreshing)

	resp, err := m.http.PostJSON(ctx, m.cfg.BaseURL+"/auth/refresh", refreshRequest{
		RefreshToken:  refresh,
		ExpiresInMins: m.cfg.AccessExpiryMins,
	})
	if err != nil {
		m.failRefresh(ctx, err)
		return "", apperrors.RefreshInvalid(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := httpclient.ParseResponseError(resp, "auth")
		m.failRefresh(ctx, err)
		return "", apperrors.RefreshInvalid(err)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		m.failRefresh(ctx, err)
		return "", apperrors.RefreshInvalid(err)
	}
	if body.AccessToken == "" {
		err := fmt.Errorf("refresh response carried no access token")
		m.failRefresh(ctx, err)
		return "", apperrors.RefreshInvalid(err)
	}

	if err := m.tokens.SetPair(body.AccessToken, body.RefreshToken); err != nil {
		m.failRefresh(ctx, err)
		return "", fmt.Errorf("store tokens: %w", err)
	}
	m.setState(prev)
	m.logger.InfoContext(ctx, "token refreshed")
	return body.AccessToken, nil
}

func (m *Manager) failRefresh(ctx context.Context, err error) {
	_ = m.tokens.ClearAll()
	m.mu.Lock()
	m.state = StateAnonymous
	m.user = nil
	m.expiry = time.Time{}
	m.mu.Unlock()
	m.logger.WarnContext(ctx, "token refresh failed, session cleared", slog.String("error", err.Error()))
}

// ValidateSession inspects stored tokens and reports whether the session can
// continue, in order:
//
//  1. no tokens at all: expired
//  2. access token not yet expired: valid
//  3. access expired but refresh token still live: attempt a refresh;
//     refreshed on success, expired on failure
//  4. everything expired: expired, tokens cleared
//
// A usable session promotes the manager to authenticated, so tokens revived
// from durable storage carry the full session state with them.
func (m *Manager) ValidateSession(ctx context.Context) ValidationResult {
	access := m.tokens.Access()
	refresh := m.tokens.Refresh()

	if access == "" && refresh == "" {
		return ValidationExpired
	}
	if access != "" && !IsExpired(access, 0) {
		m.markAuthenticated()
		return ValidationValid
	}
	if refresh != "" && !IsExpired(refresh, 0) {
		if _, err := m.Refresh(ctx); err != nil {
			return ValidationExpired
		}
		m.markAuthenticated()
		return ValidationRefreshed
	}

	m.Logout(ctx)
	return ValidationExpired
}

// markAuthenticated promotes a session revived from stored tokens. An
// already-authenticated session keeps its idle deadline.
func (m *Manager) markAuthenticated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated {
		return
	}
	m.state = StateAuthenticated
	m.expiry = m.now().Add(m.cfg.IdleTimeout)
}

// FetchCurrentUser retrieves the authenticated user from the auth service
// and caches it.
func (m *Manager) FetchCurrentUser(ctx context.Context) (*User, error) {
	access := m.tokens.Access()
	if access == "" {
		return nil, apperrors.SessionExpired()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/auth/me", nil)
	if err != nil {
		return nil, fmt.Errorf("build me request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+access)

	resp, err := m.http.Do(ctx, req)
	if err != nil {
		return nil, apperrors.ConnectionFailed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.ParseResponseError(resp, "auth")
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode user response: %w", err)
	}

	m.mu.Lock()
	m.user = &user
	m.mu.Unlock()
	return &user, nil
}

// ExtendSession pushes the idle deadline another full idle timeout out from
// now. Called when the user elects to stay logged in.
func (m *Manager) ExtendSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return
	}
	m.expiry = m.now().Add(m.cfg.IdleTimeout)
}

// Logout clears all tokens and cached state. Safe to call repeatedly and in
// any state.
func (m *Manager) Logout(ctx context.Context) {
	_ = m.tokens.ClearAll()
	m.mu.Lock()
	wasAuthed := m.state != StateAnonymous
	m.state = StateAnonymous
	m.user = nil
	m.expiry = time.Time{}
	m.mu.Unlock()
	if wasAuthed {
		m.logger.InfoContext(ctx, "logged out")
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
