package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/opsdeck/collabcore/pkg/errors"
	"github.com/opsdeck/collabcore/pkg/httputil"
	"github.com/opsdeck/collabcore/pkg/validator"
	"github.com/opsdeck/collabcore/session"
)

// Handler serves the dashboard UI's local API.
type Handler struct {
	app    *App
	logger *slog.Logger
}

// NewHandler creates the dashboard API handler.
func NewHandler(app *App, logger *slog.Logger) *Handler {
	return &Handler{app: app, logger: logger}
}

// --- Request DTOs ---

// LoginRequest is the JSON request body for logging in.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// NoteRequest is the JSON request body for creating or editing a note.
type NoteRequest struct {
	Content string `json:"content" validate:"required,min=1,max=4000"`
}

// AlertRequest is the JSON request body for raising an alert.
type AlertRequest struct {
	Type    string         `json:"type" validate:"required"`
	Message string         `json:"message" validate:"required,min=1,max=2000"`
	Details map[string]any `json:"details"`
}

// SessionStatus describes the current session for the UI.
type SessionStatus struct {
	State          session.State `json:"state"`
	User           *session.User `json:"user,omitempty"`
	IdlePhase      string        `json:"idle_phase"`
	RealtimeStatus string        `json:"realtime_status"`
	UnreadAlerts   int64         `json:"unread_alerts"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return false
	}
	if err := validator.Validate(v); err != nil {
		httputil.WriteValidationError(w, err)
		return false
	}
	return true
}

// requireSession rejects requests made while nobody is logged in.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request) bool {
	if h.app.session.State() != session.StateAuthenticated {
		httputil.WriteError(w, r, apperrors.Unauthorized("not logged in"), h.logger)
		return false
	}
	return true
}

// --- Session ---

// Login handles POST /api/v1/session/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.app.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: user})
}

// Logout handles POST /api/v1/session/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.app.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// StayLoggedIn handles POST /api/v1/session/stay, dismissing the idle warning.
func (h *Handler) StayLoggedIn(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	h.app.idle.StayLoggedIn()
	h.Status(w, r)
}

// Status handles GET /api/v1/session
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status := SessionStatus{
		State:          h.app.session.State(),
		User:           h.app.session.CurrentUser(),
		IdlePhase:      string(h.app.idle.Phase()),
		RealtimeStatus: string(h.app.rt.Status()),
		UnreadAlerts:   h.app.syncer.Unread(),
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: status})
}

// Profile handles GET /api/v1/session/profile. Unlike Status, it goes to the
// auth service, so an expired access token gets refreshed on the way.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	user, err := h.app.Profile(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: user})
}

// --- Notes ---

// ListNotes handles GET /api/v1/notes
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: h.app.state.Notes()})
}

// CreateNote handles POST /api/v1/notes
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id, err := h.app.syncer.CreateNote(r.Context(), req.Content)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: map[string]string{"id": id}})
}

// UpdateNote handles PUT /api/v1/notes/{id}
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.app.syncer.UpdateNote(r.Context(), id.String(), req.Content); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteNote handles DELETE /api/v1/notes/{id}
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if err := h.app.syncer.DeleteNote(r.Context(), id.String()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Presence, activity, alerts ---

// ListPresence handles GET /api/v1/presence
func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: h.app.state.Presence()})
}

// ListActivity handles GET /api/v1/activity
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: h.app.state.Activity()})
}

// ListAlerts handles GET /api/v1/alerts
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: h.app.state.Alerts()})
}

// RaiseAlert handles POST /api/v1/alerts
func (h *Handler) RaiseAlert(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	var req AlertRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id, err := h.app.syncer.RaiseAlert(r.Context(), req.Type, req.Message, req.Details)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: map[string]string{"id": id}})
}

// MarkAlertsRead handles POST /api/v1/alerts/read
func (h *Handler) MarkAlertsRead(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	h.app.syncer.MarkAllRead()
	w.WriteHeader(http.StatusNoContent)
}

// ListNotifications handles GET /api/v1/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: h.app.notifier.Recent()})
}
