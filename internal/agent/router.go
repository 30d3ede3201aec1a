package agent

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsdeck/collabcore/pkg/health"
	"github.com/opsdeck/collabcore/pkg/middleware"
)

// NewRouter creates a chi router with all agent routes registered.
func NewRouter(app *App, healthHandler *health.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("agent"))
	r.Use(middleware.Tracing("agent"))
	r.Use(middleware.RequestLogger(logger))

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.Environment = app.cfg.Environment
	if len(app.cfg.CORSOrigins) > 0 {
		corsCfg.AllowedOrigins = app.cfg.CORSOrigins
	}
	r.Use(middleware.CORS(corsCfg))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, app.cfg.PprofCIDRs, logger)

	h := NewHandler(app, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(ActivitySignal(app))

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.Status)
			r.Get("/profile", h.Profile)
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
			r.Post("/stay", h.StayLoggedIn)
		})

		r.Route("/notes", func(r chi.Router) {
			r.Get("/", h.ListNotes)
			r.Post("/", h.CreateNote)
			r.Put("/{id}", h.UpdateNote)
			r.Delete("/{id}", h.DeleteNote)
		})

		r.Get("/presence", h.ListPresence)
		r.Get("/activity", h.ListActivity)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Post("/", h.RaiseAlert)
			r.Post("/read", h.MarkAlertsRead)
		})

		r.Get("/notifications", h.ListNotifications)
	})

	return r
}
