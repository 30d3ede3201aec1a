// Package agent wires the session, realtime and collab layers together and
// exposes them to the dashboard UI over a local HTTP API.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsdeck/collabcore/collab"
	"github.com/opsdeck/collabcore/collab/redisstore"
	"github.com/opsdeck/collabcore/pkg/health"
	"github.com/opsdeck/collabcore/pkg/httpclient"
	"github.com/opsdeck/collabcore/pkg/tracing"
	"github.com/opsdeck/collabcore/realtime"
	"github.com/opsdeck/collabcore/session"
	"github.com/opsdeck/collabcore/transport"
)

// App wires together all dependencies and runs the agent.
type App struct {
	cfg      *Config
	logger   *slog.Logger
	rdb      *redis.Client
	store    *redisstore.Store
	session  *session.Manager
	idle     *session.IdleMonitor
	rt       *realtime.Client
	syncer   *collab.Syncer
	backend  *transport.Client
	notifier *logNotifier
	state    *dashboardState

	httpServer     *http.Server
	tracerShutdown func(context.Context) error

	mu     sync.Mutex
	unsubs []func()
	active bool
}

// NewApp creates the agent, initializing all dependencies.
func NewApp(cfg *Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tracerShutdown, err := tracing.Init(ctx, tracing.Config{
		Agent:       "agent",
		Release:     "0.1.0",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTELEndpoint,
		SampleRatio: cfg.OTELSampleRate,
		Enabled:     cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis", slog.String("addr", cfg.Store.Addr))

	store := redisstore.New(rdb, cfg.Store, logger)

	var tokens session.TokenStore
	if cfg.TokenFile != "" {
		fileStore, err := session.NewFileStore(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("open token file: %w", err)
		}
		tokens = fileStore
	} else {
		tokens = session.NewMemoryStore()
	}

	httpClient := httpclient.New(httpclient.DefaultConfig())
	authClient := httpclient.NewCircuitBreakerClient(
		httpClient, httpclient.DefaultCircuitBreakerConfig("auth"), logger)

	sess := session.NewManager(cfg.Session, authClient, tokens, logger)
	backend := transport.New(authClient, sess, logger)

	notifier := newLogNotifier(logger, 20)
	syncer := collab.NewSyncer(cfg.Collab, store, notifier, logger)

	rt := realtime.New(cfg.Realtime, logger)

	app := &App{
		tracerShutdown: tracerShutdown,

		cfg:      cfg,
		logger:   logger,
		rdb:      rdb,
		store:    store,
		session:  sess,
		rt:       rt,
		syncer:   syncer,
		backend:  backend,
		notifier: notifier,
		state:    &dashboardState{},
	}

	app.idle = session.NewIdleMonitor(session.IdleConfig{
		IdleTimeout: cfg.Session.IdleTimeout,
		WarningLead: cfg.Session.WarningLead,
		Debounce:    100 * time.Millisecond,
		Tick:        time.Second,
	}, session.IdleHooks{
		OnWarning: func() {
			notifier.Notify("Session expiring",
				fmt.Sprintf("You will be logged out in %s unless you stay logged in", cfg.Session.WarningLead))
		},
		OnTimeout: app.onIdleTimeout,
		OnExtend:  sess.ExtendSession,
	}, logger)

	rt.OnStatus = func(status realtime.Status) {
		logger.Info("realtime status changed", slog.String("status", string(status)))
	}
	rt.On(realtime.AllMessages, func(msg realtime.Message) {
		logger.Debug("realtime message", slog.String("type", msg.Type))
	})
	rt.On("alert", app.onRealtimeAlert)

	healthHandler := health.NewHandler()
	healthHandler.Register("redis", store.Ping)

	router := NewRouter(app, healthHandler, logger)
	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return app, nil
}

// Login authenticates and brings the whole collaboration stack online.
func (a *App) Login(ctx context.Context, username, password string) (*session.User, error) {
	user, err := a.session.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	a.startCollab(ctx, user)
	return user, nil
}

// Resume revives a previous session from stored tokens, refreshing them if
// needed. Returns false when no usable session remains.
func (a *App) Resume(ctx context.Context) bool {
	if a.session.ValidateSession(ctx) == session.ValidationExpired {
		return false
	}
	user, err := a.session.FetchCurrentUser(ctx)
	if err != nil {
		a.logger.Warn("session resume failed", slog.String("error", err.Error()))
		a.session.Logout(ctx)
		return false
	}
	a.logger.Info("session resumed", slog.String("username", user.Username))
	a.startCollab(ctx, user)
	return true
}

// startCollab runs the post-auth sequence: identity, presence, collection
// subscriptions, websocket and the idle clock.
func (a *App) startCollab(ctx context.Context, user *session.User) {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return
	}
	a.active = true
	a.mu.Unlock()

	a.syncer.SetIdentity(strconv.Itoa(user.ID), user.DisplayName())

	if err := a.syncer.GoOnline(ctx); err != nil {
		a.logger.Warn("presence publish failed", slog.String("error", err.Error()))
	}

	var unsubs []func()
	subscribe := func(name string, sub func() (func(), error)) {
		cancel, err := sub()
		if err != nil {
			a.logger.Warn("subscription failed",
				slog.String("collection", name), slog.String("error", err.Error()))
			return
		}
		unsubs = append(unsubs, cancel)
	}
	subscribe(collab.PathNotes, func() (func(), error) {
		return a.syncer.SubscribeNotes(ctx, a.state.setNotes)
	})
	subscribe(collab.PathPresence, func() (func(), error) {
		return a.syncer.SubscribePresence(ctx, a.state.setPresence)
	})
	subscribe(collab.PathActivity, func() (func(), error) {
		return a.syncer.SubscribeActivity(ctx, a.state.setActivity)
	})
	subscribe(collab.PathAlerts, func() (func(), error) {
		return a.syncer.SubscribeAlerts(ctx, a.state.setAlerts)
	})

	a.mu.Lock()
	a.unsubs = unsubs
	a.mu.Unlock()

	if err := a.rt.Connect(ctx, a.cfg.WebsocketURL); err != nil {
		// the client keeps retrying in the background
		a.logger.Warn("websocket connect failed", slog.String("error", err.Error()))
	}

	a.idle.Start()
}

// Logout tears the collaboration stack down and clears the session.
func (a *App) Logout(ctx context.Context) {
	a.stopCollab(ctx)
	a.session.Logout(ctx)
}

func (a *App) stopCollab(ctx context.Context) {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	a.idle.Stop()
	a.rt.Disconnect()

	if err := a.syncer.GoOffline(ctx); err != nil {
		a.logger.Warn("presence clear failed", slog.String("error", err.Error()))
	}
	for _, cancel := range unsubs {
		cancel()
	}
	a.syncer.MarkAllRead()
	a.state.clear()
}

func (a *App) onIdleTimeout() {
	a.notifier.Notify("Session expired", "You were logged out due to inactivity")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Logout(ctx)
}

func (a *App) onRealtimeAlert(msg realtime.Message) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Message == "" {
		return
	}
	a.notifier.Notify("Realtime alert", payload.Message)
}

// Profile fetches the authenticated user from the auth service through the
// refresh-and-retry transport.
func (a *App) Profile(ctx context.Context) (*session.User, error) {
	var user session.User
	if err := a.backend.GetJSON(ctx, a.cfg.Session.BaseURL+"/auth/me", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// TouchActivity records user interaction for the idle clock.
func (a *App) TouchActivity() {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active {
		a.idle.Activity()
	}
}

// Run starts the HTTP server, tries to resume a stored session and blocks
// until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.TokenFile != "" {
		resumeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		a.Resume(resumeCtx)
		cancel()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down agent...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.Logout(ctx)

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	if err := a.rdb.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
		}
	}

	a.logger.Info("shutdown complete")
	return nil
}
