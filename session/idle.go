package session

import (
	"log/slog"
	"sync"
	"time"
)

// Phase is the idle monitor's position.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseWarning Phase = "warning"
	PhaseExpired Phase = "expired"
)

// IdleConfig tunes the monitor. All durations are wall-clock; tests shrink
// them to milliseconds.
type IdleConfig struct {
	// IdleTimeout is how long without activity before forced logout.
	IdleTimeout time.Duration
	// WarningLead is how long before the logout deadline the warning fires.
	// Must be smaller than IdleTimeout.
	WarningLead time.Duration
	// Debounce collapses bursts of activity signals into one reschedule.
	Debounce time.Duration
	// Tick is the countdown resolution during the warning phase.
	Tick time.Duration
}

func DefaultIdleConfig() IdleConfig {
	return IdleConfig{
		IdleTimeout: 15 * time.Minute,
		WarningLead: 2 * time.Minute,
		Debounce:    100 * time.Millisecond,
		Tick:        time.Second,
	}
}

// IdleHooks are invoked on phase transitions. They are called without the
// monitor's lock held, from timer goroutines.
type IdleHooks struct {
	// OnWarning fires when the warning phase begins.
	OnWarning func()
	// OnCountdown fires every tick during warning with whole seconds left.
	OnCountdown func(remaining int)
	// OnTimeout fires when the logout deadline passes.
	OnTimeout func()
	// OnExtend fires when the user elects to stay logged in.
	OnExtend func()
}

// IdleMonitor watches for user inactivity. After IdleTimeout-WarningLead of
// silence it enters the warning phase and counts down; when the logout
// deadline passes it fires OnTimeout.
//
// The logout deadline is authoritative: it is an absolute timestamp, not a
// countdown, so a stalled process that wakes past the deadline logs out
// immediately rather than restarting the countdown where it left off.
//
// Activity during the warning phase is deliberately ignored. Once the
// warning is showing, only StayLoggedIn dismisses it; stray input must not
// silently extend a session the user may have walked away from.
type IdleMonitor struct {
	cfg    IdleConfig
	hooks  IdleHooks
	logger *slog.Logger

	mu       sync.Mutex
	phase    Phase
	running  bool
	gen      uint64
	deadline time.Time

	warnTimer     *time.Timer
	logoutTimer   *time.Timer
	debounceTimer *time.Timer
}

func NewIdleMonitor(cfg IdleConfig, hooks IdleHooks, logger *slog.Logger) *IdleMonitor {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &IdleMonitor{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger,
		phase:  PhaseIdle,
	}
}

// Phase returns the current phase.
func (m *IdleMonitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Start begins watching from now. Calling Start on a running monitor resets
// it.
func (m *IdleMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimersLocked()
	m.running = true
	m.phase = PhaseIdle
	m.scheduleWarningLocked()
}

// Stop cancels all deadlines. The monitor can be started again later.
func (m *IdleMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimersLocked()
	m.running = false
	m.phase = PhaseIdle
}

// Activity records user input. Calls are debounced: a burst of activity
// causes one reschedule after the quiet period, not one per event. Activity
// during the warning or expired phase is ignored.
func (m *IdleMonitor) Activity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.phase != PhaseIdle {
		return
	}
	gen := m.gen
	if m.debounceTimer != nil {
		m.debounceTimer.Reset(m.cfg.Debounce)
		return
	}
	m.debounceTimer = time.AfterFunc(m.cfg.Debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || !m.running || m.phase != PhaseIdle {
			return
		}
		m.debounceTimer = nil
		m.cancelTimersLocked()
		m.scheduleWarningLocked()
	})
}

// StayLoggedIn dismisses the warning, extends the session and restarts the
// idle clock. It does nothing outside the warning phase.
func (m *IdleMonitor) StayLoggedIn() {
	m.mu.Lock()
	if !m.running || m.phase != PhaseWarning {
		m.mu.Unlock()
		return
	}
	m.cancelTimersLocked()
	m.phase = PhaseIdle
	m.scheduleWarningLocked()
	hook := m.hooks.OnExtend
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// cancelTimersLocked stops every pending timer and bumps the generation so
// already-fired callbacks waiting on the lock become no-ops. Always cancel
// before rescheduling; two live logout timers must never coexist.
func (m *IdleMonitor) cancelTimersLocked() {
	m.gen++
	if m.warnTimer != nil {
		m.warnTimer.Stop()
		m.warnTimer = nil
	}
	if m.logoutTimer != nil {
		m.logoutTimer.Stop()
		m.logoutTimer = nil
	}
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	m.deadline = time.Time{}
}

func (m *IdleMonitor) scheduleWarningLocked() {
	gen := m.gen
	lead := m.cfg.IdleTimeout - m.cfg.WarningLead
	if lead < 0 {
		lead = 0
	}
	m.warnTimer = time.AfterFunc(lead, func() {
		m.enterWarning(gen)
	})
}

func (m *IdleMonitor) enterWarning(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.running || m.phase != PhaseIdle {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseWarning
	m.deadline = time.Now().Add(m.cfg.WarningLead)
	deadline := m.deadline
	m.logoutTimer = time.AfterFunc(m.cfg.WarningLead, func() {
		m.expire(gen)
	})
	onWarning := m.hooks.OnWarning
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("idle warning", slog.Time("logout_at", deadline))
	}
	if onWarning != nil {
		onWarning()
	}
	if m.hooks.OnCountdown != nil {
		go m.runCountdown(gen, deadline)
	}
}

func (m *IdleMonitor) runCountdown(gen uint64, deadline time.Time) {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		live := gen == m.gen && m.phase == PhaseWarning
		m.mu.Unlock()
		if !live {
			return
		}
		remaining := int(time.Until(deadline).Round(time.Second) / time.Second)
		if remaining < 0 {
			remaining = 0
		}
		m.hooks.OnCountdown(remaining)
		if remaining == 0 {
			return
		}
	}
}

func (m *IdleMonitor) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.running || m.phase != PhaseWarning {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseExpired
	m.running = false
	onTimeout := m.hooks.OnTimeout
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("idle timeout reached")
	}
	if onTimeout != nil {
		onTimeout()
	}
}
