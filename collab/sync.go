package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/opsdeck/collabcore/pkg/errors"
)

// Notifier surfaces user-facing notifications for records other
// collaborators created. The agent wires a desktop or log notifier here.
type Notifier interface {
	Notify(title, message string)
}

// Config tunes the sync layer.
type Config struct {
	// ActivityLimit bounds the activity feed delivered to subscribers.
	ActivityLimit int `env:"COLLAB_ACTIVITY_LIMIT" envDefault:"50" validate:"min=1"`
	// AlertLimit bounds the alert list delivered to subscribers.
	AlertLimit int `env:"COLLAB_ALERT_LIMIT" envDefault:"100" validate:"min=1"`
	// PresenceTTL is how long a presence record lives without a heartbeat.
	PresenceTTL time.Duration `env:"COLLAB_PRESENCE_TTL" envDefault:"30s" validate:"required"`
	// HeartbeatInterval is how often the online presence record is renewed.
	// Must be comfortably below PresenceTTL.
	HeartbeatInterval time.Duration `env:"COLLAB_HEARTBEAT_INTERVAL" envDefault:"10s" validate:"required"`
}

func DefaultConfig() Config {
	return Config{
		ActivityLimit:     50,
		AlertLimit:        100,
		PresenceTTL:       30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

// pathSub is the single underlying store subscription for one path, shared
// by every caller subscribed to that path.
type pathSub struct {
	refs     int
	cancel   func()
	handlers map[int]SnapshotFunc
	nextID   int

	// seen tracks record ids already delivered, used to spot genuinely new
	// records. primed is false until the first snapshot arrives; the first
	// snapshot counts everything as already known.
	seen   map[string]struct{}
	primed bool

	// last is the most recent snapshot, replayed to handlers that join an
	// already-open path so they start from the current value instead of
	// waiting for the next change.
	last    Snapshot
	hasLast bool
}

// Syncer multiplexes collection subscriptions over a CollectionStore and
// performs all collab writes. At most one store subscription exists per
// path no matter how many callers subscribe; the last unsubscribe tears it
// down and forgets the seen-id state.
type Syncer struct {
	cfg      Config
	store    CollectionStore
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	paths    map[string]*pathSub
	userID   string
	userName string

	unread atomic.Int64

	hbMu   sync.Mutex
	hbStop chan struct{}
}

func NewSyncer(cfg Config, store CollectionStore, notifier Notifier, logger *slog.Logger) *Syncer {
	return &Syncer{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		logger:   logger,
		paths:    make(map[string]*pathSub),
	}
}

// SetIdentity records who this agent writes as. Must be called after login
// and before any write or presence call.
func (s *Syncer) SetIdentity(userID, displayName string) {
	s.mu.Lock()
	s.userID = userID
	s.userName = displayName
	s.mu.Unlock()
}

func (s *Syncer) identity() (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == "" {
		return "", "", apperrors.Unauthorized("no identity set")
	}
	return s.userID, s.userName, nil
}

// subscribePath hands fn every snapshot of path, creating the underlying
// store subscription on first use and sharing it afterwards.
func (s *Syncer) subscribePath(ctx context.Context, path string, fn SnapshotFunc) (func(), error) {
	s.mu.Lock()
	sub, ok := s.paths[path]
	if !ok {
		sub = &pathSub{
			handlers: make(map[int]SnapshotFunc),
			seen:     make(map[string]struct{}),
		}
		s.paths[path] = sub
	}
	// Register the handler before the store subscription exists so the
	// initial snapshot is not lost.
	sub.refs++
	sub.nextID++
	id := sub.nextID
	sub.handlers[id] = fn
	replay, hasReplay := sub.last, sub.hasLast
	s.mu.Unlock()

	// A handler joining an open path gets the current value immediately.
	if ok && hasReplay {
		fn(replay)
	}

	if !ok {
		cancel, err := s.store.Subscribe(ctx, path, s.fanout(path))
		s.mu.Lock()
		if err != nil {
			delete(s.paths, path)
			s.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", path, err)
		}
		if cur := s.paths[path]; cur != sub {
			// every caller unsubscribed while the store call was in flight
			s.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("subscribe %s: cancelled", path)
		}
		sub.cancel = cancel
		s.mu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(path, id) })
	}, nil
}

func (s *Syncer) unsubscribe(path string, id int) {
	s.mu.Lock()
	sub, ok := s.paths[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(sub.handlers, id)
	sub.refs--
	var cancel func()
	if sub.refs <= 0 {
		cancel = sub.cancel
		delete(s.paths, path)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// fanout returns the store-facing callback for path. It runs new-record
// detection, then delivers the snapshot to every registered handler.
func (s *Syncer) fanout(path string) SnapshotFunc {
	return func(snap Snapshot) {
		s.mu.Lock()
		sub, ok := s.paths[path]
		if !ok {
			s.mu.Unlock()
			return
		}
		fresh := s.detectNewLocked(sub, snap)
		sub.last = snap
		sub.hasLast = true
		handlers := make([]SnapshotFunc, 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
		s.mu.Unlock()

		if path == PathAlerts {
			s.notifyAlerts(snap, fresh)
		}
		for _, h := range handlers {
			h(snap)
		}
	}
}

// detectNewLocked returns ids present in snap but never seen before. The
// first snapshot after (re)subscribing primes the seen set and reports
// nothing new; pre-existing records must not fire notifications.
func (s *Syncer) detectNewLocked(sub *pathSub, snap Snapshot) []string {
	var fresh []string
	if sub.primed {
		for id := range snap {
			if _, ok := sub.seen[id]; !ok {
				fresh = append(fresh, id)
			}
		}
	}
	sub.primed = true
	sub.seen = make(map[string]struct{}, len(snap))
	for id := range snap {
		sub.seen[id] = struct{}{}
	}
	return fresh
}

// notifyAlerts raises a notification and bumps the unread counter for each
// genuinely new alert authored by someone else.
func (s *Syncer) notifyAlerts(snap Snapshot, fresh []string) {
	if len(fresh) == 0 {
		return
	}
	s.mu.Lock()
	self := s.userID
	s.mu.Unlock()

	for _, id := range fresh {
		var alert Alert
		if err := json.Unmarshal(snap[id], &alert); err != nil {
			s.logger.Warn("skipping malformed alert", slog.String("id", id), slog.String("error", err.Error()))
			continue
		}
		if alert.UserID == self {
			continue
		}
		s.unread.Add(1)
		if s.notifier != nil {
			s.notifier.Notify(fmt.Sprintf("Alert from %s", alert.UserName), alert.Message)
		}
	}
}

// Unread returns the count of alerts not yet acknowledged.
func (s *Syncer) Unread() int64 {
	return s.unread.Load()
}

// MarkAllRead resets the unread alert counter.
func (s *Syncer) MarkAllRead() {
	s.unread.Store(0)
}

// decodeRecords unmarshals every record in a snapshot, stamping the record
// id. Malformed records are logged and skipped, never fatal: one bad write
// by a peer must not blind this agent to the rest of the collection.
func decodeRecords[T any](snap Snapshot, setID func(*T, string), logger *slog.Logger) []T {
	out := make([]T, 0, len(snap))
	for id, raw := range snap {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Warn("skipping malformed record",
				slog.String("id", id), slog.String("error", err.Error()))
			continue
		}
		setID(&rec, id)
		out = append(out, rec)
	}
	return out
}

// SubscribeNotes delivers the full note list, newest first, on every
// change.
func (s *Syncer) SubscribeNotes(ctx context.Context, fn func([]Note)) (func(), error) {
	return s.subscribePath(ctx, PathNotes, func(snap Snapshot) {
		notes := decodeRecords(snap, func(n *Note, id string) { n.ID = id }, s.logger)
		SortNotes(notes)
		fn(notes)
	})
}

// SubscribePresence delivers the collaborator roster on every change.
func (s *Syncer) SubscribePresence(ctx context.Context, fn func([]PresenceEntry)) (func(), error) {
	return s.subscribePath(ctx, PathPresence, func(snap Snapshot) {
		entries := decodeRecords(snap, func(e *PresenceEntry, id string) { e.ID = id }, s.logger)
		SortPresence(entries)
		fn(entries)
	})
}

// SubscribeActivity delivers the activity feed, newest first and bounded to
// the configured limit.
func (s *Syncer) SubscribeActivity(ctx context.Context, fn func([]ActivityEvent)) (func(), error) {
	return s.subscribePath(ctx, PathActivity, func(snap Snapshot) {
		events := decodeRecords(snap, func(e *ActivityEvent, id string) { e.ID = id }, s.logger)
		SortActivity(events)
		fn(Truncate(events, s.cfg.ActivityLimit))
	})
}

// SubscribeAlerts delivers the alert list, newest first and bounded to the
// configured limit.
func (s *Syncer) SubscribeAlerts(ctx context.Context, fn func([]Alert)) (func(), error) {
	return s.subscribePath(ctx, PathAlerts, func(snap Snapshot) {
		alerts := decodeRecords(snap, func(a *Alert, id string) { a.ID = id }, s.logger)
		SortAlerts(alerts)
		fn(Truncate(alerts, s.cfg.AlertLimit))
	})
}

// CreateNote writes a new note and logs the matching activity event.
func (s *Syncer) CreateNote(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", apperrors.InvalidInput("note content is required")
	}
	userID, userName, err := s.identity()
	if err != nil {
		return "", err
	}
	id, err := s.store.Create(ctx, PathNotes, Note{
		Content:   content,
		UserID:    userID,
		UserName:  userName,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return "", apperrors.SyncWriteFailed("create", PathNotes, err)
	}
	s.logActivity(ctx, ActivityNoteCreated, map[string]any{"noteId": id})
	return id, nil
}

// UpdateNote edits an existing note in place and marks it edited.
func (s *Syncer) UpdateNote(ctx context.Context, id, content string) error {
	if content == "" {
		return apperrors.InvalidInput("note content is required")
	}
	if _, _, err := s.identity(); err != nil {
		return err
	}
	err := s.store.Update(ctx, PathNotes, id, map[string]any{
		"content":   content,
		"edited":    true,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return apperrors.SyncWriteFailed("update", PathNotes, err)
	}
	s.logActivity(ctx, ActivityNoteUpdated, map[string]any{"noteId": id})
	return nil
}

// DeleteNote removes a note.
func (s *Syncer) DeleteNote(ctx context.Context, id string) error {
	if _, _, err := s.identity(); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, PathNotes, id); err != nil {
		return apperrors.SyncWriteFailed("delete", PathNotes, err)
	}
	s.logActivity(ctx, ActivityNoteDeleted, map[string]any{"noteId": id})
	return nil
}

// RaiseAlert publishes an alert to every collaborator.
func (s *Syncer) RaiseAlert(ctx context.Context, alertType, message string, details map[string]any) (string, error) {
	if message == "" {
		return "", apperrors.InvalidInput("alert message is required")
	}
	userID, userName, err := s.identity()
	if err != nil {
		return "", err
	}
	id, err := s.store.Create(ctx, PathAlerts, Alert{
		Type:      alertType,
		Message:   message,
		UserID:    userID,
		UserName:  userName,
		Details:   details,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return "", apperrors.SyncWriteFailed("create", PathAlerts, err)
	}
	s.logActivity(ctx, ActivityAlertRaised, map[string]any{"alertId": id, "alertType": alertType})
	return id, nil
}

// LogActivity appends an event to the shared activity feed.
func (s *Syncer) LogActivity(ctx context.Context, eventType string, data map[string]any) error {
	userID, userName, err := s.identity()
	if err != nil {
		return err
	}
	_, err = s.store.Create(ctx, PathActivity, ActivityEvent{
		Type:      eventType,
		UserID:    userID,
		UserName:  userName,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return apperrors.SyncWriteFailed("create", PathActivity, err)
	}
	return nil
}

// logActivity is the best-effort variant used after a successful primary
// write: a failed feed entry is logged, not surfaced.
func (s *Syncer) logActivity(ctx context.Context, eventType string, data map[string]any) {
	if err := s.LogActivity(ctx, eventType, data); err != nil {
		s.logger.WarnContext(ctx, "activity log failed",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}
