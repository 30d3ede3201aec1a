package collab

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/opsdeck/collabcore/pkg/errors"
)

// GoOnline publishes this agent's presence and starts the heartbeat that
// keeps it alive. The presence record carries a TTL; if the process dies
// without a clean GoOffline the record lapses on its own and the agent
// drops off the roster.
func (s *Syncer) GoOnline(ctx context.Context) error {
	userID, userName, err := s.identity()
	if err != nil {
		return err
	}

	entry := PresenceEntry{
		DisplayName: userName,
		Online:      true,
		LastSeen:    time.Now().UnixMilli(),
	}
	if err := s.store.SetPresence(ctx, userID, entry, s.cfg.PresenceTTL); err != nil {
		return apperrors.SyncWriteFailed("set", PathPresence, err)
	}

	s.hbMu.Lock()
	if s.hbStop != nil {
		close(s.hbStop)
	}
	stop := make(chan struct{})
	s.hbStop = stop
	s.hbMu.Unlock()
	go s.heartbeat(userID, userName, stop)

	s.logActivity(ctx, ActivityUserJoined, nil)
	return nil
}

// GoOffline stops the heartbeat and leaves an offline record behind so
// peers see a clean departure.
func (s *Syncer) GoOffline(ctx context.Context) error {
	userID, userName, err := s.identity()
	if err != nil {
		return err
	}

	s.hbMu.Lock()
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	s.hbMu.Unlock()

	s.logActivity(ctx, ActivityUserLeft, nil)

	entry := PresenceEntry{
		DisplayName: userName,
		Online:      false,
		LastSeen:    time.Now().UnixMilli(),
	}
	if err := s.store.ClearPresence(ctx, userID, entry); err != nil {
		return apperrors.SyncWriteFailed("clear", PathPresence, err)
	}
	return nil
}

// heartbeat renews the presence record until stopped. A missed renewal is
// logged and retried on the next tick; transient store trouble should not
// flap the roster.
func (s *Syncer) heartbeat(userID, userName string, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval)
			err := s.store.SetPresence(ctx, userID, PresenceEntry{
				DisplayName: userName,
				Online:      true,
				LastSeen:    time.Now().UnixMilli(),
			}, s.cfg.PresenceTTL)
			cancel()
			if err != nil {
				s.logger.Warn("presence heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}
