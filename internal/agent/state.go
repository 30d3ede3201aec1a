package agent

import (
	"sync"

	"github.com/opsdeck/collabcore/collab"
)

// dashboardState caches the latest snapshot of each collab collection so
// API reads never block on the store. The subscription callbacks replace
// slices wholesale, mirroring the snapshot semantics of the sync layer.
type dashboardState struct {
	mu       sync.RWMutex
	notes    []collab.Note
	presence []collab.PresenceEntry
	activity []collab.ActivityEvent
	alerts   []collab.Alert
}

func (s *dashboardState) setNotes(notes []collab.Note) {
	s.mu.Lock()
	s.notes = notes
	s.mu.Unlock()
}

func (s *dashboardState) setPresence(entries []collab.PresenceEntry) {
	s.mu.Lock()
	s.presence = entries
	s.mu.Unlock()
}

func (s *dashboardState) setActivity(events []collab.ActivityEvent) {
	s.mu.Lock()
	s.activity = events
	s.mu.Unlock()
}

func (s *dashboardState) setAlerts(alerts []collab.Alert) {
	s.mu.Lock()
	s.alerts = alerts
	s.mu.Unlock()
}

func (s *dashboardState) Notes() []collab.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notes
}

func (s *dashboardState) Presence() []collab.PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

func (s *dashboardState) Activity() []collab.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activity
}

func (s *dashboardState) Alerts() []collab.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts
}

func (s *dashboardState) clear() {
	s.mu.Lock()
	s.notes = nil
	s.presence = nil
	s.activity = nil
	s.alerts = nil
	s.mu.Unlock()
}
