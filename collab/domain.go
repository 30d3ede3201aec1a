// Package collab keeps a set of shared collections in sync across every
// running agent: operational notes, who is online, a rolling activity feed
// and raised alerts. Each collection lives behind a CollectionStore; the
// Syncer fans whole-collection snapshots out to subscribers and performs
// writes.
package collab

import "sort"

// Collection paths. Every agent reads and writes the same paths.
const (
	PathNotes    = "operational_notes"
	PathPresence = "presence"
	PathActivity = "activity_feed"
	PathAlerts   = "alerts"
)

// Activity event types.
const (
	ActivityUserJoined  = "USER_JOINED"
	ActivityUserLeft    = "USER_LEFT"
	ActivityNoteCreated = "NOTE_CREATED"
	ActivityNoteUpdated = "NOTE_UPDATED"
	ActivityNoteDeleted = "NOTE_DELETED"
	ActivityAlertRaised = "ALERT_RAISED"
)

// Note is a shared operational note. Timestamp is unix milliseconds.
type Note struct {
	ID        string `json:"id,omitempty"`
	Content   string `json:"content"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp int64  `json:"timestamp"`
	Edited    bool   `json:"edited,omitempty"`
}

// PresenceEntry is one collaborator's presence record.
type PresenceEntry struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"lastSeen"`
}

// ActivityEvent is one entry in the shared activity feed.
type ActivityEvent struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	UserID    string         `json:"userId"`
	UserName  string         `json:"userName"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Alert is a raised operational alert.
type Alert struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	UserID    string         `json:"userId"`
	UserName  string         `json:"userName"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// SortNotes orders notes newest first, id as tiebreak so snapshots are
// stable.
func SortNotes(notes []Note) {
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].Timestamp != notes[j].Timestamp {
			return notes[i].Timestamp > notes[j].Timestamp
		}
		return notes[i].ID < notes[j].ID
	})
}

// SortActivity orders events newest first, id as tiebreak.
func SortActivity(events []ActivityEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp > events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})
}

// SortAlerts orders alerts newest first, id as tiebreak.
func SortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Timestamp != alerts[j].Timestamp {
			return alerts[i].Timestamp > alerts[j].Timestamp
		}
		return alerts[i].ID < alerts[j].ID
	})
}

// SortPresence orders entries by display name for a stable roster.
func SortPresence(entries []PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DisplayName != entries[j].DisplayName {
			return entries[i].DisplayName < entries[j].DisplayName
		}
		return entries[i].ID < entries[j].ID
	})
}

// Truncate returns at most n items from the front of items; n <= 0 means no
// limit. It never allocates; callers sort first so the newest records
// survive.
func Truncate[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[:n]
}
