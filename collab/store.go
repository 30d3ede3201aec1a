package collab

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot is the full contents of one collection, record id to raw record
// body. Snapshots always replace previous state wholesale; the sync layer
// never merges.
type Snapshot map[string]json.RawMessage

// SnapshotFunc receives each new snapshot of a subscribed collection.
type SnapshotFunc func(snap Snapshot)

// CollectionStore is the shared backing store for collab collections. An
// implementation must deliver an initial snapshot on Subscribe and a fresh
// full snapshot after every change to the path, in order.
type CollectionStore interface {
	// Snapshot reads the current full contents of a collection.
	Snapshot(ctx context.Context, path string) (Snapshot, error)

	// Subscribe delivers the current snapshot immediately and again after
	// every change. The returned cancel function stops delivery; it is safe
	// to call more than once.
	Subscribe(ctx context.Context, path string, fn SnapshotFunc) (cancel func(), err error)

	// Create adds a record with a generated id and returns the id.
	Create(ctx context.Context, path string, record any) (string, error)

	// Update merges fields into an existing record.
	Update(ctx context.Context, path, id string, fields map[string]any) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, path, id string) error

	// SetPresence writes the caller's presence record with a time-to-live.
	// The record lapses from the presence collection if not refreshed; a
	// crashed agent disappears on its own.
	SetPresence(ctx context.Context, userID string, entry PresenceEntry, ttl time.Duration) error

	// ClearPresence replaces the caller's record with an offline one kept
	// around briefly so others see a clean departure rather than a vanish.
	ClearPresence(ctx context.Context, userID string, entry PresenceEntry) error
}
