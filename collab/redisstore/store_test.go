package redisstore

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/collabcore/collab"
	apperrors "github.com/opsdeck/collabcore/pkg/errors"
	"github.com/opsdeck/collabcore/pkg/logger"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.PresencePoll = 20 * time.Millisecond
	store := New(client, cfg, logger.NewWithWriter("test", "error", io.Discard))
	return store, mr
}

func waitFor(t *testing.T, cond func() bool, within time.Duration, what string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStoreCreateAndSnapshot(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	id1, err := store.Create(ctx, collab.PathNotes, collab.Note{Content: "first", Timestamp: 1})
	require.NoError(t, err)
	id2, err := store.Create(ctx, collab.PathNotes, collab.Note{Content: "second", Timestamp: 2})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	snap, err := store.Snapshot(ctx, collab.PathNotes)
	require.NoError(t, err)
	require.Len(t, snap, 2)

	var note collab.Note
	require.NoError(t, json.Unmarshal(snap[id1], &note))
	assert.Equal(t, "first", note.Content)
}

func TestStoreUpdate(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, collab.PathNotes, collab.Note{Content: "draft", Timestamp: 1})
	require.NoError(t, err)

	err = store.Update(ctx, collab.PathNotes, id, map[string]any{"content": "final", "edited": true})
	require.NoError(t, err)

	snap, err := store.Snapshot(ctx, collab.PathNotes)
	require.NoError(t, err)
	var note collab.Note
	require.NoError(t, json.Unmarshal(snap[id], &note))
	assert.Equal(t, "final", note.Content)
	assert.True(t, note.Edited)
	assert.Equal(t, int64(1), note.Timestamp, "untouched fields survive the merge")
}

func TestStoreUpdateMissingRecord(t *testing.T) {
	store, _ := setupTestStore(t)
	err := store.Update(context.Background(), collab.PathNotes, "nope", map[string]any{"content": "x"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, collab.PathNotes, collab.Note{Content: "bye"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, collab.PathNotes, id))

	snap, err := store.Snapshot(ctx, collab.PathNotes)
	require.NoError(t, err)
	assert.Empty(t, snap)

	// deleting a missing record is fine
	require.NoError(t, store.Delete(ctx, collab.PathNotes, "nope"))
}

func TestStoreSubscribeDeliversSnapshots(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var snapshots []collab.Snapshot
	cancel, err := store.Subscribe(ctx, collab.PathNotes, func(snap collab.Snapshot) {
		mu.Lock()
		snapshots = append(snapshots, snap)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	mu.Lock()
	require.Len(t, snapshots, 1, "initial snapshot arrives synchronously")
	assert.Empty(t, snapshots[0])
	mu.Unlock()

	id, err := store.Create(ctx, collab.PathNotes, collab.Note{Content: "hello"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots) >= 2
	}, 2*time.Second, "snapshot after create")

	mu.Lock()
	last := snapshots[len(snapshots)-1]
	mu.Unlock()
	assert.Contains(t, last, id)
}

func TestStoreSubscribeCancel(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	cancel, err := store.Subscribe(ctx, collab.PathNotes, func(collab.Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	_, err = store.Create(ctx, collab.PathNotes, collab.Note{Content: "after cancel"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "only the initial snapshot before cancel")
}

func TestStorePresence(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	entry := collab.PresenceEntry{DisplayName: "Emily Johnson", Online: true, LastSeen: 100}
	require.NoError(t, store.SetPresence(ctx, "user-1", entry, time.Minute))

	snap, err := store.Snapshot(ctx, collab.PathPresence)
	require.NoError(t, err)
	require.Contains(t, snap, "user-1")
	var got collab.PresenceEntry
	require.NoError(t, json.Unmarshal(snap["user-1"], &got))
	assert.True(t, got.Online)

	// without a heartbeat the record lapses
	mr.FastForward(2 * time.Minute)
	snap, err = store.Snapshot(ctx, collab.PathPresence)
	require.NoError(t, err)
	assert.NotContains(t, snap, "user-1")
}

func TestStoreClearPresenceLeavesOfflineRecord(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetPresence(ctx, "user-1",
		collab.PresenceEntry{DisplayName: "Emily Johnson", Online: true}, time.Minute))
	require.NoError(t, store.ClearPresence(ctx, "user-1",
		collab.PresenceEntry{DisplayName: "Emily Johnson", Online: false, LastSeen: 200}))

	snap, err := store.Snapshot(ctx, collab.PathPresence)
	require.NoError(t, err)
	require.Contains(t, snap, "user-1")
	var got collab.PresenceEntry
	require.NoError(t, json.Unmarshal(snap["user-1"], &got))
	assert.False(t, got.Online)

	// the offline record is retained, then lapses too
	mr.FastForward(2 * time.Hour)
	snap, err = store.Snapshot(ctx, collab.PathPresence)
	require.NoError(t, err)
	assert.NotContains(t, snap, "user-1")
}

func TestStorePresencePollCatchesLapsedEntries(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetPresence(ctx, "user-1",
		collab.PresenceEntry{DisplayName: "Emily Johnson", Online: true}, time.Minute))

	var mu sync.Mutex
	var latest collab.Snapshot
	cancel, err := store.Subscribe(ctx, collab.PathPresence, func(snap collab.Snapshot) {
		mu.Lock()
		latest = snap
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	mu.Lock()
	assert.Contains(t, latest, "user-1")
	mu.Unlock()

	// TTL expiry publishes nothing; only the poll can notice
	mr.FastForward(2 * time.Minute)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := latest["user-1"]
		return !ok
	}, 2*time.Second, "poll to drop the lapsed entry")
}

func TestStorePing(t *testing.T) {
	store, mr := setupTestStore(t)
	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
