// Package redisstore backs the collab collections with Redis. Each
// collection is a hash of record id to JSON body; every write publishes a
// change signal and subscribers re-read the full hash, which gives the
// whole-collection snapshot semantics the sync layer expects.
//
// Presence is keyed separately with a TTL per entry so a crashed agent's
// record lapses without anyone cleaning it up. TTL expiry publishes
// nothing, so presence subscriptions also poll.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opsdeck/collabcore/collab"
	apperrors "github.com/opsdeck/collabcore/pkg/errors"
)

const (
	keyPrefix      = "collab:"
	channelPrefix  = "collab:changed:"
	presencePrefix = "collab:presence:"
)

// Config tunes the store.
type Config struct {
	// Addr is the Redis address.
	Addr string `env:"REDIS_ADDR" envDefault:"localhost:6379" validate:"required"`
	// OfflineRetention is how long an explicit offline presence record is
	// kept so peers see the departure before the entry disappears.
	OfflineRetention time.Duration `env:"COLLAB_OFFLINE_RETENTION" envDefault:"1h" validate:"required"`
	// PresencePoll is how often presence subscriptions re-read the roster
	// to catch records that lapsed by TTL.
	PresencePoll time.Duration `env:"COLLAB_PRESENCE_POLL" envDefault:"10s" validate:"required"`
}

func DefaultConfig() Config {
	return Config{
		Addr:             "localhost:6379",
		OfflineRetention: time.Hour,
		PresencePoll:     10 * time.Second,
	}
}

// Store implements collab.CollectionStore on Redis.
type Store struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

func New(client *redis.Client, cfg Config, logger *slog.Logger) *Store {
	return &Store{client: client, cfg: cfg, logger: logger}
}

// Ping verifies the Redis connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func collectionKey(path string) string { return keyPrefix + path }
func channel(path string) string       { return channelPrefix + path }

// Snapshot reads the full contents of a collection.
func (s *Store) Snapshot(ctx context.Context, path string) (collab.Snapshot, error) {
	if path == collab.PathPresence {
		return s.presenceSnapshot(ctx)
	}

	raw, err := s.client.HGetAll(ctx, collectionKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read collection %s: %w", path, err)
	}
	snap := make(collab.Snapshot, len(raw))
	for id, body := range raw {
		snap[id] = json.RawMessage(body)
	}
	return snap, nil
}

func (s *Store) presenceSnapshot(ctx context.Context) (collab.Snapshot, error) {
	snap := make(collab.Snapshot)
	iter := s.client.Scan(ctx, 0, presencePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		body, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				// lapsed between scan and read
				continue
			}
			return nil, fmt.Errorf("redis read presence %s: %w", key, err)
		}
		snap[key[len(presencePrefix):]] = json.RawMessage(body)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan presence: %w", err)
	}
	return snap, nil
}

// Subscribe delivers the current snapshot, then a fresh one after every
// published change. Presence subscriptions additionally poll so entries
// that lapsed by TTL are noticed.
func (s *Store) Subscribe(ctx context.Context, path string, fn collab.SnapshotFunc) (func(), error) {
	pubsub := s.client.Subscribe(ctx, channel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", path, err)
	}

	last, err := s.Snapshot(ctx, path)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	fn(last)

	done := make(chan struct{})
	go s.pump(path, pubsub, fn, last, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}, nil
}

func (s *Store) pump(path string, pubsub *redis.PubSub, fn collab.SnapshotFunc, last collab.Snapshot, done <-chan struct{}) {
	msgs := pubsub.Channel()

	var poll <-chan time.Time
	if path == collab.PathPresence {
		ticker := time.NewTicker(s.cfg.PresencePoll)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		var forced bool
		select {
		case <-done:
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			forced = true
		case <-poll:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snap, err := s.Snapshot(ctx, path)
		cancel()
		if err != nil {
			s.logger.Warn("snapshot re-read failed",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		// polls only deliver when something actually changed
		if forced || !snapshotsEqual(last, snap) {
			last = snap
			fn(snap)
		}
	}
}

func snapshotsEqual(a, b collab.Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for id, body := range a {
		other, ok := b[id]
		if !ok || !bytes.Equal(body, other) {
			return false
		}
	}
	return true
}

// Create writes a new record under a generated id and signals the change.
func (s *Store) Create(ctx context.Context, path string, record any) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	id := uuid.NewString()
	if err := s.client.HSet(ctx, collectionKey(path), id, data).Err(); err != nil {
		return "", fmt.Errorf("redis write record: %w", err)
	}
	s.publish(ctx, path)
	return id, nil
}

// Update merges fields into an existing record and signals the change.
func (s *Store) Update(ctx context.Context, path, id string, fields map[string]any) error {
	key := collectionKey(path)
	body, err := s.client.HGet(ctx, key, id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return apperrors.NotFound(path, id)
		}
		return fmt.Errorf("redis read record: %w", err)
	}

	var record map[string]any
	if err := json.Unmarshal(body, &record); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	for k, v := range fields {
		record[k] = v
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := s.client.HSet(ctx, key, id, data).Err(); err != nil {
		return fmt.Errorf("redis write record: %w", err)
	}
	s.publish(ctx, path)
	return nil
}

// Delete removes a record and signals the change. Missing records are not
// an error.
func (s *Store) Delete(ctx context.Context, path, id string) error {
	if err := s.client.HDel(ctx, collectionKey(path), id).Err(); err != nil {
		return fmt.Errorf("redis delete record: %w", err)
	}
	s.publish(ctx, path)
	return nil
}

// SetPresence writes an online presence record with the given TTL.
func (s *Store) SetPresence(ctx context.Context, userID string, entry collab.PresenceEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, presencePrefix+userID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis write presence: %w", err)
	}
	s.publish(ctx, collab.PathPresence)
	return nil
}

// ClearPresence replaces the record with an offline one that is retained
// briefly, then lapses.
func (s *Store) ClearPresence(ctx context.Context, userID string, entry collab.PresenceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, presencePrefix+userID, data, s.cfg.OfflineRetention).Err(); err != nil {
		return fmt.Errorf("redis write presence: %w", err)
	}
	s.publish(ctx, collab.PathPresence)
	return nil
}

// publish signals subscribers that path changed. Best effort: a missed
// signal costs one poll interval on presence and nothing elsewhere once
// the next write lands.
func (s *Store) publish(ctx context.Context, path string) {
	if err := s.client.Publish(ctx, channel(path), path).Err(); err != nil {
		s.logger.Warn("change publish failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

var _ collab.CollectionStore = (*Store)(nil)
