package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/upb/timefly-control-plane/models"
)

// Entry is a cached capability snapshot
type Entry struct {
	Capabilities models.Capabilities `json:"capabilities"`
	CachedAt     time.Time           `json:"cachedAt"`
}

// Fresh reports whether the entry may still be served at now.
func (e *Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) < ttl
}

// Store holds cache entries. Freshness is decided by the Cache, not the store.
type Store interface {
	Get(ctx context.Context, identity uuid.UUID) (*Entry, bool, error)
	Set(ctx context.Context, identity uuid.UUID, entry *Entry) error
	// Sweep drops entries that are no longer fresh at now.
	Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
}

// MemoryStore is a size-bounded in-process store.
type MemoryStore struct {
	lru *expirable.LRU[uuid.UUID, Entry]
}

// NewMemoryStore creates a store holding at most size entries, each for at
// most ttl of wall time.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{lru: expirable.NewLRU[uuid.UUID, Entry](size, nil, ttl)}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, identity uuid.UUID) (*Entry, bool, error) {
	e, ok := s.lru.Get(identity)
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

// Set implements Store
func (s *MemoryStore) Set(_ context.Context, identity uuid.UUID, entry *Entry) error {
	s.lru.Add(identity, *entry)
	return nil
}

// Sweep implements Store
func (s *MemoryStore) Sweep(_ context.Context, now time.Time, ttl time.Duration) (int, error) {
	removed := 0
	for _, identity := range s.lru.Keys() {
		if e, ok := s.lru.Peek(identity); ok && !e.Fresh(now, ttl) {
			s.lru.Remove(identity)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of held entries
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}

// RedisStore shares entries between replicas as JSON values with a TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "capabilities"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(identity uuid.UUID) string {
	return fmt.Sprintf("%s:%s", s.prefix, identity)
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, identity uuid.UUID) (*Entry, bool, error) {
	data, err := s.client.Get(ctx, s.key(identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("corrupt capability entry: %w", err)
	}
	return &e, true, nil
}

// Set implements Store
func (s *RedisStore) Set(ctx context.Context, identity uuid.UUID, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode capability entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(identity), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Sweep implements Store. Redis expires entries on its own.
func (s *RedisStore) Sweep(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}
