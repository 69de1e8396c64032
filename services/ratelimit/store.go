package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the state of one key's fixed window.
type Window struct {
	Count     int
	Limit     int
	ExpiresAt time.Time
}

// Store holds rate windows. Increment must be atomic per key.
type Store interface {
	// Increment counts one request against key, starting a fresh window of
	// length window once now is past the current window's expiry. The expiry
	// instant itself still belongs to the old window. limit is stored with the
	// window for inspection.
	Increment(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error)

	// Peek returns the live window of key, if any, without counting.
	Peek(ctx context.Context, key string, now time.Time) (Window, bool, error)

	// Sweep removes expired windows and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps windows in process memory. The map lock is only held to
// find or insert a bucket; increments lock the bucket alone.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu        sync.Mutex
	count     int
	limit     int
	expiresAt time.Time
	dead      bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) bucketFor(key string) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	return b
}

// Increment implements Store
func (s *MemoryStore) Increment(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	for {
		b := s.bucketFor(key)
		b.mu.Lock()
		if b.dead {
			// Swept between lookup and lock; retry against the live bucket.
			b.mu.Unlock()
			continue
		}
		if now.After(b.expiresAt) {
			b.count = 0
			b.expiresAt = now.Add(window)
		}
		b.count++
		b.limit = limit
		w := Window{Count: b.count, Limit: b.limit, ExpiresAt: b.expiresAt}
		b.mu.Unlock()
		return w, nil
	}
}

// Peek implements Store
func (s *MemoryStore) Peek(_ context.Context, key string, now time.Time) (Window, bool, error) {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return Window{}, false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead || now.After(b.expiresAt) {
		return Window{}, false, nil
	}
	return Window{Count: b.count, Limit: b.limit, ExpiresAt: b.expiresAt}, true, nil
}

// Sweep implements Store
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, b := range s.buckets {
		b.mu.Lock()
		if now.After(b.expiresAt) {
			b.dead = true
			delete(s.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of tracked windows
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}
