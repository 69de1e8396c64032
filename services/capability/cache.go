// Package capability serves plan-derived quotas through a short-lived cache.
package capability

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/internal/observability"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/services"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long an entry is served before the plan is read again
const DefaultTTL = 60 * time.Second

// Cache serves capabilities from a Store, falling back to a Lookup on miss.
// Entries are never invalidated early; a plan change is visible after at most
// one TTL.
type Cache struct {
	store   Store
	lookup  Lookup
	ttl     time.Duration
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Option configures a Cache
type Option func(*Cache)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics enables instrumentation
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates a new Cache
func NewCache(store Store, lookup Lookup, ttl time.Duration, logger *zap.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		store:  store,
		lookup: lookup,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the capabilities of identity. A lookup failure is returned as
// DependencyUnavailable and leaves any cached entry untouched; callers are
// expected to continue with defaults.
func (c *Cache) Get(ctx context.Context, identity uuid.UUID) (*models.Capabilities, error) {
	entry, ok, err := c.store.Get(ctx, identity)
	if err != nil {
		c.logger.Warn("capability store read failed", zap.Error(err))
	} else if ok && entry.Fresh(c.now(), c.ttl) {
		c.hits.Add(1)
		c.metrics.RecordCapabilityLookup("hit")
		caps := entry.Capabilities
		return &caps, nil
	}

	c.misses.Add(1)
	c.metrics.RecordCapabilityLookup("miss")

	v, err, _ := c.group.Do(identity.String(), func() (interface{}, error) {
		caps, err := c.lookup.Lookup(ctx, identity)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(ctx, identity, &Entry{Capabilities: *caps, CachedAt: c.now()}); err != nil {
			c.logger.Warn("capability store write failed", zap.Error(err))
		}
		return *caps, nil
	})
	if err != nil {
		c.metrics.RecordCapabilityLookup("error")
		c.logger.Warn("capability lookup failed",
			zap.String("identity", identity.String()),
			zap.Error(err))
		return nil, services.WrapUnavailable("capabilities unavailable", err)
	}

	caps := v.(models.Capabilities)
	return &caps, nil
}

// Sweep evicts stale entries from the store.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return c.store.Sweep(ctx, c.now(), c.ttl)
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// CacheStats represents cache statistics
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	HitRate float64
}
