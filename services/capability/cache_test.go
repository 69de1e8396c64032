package capability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories/memory"
	"github.com/upb/timefly-control-plane/services"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingLookup returns whatever is configured and counts calls.
type countingLookup struct {
	mu    sync.Mutex
	caps  *models.Capabilities
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (l *countingLookup) set(caps *models.Capabilities, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caps, l.err = caps, err
}

func (l *countingLookup) Lookup(context.Context, uuid.UUID) (*models.Capabilities, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	caps := *l.caps
	return &caps, nil
}

var pro = &models.Capabilities{TierName: "Pro", RateLimit: 1000, APIKeyLimit: 10}

func newTestCache(store Store, lookup Lookup) (*Cache, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewCache(store, lookup, time.Minute, zap.NewNop(), WithClock(clock.Now)), clock
}

func TestCache_ServesWithinTTL(t *testing.T) {
	lookup := &countingLookup{caps: pro}
	cache, clock := newTestCache(NewMemoryStore(100, time.Hour), lookup)
	ctx := context.Background()
	id := uuid.New()

	for i := 0; i < 5; i++ {
		caps, err := cache.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Pro", caps.TierName)
		clock.Advance(10 * time.Second)
	}
	assert.Equal(t, int32(1), lookup.calls.Load())

	// 50s elapsed; at 60s the entry is stale.
	clock.Advance(10 * time.Second)
	_, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), lookup.calls.Load())

	stats := cache.Stats()
	assert.Equal(t, uint64(4), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestCache_PlanChangeVisibleAfterTTL(t *testing.T) {
	lookup := &countingLookup{caps: models.FreeTier()}
	cache, clock := newTestCache(NewMemoryStore(100, time.Hour), lookup)
	ctx := context.Background()
	id := uuid.New()

	caps, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Free", caps.TierName)

	lookup.set(pro, nil)
	caps, err = cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Free", caps.TierName, "stale by design until TTL elapses")

	clock.Advance(time.Minute)
	caps, err = cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Pro", caps.TierName)
}

func TestCache_FailureIsNotCached(t *testing.T) {
	lookup := &countingLookup{caps: pro}
	store := NewMemoryStore(100, time.Hour)
	cache, clock := newTestCache(store, lookup)
	ctx := context.Background()
	id := uuid.New()

	_, err := cache.Get(ctx, id)
	require.NoError(t, err)
	before, _, _ := store.Get(ctx, id)

	clock.Advance(2 * time.Minute)
	lookup.set(nil, errors.New("db down"))

	caps, err := cache.Get(ctx, id)
	assert.Nil(t, caps)
	assert.True(t, services.IsDependencyUnavailableError(err))

	after, ok, _ := store.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, before.CachedAt, after.CachedAt, "failed lookup must not touch the entry")

	_, err = cache.Get(ctx, id)
	assert.Error(t, err)
	assert.Equal(t, int32(3), lookup.calls.Load())

	lookup.set(models.FreeTier(), nil)
	caps, err = cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Free", caps.TierName)
}

func TestCache_CollapsesConcurrentMisses(t *testing.T) {
	lookup := &countingLookup{caps: pro, delay: 50 * time.Millisecond}
	cache, _ := newTestCache(NewMemoryStore(100, time.Hour), lookup)
	ctx := context.Background()
	id := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caps, err := cache.Get(ctx, id)
			if assert.NoError(t, err) {
				assert.Equal(t, 10, caps.APIKeyLimit)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), lookup.calls.Load())
}

func TestCache_ReturnsCopies(t *testing.T) {
	cache, _ := newTestCache(NewMemoryStore(100, time.Hour), &countingLookup{caps: pro})
	ctx := context.Background()
	id := uuid.New()

	caps, err := cache.Get(ctx, id)
	require.NoError(t, err)
	caps.RateLimit = 1

	again, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1000, again.RateLimit)
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore(100, time.Hour)
	cache, clock := newTestCache(store, &countingLookup{caps: pro})
	ctx := context.Background()

	_, err := cache.Get(ctx, uuid.New())
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = cache.Get(ctx, uuid.New())
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	n, err := cache.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_SizeBound(t *testing.T) {
	store := NewMemoryStore(2, time.Hour)
	ctx := context.Background()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, store.Set(ctx, id, &Entry{Capabilities: *pro, CachedAt: time.Now()}))
	}

	assert.Equal(t, 2, store.Len())
	_, ok, _ := store.Get(ctx, ids[0])
	assert.False(t, ok)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "caps", time.Minute)
	lookup := &countingLookup{caps: pro}
	cache, _ := newTestCache(store, lookup)
	ctx := context.Background()
	id := uuid.New()

	_, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	caps, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Pro", caps.TierName)
	assert.Equal(t, time.Minute, mr.TTL("caps:"+id.String()))

	caps, err = cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1000, caps.RateLimit)
	assert.Equal(t, int32(1), lookup.calls.Load())

	mr.FastForward(61 * time.Second)
	_, ok, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_DownFallsBackToLookup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	lookup := &countingLookup{caps: pro}
	cache, _ := newTestCache(NewRedisStore(client, "", time.Minute), lookup)

	caps, err := cache.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "Pro", caps.TierName)
}

func TestPlanService(t *testing.T) {
	store := memory.NewStore()
	paid := store.AddUser("paid@example.com")
	free := store.AddUser("free@example.com")
	store.SetPlan(paid.UUID, "Pro", 1000, 10)

	svc := NewPlanService(store.Repositories().Plans, zap.NewNop())
	ctx := context.Background()

	caps, err := svc.Lookup(ctx, paid.UUID)
	require.NoError(t, err)
	assert.Equal(t, &models.Capabilities{TierName: "Pro", RateLimit: 1000, APIKeyLimit: 10}, caps)

	caps, err = svc.Lookup(ctx, free.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.FreeTier(), caps)
}
