package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
)

func TestRefreshTokens_ConsumeActiveOnce(t *testing.T) {
	store := NewStore()
	repos := store.Repositories()
	user := store.AddUser("ada@example.com")
	now := time.Now().UTC()

	require.NoError(t, repos.RefreshTokens.Create(context.Background(), &models.RefreshToken{
		UUID:      uuid.New(),
		UserID:    user.ID,
		TokenHash: "h",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repos.RefreshTokens.ConsumeActive(context.Background(), "h", now); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)

	_, err := repos.RefreshTokens.FindActiveByHash(context.Background(), "h", now)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestRefreshTokens_DeletedUserHasNoActiveTokens(t *testing.T) {
	store := NewStore()
	repos := store.Repositories()
	user := store.AddUser("ada@example.com")
	now := time.Now().UTC()

	require.NoError(t, repos.RefreshTokens.Create(context.Background(), &models.RefreshToken{
		UUID: uuid.New(), UserID: user.ID, TokenHash: "h", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	store.DeleteUser(user.UUID)

	_, err := repos.RefreshTokens.FindActiveByHash(context.Background(), "h", now)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestAPIKeys_ListCandidatesSkipsRevoked(t *testing.T) {
	store := NewStore()
	repos := store.Repositories()
	user := store.AddUser("ada@example.com")
	ctx := context.Background()

	active := &models.APIKey{UUID: uuid.New(), UserID: user.ID, KeyHash: "a", KeyPrefix: "p1", CreatedAt: time.Now()}
	revoked := &models.APIKey{UUID: uuid.New(), UserID: user.ID, KeyHash: "b", KeyPrefix: "p1", CreatedAt: time.Now()}
	require.NoError(t, repos.APIKeys.Create(ctx, active))
	require.NoError(t, repos.APIKeys.Create(ctx, revoked))

	changed, err := repos.APIKeys.Revoke(ctx, user.UUID, revoked.UUID, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	candidates, err := repos.APIKeys.ListCandidates(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, active.UUID, candidates[0].UUID)
	assert.Equal(t, user.UUID, candidates[0].Identity)

	none, err := repos.APIKeys.ListCandidates(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTransactionManager_Serializes(t *testing.T) {
	store := NewStore()
	txMgr := store.TransactionManager()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = txMgr.InTransaction(context.Background(), func(ctx context.Context, _ repositories.Transaction) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestUsers_UpsertFromOAuth(t *testing.T) {
	store := NewStore()
	repos := store.Repositories()
	ctx := context.Background()

	profile := &models.OAuthProfile{Provider: models.ProviderGoogle, ProviderUserID: "g-1", Email: "a@example.com"}
	first, err := repos.Users.UpsertFromOAuth(ctx, profile)
	require.NoError(t, err)

	profile.Email = "b@example.com"
	second, err := repos.Users.UpsertFromOAuth(ctx, profile)
	require.NoError(t, err)

	assert.Equal(t, first.UUID, second.UUID)
	assert.Equal(t, "b@example.com", second.Email)
}
