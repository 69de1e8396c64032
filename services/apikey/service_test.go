package apikey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
	"github.com/upb/timefly-control-plane/repositories/memory"
	"github.com/upb/timefly-control-plane/services"
	"go.uber.org/zap"
)

type capsStub struct {
	caps *models.Capabilities
	err  error
}

func (c *capsStub) Get(context.Context, uuid.UUID) (*models.Capabilities, error) {
	return c.caps, c.err
}

// slowTouch delays last-use updates so Close has something to wait for.
type slowTouch struct {
	repositories.APIKeyRepository
	touched atomic.Int32
}

func (s *slowTouch) TouchLastUsed(ctx context.Context, keyID int64, now time.Time) error {
	time.Sleep(50 * time.Millisecond)
	s.touched.Add(1)
	return s.APIKeyRepository.TouchLastUsed(ctx, keyID, now)
}

func newTestService(t *testing.T, caps CapabilitySource, mode LookupMode) (*Service, *memory.Store, *models.User) {
	t.Helper()
	store := memory.NewStore()
	svc := NewService(store.Repositories(), store.TransactionManager(), caps, Config{
		LookupMode: mode,
		Params:     testParams,
	}, zap.NewNop())
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, store, store.AddUser("ada@example.com")
}

func withLimit(n int) *capsStub {
	return &capsStub{caps: &models.Capabilities{TierName: "Test", RateLimit: 100, APIKeyLimit: n}}
}

func TestAuthenticate_BothLookupModes(t *testing.T) {
	for _, mode := range []LookupMode{LookupPrefixMode, LookupScanMode} {
		t.Run(string(mode), func(t *testing.T) {
			svc, _, user := newTestService(t, withLimit(3), mode)
			ctx := context.Background()

			created, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
			require.NoError(t, err)
			_, err = svc.CreateAPIKey(ctx, user.UUID, nil, nil)
			require.NoError(t, err)

			auth, err := svc.Authenticate(ctx, created.PlainKey)
			require.NoError(t, err)
			assert.Equal(t, user.UUID, auth.Identity)
			assert.Equal(t, created.Key.UUID, auth.APIKeyUUID)
		})
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	svc, store, user := newTestService(t, withLimit(3), LookupPrefixMode)
	ctx := context.Background()

	created, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
	require.NoError(t, err)
	revoked, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.RevokeAPIKey(ctx, user.UUID, revoked.Key.UUID))

	// Same lookup prefix, different secret.
	forged := created.PlainKey[:len("tfk_")+LookupPrefixLength] + "AAAAAAAAAAAAAAAAAAAAAAAA"

	tests := []struct {
		name string
		raw  string
		want services.ErrorType
	}{
		{name: "missing", raw: "", want: services.ErrorTypeMissingCredential},
		{name: "foreign format", raw: "sk_live_123456789", want: services.ErrorTypeMalformedCredential},
		{name: "forged secret", raw: forged, want: services.ErrorTypeUnknownCredential},
		{name: "revoked key", raw: revoked.PlainKey, want: services.ErrorTypeUnknownCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := svc.Authenticate(ctx, tt.raw)
			assert.Nil(t, auth)
			assert.True(t, services.IsCredentialError(err))
			assert.Equal(t, tt.want, services.GetErrorType(err))
		})
	}

	t.Run("deleted owner", func(t *testing.T) {
		store.DeleteUser(user.UUID)
		_, err := svc.Authenticate(ctx, created.PlainKey)
		assert.ErrorIs(t, err, services.ErrUnknownCredential)
	})
}

// countingMatcher records how often the final comparison runs
type countingMatcher struct {
	CredentialMatcher
	calls atomic.Int32
}

func (m *countingMatcher) FindMatch(ctx context.Context, raw string, candidates []*models.APIKeyCandidate) (*models.APIKeyCandidate, error) {
	m.calls.Add(1)
	return m.CredentialMatcher.FindMatch(ctx, raw, candidates)
}

func TestAuthenticate_RejectionsPayForOneComparison(t *testing.T) {
	store := memory.NewStore()
	matcher := &countingMatcher{CredentialMatcher: NewArgon2Matcher(testParams, zap.NewNop())}
	svc := NewService(store.Repositories(), store.TransactionManager(), withLimit(3), Config{
		Params: testParams,
	}, zap.NewNop(), WithMatcher(matcher))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	tests := []struct {
		name string
		raw  string
		want services.ErrorType
	}{
		{name: "unknown prefix", raw: "tfk_ZZZZZZZZAAAAAAAAAAAAAAAAAAAAAAAA", want: services.ErrorTypeUnknownCredential},
		{name: "malformed", raw: "sk_live_123456789", want: services.ErrorTypeMalformedCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matcher.calls.Store(0)
			_, err := svc.Authenticate(context.Background(), tt.raw)
			assert.Equal(t, tt.want, services.GetErrorType(err))
			assert.Equal(t, int32(1), matcher.calls.Load())
		})
	}
}

func TestAuthenticate_UpdatesLastUsedBeforeClose(t *testing.T) {
	store := memory.NewStore()
	user := store.AddUser("ada@example.com")
	repos := store.Repositories()
	slow := &slowTouch{APIKeyRepository: repos.APIKeys}
	repos.APIKeys = slow

	svc := NewService(repos, store.TransactionManager(), withLimit(1), Config{Params: testParams}, zap.NewNop())
	ctx := context.Background()

	created, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, created.PlainKey)
	require.NoError(t, err)

	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, int32(1), slow.touched.Load())

	key, err := svc.GetAPIKey(ctx, user.UUID, created.Key.UUID)
	require.NoError(t, err)
	assert.NotNil(t, key.LastUsedAt)

	// After Close, authentication still works but no update is scheduled.
	_, err = svc.Authenticate(ctx, created.PlainKey)
	require.NoError(t, err)
	assert.Equal(t, int32(1), slow.touched.Load())
}

func TestClose_HonoursContext(t *testing.T) {
	store := memory.NewStore()
	user := store.AddUser("ada@example.com")
	repos := store.Repositories()
	repos.APIKeys = &slowTouch{APIKeyRepository: repos.APIKeys}

	svc := NewService(repos, store.TransactionManager(), nil, Config{Params: testParams}, zap.NewNop())
	created, err := svc.CreateAPIKey(context.Background(), user.UUID, nil, nil)
	require.NoError(t, err)
	_, err = svc.Authenticate(context.Background(), created.PlainKey)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, svc.Close(ctx), context.Canceled)
	require.NoError(t, svc.Close(context.Background()))
}

func TestCreateAPIKey_Quota(t *testing.T) {
	t.Run("plan limit", func(t *testing.T) {
		svc, _, user := newTestService(t, withLimit(2), LookupPrefixMode)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			_, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
			require.NoError(t, err)
		}
		_, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
		require.ErrorIs(t, err, services.ErrQuotaExceeded)
		assert.Equal(t, 2, services.GetErrorDetails(err)["limit"])
	})

	t.Run("capabilities unavailable falls back to one", func(t *testing.T) {
		svc, _, user := newTestService(t, &capsStub{err: errors.New("redis down")}, LookupPrefixMode)
		ctx := context.Background()

		_, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
		require.NoError(t, err)
		_, err = svc.CreateAPIKey(ctx, user.UUID, nil, nil)
		assert.ErrorIs(t, err, services.ErrQuotaExceeded)
	})

	t.Run("revoked keys free a slot", func(t *testing.T) {
		svc, _, user := newTestService(t, withLimit(1), LookupPrefixMode)
		ctx := context.Background()

		first, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
		require.NoError(t, err)
		require.NoError(t, svc.RevokeAPIKey(ctx, user.UUID, first.Key.UUID))
		_, err = svc.CreateAPIKey(ctx, user.UUID, nil, nil)
		assert.NoError(t, err)
	})

	t.Run("unknown user", func(t *testing.T) {
		svc, _, _ := newTestService(t, withLimit(1), LookupPrefixMode)
		_, err := svc.CreateAPIKey(context.Background(), uuid.New(), nil, nil)
		assert.ErrorIs(t, err, services.ErrUserNotFound)
	})
}

func TestCreateAPIKey_ConcurrentRespectsLimit(t *testing.T) {
	svc, _, user := newTestService(t, withLimit(3), LookupPrefixMode)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		created  atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
			switch {
			case err == nil:
				created.Add(1)
			case services.IsQuotaExceededError(err):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), created.Load())
	assert.Equal(t, int32(7), rejected.Load())
}

func TestRegenerateAPIKey(t *testing.T) {
	svc, _, user := newTestService(t, withLimit(1), LookupPrefixMode)
	ctx := context.Background()
	label, description := "ci", "deploy pipeline"

	old, err := svc.CreateAPIKey(ctx, user.UUID, &label, &description)
	require.NoError(t, err)

	fresh, err := svc.RegenerateAPIKey(ctx, user.UUID, old.Key.UUID)
	require.NoError(t, err)
	assert.NotEqual(t, old.Key.UUID, fresh.Key.UUID)
	assert.NotEqual(t, old.PlainKey, fresh.PlainKey)
	require.NotNil(t, fresh.Key.Label)
	assert.Equal(t, label, *fresh.Key.Label)
	require.NotNil(t, fresh.Key.Description)
	assert.Equal(t, description, *fresh.Key.Description)

	_, err = svc.Authenticate(ctx, old.PlainKey)
	assert.ErrorIs(t, err, services.ErrUnknownCredential)
	auth, err := svc.Authenticate(ctx, fresh.PlainKey)
	require.NoError(t, err)
	assert.Equal(t, user.UUID, auth.Identity)

	_, err = svc.RegenerateAPIKey(ctx, user.UUID, uuid.New())
	assert.ErrorIs(t, err, services.ErrAPIKeyNotFound)
}

func TestRevokeAPIKeys(t *testing.T) {
	svc, store, user := newTestService(t, withLimit(3), LookupPrefixMode)
	ctx := context.Background()
	other := store.AddUser("grace@example.com")

	a, err := svc.CreateAPIKey(ctx, user.UUID, nil, nil)
	require.NoError(t, err)
	_, err = svc.CreateAPIKey(ctx, user.UUID, nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.RevokeAPIKey(ctx, other.UUID, a.Key.UUID), services.ErrAPIKeyNotFound)
	require.NoError(t, svc.RevokeAPIKey(ctx, user.UUID, a.Key.UUID))
	assert.ErrorIs(t, svc.RevokeAPIKey(ctx, user.UUID, a.Key.UUID), services.ErrAPIKeyNotFound)

	n, err := svc.RevokeAllAPIKeys(ctx, user.UUID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := svc.ListAPIKeys(ctx, user.UUID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := svc.ListAPIKeys(ctx, user.UUID, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestParseLookupMode(t *testing.T) {
	m, err := ParseLookupMode("")
	require.NoError(t, err)
	assert.Equal(t, LookupPrefixMode, m)

	m, err = ParseLookupMode("SCAN")
	require.NoError(t, err)
	assert.Equal(t, LookupScanMode, m)

	_, err = ParseLookupMode("bloom")
	assert.Error(t, err)
}
