package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/upb/timefly-control-plane/middleware"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories/memory"
	"github.com/upb/timefly-control-plane/services/apikey"
	"github.com/upb/timefly-control-plane/services/capability"
	"github.com/upb/timefly-control-plane/services/ratelimit"
	"github.com/upb/timefly-control-plane/services/session"
	"go.uber.org/zap"
)

var testParams = apikey.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type fixture struct {
	store    *memory.Store
	user     *models.User
	sessions *session.Service
	keys     *apikey.Service
	caps     *capability.Cache
	limiter  *ratelimit.Limiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	repos := store.Repositories()
	logger := zap.NewNop()

	issuer := session.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "TimeFlyAPI", 15*time.Minute, nil)
	caps := capability.NewCache(capability.NewMemoryStore(100, time.Minute),
		capability.NewPlanService(repos.Plans, logger), time.Minute, logger)
	keys := apikey.NewService(repos, store.TransactionManager(), caps, apikey.Config{Params: testParams}, logger)
	t.Cleanup(func() { _ = keys.Close(context.Background()) })

	return &fixture{
		store:    store,
		user:     store.AddUser("ada@example.com"),
		sessions: session.NewService(repos, store.TransactionManager(), issuer, session.Config{}, logger),
		keys:     keys,
		caps:     caps,
		limiter:  ratelimit.NewLimiter(ratelimit.NewMemoryStore(), time.Minute, logger),
	}
}

// asCaller injects the AuthContext the auth stage would have produced.
func asCaller(ac *middleware.AuthContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithAuthContext(r.Context(), ac)))
		})
	}
}

func (f *fixture) router(t *testing.T) http.Handler {
	t.Helper()
	ac := &middleware.AuthContext{Identity: f.user.UUID, Method: middleware.AuthMethodSession, ClientIP: "192.0.2.1"}
	sh := NewSessionHandler(f.sessions, zap.NewNop())
	kh := NewAPIKeyHandler(f.keys, zap.NewNop())
	qh := NewQuotaHandler(f.limiter, f.caps, 100, zap.NewNop())

	r := chi.NewRouter()
	r.Use(asCaller(ac))
	r.Get("/api/rate-limit", qh.HandleRateLimitStatus)
	r.Route("/api/users/{uuid}", func(r chi.Router) {
		r.Use(middleware.RequireOwnership("uuid", zap.NewNop()))
		r.Get("/capabilities", qh.HandleCapabilities)
		r.Get("/sessions", sh.HandleList)
		r.Get("/sessions/active", sh.HandleListActive)
		r.Get("/sessions/{sessionUuid}", sh.HandleGet)
		r.Delete("/sessions/{sessionUuid}", sh.HandleRevoke)
		r.Delete("/sessions", sh.HandleRevokeAll)
		r.Get("/api-keys", kh.HandleList)
		r.Get("/api-keys/active", kh.HandleListActive)
		r.Post("/api-keys", kh.HandleCreate)
		r.Get("/api-keys/{keyUuid}", kh.HandleGet)
		r.Delete("/api-keys/{keyUuid}", kh.HandleRevoke)
		r.Delete("/api-keys", kh.HandleRevokeAll)
		r.Post("/api-keys/{keyUuid}/regenerate", kh.HandleRegenerate)
	})
	return r
}

func (f *fixture) issue(t *testing.T) *session.TokenPair {
	t.Helper()
	pair, err := f.sessions.IssueSession(context.Background(), f.user.UUID, models.RequestOrigin{UserAgent: "test"})
	require.NoError(t, err)
	return pair
}
