package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/timefly-control-plane/middleware"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories/memory"
	"github.com/upb/timefly-control-plane/services"
	"github.com/upb/timefly-control-plane/services/session"
	"go.uber.org/zap"
)

type MockLoginFlow struct {
	mock.Mock
}

func (m *MockLoginFlow) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (m *MockLoginFlow) CompleteLogin(ctx context.Context, code string, origin models.RequestOrigin) (*models.User, *session.TokenPair, error) {
	args := m.Called(ctx, code, origin)
	if args.Get(1) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*models.User), args.Get(1).(*session.TokenPair), args.Error(2)
}

type env struct {
	store    *memory.Store
	user     *models.User
	sessions *session.Service
	login    *MockLoginFlow
	handler  *Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	issuer := session.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "TimeFlyAPI", 15*time.Minute, nil)
	sessions := session.NewService(store.Repositories(), store.TransactionManager(), issuer, session.Config{}, zap.NewNop())
	login := &MockLoginFlow{}
	return &env{
		store:    store,
		user:     store.AddUser("ada@example.com"),
		sessions: sessions,
		login:    login,
		handler: NewHandler(Config{
			Cookies:     CookieConfig{Secure: true},
			FrontendURL: "https://app.example.com",
		}, login, sessions, nil, zap.NewNop()),
	}
}

func cookiesByName(w *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range w.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func refreshRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: middleware.RefreshTokenCookie, Value: token})
	}
	return req
}

func TestHandleLogin(t *testing.T) {
	e := newEnv(t)
	w := httptest.NewRecorder()
	e.handler.HandleLogin(w, httptest.NewRequest(http.MethodGet, "/api/auth/google", nil))

	require.Equal(t, http.StatusFound, w.Code)
	state := cookiesByName(w)[StateCookieName]
	require.NotNil(t, state)
	assert.True(t, state.HttpOnly)
	assert.Equal(t, stateCookieMaxAge, state.MaxAge)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, state.Value, loc.Query().Get("state"))
}

func TestHandleLogin_NotConfigured(t *testing.T) {
	h := NewHandler(Config{}, nil, nil, nil, zap.NewNop())
	w := httptest.NewRecorder()
	h.HandleLogin(w, httptest.NewRequest(http.MethodGet, "/api/auth/google", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleCallback(t *testing.T) {
	callback := func(query string, state string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?"+query, nil)
		req.Header.Set("User-Agent", "test-agent")
		req.RemoteAddr = "192.0.2.7:5555"
		if state != "" {
			req.AddCookie(&http.Cookie{Name: StateCookieName, Value: state})
		}
		return req
	}

	t.Run("success sets session cookies", func(t *testing.T) {
		e := newEnv(t)
		origin := models.RequestOrigin{UserAgent: "test-agent", IPAddress: "192.0.2.7"}
		pair, err := e.sessions.IssueSession(context.Background(), e.user.UUID, origin)
		require.NoError(t, err)
		e.login.On("CompleteLogin", mock.Anything, "good", origin).Return(e.user, pair, nil)

		w := httptest.NewRecorder()
		e.handler.HandleCallback(w, callback("code=good&state=s1", "s1"))

		require.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Location"))
		cookies := cookiesByName(w)
		assert.Equal(t, pair.AccessToken, cookies[middleware.AccessTokenCookie].Value)
		assert.Equal(t, pair.RefreshToken, cookies[middleware.RefreshTokenCookie].Value)
		assert.True(t, cookies[middleware.RefreshTokenCookie].HttpOnly)
		assert.True(t, cookies[middleware.RefreshTokenCookie].Secure)
		assert.Equal(t, http.SameSiteLaxMode, cookies[middleware.AccessTokenCookie].SameSite)
		assert.Equal(t, -1, cookies[StateCookieName].MaxAge)
		e.login.AssertExpectations(t)
	})

	t.Run("rejected requests", func(t *testing.T) {
		e := newEnv(t)
		for name, req := range map[string]*http.Request{
			"provider error": callback("error=access_denied", "s1"),
			"missing code":   callback("state=s1", "s1"),
			"missing state":  callback("code=good", "s1"),
			"no cookie":      callback("code=good&state=s1", ""),
			"state mismatch": callback("code=good&state=s1", "other"),
		} {
			w := httptest.NewRecorder()
			e.handler.HandleCallback(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code, name)
		}
		e.login.AssertNotCalled(t, "CompleteLogin", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("exchange failure is a generic 401", func(t *testing.T) {
		e := newEnv(t)
		e.login.On("CompleteLogin", mock.Anything, "bad", mock.Anything).
			Return(nil, nil, services.NewDomainError(services.ErrorTypeUnknownCredential, "authentication failed", errors.New("invalid_grant")))

		w := httptest.NewRecorder()
		e.handler.HandleCallback(w, callback("code=bad&state=s1", "s1"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), services.GenericCredentialMessage)
		assert.NotContains(t, w.Body.String(), "invalid_grant")
	})
}

func TestHandleRefresh(t *testing.T) {
	t.Run("rotates and sets new cookies", func(t *testing.T) {
		e := newEnv(t)
		pair, err := e.sessions.IssueSession(context.Background(), e.user.UUID, models.RequestOrigin{})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		e.handler.HandleRefresh(w, refreshRequest(pair.RefreshToken))

		require.Equal(t, http.StatusOK, w.Code)
		var resp RefreshResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.True(t, resp.OK)

		cookies := cookiesByName(w)
		next := cookies[middleware.RefreshTokenCookie].Value
		assert.NotEmpty(t, next)
		assert.NotEqual(t, pair.RefreshToken, next)
		assert.Greater(t, cookies[middleware.RefreshTokenCookie].MaxAge, 29*24*3600)

		// The old token is spent.
		w = httptest.NewRecorder()
		e.handler.HandleRefresh(w, refreshRequest(pair.RefreshToken))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, -1, cookiesByName(w)[middleware.RefreshTokenCookie].MaxAge)

		_, err = e.sessions.ResolveSession(context.Background(), "", next)
		assert.NoError(t, err)
	})

	t.Run("missing or unknown token", func(t *testing.T) {
		e := newEnv(t)
		for _, token := range []string{"", "not-a-real-token"} {
			w := httptest.NewRecorder()
			e.handler.HandleRefresh(w, refreshRequest(token))
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), services.GenericCredentialMessage)
		}
	})

	t.Run("concurrent rotation has one winner", func(t *testing.T) {
		e := newEnv(t)
		pair, err := e.sessions.IssueSession(context.Background(), e.user.UUID, models.RequestOrigin{})
		require.NoError(t, err)

		const n = 8
		codes := make([]int, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w := httptest.NewRecorder()
				e.handler.HandleRefresh(w, refreshRequest(pair.RefreshToken))
				codes[i] = w.Code
			}()
		}
		wg.Wait()

		ok := 0
		for _, c := range codes {
			if c == http.StatusOK {
				ok++
			} else {
				assert.Equal(t, http.StatusUnauthorized, c)
			}
		}
		assert.Equal(t, 1, ok)
	})
}

func TestHandleLogout(t *testing.T) {
	e := newEnv(t)
	pair, err := e.sessions.IssueSession(context.Background(), e.user.UUID, models.RequestOrigin{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil)
		req.AddCookie(&http.Cookie{Name: middleware.RefreshTokenCookie, Value: pair.RefreshToken})
		w := httptest.NewRecorder()
		e.handler.HandleLogout(w, req)

		require.Equal(t, http.StatusFound, w.Code)
		cookies := cookiesByName(w)
		assert.Equal(t, -1, cookies[middleware.AccessTokenCookie].MaxAge)
		assert.Equal(t, -1, cookies[middleware.RefreshTokenCookie].MaxAge)
	}

	_, err = e.sessions.ResolveSession(context.Background(), "", pair.RefreshToken)
	assert.True(t, services.IsCredentialError(err))

	// No cookies at all.
	w := httptest.NewRecorder()
	e.handler.HandleLogout(w, httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil))
	assert.Equal(t, http.StatusFound, w.Code)
}
