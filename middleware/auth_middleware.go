package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/timefly-control-plane/internal/observability"
	"github.com/upb/timefly-control-plane/services"
	"github.com/upb/timefly-control-plane/services/apikey"
	"github.com/upb/timefly-control-plane/services/session"
	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

// Cookie and header names shared with the auth handlers
const (
	AccessTokenCookie  = "token"
	RefreshTokenCookie = "refresh_token"
	APIKeyHeader       = "X-API-Key"
)

// SessionResolver turns session credentials into an identity
type SessionResolver interface {
	ResolveSession(ctx context.Context, accessToken, refreshToken string) (*session.Resolution, error)
}

// APIKeyAuthenticator turns a raw API key into an identity
type APIKeyAuthenticator interface {
	Authenticate(ctx context.Context, raw string) (*apikey.Authentication, error)
}

// AuthMiddleware resolves the caller of every request.
type AuthMiddleware struct {
	sessions SessionResolver
	apiKeys  APIKeyAuthenticator
	proxies  *utils.TrustedProxies
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(
	sessions SessionResolver,
	apiKeys APIKeyAuthenticator,
	proxies *utils.TrustedProxies,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *AuthMiddleware {
	return &AuthMiddleware{
		sessions: sessions,
		apiKeys:  apiKeys,
		proxies:  proxies,
		metrics:  metrics,
		logger:   logger,
	}
}

// Resolve runs the session resolver and, failing that, the API key
// authenticator. The returned AuthContext is never nil. A credential error
// leaves the context anonymous with Failure set; any other error means the
// credential store could not be consulted.
func (m *AuthMiddleware) Resolve(r *http.Request) (*AuthContext, error) {
	ctx := r.Context()
	ac := &AuthContext{ClientIP: m.proxies.ClientIP(r)}

	access := extractAccessToken(r)
	refresh := cookieValue(r, RefreshTokenCookie)
	rawKey := strings.TrimSpace(r.Header.Get(APIKeyHeader))

	var failure error
	if access != "" || refresh != "" {
		res, err := m.sessions.ResolveSession(ctx, access, refresh)
		if err == nil {
			ac.Identity = res.Identity
			ac.Method = AuthMethodSession
			ac.Source = string(res.Source)
			ac.SessionUUID = res.SessionUUID
			m.metrics.RecordAuth(string(AuthMethodSession), "ok")
			return ac, nil
		}
		if !services.IsCredentialError(err) {
			m.metrics.RecordAuth(string(AuthMethodSession), "error")
			return ac, err
		}
		m.metrics.RecordAuth(string(AuthMethodSession), string(services.GetErrorType(err)))
		failure = err
	}

	if rawKey != "" {
		auth, err := m.apiKeys.Authenticate(ctx, rawKey)
		if err == nil {
			ac.Identity = auth.Identity
			ac.Method = AuthMethodAPIKey
			ac.APIKeyUUID = auth.APIKeyUUID
			m.metrics.RecordAuth(string(AuthMethodAPIKey), "ok")
			return ac, nil
		}
		if !services.IsCredentialError(err) {
			m.metrics.RecordAuth(string(AuthMethodAPIKey), "error")
			return ac, err
		}
		m.metrics.RecordAuth(string(AuthMethodAPIKey), string(services.GetErrorType(err)))
		failure = err
	}

	if failure == nil {
		failure = services.NoValidCredential(services.ErrorTypeMissingCredential, nil)
	}
	ac.Failure = services.GetErrorType(failure)
	return ac, failure
}

// Authenticate resolves the caller and stores the AuthContext. Rejected
// credentials leave the request anonymous; RequireAuth decides whether that
// is acceptable. An unreachable credential store fails the request.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		ac, err := m.Resolve(r)
		if err != nil {
			if !services.IsCredentialError(err) {
				m.logger.Error("credential store unavailable",
					zap.String("request_id", requestID),
					zap.Error(err))
				_ = utils.WriteInternalServerError(w, "")
				return
			}
			if ac.Failure != services.ErrorTypeMissingCredential {
				m.logger.Warn("credential rejected",
					zap.String("request_id", requestID),
					zap.String("reason", string(ac.Failure)),
					zap.String("client_ip", ac.ClientIP))
			}
		} else {
			m.logger.Debug("authentication successful",
				zap.String("request_id", requestID),
				zap.String("identity", ac.Identity.String()),
				zap.String("method", string(ac.Method)))
		}

		next.ServeHTTP(w, r.WithContext(WithAuthContext(ctx, ac)))
	})
}

// RequireAuth rejects anonymous requests with a generic 401.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetAuthContext(r.Context()).Authenticated() {
			_ = utils.WriteUnauthorized(w, services.GenericCredentialMessage)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession admits only callers authenticated with a user session, so
// that an integration key cannot manage credentials.
func (m *AuthMiddleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := GetAuthContext(r.Context())
		if !ac.Authenticated() || ac.Method != AuthMethodSession {
			_ = utils.WriteUnauthorized(w, services.GenericCredentialMessage)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractAccessToken reads the Bearer header, falling back to the token cookie.
func extractAccessToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	return cookieValue(r, AccessTokenCookie)
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func cookieValue(r *http.Request, name string) string {
	if cookie, err := r.Cookie(name); err == nil {
		return cookie.Value
	}
	return ""
}
