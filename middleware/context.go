package middleware

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/services"
	"github.com/upb/timefly-control-plane/services/ratelimit"
)

// Context key type to avoid collisions
type contextKey string

// AuthContextKey is the context key for the request's AuthContext
const AuthContextKey contextKey = "auth_context"

// AuthMethod identifies the kind of credential that authenticated a request.
type AuthMethod string

const (
	AuthMethodNone    AuthMethod = ""
	AuthMethodSession AuthMethod = "session"
	AuthMethodAPIKey  AuthMethod = "api_key"
)

// AuthContext is the value threaded through the per-request stages. Each stage
// receives the previous stage's result and returns an enriched copy.
type AuthContext struct {
	Identity    uuid.UUID
	Method      AuthMethod
	Source      string
	SessionUUID uuid.UUID
	APIKeyUUID  uuid.UUID
	ClientIP    string

	// Failure is the typed cause when credentials were presented but rejected.
	Failure services.ErrorType

	// Capabilities is nil when the lookup failed or the caller is anonymous.
	Capabilities *models.Capabilities
	RateLimit    *ratelimit.Decision
}

// Authenticated reports whether an identity was resolved
func (a *AuthContext) Authenticated() bool {
	return a != nil && a.Method != AuthMethodNone && a.Identity != uuid.Nil
}

// RateLimitSubject is the identity when known, else the client address.
func (a *AuthContext) RateLimitSubject() string {
	if a.Authenticated() {
		return ratelimit.UserSubject(a.Identity.String())
	}
	ip := a.ClientIP
	if ip == "" {
		ip = "unknown"
	}
	return ratelimit.IPSubject(ip)
}

// GetAuthContext retrieves the AuthContext from context. It never returns nil.
func GetAuthContext(ctx context.Context) *AuthContext {
	if val := ctx.Value(AuthContextKey); val != nil {
		if ac, ok := val.(*AuthContext); ok {
			return ac
		}
	}
	return &AuthContext{}
}

// WithAuthContext adds an AuthContext to the context
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, ac)
}

// GetIdentityFromContext returns the authenticated identity or uuid.Nil
func GetIdentityFromContext(ctx context.Context) uuid.UUID {
	ac := GetAuthContext(ctx)
	if !ac.Authenticated() {
		return uuid.Nil
	}
	return ac.Identity
}

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}
