package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/services/ratelimit"
	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

// CapabilityProvider returns the plan-derived quotas of an identity
type CapabilityProvider interface {
	Get(ctx context.Context, identity uuid.UUID) (*models.Capabilities, error)
}

// RateLimiter counts requests against fixed windows
type RateLimiter interface {
	Check(ctx context.Context, key string, baseLimit int, capabilityLimit *int) (*ratelimit.Decision, error)
	Now() time.Time
}

// EnforcementMiddleware runs the capability and rate limit stages.
type EnforcementMiddleware struct {
	caps    CapabilityProvider
	limiter RateLimiter
	logger  *zap.Logger
}

// NewEnforcementMiddleware creates a new EnforcementMiddleware
func NewEnforcementMiddleware(caps CapabilityProvider, limiter RateLimiter, logger *zap.Logger) *EnforcementMiddleware {
	return &EnforcementMiddleware{
		caps:    caps,
		limiter: limiter,
		logger:  logger,
	}
}

// LoadCapabilities attaches the caller's capabilities. A failed lookup leaves
// them unset so that later stages fall back to their defaults.
func (m *EnforcementMiddleware) LoadCapabilities(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ac := GetAuthContext(ctx)
		if !ac.Authenticated() {
			next.ServeHTTP(w, r)
			return
		}

		caps, err := m.caps.Get(ctx, ac.Identity)
		if err != nil {
			m.logger.Warn("capability lookup failed, using defaults",
				zap.String("request_id", GetRequestIDFromContext(ctx)),
				zap.String("identity", ac.Identity.String()),
				zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		enriched := *ac
		enriched.Capabilities = caps
		next.ServeHTTP(w, r.WithContext(WithAuthContext(ctx, &enriched)))
	})
}

// RateLimit returns a stage that admits at most limit requests per window
// for scope. With usePlan the caller's plan rate limit lowers the cap.
func (m *EnforcementMiddleware) RateLimit(scope string, limit int, usePlan bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)
			ac := GetAuthContext(ctx)

			var planLimit *int
			if usePlan && ac.Capabilities != nil {
				planLimit = &ac.Capabilities.RateLimit
			}

			key := ratelimit.Key(scope, ac.RateLimitSubject())
			decision, err := m.limiter.Check(ctx, key, limit, planLimit)
			if err != nil {
				// Admission control never takes the API down with it.
				m.logger.Warn("rate limiter unavailable, admitting request",
					zap.String("request_id", requestID),
					zap.String("key", key),
					zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, decision)
			if !decision.Allowed {
				retry := decision.RetryAfter(m.limiter.Now())
				m.logger.Warn("request blocked by rate limit",
					zap.String("request_id", requestID),
					zap.String("key", key),
					zap.String("path", r.URL.Path),
					zap.Int("limit", decision.Limit))

				w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
				_ = utils.WriteTooManyRequests(w,
					fmt.Sprintf("Too many requests, retry after %d seconds", int(retry/time.Second)),
					map[string]interface{}{
						"limit": decision.Limit,
						"reset": resetUnix(decision.ResetAt),
					})
				return
			}

			enriched := *ac
			enriched.RateLimit = decision
			next.ServeHTTP(w, r.WithContext(WithAuthContext(ctx, &enriched)))
		})
	}
}

// setRateLimitHeaders writes the X-RateLimit-* headers; reset is in epoch seconds.
func setRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetUnix(d.ResetAt), 10))
}

func resetUnix(t time.Time) int64 {
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}
