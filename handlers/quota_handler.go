package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/middleware"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/services/ratelimit"
	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

// RateLimitStatusReader peeks at a rate window without counting a request
type RateLimitStatusReader interface {
	Status(ctx context.Context, key string, baseLimit int, capabilityLimit *int) (*ratelimit.Decision, error)
}

// CapabilityReader returns the plan-derived quotas of an identity
type CapabilityReader interface {
	Get(ctx context.Context, identity uuid.UUID) (*models.Capabilities, error)
}

// RateLimitStatus is the body of GET /api/rate-limit; reset is epoch seconds.
type RateLimitStatus struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// QuotaHandler reports rate limit and capability state to the caller.
type QuotaHandler struct {
	limiter     RateLimitStatusReader
	caps        CapabilityReader
	globalLimit int
	logger      *zap.Logger
}

// NewQuotaHandler creates a new QuotaHandler
func NewQuotaHandler(limiter RateLimitStatusReader, caps CapabilityReader, globalLimit int, logger *zap.Logger) *QuotaHandler {
	return &QuotaHandler{
		limiter:     limiter,
		caps:        caps,
		globalLimit: globalLimit,
		logger:      logger,
	}
}

// HandleRateLimitStatus handles GET /api/rate-limit
func (h *QuotaHandler) HandleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())

	var planLimit *int
	if ac.Capabilities != nil {
		planLimit = &ac.Capabilities.RateLimit
	}

	key := ratelimit.Key(ratelimit.ScopeGlobal, ac.RateLimitSubject())
	d, err := h.limiter.Status(r.Context(), key, h.globalLimit, planLimit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, RateLimitStatus{
		Limit:     d.Limit,
		Remaining: d.Remaining,
		Reset:     ceilUnix(d.ResetAt),
	})
}

// HandleCapabilities handles GET /api/users/{uuid}/capabilities
func (h *QuotaHandler) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac.Capabilities != nil {
		_ = utils.WriteOK(w, ac.Capabilities)
		return
	}

	caps, err := h.caps.Get(r.Context(), ac.Identity)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, caps)
}

func ceilUnix(t time.Time) int64 {
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}
