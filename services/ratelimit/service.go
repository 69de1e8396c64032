// Package ratelimit implements fixed-window admission control keyed by
// identity or client address.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/upb/timefly-control-plane/internal/observability"
	"github.com/upb/timefly-control-plane/services"
	"go.uber.org/zap"
)

// DefaultWindow is the window length used when none is configured
const DefaultWindow = time.Minute

// Scopes partition the key space so that independent limits never share a window.
const (
	ScopeGlobal  = "global"
	ScopeRefresh = "refresh"
)

// Key builds a window key such as "global:user:<uuid>".
func Key(scope, subject string) string {
	return scope + ":" + subject
}

// UserSubject is the key subject of an authenticated identity
func UserSubject(identity string) string {
	return "user:" + identity
}

// IPSubject is the key subject of an anonymous caller
func IPSubject(ip string) string {
	return "ip:" + ip
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Count     int
	ResetAt   time.Time
}

// RetryAfter is the time until the window resets, rounded up to whole seconds.
func (d *Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return ((wait + time.Second - 1) / time.Second) * time.Second
}

// Limiter applies fixed-window limits on top of a Store.
type Limiter struct {
	store   Store
	window  time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics enables instrumentation
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// NewLimiter creates a new Limiter
func NewLimiter(store Store, window time.Duration, logger *zap.Logger, opts ...Option) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		store:  store,
		window: window,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the configured window length
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Now returns the limiter's clock reading
func (l *Limiter) Now() time.Time {
	return l.now()
}

// EffectiveLimit is the base limit lowered to the capability limit when one
// is known. Non-positive capability limits are ignored.
func EffectiveLimit(base int, capabilityLimit *int) int {
	if capabilityLimit != nil && *capabilityLimit > 0 && *capabilityLimit < base {
		return *capabilityLimit
	}
	return base
}

// Check counts one request against key and reports whether it is admitted.
// The first request of a window has count 1; a request is denied once the
// count exceeds the effective limit.
func (l *Limiter) Check(ctx context.Context, key string, baseLimit int, capabilityLimit *int) (*Decision, error) {
	limit := EffectiveLimit(baseLimit, capabilityLimit)
	now := l.now()

	w, err := l.store.Increment(ctx, key, limit, l.window, now)
	if err != nil {
		return nil, services.WrapUnavailable("rate limit store unavailable", err)
	}

	d := &Decision{
		Allowed:   w.Count <= limit,
		Limit:     limit,
		Remaining: max(limit-w.Count, 0),
		Count:     w.Count,
		ResetAt:   w.ExpiresAt,
	}
	l.metrics.RecordRateLimit(scopeOf(key), d.Allowed)
	if !d.Allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Int("count", w.Count))
	}
	return d, nil
}

// Status reports the state of key's window without counting a request.
func (l *Limiter) Status(ctx context.Context, key string, baseLimit int, capabilityLimit *int) (*Decision, error) {
	limit := EffectiveLimit(baseLimit, capabilityLimit)
	now := l.now()

	w, ok, err := l.store.Peek(ctx, key, now)
	if err != nil {
		return nil, services.WrapUnavailable("rate limit store unavailable", err)
	}
	if !ok {
		return &Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   now.Add(l.window),
		}, nil
	}
	return &Decision{
		Allowed:   w.Count < limit,
		Limit:     limit,
		Remaining: max(limit-w.Count, 0),
		Count:     w.Count,
		ResetAt:   w.ExpiresAt,
	}, nil
}

// Sweep evicts expired windows from the store.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.now())
}

func scopeOf(key string) string {
	scope, _, ok := strings.Cut(key, ":")
	if !ok {
		return "unknown"
	}
	return scope
}
