package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, so services can be built without instrumentation.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AuthResolutionsTotal      *prometheus.CounterVec
	SessionRotationsTotal     *prometheus.CounterVec
	SessionEvictionsTotal     prometheus.Counter
	APIKeyVerificationsTotal  *prometheus.CounterVec
	RateLimitDecisionsTotal   *prometheus.CounterVec
	CapabilityLookupsTotal    *prometheus.CounterVec
	MaintenanceRunsTotal      *prometheus.CounterVec
	MaintenanceItemsCollected *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timefly_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "timefly_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timefly_auth_resolutions_total",
				Help: "Credential resolutions by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		SessionRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timefly_session_rotations_total",
				Help: "Refresh token rotations by outcome",
			},
			[]string{"outcome"},
		),
		SessionEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "timefly_session_evictions_total",
				Help: "Sessions revoked to stay under the per-identity cap",
			},
		),
		APIKeyVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timefly_apikey_verifications_total",
				Help: "API key verifications by outcome",
			},
			[]string{"outcome"},
		),
		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timefly_ratelimit_decisions_total",
				Help: "Rate limit decisions by scope and result",
			},
			[]string{"scope", "result"},
		),
		CapabilityLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timefly_capability_lookups_total",
				Help: "Capability cache lookups by result (hit, miss, error)",
			},
			[]string{"result"},
		),
		MaintenanceRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timefly_maintenance_runs_total",
				Help: "Scheduled maintenance job runs by job and status",
			},
			[]string{"job", "status"},
		),
		MaintenanceItemsCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timefly_maintenance_items_collected_total",
				Help: "Items removed by maintenance jobs",
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthResolutionsTotal,
		m.SessionRotationsTotal,
		m.SessionEvictionsTotal,
		m.APIKeyVerificationsTotal,
		m.RateLimitDecisionsTotal,
		m.CapabilityLookupsTotal,
		m.MaintenanceRunsTotal,
		m.MaintenanceItemsCollected,
	)

	return m
}

// RecordAuth counts a credential resolution.
func (m *Metrics) RecordAuth(method, outcome string) {
	if m == nil {
		return
	}
	m.AuthResolutionsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordRotation counts a refresh token rotation attempt.
func (m *Metrics) RecordRotation(outcome string) {
	if m == nil {
		return
	}
	m.SessionRotationsTotal.WithLabelValues(outcome).Inc()
}

// RecordEvictions counts sessions revoked by the cap.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionEvictionsTotal.Add(float64(n))
}

// RecordAPIKeyVerification counts an API key verification.
func (m *Metrics) RecordAPIKeyVerification(outcome string) {
	if m == nil {
		return
	}
	m.APIKeyVerificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordRateLimit counts an admission decision.
func (m *Metrics) RecordRateLimit(scope string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.RateLimitDecisionsTotal.WithLabelValues(scope, result).Inc()
}

// RecordCapabilityLookup counts a capability cache lookup.
func (m *Metrics) RecordCapabilityLookup(result string) {
	if m == nil {
		return
	}
	m.CapabilityLookupsTotal.WithLabelValues(result).Inc()
}

// RecordMaintenance counts a maintenance job run.
func (m *Metrics) RecordMaintenance(job string, collected int64, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MaintenanceRunsTotal.WithLabelValues(job, status).Inc()
	if collected > 0 {
		m.MaintenanceItemsCollected.WithLabelValues(job).Add(float64(collected))
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests. routeOf maps a request to a
// low-cardinality route label; it runs after the handler so router patterns
// are available.
func HTTPMetricsMiddleware(m *Metrics, routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeOf != nil {
				if pattern := routeOf(r); pattern != "" {
					route = pattern
				}
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
