package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/timefly-control-plane/app"
	"github.com/upb/timefly-control-plane/internal/observability"
	"github.com/upb/timefly-control-plane/middleware"
	"github.com/upb/timefly-control-plane/services/ratelimit"
	"github.com/upb/timefly-control-plane/utils"
)

// VerifyPath is called by non-browser clients and is exempt from CSRF.
const VerifyPath = "/api/api-keys/verify"

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(observability.HTTPMetricsMiddleware(deps.Metrics, routePattern))
	r.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	if cfg.Server.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.APIKeyHeader, middleware.CSRFHeader},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/health", deps.HealthHandler.HandleHealth)
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	sameSite, _ := cfg.Auth.SameSite()

	r.Route("/api", func(r chi.Router) {
		// Per-request pipeline: identity, plan, quota, then CSRF.
		r.Use(deps.AuthMiddleware.Authenticate)
		r.Use(deps.Enforcement.LoadCapabilities)
		r.Use(deps.Enforcement.RateLimit(ratelimit.ScopeGlobal, cfg.RateLimit.GlobalLimit, true))
		r.Use(middleware.CSRF(middleware.CSRFConfig{
			Secure:   cfg.Auth.CookieSecure,
			Domain:   cfg.Auth.CookieDomain,
			SameSite: sameSite,
			Exempt:   []string{http.MethodPost + " " + VerifyPath},
		}, deps.Logger))

		r.Route("/auth", func(r chi.Router) {
			r.Get("/google", deps.AuthHandler.HandleLogin)
			r.Get("/google/callback", deps.AuthHandler.HandleCallback)
			r.With(deps.Enforcement.RateLimit(ratelimit.ScopeRefresh, cfg.RateLimit.RefreshLimit, false)).
				Post("/refresh", deps.AuthHandler.HandleRefresh)
			r.Get("/logout", deps.AuthHandler.HandleLogout)
		})

		r.Post("/api-keys/verify", deps.APIKeyHandler.HandleVerify)

		r.With(deps.AuthMiddleware.RequireAuth).Get("/rate-limit", deps.QuotaHandler.HandleRateLimitStatus)

		r.Route("/users/{uuid}", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(middleware.RequireOwnership("uuid", deps.Logger))

			r.Get("/capabilities", deps.QuotaHandler.HandleCapabilities)

			// Credential management needs a browser session; an API key
			// cannot mint or revoke credentials.
			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireSession)

				r.Route("/sessions", func(r chi.Router) {
					r.Get("/", deps.SessionHandler.HandleList)
					r.Get("/active", deps.SessionHandler.HandleListActive)
					r.Delete("/", deps.SessionHandler.HandleRevokeAll)
					r.Get("/{sessionUuid}", deps.SessionHandler.HandleGet)
					r.Delete("/{sessionUuid}", deps.SessionHandler.HandleRevoke)
				})

				r.Route("/api-keys", func(r chi.Router) {
					r.Get("/", deps.APIKeyHandler.HandleList)
					r.Post("/", deps.APIKeyHandler.HandleCreate)
					r.Delete("/", deps.APIKeyHandler.HandleRevokeAll)
					r.Get("/active", deps.APIKeyHandler.HandleListActive)
					r.Get("/{keyUuid}", deps.APIKeyHandler.HandleGet)
					r.Delete("/{keyUuid}", deps.APIKeyHandler.HandleRevoke)
					r.Post("/{keyUuid}/regenerate", deps.APIKeyHandler.HandleRegenerate)
				})
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}

// MetricsRouter serves the Prometheus registry on the metrics listener.
func MetricsRouter(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", observability.Handler(deps.Registry))
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
