package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/upb/timefly-control-plane/auth"
	"github.com/upb/timefly-control-plane/config"
	"github.com/upb/timefly-control-plane/handlers"
	"github.com/upb/timefly-control-plane/internal/observability"
	"github.com/upb/timefly-control-plane/middleware"
	"github.com/upb/timefly-control-plane/repositories"
	"github.com/upb/timefly-control-plane/repositories/memory"
	"github.com/upb/timefly-control-plane/repositories/postgres"
	"github.com/upb/timefly-control-plane/services/apikey"
	"github.com/upb/timefly-control-plane/services/capability"
	"github.com/upb/timefly-control-plane/services/maintenance"
	"github.com/upb/timefly-control-plane/services/oauth"
	"github.com/upb/timefly-control-plane/services/ratelimit"
	"github.com/upb/timefly-control-plane/services/session"
	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config   *config.Config
	DB       *postgres.DB // nil with the memory driver
	Memory   *memory.Store
	Redis    *redis.Client // nil unless a redis backend is configured
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Services
	Sessions     *session.Service
	APIKeys      *apikey.Service
	Capabilities *capability.Cache
	Limiter      *ratelimit.Limiter
	Login        *oauth.LoginService // nil when Google is not configured
	Sweeper      *maintenance.Sweeper
	Proxies      *utils.TrustedProxies

	// HTTP
	AuthMiddleware *middleware.AuthMiddleware
	Enforcement    *middleware.EnforcementMiddleware
	AuthHandler    *auth.Handler
	SessionHandler *handlers.SessionHandler
	APIKeyHandler  *handlers.APIKeyHandler
	QuotaHandler   *handlers.QuotaHandler
	HealthHandler  *handlers.HealthHandler
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics()

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initRedis(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := deps.initHTTP(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize http layer: %w", err)
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.String("capability_backend", cfg.Capabilities.Backend),
		zap.Bool("oauth_enabled", deps.Login != nil))
	return deps, nil
}

func (d *Dependencies) initMetrics() {
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.Registry)
}

// initDatabase opens the credential store selected by the configured driver
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		d.Memory = memory.NewStore()
		d.Repos = d.Memory.Repositories()
		d.TxManager = d.Memory.TransactionManager()
		d.Logger.Warn("using in-memory credential store; data is lost on restart")
		return nil

	case config.DriverPostgres:
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.DB = factory.GetDB()

		if cfg.Database.AutoMigrate {
			if err := d.DB.RunMigrations(ctx); err != nil {
				_ = d.DB.Close()
				d.DB = nil
				return err
			}
		}

		d.Repos = factory.NewRepositories()
		d.TxManager = factory.GetTransactionManager()
		return nil

	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// initRedis connects when either backend needs it
func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) error {
	if cfg.RateLimit.Backend != config.BackendRedis && cfg.Capabilities.Backend != config.BackendRedis {
		return nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}
	d.Redis = client
	d.Logger.Info("redis connection established", zap.String("addr", opts.Addr))
	return nil
}

func (d *Dependencies) initServices(cfg *config.Config) error {
	proxies, err := utils.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return err
	}
	d.Proxies = proxies

	secret, err := d.jwtSecret(cfg)
	if err != nil {
		return err
	}
	issuer := session.NewTokenIssuer(secret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL, nil)
	d.Sessions = session.NewService(d.Repos, d.TxManager, issuer, session.Config{
		RefreshTokenTTL:   cfg.Auth.RefreshTokenTTL,
		MaxActiveSessions: cfg.Auth.MaxActiveSessions,
	}, d.Logger, session.WithMetrics(d.Metrics))

	var capStore capability.Store
	if cfg.Capabilities.Backend == config.BackendRedis {
		capStore = capability.NewRedisStore(d.Redis, cfg.Redis.KeyPrefix+"caps:", cfg.Capabilities.TTL)
	} else {
		capStore = capability.NewMemoryStore(cfg.Capabilities.MaxEntries, cfg.Capabilities.TTL)
	}
	d.Capabilities = capability.NewCache(capStore, capability.NewPlanService(d.Repos.Plans, d.Logger),
		cfg.Capabilities.TTL, d.Logger, capability.WithMetrics(d.Metrics))

	lookupMode, err := apikey.ParseLookupMode(cfg.APIKeys.LookupMode)
	if err != nil {
		return err
	}
	d.APIKeys = apikey.NewService(d.Repos, d.TxManager, d.Capabilities, apikey.Config{
		KeyPrefix:    cfg.APIKeys.Prefix,
		LookupMode:   lookupMode,
		DefaultLimit: cfg.APIKeys.DefaultLimit,
		Params: apikey.Params{
			Memory:      cfg.APIKeys.Argon2.Memory,
			Iterations:  cfg.APIKeys.Argon2.Iterations,
			Parallelism: cfg.APIKeys.Argon2.Parallelism,
			SaltLength:  cfg.APIKeys.Argon2.SaltLength,
			KeyLength:   cfg.APIKeys.Argon2.KeyLength,
		},
	}, d.Logger, apikey.WithMetrics(d.Metrics))

	var windows ratelimit.Store
	if cfg.RateLimit.Backend == config.BackendRedis {
		windows = ratelimit.NewRedisStore(d.Redis, cfg.Redis.KeyPrefix+"rl:")
	} else {
		windows = ratelimit.NewMemoryStore()
	}
	d.Limiter = ratelimit.NewLimiter(windows, cfg.RateLimit.Window, d.Logger, ratelimit.WithMetrics(d.Metrics))

	provider, err := oauth.NewGoogleProvider(oauth.GoogleConfig{
		ClientID:     cfg.OAuth.GoogleClientID,
		ClientSecret: cfg.OAuth.GoogleClientSecret,
		RedirectURL:  cfg.OAuth.GoogleRedirectURL,
	})
	switch {
	case errors.Is(err, oauth.ErrNotConfigured):
		d.Logger.Warn("google oauth not configured, login endpoints disabled")
	case err != nil:
		return err
	default:
		d.Login = oauth.NewLoginService(provider, d.Repos.Users, d.Sessions, d.Logger)
	}

	if cfg.Maintenance.Enabled {
		sweeper, err := maintenance.NewSweeper(maintenance.Config{
			SweepSchedule:  cfg.Maintenance.SweepSchedule,
			PurgeSchedule:  cfg.Maintenance.PurgeSchedule,
			TokenRetention: cfg.Maintenance.TokenRetention,
			JobTimeout:     cfg.Maintenance.JobTimeout,
		}, d.Limiter, d.Capabilities, d.Sessions, d.Metrics, d.Logger)
		if err != nil {
			return err
		}
		d.Sweeper = sweeper
	}

	d.Logger.Info("services initialized")
	return nil
}

// jwtSecret returns the configured signing secret. Outside production a
// missing secret is replaced by a random one, which invalidates access tokens
// on every restart.
func (d *Dependencies) jwtSecret(cfg *config.Config) ([]byte, error) {
	if cfg.Auth.JWTSecret != "" {
		return []byte(cfg.Auth.JWTSecret), nil
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("JWT secret is required in production")
	}
	d.Logger.Warn("JWT_SECRET not set, using an ephemeral signing secret")
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	return secret, nil
}

func (d *Dependencies) initHTTP(cfg *config.Config) error {
	sameSite, err := cfg.Auth.SameSite()
	if err != nil {
		return err
	}

	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Sessions, d.APIKeys, d.Proxies, d.Metrics, d.Logger)
	d.Enforcement = middleware.NewEnforcementMiddleware(d.Capabilities, d.Limiter, d.Logger)

	// A nil *LoginService must reach the handler as a nil interface.
	var login auth.LoginFlow
	if d.Login != nil {
		login = d.Login
	}
	d.AuthHandler = auth.NewHandler(auth.Config{
		Cookies: auth.CookieConfig{
			Secure:   cfg.Auth.CookieSecure,
			Domain:   cfg.Auth.CookieDomain,
			SameSite: sameSite,
		},
		FrontendURL: cfg.OAuth.FrontendURL,
	}, login, d.Sessions, d.Proxies, d.Logger)

	d.SessionHandler = handlers.NewSessionHandler(d.Sessions, d.Logger)
	d.APIKeyHandler = handlers.NewAPIKeyHandler(d.APIKeys, d.Logger)
	d.QuotaHandler = handlers.NewQuotaHandler(d.Limiter, d.Capabilities, cfg.RateLimit.GlobalLimit, d.Logger)

	// Interfaces stay nil rather than holding typed nil pointers.
	var db handlers.DBHealthChecker
	if d.DB != nil {
		db = d.DB
	}
	var rdb handlers.RedisPinger
	if d.Redis != nil {
		rdb = d.Redis
	}
	d.HealthHandler = handlers.NewHealthHandler(db, rdb, d.Logger)
	return nil
}

// Close stops background work and releases connections. Pending API key
// last-used updates are drained before the database closes.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Sweeper != nil {
		if err := d.Sweeper.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop sweeper: %w", err))
		}
	}

	if d.APIKeys != nil {
		if err := d.APIKeys.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain API key updates: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		} else {
			d.Logger.Info("redis connection closed")
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
