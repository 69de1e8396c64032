package config

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Backends for the rate limit windows and the capability cache
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	OAuth         OAuthConfig
	APIKeys       APIKeyConfig
	RateLimit     RateLimitConfig
	Capabilities  CapabilityConfig
	Redis         RedisConfig
	CORS          CORSConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds credential store configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	Driver           string
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	AutoMigrate      bool
}

// AuthConfig holds session token and cookie settings
type AuthConfig struct {
	JWTSecret         string
	Issuer            string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	MaxActiveSessions int
	CookieSecure      bool
	CookieDomain      string
	CookieSameSite    string
}

// OAuthConfig holds the Google OAuth client
type OAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	FrontendURL        string
}

// APIKeyConfig holds API key generation and hashing settings
type APIKeyConfig struct {
	Prefix       string
	LookupMode   string
	DefaultLimit int
	Argon2       Argon2Config
}

// Argon2Config holds argon2id parameters for new keys
type Argon2Config struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// RateLimitConfig holds fixed-window limits
type RateLimitConfig struct {
	Window         time.Duration
	GlobalLimit    int
	RefreshLimit   int
	Backend        string
	TrustedProxies []string
}

// CapabilityConfig holds the capability cache settings
type CapabilityConfig struct {
	TTL        time.Duration
	MaxEntries int
	Backend    string
}

// RedisConfig holds the shared Redis connection
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

// CORSConfig holds the browser origins allowed to call the API with credentials
type CORSConfig struct {
	AllowedOrigins []string
}

// MaintenanceConfig holds the cron schedules of the background sweeps
type MaintenanceConfig struct {
	Enabled        bool
	SweepSchedule  string
	PurgeSchedule  string
	TokenRetention time.Duration
	JobTimeout     time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
	MetricsPort    int
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Auth: AuthConfig{
			JWTSecret:         getEnv("JWT_SECRET", ""),
			Issuer:            getEnv("JWT_ISSUER", "TimeFlyAPI"),
			AccessTokenTTL:    getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:   getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
			MaxActiveSessions: getEnvAsInt("MAX_ACTIVE_SESSIONS", 5),
			CookieDomain:      getEnv("COOKIE_DOMAIN", ""),
			CookieSameSite:    getEnv("COOKIE_SAMESITE", "lax"),
		},
		OAuth: OAuthConfig{
			GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URI", "http://localhost:8443/api/auth/google/callback"),
			FrontendURL:        getEnv("FRONTEND_URL", "http://localhost:5173"),
		},
		APIKeys: APIKeyConfig{
			Prefix:       getEnv("API_KEY_PREFIX", "tfk_"),
			LookupMode:   getEnv("API_KEY_LOOKUP_MODE", "prefix"),
			DefaultLimit: getEnvAsInt("API_KEY_DEFAULT_LIMIT", 1),
			Argon2: Argon2Config{
				Memory:      uint32(getEnvAsInt("ARGON2_MEMORY_KIB", 64*1024)),
				Iterations:  uint32(getEnvAsInt("ARGON2_ITERATIONS", 2)),
				Parallelism: uint8(getEnvAsInt("ARGON2_PARALLELISM", 1)),
				SaltLength:  uint32(getEnvAsInt("ARGON2_SALT_LENGTH", 16)),
				KeyLength:   uint32(getEnvAsInt("ARGON2_KEY_LENGTH", 32)),
			},
		},
		RateLimit: RateLimitConfig{
			Window:         getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			GlobalLimit:    getEnvAsInt("RATE_LIMIT_GLOBAL", 100),
			RefreshLimit:   getEnvAsInt("RATE_LIMIT_REFRESH", 5),
			Backend:        getEnv("RATE_LIMIT_BACKEND", BackendMemory),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES", nil),
		},
		Capabilities: CapabilityConfig{
			TTL:        getEnvAsDuration("CAPABILITY_TTL", time.Minute),
			MaxEntries: getEnvAsInt("CAPABILITY_MAX_ENTRIES", 10000),
			Backend:    getEnv("CAPABILITY_BACKEND", BackendMemory),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", ""),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "timefly:"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Maintenance: MaintenanceConfig{
			Enabled:        getEnvAsBool("MAINTENANCE_ENABLED", true),
			SweepSchedule:  getEnv("MAINTENANCE_SWEEP_SCHEDULE", "@every 1m"),
			PurgeSchedule:  getEnv("MAINTENANCE_PURGE_SCHEDULE", "@hourly"),
			TokenRetention: getEnvAsDuration("MAINTENANCE_TOKEN_RETENTION", 7*24*time.Hour),
			JobTimeout:     getEnvAsDuration("MAINTENANCE_JOB_TIMEOUT", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
		},
	}
	cfg.Auth.CookieSecure = getEnvAsBool("COOKIE_SECURE", cfg.IsProduction())

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory database driver is not allowed in production")
		}
	case DriverPostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.Auth.MaxActiveSessions < 1 {
		return fmt.Errorf("max active sessions must be at least 1")
	}
	if _, err := c.Auth.SameSite(); err != nil {
		return err
	}
	if c.IsProduction() {
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("JWT secret of at least 32 bytes is required in production")
		}
		if c.OAuth.GoogleClientID == "" || c.OAuth.GoogleClientSecret == "" {
			return fmt.Errorf("google OAuth client is required in production")
		}
	}

	if c.APIKeys.Prefix == "" {
		return fmt.Errorf("API key prefix is required")
	}

	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.RateLimit.GlobalLimit < 1 || c.RateLimit.RefreshLimit < 1 {
		return fmt.Errorf("rate limits must be at least 1")
	}
	if c.Capabilities.TTL <= 0 {
		return fmt.Errorf("capability TTL must be positive")
	}
	for name, backend := range map[string]string{"rate limit": c.RateLimit.Backend, "capability": c.Capabilities.Backend} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if c.Redis.URL == "" {
				return fmt.Errorf("%s backend redis requires REDIS_URL", name)
			}
		default:
			return fmt.Errorf("unknown %s backend %q", name, backend)
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// SameSite parses the configured cookie SameSite mode
func (c *AuthConfig) SameSite() (http.SameSite, error) {
	switch strings.ToLower(c.CookieSameSite) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("unknown cookie SameSite mode %q", c.CookieSameSite)
	}
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		Driver:          getEnv("DB_DRIVER", DriverPostgres),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", false),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "timefly")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "timefly")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8443)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8443
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
