package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/upb/timefly-control-plane/handlers"
	"github.com/upb/timefly-control-plane/middleware"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/services"
	"github.com/upb/timefly-control-plane/services/session"
	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

const (
	// StateCookieName is the cookie name for OAuth state (CSRF)
	StateCookieName   = "oauth_state"
	stateCookieMaxAge = 600
)

// LoginFlow drives the provider consent redirect and callback.
type LoginFlow interface {
	AuthCodeURL(state string) string
	CompleteLogin(ctx context.Context, code string, origin models.RequestOrigin) (*models.User, *session.TokenPair, error)
}

// SessionRotator rotates and revokes refresh tokens.
type SessionRotator interface {
	RotateSession(ctx context.Context, refreshToken string, origin models.RequestOrigin) (*session.TokenPair, error)
	RevokeSession(ctx context.Context, refreshToken string) error
}

// CookieConfig controls the attributes of the session cookies.
type CookieConfig struct {
	Secure   bool
	Domain   string
	SameSite http.SameSite
}

// Config configures the auth handler
type Config struct {
	Cookies     CookieConfig
	FrontendURL string
}

// RefreshResponse is the body of a successful POST /api/auth/refresh
type RefreshResponse struct {
	OK                    bool      `json:"ok"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

// Handler handles OAuth2 login and the session cookie lifecycle (login,
// callback, refresh, logout).
type Handler struct {
	cfg      Config
	login    LoginFlow
	sessions SessionRotator
	proxies  *utils.TrustedProxies
	logger   *zap.Logger
}

// NewHandler creates a new auth handler. login may be nil when no OAuth
// provider is configured.
func NewHandler(cfg Config, login LoginFlow, sessions SessionRotator, proxies *utils.TrustedProxies, logger *zap.Logger) *Handler {
	if cfg.Cookies.SameSite == 0 {
		cfg.Cookies.SameSite = http.SameSiteLaxMode
	}
	if cfg.FrontendURL == "" {
		cfg.FrontendURL = "/"
	}
	return &Handler{
		cfg:      cfg,
		login:    login,
		sessions: sessions,
		proxies:  proxies,
		logger:   logger,
	}
}

// HandleLogin redirects to the Google consent screen
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if h.login == nil {
		h.logger.Error("oauth provider not configured")
		_ = utils.WriteInternalServerError(w, "Authentication not configured")
		return
	}

	state, err := generateSecureState()
	if err != nil {
		h.logger.Error("failed to generate state", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to initiate login")
		return
	}

	// Lax so the cookie survives the top-level redirect back from the provider.
	h.setCookie(w, StateCookieName, state, stateCookieMaxAge, http.SameSiteLaxMode)
	http.Redirect(w, r, h.login.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback verifies state, completes the login and sets the session
// cookies before redirecting to the frontend.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Warn("oauth provider returned an error", zap.String("error", providerErr))
		_ = utils.WriteBadRequest(w, "Authentication was not completed", nil)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" {
		_ = utils.WriteBadRequest(w, "Missing authorization code", nil)
		return
	}
	if state == "" {
		_ = utils.WriteBadRequest(w, "Missing state parameter", nil)
		return
	}

	stateCookie, err := r.Cookie(StateCookieName)
	if err != nil || stateCookie.Value != state {
		_ = utils.WriteBadRequest(w, "Invalid or expired state", nil)
		return
	}
	h.setCookie(w, StateCookieName, "", -1, http.SameSiteLaxMode)

	if h.login == nil {
		h.logger.Error("oauth provider not configured")
		_ = utils.WriteInternalServerError(w, "Authentication not configured")
		return
	}

	_, pair, err := h.login.CompleteLogin(r.Context(), code, h.origin(r))
	if err != nil {
		handlers.HandleServiceError(w, err, h.logger)
		return
	}

	h.setSessionCookies(w, pair)
	http.Redirect(w, r, h.cfg.FrontendURL, http.StatusFound)
}

// HandleRefresh rotates the refresh_token cookie into a new token pair.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var refreshToken string
	if c, err := r.Cookie(middleware.RefreshTokenCookie); err == nil {
		refreshToken = c.Value
	}
	if refreshToken == "" {
		handlers.HandleServiceError(w, services.ErrMissingCredential, h.logger)
		return
	}

	pair, err := h.sessions.RotateSession(r.Context(), refreshToken, h.origin(r))
	if err != nil {
		if services.IsCredentialError(err) {
			h.clearSessionCookies(w)
		}
		handlers.HandleServiceError(w, err, h.logger)
		return
	}

	h.setSessionCookies(w, pair)
	_ = utils.WriteOK(w, RefreshResponse{
		OK:                    true,
		AccessTokenExpiresAt:  pair.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: pair.RefreshTokenExpiresAt,
	})
}

// HandleLogout revokes the presented refresh token, clears both cookies and
// redirects to the frontend. Calling it without a session is not an error.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(middleware.RefreshTokenCookie); err == nil && c.Value != "" {
		if err := h.sessions.RevokeSession(r.Context(), c.Value); err != nil {
			h.logger.Error("failed to revoke session on logout", zap.Error(err))
		}
	}

	h.clearSessionCookies(w)
	http.Redirect(w, r, h.cfg.FrontendURL, http.StatusFound)
}

func (h *Handler) origin(r *http.Request) models.RequestOrigin {
	return models.RequestOrigin{
		UserAgent: r.UserAgent(),
		IPAddress: h.proxies.ClientIP(r),
	}
}

func (h *Handler) setSessionCookies(w http.ResponseWriter, pair *session.TokenPair) {
	now := time.Now()
	h.setCookie(w, middleware.AccessTokenCookie, pair.AccessToken,
		maxAge(pair.AccessTokenExpiresAt, now), h.cfg.Cookies.SameSite)
	h.setCookie(w, middleware.RefreshTokenCookie, pair.RefreshToken,
		maxAge(pair.RefreshTokenExpiresAt, now), h.cfg.Cookies.SameSite)
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	h.setCookie(w, middleware.AccessTokenCookie, "", -1, h.cfg.Cookies.SameSite)
	h.setCookie(w, middleware.RefreshTokenCookie, "", -1, h.cfg.Cookies.SameSite)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, age int, sameSite http.SameSite) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cfg.Cookies.Domain,
		MaxAge:   age,
		HttpOnly: true,
		Secure:   h.cfg.Cookies.Secure,
		SameSite: sameSite,
	})
}

func maxAge(expiresAt, now time.Time) int {
	secs := int(expiresAt.Sub(now) / time.Second)
	if secs <= 0 {
		return -1
	}
	return secs
}

func generateSecureState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
