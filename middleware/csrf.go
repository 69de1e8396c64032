package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

// CSRF double-submit names
const (
	CSRFCookie = "csrf_token"
	CSRFHeader = "X-CSRF-Token"
)

// CSRFConfig configures the double-submit check
type CSRFConfig struct {
	Secure   bool
	Domain   string
	SameSite http.SameSite
	// Exempt lists "METHOD /path" pairs called by non-browser clients.
	Exempt []string
}

// CSRF issues a readable csrf_token cookie and, on unsafe methods from
// cookie-authenticated callers, requires X-CSRF-Token to match it. Requests
// authenticated by API key carry no ambient credentials and are not checked.
func CSRF(cfg CSRFConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, e := range cfg.Exempt {
		exempt[e] = struct{}{}
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteLaxMode
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exempt[r.Method+" "+r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			token := cookieValue(r, CSRFCookie)
			if token == "" {
				var err error
				token, err = newCSRFToken()
				if err != nil {
					logger.Error("failed to generate csrf token", zap.Error(err))
					_ = utils.WriteInternalServerError(w, "")
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     CSRFCookie,
					Value:    token,
					Path:     "/",
					Domain:   cfg.Domain,
					Secure:   cfg.Secure,
					HttpOnly: false,
					SameSite: cfg.SameSite,
				})
			}

			if isSafeMethod(r.Method) || !usesCookieAuth(r) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get(CSRFHeader)
			if header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(token)) != 1 {
				logger.Warn("csrf check failed",
					zap.String("request_id", GetRequestIDFromContext(r.Context())),
					zap.String("path", r.URL.Path),
					zap.Bool("header_present", header != ""))
				_ = utils.WriteForbidden(w, "CSRF token missing or invalid")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// usesCookieAuth reports whether the browser attached session cookies and the
// request is not authenticated by API key.
func usesCookieAuth(r *http.Request) bool {
	if GetAuthContext(r.Context()).Method == AuthMethodAPIKey {
		return false
	}
	return cookieValue(r, AccessTokenCookie) != "" || cookieValue(r, RefreshTokenCookie) != ""
}

func newCSRFToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
