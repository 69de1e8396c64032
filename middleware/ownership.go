package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/services"
	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

// CheckOwnership fails with ErrOwnershipViolation unless the caller is owner.
// Unparseable owners never match.
func CheckOwnership(ac *AuthContext, owner string) error {
	if !ac.Authenticated() {
		return services.ErrMissingCredential
	}
	id, err := uuid.Parse(owner)
	if err != nil || id != ac.Identity {
		return services.ErrOwnershipViolation
	}
	return nil
}

// RequireOwnership rejects requests whose param path segment names another
// identity. The check runs before any handler, so a foreign resource is
// refused whether or not it exists.
func RequireOwnership(param string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := GetAuthContext(r.Context())
			owner := chi.URLParam(r, param)

			if err := CheckOwnership(ac, owner); err != nil {
				if services.IsOwnershipViolationError(err) {
					logger.Warn("ownership violation",
						zap.String("request_id", GetRequestIDFromContext(r.Context())),
						zap.String("identity", ac.Identity.String()),
						zap.String("target", owner))
					_ = utils.WriteForbidden(w, "You cannot access resources of another user")
					return
				}
				_ = utils.WriteUnauthorized(w, services.GenericCredentialMessage)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
