package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/middleware"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/services"
	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

// SessionManager lists and revokes an identity's sessions
type SessionManager interface {
	ListSessions(ctx context.Context, identity uuid.UUID, activeOnly bool) ([]*models.RefreshToken, error)
	GetSession(ctx context.Context, identity, sessionUUID uuid.UUID) (*models.RefreshToken, error)
	RevokeSessionByUUID(ctx context.Context, identity, sessionUUID uuid.UUID) error
	RevokeAllSessions(ctx context.Context, identity uuid.UUID) (int64, error)
}

// RevokeResponse is returned by revocation endpoints
type RevokeResponse struct {
	OK      bool   `json:"ok"`
	Revoked *int64 `json:"revoked,omitempty"`
}

// SessionHandler serves /api/users/{uuid}/sessions. Ownership of {uuid} is
// enforced by middleware before these handlers run.
type SessionHandler struct {
	sessions SessionManager
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(sessions SessionManager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

// HandleList handles GET /sessions
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, false)
}

// HandleListActive handles GET /sessions/active
func (h *SessionHandler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, true)
}

func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	identity := middleware.GetIdentityFromContext(r.Context())
	list, err := h.sessions.ListSessions(r.Context(), identity, activeOnly)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if list == nil {
		list = []*models.RefreshToken{}
	}
	_ = utils.WriteOK(w, list)
}

// HandleGet handles GET /sessions/{sessionUuid}
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sessionUUID, err := utils.ParseUUID(chi.URLParam(r, "sessionUuid"), "sessionUuid")
	if err != nil {
		HandleServiceError(w, services.ErrSessionNotFound, h.logger)
		return
	}

	identity := middleware.GetIdentityFromContext(r.Context())
	rt, err := h.sessions.GetSession(r.Context(), identity, sessionUUID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, rt)
}

// HandleRevoke handles DELETE /sessions/{sessionUuid}
func (h *SessionHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	sessionUUID, err := utils.ParseUUID(chi.URLParam(r, "sessionUuid"), "sessionUuid")
	if err != nil {
		HandleServiceError(w, services.ErrSessionNotFound, h.logger)
		return
	}

	identity := middleware.GetIdentityFromContext(r.Context())
	if err := h.sessions.RevokeSessionByUUID(r.Context(), identity, sessionUUID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, RevokeResponse{OK: true})
}

// HandleRevokeAll handles DELETE /sessions
func (h *SessionHandler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentityFromContext(r.Context())
	n, err := h.sessions.RevokeAllSessions(r.Context(), identity)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, RevokeResponse{OK: true, Revoked: &n})
}
