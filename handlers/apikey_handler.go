package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/middleware"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/services"
	"github.com/upb/timefly-control-plane/services/apikey"
	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

// APIKeyManager creates, lists and revokes API keys
type APIKeyManager interface {
	Authenticate(ctx context.Context, raw string) (*apikey.Authentication, error)
	CreateAPIKey(ctx context.Context, identity uuid.UUID, label, description *string) (*apikey.CreatedAPIKey, error)
	RegenerateAPIKey(ctx context.Context, identity, keyUUID uuid.UUID) (*apikey.CreatedAPIKey, error)
	ListAPIKeys(ctx context.Context, identity uuid.UUID, activeOnly bool) ([]*models.APIKey, error)
	GetAPIKey(ctx context.Context, identity, keyUUID uuid.UUID) (*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, identity, keyUUID uuid.UUID) error
	RevokeAllAPIKeys(ctx context.Context, identity uuid.UUID) (int64, error)
}

// CreateAPIKeyRequest is the body of POST /api-keys
type CreateAPIKeyRequest struct {
	Label       *string `json:"label,omitempty" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
}

// CreatedAPIKeyResponse carries the plaintext key exactly once
type CreatedAPIKeyResponse struct {
	APIKey       string         `json:"apiKey"`
	APIKeyPublic *models.APIKey `json:"apiKeyPublic"`
}

// VerifyResponse is returned by POST /api/api-keys/verify
type VerifyResponse struct {
	Valid      bool      `json:"valid"`
	Identity   uuid.UUID `json:"identity"`
	APIKeyUUID uuid.UUID `json:"apiKeyUuid"`
}

// APIKeyHandler serves /api/users/{uuid}/api-keys and the standalone verify
// endpoint.
type APIKeyHandler struct {
	keys   APIKeyManager
	logger *zap.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler
func NewAPIKeyHandler(keys APIKeyManager, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{keys: keys, logger: logger}
}

// HandleVerify handles POST /api/api-keys/verify. The key comes from the
// X-API-Key header; a key already accepted by the auth stage is not checked
// twice.
func (h *APIKeyHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac.Authenticated() && ac.Method == middleware.AuthMethodAPIKey {
		_ = utils.WriteOK(w, VerifyResponse{Valid: true, Identity: ac.Identity, APIKeyUUID: ac.APIKeyUUID})
		return
	}

	auth, err := h.keys.Authenticate(r.Context(), r.Header.Get(middleware.APIKeyHeader))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, VerifyResponse{Valid: true, Identity: auth.Identity, APIKeyUUID: auth.APIKeyUUID})
}

// HandleList handles GET /api-keys
func (h *APIKeyHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, false)
}

// HandleListActive handles GET /api-keys/active
func (h *APIKeyHandler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, true)
}

func (h *APIKeyHandler) list(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	identity := middleware.GetIdentityFromContext(r.Context())
	keys, err := h.keys.ListAPIKeys(r.Context(), identity, activeOnly)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	_ = utils.WriteOK(w, keys)
}

// HandleGet handles GET /api-keys/{keyUuid}
func (h *APIKeyHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	keyUUID, ok := h.keyUUID(w, r)
	if !ok {
		return
	}
	key, err := h.keys.GetAPIKey(r.Context(), middleware.GetIdentityFromContext(r.Context()), keyUUID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, key)
}

// HandleCreate handles POST /api-keys
func (h *APIKeyHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	created, err := h.keys.CreateAPIKey(r.Context(), middleware.GetIdentityFromContext(r.Context()), req.Label, req.Description)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, CreatedAPIKeyResponse{APIKey: created.PlainKey, APIKeyPublic: created.Key})
}

// HandleRegenerate handles POST /api-keys/{keyUuid}/regenerate
func (h *APIKeyHandler) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	keyUUID, ok := h.keyUUID(w, r)
	if !ok {
		return
	}
	created, err := h.keys.RegenerateAPIKey(r.Context(), middleware.GetIdentityFromContext(r.Context()), keyUUID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, CreatedAPIKeyResponse{APIKey: created.PlainKey, APIKeyPublic: created.Key})
}

// HandleRevoke handles DELETE /api-keys/{keyUuid}
func (h *APIKeyHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	keyUUID, ok := h.keyUUID(w, r)
	if !ok {
		return
	}
	if err := h.keys.RevokeAPIKey(r.Context(), middleware.GetIdentityFromContext(r.Context()), keyUUID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, RevokeResponse{OK: true})
}

// HandleRevokeAll handles DELETE /api-keys
func (h *APIKeyHandler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.keys.RevokeAllAPIKeys(r.Context(), middleware.GetIdentityFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, RevokeResponse{OK: true, Revoked: &n})
}

// keyUUID parses {keyUuid}; a malformed value cannot name an existing key.
func (h *APIKeyHandler) keyUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, "keyUuid"), "keyUuid")
	if err != nil {
		HandleServiceError(w, services.ErrAPIKeyNotFound, h.logger)
		return uuid.Nil, false
	}
	return id, true
}
