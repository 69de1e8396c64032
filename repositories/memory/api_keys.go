package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
)

// APIKeyRepository implements repositories.APIKeyRepository
type APIKeyRepository struct {
	s *Store
}

func (r *APIKeyRepository) snapshot(row *apiKeyRow) *models.APIKey {
	cp := row.APIKey
	cp.LastUsedAt = copyTime(row.LastUsedAt)
	cp.RevokedAt = copyTime(row.RevokedAt)
	if u, ok := r.s.users[row.UserID]; ok {
		cp.Identity = u.UUID
	}
	return &cp
}

func (r *APIKeyRepository) ownedLocked(identity, keyUUID uuid.UUID) *apiKeyRow {
	u := r.s.userByUUIDLocked(identity)
	if u == nil || u.IsDeleted() {
		return nil
	}
	for _, row := range r.s.apiKeys {
		if row.UUID == keyUUID && row.UserID == u.ID {
			return row
		}
	}
	return nil
}

// Create inserts a new key
func (r *APIKeyRepository) Create(_ context.Context, key *models.APIKey) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.activeUserLocked(key.UserID) == nil {
		return repositories.ErrNotFound
	}
	r.s.nextID++
	key.ID = r.s.nextID
	r.s.apiKeys[key.ID] = &apiKeyRow{APIKey: *key}
	return nil
}

// CountActiveByUser counts the user's unrevoked keys
func (r *APIKeyRepository) CountActiveByUser(_ context.Context, userID int64) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, row := range r.s.apiKeys {
		if row.UserID == userID && row.RevokedAt == nil {
			n++
		}
	}
	return n, nil
}

// ListCandidates returns unrevoked keys of active users
func (r *APIKeyRepository) ListCandidates(_ context.Context, prefix string) ([]*models.APIKeyCandidate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*models.APIKeyCandidate
	for _, row := range r.s.apiKeys {
		if row.RevokedAt != nil {
			continue
		}
		if prefix != "" && row.KeyPrefix != prefix {
			continue
		}
		u := r.s.activeUserLocked(row.UserID)
		if u == nil {
			continue
		}
		out = append(out, &models.APIKeyCandidate{
			ID:       row.ID,
			UUID:     row.UUID,
			Identity: u.UUID,
			KeyHash:  row.KeyHash,
		})
	}
	return out, nil
}

// ListByIdentity returns the identity's keys newest first
func (r *APIKeyRepository) ListByIdentity(_ context.Context, identity uuid.UUID, activeOnly bool) ([]*models.APIKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u := r.s.userByUUIDLocked(identity)
	if u == nil || u.IsDeleted() {
		return nil, nil
	}
	var out []*models.APIKey
	for _, row := range r.s.apiKeys {
		if row.UserID != u.ID || (activeOnly && row.RevokedAt != nil) {
			continue
		}
		out = append(out, r.snapshot(row))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// GetByUUID returns a single key owned by identity
func (r *APIKeyRepository) GetByUUID(_ context.Context, identity, keyUUID uuid.UUID) (*models.APIKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row := r.ownedLocked(identity, keyUUID)
	if row == nil {
		return nil, repositories.ErrNotFound
	}
	return r.snapshot(row), nil
}

// Revoke revokes one key owned by identity
func (r *APIKeyRepository) Revoke(_ context.Context, identity, keyUUID uuid.UUID, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row := r.ownedLocked(identity, keyUUID)
	if row == nil || row.RevokedAt != nil {
		return false, nil
	}
	at := now
	row.RevokedAt = &at
	return true, nil
}

// RevokeAll revokes every active key of identity
func (r *APIKeyRepository) RevokeAll(_ context.Context, identity uuid.UUID, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u := r.s.userByUUIDLocked(identity)
	if u == nil {
		return 0, nil
	}
	var n int64
	for _, row := range r.s.apiKeys {
		if row.UserID == u.ID && row.RevokedAt == nil {
			at := now
			row.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

// TouchLastUsed records a successful authentication
func (r *APIKeyRepository) TouchLastUsed(_ context.Context, keyID int64, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if row, ok := r.s.apiKeys[keyID]; ok {
		at := now
		row.LastUsedAt = &at
	}
	return nil
}
