package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
)

// RefreshTokenRepository implements repositories.RefreshTokenRepository
type RefreshTokenRepository struct {
	s *Store
}

func (r *RefreshTokenRepository) snapshot(rt *models.RefreshToken) *models.RefreshToken {
	cp := *rt
	cp.RevokedAt = copyTime(rt.RevokedAt)
	cp.LastUsedAt = copyTime(rt.LastUsedAt)
	if u, ok := r.s.users[rt.UserID]; ok {
		cp.Identity = u.UUID
	}
	return &cp
}

func (r *RefreshTokenRepository) byHashLocked(tokenHash string) *models.RefreshToken {
	for _, rt := range r.s.refreshTokens {
		if rt.TokenHash == tokenHash {
			return rt
		}
	}
	return nil
}

func (r *RefreshTokenRepository) ownedLocked(identity, tokenUUID uuid.UUID) *models.RefreshToken {
	u := r.s.userByUUIDLocked(identity)
	if u == nil || u.IsDeleted() {
		return nil
	}
	for _, rt := range r.s.refreshTokens {
		if rt.UUID == tokenUUID && rt.UserID == u.ID {
			return rt
		}
	}
	return nil
}

// Create inserts a new refresh token
func (r *RefreshTokenRepository) Create(_ context.Context, rt *models.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.activeUserLocked(rt.UserID) == nil {
		return repositories.ErrNotFound
	}
	r.s.nextID++
	rt.ID = r.s.nextID
	stored := *rt
	r.s.refreshTokens[rt.ID] = &stored
	return nil
}

// FindByHash returns the token regardless of state
func (r *RefreshTokenRepository) FindByHash(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rt := r.byHashLocked(tokenHash)
	if rt == nil {
		return nil, repositories.ErrNotFound
	}
	return r.snapshot(rt), nil
}

// FindActiveByHash returns the token only while it is usable
func (r *RefreshTokenRepository) FindActiveByHash(_ context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rt := r.byHashLocked(tokenHash)
	if rt == nil || !rt.IsActive(now) || r.s.activeUserLocked(rt.UserID) == nil {
		return nil, repositories.ErrNotFound
	}
	return r.snapshot(rt), nil
}

// ListActiveByUser returns active tokens oldest first
func (r *RefreshTokenRepository) ListActiveByUser(_ context.Context, userID int64, now time.Time) ([]*models.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*models.RefreshToken
	for _, rt := range r.s.refreshTokens {
		if rt.UserID == userID && rt.IsActive(now) {
			out = append(out, r.snapshot(rt))
		}
	}
	sortRefreshTokens(out, true)
	return out, nil
}

// ListByIdentity returns the identity's tokens newest first
func (r *RefreshTokenRepository) ListByIdentity(_ context.Context, identity uuid.UUID, activeOnly bool, now time.Time) ([]*models.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u := r.s.userByUUIDLocked(identity)
	if u == nil || u.IsDeleted() {
		return nil, nil
	}
	var out []*models.RefreshToken
	for _, rt := range r.s.refreshTokens {
		if rt.UserID != u.ID || (activeOnly && !rt.IsActive(now)) {
			continue
		}
		out = append(out, r.snapshot(rt))
	}
	sortRefreshTokens(out, false)
	return out, nil
}

// GetByUUID returns a single token owned by identity
func (r *RefreshTokenRepository) GetByUUID(_ context.Context, identity, tokenUUID uuid.UUID) (*models.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rt := r.ownedLocked(identity, tokenUUID)
	if rt == nil {
		return nil, repositories.ErrNotFound
	}
	return r.snapshot(rt), nil
}

// ConsumeActive revokes the token if it is still active
func (r *RefreshTokenRepository) ConsumeActive(_ context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rt := r.byHashLocked(tokenHash)
	if rt == nil || !rt.IsActive(now) || r.s.activeUserLocked(rt.UserID) == nil {
		return nil, repositories.ErrNotFound
	}
	at := now
	rt.RevokedAt = &at
	rt.LastUsedAt = &at
	return r.snapshot(rt), nil
}

// RevokeByHash revokes the token if it is not already revoked
func (r *RefreshTokenRepository) RevokeByHash(_ context.Context, tokenHash string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if rt := r.byHashLocked(tokenHash); rt != nil && rt.RevokedAt == nil {
		at := now
		rt.RevokedAt = &at
	}
	return nil
}

// RevokeByUUIDs revokes the given tokens
func (r *RefreshTokenRepository) RevokeByUUIDs(_ context.Context, tokenUUIDs []uuid.UUID, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	want := make(map[uuid.UUID]struct{}, len(tokenUUIDs))
	for _, id := range tokenUUIDs {
		want[id] = struct{}{}
	}
	var n int64
	for _, rt := range r.s.refreshTokens {
		if _, ok := want[rt.UUID]; ok && rt.RevokedAt == nil {
			at := now
			rt.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

// RevokeByUUID revokes one token owned by identity
func (r *RefreshTokenRepository) RevokeByUUID(_ context.Context, identity, tokenUUID uuid.UUID, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rt := r.ownedLocked(identity, tokenUUID)
	if rt == nil || rt.RevokedAt != nil {
		return false, nil
	}
	at := now
	rt.RevokedAt = &at
	return true, nil
}

// RevokeAllByIdentity revokes every active token of identity
func (r *RefreshTokenRepository) RevokeAllByIdentity(_ context.Context, identity uuid.UUID, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u := r.s.userByUUIDLocked(identity)
	if u == nil {
		return 0, nil
	}
	var n int64
	for _, rt := range r.s.refreshTokens {
		if rt.UserID == u.ID && rt.IsActive(now) {
			at := now
			rt.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

// Touch records a successful use of the token
func (r *RefreshTokenRepository) Touch(_ context.Context, tokenHash string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if rt := r.byHashLocked(tokenHash); rt != nil {
		at := now
		rt.LastUsedAt = &at
	}
	return nil
}

// DeleteStale removes tokens expired or revoked before cutoff
func (r *RefreshTokenRepository) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, rt := range r.s.refreshTokens {
		if rt.ExpiresAt.Before(cutoff) || (rt.RevokedAt != nil && rt.RevokedAt.Before(cutoff)) {
			delete(r.s.refreshTokens, id)
			n++
		}
	}
	return n, nil
}
