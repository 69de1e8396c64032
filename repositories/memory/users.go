package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
)

// UserRepository implements repositories.UserRepository
type UserRepository struct {
	s *Store
}

// GetByUUID retrieves an active user by identity
func (r *UserRepository) GetByUUID(_ context.Context, identity uuid.UUID) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u := r.s.userByUUIDLocked(identity)
	if u == nil || u.IsDeleted() {
		return nil, repositories.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// UpsertFromOAuth creates or refreshes the user for the provider account
func (r *UserRepository) UpsertFromOAuth(_ context.Context, profile *models.OAuthProfile) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, u := range r.s.users {
		if u.Provider == profile.Provider && u.ProviderUserID == profile.ProviderUserID {
			if u.IsDeleted() {
				return nil, repositories.ErrNotFound
			}
			u.Email = profile.Email
			u.Name = profile.Name
			u.AvatarURL = profile.AvatarURL
			u.UpdatedAt = time.Now().UTC()
			cp := *u
			return &cp, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return r.s.addUserLocked(&models.User{
		UUID:           id,
		Email:          profile.Email,
		Name:           profile.Name,
		AvatarURL:      profile.AvatarURL,
		Provider:       profile.Provider,
		ProviderUserID: profile.ProviderUserID,
	}), nil
}

// LockByUUID returns the internal id. Mutual exclusion comes from the
// store-wide transaction lock held by the caller.
func (r *UserRepository) LockByUUID(_ context.Context, identity uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u := r.s.userByUUIDLocked(identity)
	if u == nil || u.IsDeleted() {
		return 0, repositories.ErrNotFound
	}
	return u.ID, nil
}

// PlanRepository implements repositories.PlanRepository
type PlanRepository struct {
	s *Store
}

// GetActiveUserPlan returns the plan assigned with SetPlan
func (r *PlanRepository) GetActiveUserPlan(_ context.Context, identity uuid.UUID) (*models.UserPlan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.plans[identity]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *p
	return &cp, nil
}
