package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
)

// ErrNotFound is returned by every repository when the addressed row does not
// exist or is not visible (deleted user, other owner).
var ErrNotFound = errors.New("record not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes fn within a transaction. Repository calls made
	// with the ctx passed to fn run inside that transaction.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// UserRepository handles user data operations
type UserRepository interface {
	// GetByUUID retrieves an active user by identity
	GetByUUID(ctx context.Context, identity uuid.UUID) (*models.User, error)

	// UpsertFromOAuth creates or refreshes the user matching provider + provider user id
	UpsertFromOAuth(ctx context.Context, profile *models.OAuthProfile) (*models.User, error)

	// LockByUUID takes a row lock on the active user for the lifetime of the
	// enclosing transaction and returns the internal id.
	LockByUUID(ctx context.Context, identity uuid.UUID) (int64, error)
}

// RefreshTokenRepository is the durable store for sessions. Tokens are
// addressed by the SHA-256 hash of their value.
type RefreshTokenRepository interface {
	// Create inserts a new refresh token for rt.UserID
	Create(ctx context.Context, rt *models.RefreshToken) error

	// FindByHash returns the token regardless of state
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)

	// FindActiveByHash returns the token only if it is unrevoked, unexpired and
	// owned by an active user
	FindActiveByHash(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error)

	// ListActiveByUser returns the user's active tokens oldest first
	ListActiveByUser(ctx context.Context, userID int64, now time.Time) ([]*models.RefreshToken, error)

	// ListByIdentity returns the identity's tokens newest first
	ListByIdentity(ctx context.Context, identity uuid.UUID, activeOnly bool, now time.Time) ([]*models.RefreshToken, error)

	// GetByUUID returns a single token owned by identity
	GetByUUID(ctx context.Context, identity, tokenUUID uuid.UUID) (*models.RefreshToken, error)

	// ConsumeActive revokes the token if and only if it is still active and
	// returns it. Exactly one concurrent caller observes success; the others
	// get ErrNotFound.
	ConsumeActive(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error)

	// RevokeByHash revokes the token if it is not already revoked. Idempotent.
	RevokeByHash(ctx context.Context, tokenHash string, now time.Time) error

	// RevokeByUUIDs revokes the given tokens
	RevokeByUUIDs(ctx context.Context, tokenUUIDs []uuid.UUID, now time.Time) (int64, error)

	// RevokeByUUID revokes one token owned by identity, reporting whether it changed
	RevokeByUUID(ctx context.Context, identity, tokenUUID uuid.UUID, now time.Time) (bool, error)

	// RevokeAllByIdentity revokes every active token of identity
	RevokeAllByIdentity(ctx context.Context, identity uuid.UUID, now time.Time) (int64, error)

	// Touch records a successful use of the token
	Touch(ctx context.Context, tokenHash string, now time.Time) error

	// DeleteStale removes tokens expired or revoked before the cutoff
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// APIKeyRepository is the durable store for API keys.
type APIKeyRepository interface {
	// Create inserts a new key for key.UserID
	Create(ctx context.Context, key *models.APIKey) error

	// CountActiveByUser counts the user's unrevoked keys
	CountActiveByUser(ctx context.Context, userID int64) (int, error)

	// ListCandidates returns unrevoked keys of active users. An empty prefix
	// returns every such key.
	ListCandidates(ctx context.Context, prefix string) ([]*models.APIKeyCandidate, error)

	// ListByIdentity returns the identity's keys newest first
	ListByIdentity(ctx context.Context, identity uuid.UUID, activeOnly bool) ([]*models.APIKey, error)

	// GetByUUID returns a single key owned by identity
	GetByUUID(ctx context.Context, identity, keyUUID uuid.UUID) (*models.APIKey, error)

	// Revoke revokes one key owned by identity, reporting whether it changed
	Revoke(ctx context.Context, identity, keyUUID uuid.UUID, now time.Time) (bool, error)

	// RevokeAll revokes every active key of identity
	RevokeAll(ctx context.Context, identity uuid.UUID, now time.Time) (int64, error)

	// TouchLastUsed records a successful authentication
	TouchLastUsed(ctx context.Context, keyID int64, now time.Time) error
}

// PlanRepository reads the active_user_plan view.
type PlanRepository interface {
	// GetActiveUserPlan returns ErrNotFound when the identity has no active plan
	GetActiveUserPlan(ctx context.Context, identity uuid.UUID) (*models.UserPlan, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Users         UserRepository
	RefreshTokens RefreshTokenRepository
	APIKeys       APIKeyRepository
	Plans         PlanRepository
}
