package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
	"go.uber.org/zap"
)

// UserRepository implements the repositories.UserRepository interface
type UserRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB, logger *zap.Logger) repositories.UserRepository {
	return &UserRepository{
		db:     db,
		logger: logger,
	}
}

const userColumns = `id, uuid, email, COALESCE(name, ''), COALESCE(avatar_url, ''), provider, provider_user_id, created_at, updated_at, deleted_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID,
		&user.UUID,
		&user.Email,
		&user.Name,
		&user.AvatarURL,
		&user.Provider,
		&user.ProviderUserID,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
	)
	return user, err
}

// GetByUUID retrieves an active user by identity
func (r *UserRepository) GetByUUID(ctx context.Context, identity uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE uuid = $1 AND deleted_at IS NULL`

	user, err := scanUser(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, identity))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpsertFromOAuth creates the user on first sign-in and refreshes the profile
// fields on later ones. A soft-deleted account is not resurrected.
func (r *UserRepository) UpsertFromOAuth(ctx context.Context, profile *models.OAuthProfile) (*models.User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user uuid: %w", err)
	}

	query := `
		INSERT INTO users (uuid, email, name, avatar_url, provider, provider_user_id)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		ON CONFLICT (provider, provider_user_id) DO UPDATE
		SET email = EXCLUDED.email,
		    name = EXCLUDED.name,
		    avatar_url = EXCLUDED.avatar_url,
		    updated_at = CURRENT_TIMESTAMP
		WHERE users.deleted_at IS NULL
		RETURNING ` + userColumns

	user, err := scanUser(GetExecutor(ctx, r.db).QueryRowContext(ctx, query,
		id,
		profile.Email,
		profile.Name,
		profile.AvatarURL,
		profile.Provider,
		profile.ProviderUserID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// conflict with a deleted account
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	r.logger.Debug("user upserted from oauth",
		zap.String("user_uuid", user.UUID.String()),
		zap.String("provider", string(profile.Provider)))

	return user, nil
}

// LockByUUID locks the user row until the enclosing transaction ends
func (r *UserRepository) LockByUUID(ctx context.Context, identity uuid.UUID) (int64, error) {
	query := `SELECT id FROM users WHERE uuid = $1 AND deleted_at IS NULL FOR UPDATE`

	var id int64
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, identity).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, repositories.ErrNotFound
		}
		return 0, fmt.Errorf("failed to lock user: %w", err)
	}
	return id, nil
}
