package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
	"go.uber.org/zap"
)

// APIKeyRepository implements the repositories.APIKeyRepository interface
type APIKeyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(db *DB, logger *zap.Logger) repositories.APIKeyRepository {
	return &APIKeyRepository{
		db:     db,
		logger: logger,
	}
}

const apiKeyColumns = `k.id, k.uuid, k.user_id, u.uuid, k.api_key_hash, k.key_prefix, k.label, k.description, k.created_at, k.last_used_at, k.revoked_at`

func scanAPIKey(row interface{ Scan(...interface{}) error }) (*models.APIKey, error) {
	key := &models.APIKey{}
	err := row.Scan(
		&key.ID,
		&key.UUID,
		&key.UserID,
		&key.Identity,
		&key.KeyHash,
		&key.KeyPrefix,
		&key.Label,
		&key.Description,
		&key.CreatedAt,
		&key.LastUsedAt,
		&key.RevokedAt,
	)
	return key, err
}

// Create inserts a new key
func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	query := `
		INSERT INTO api_keys (uuid, user_id, api_key_hash, key_prefix, label, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query,
		key.UUID,
		key.UserID,
		key.KeyHash,
		key.KeyPrefix,
		key.Label,
		key.Description,
		key.CreatedAt,
	).Scan(&key.ID)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	r.logger.Debug("api key created", zap.String("api_key_uuid", key.UUID.String()))
	return nil
}

// CountActiveByUser counts the user's unrevoked keys
func (r *APIKeyRepository) CountActiveByUser(ctx context.Context, userID int64) (int, error) {
	query := `SELECT COUNT(*) FROM api_keys WHERE user_id = $1 AND revoked_at IS NULL AND deleted_at IS NULL`

	var count int
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count api keys: %w", err)
	}
	return count, nil
}

// ListCandidates returns unrevoked keys of active users, optionally narrowed by prefix
func (r *APIKeyRepository) ListCandidates(ctx context.Context, prefix string) ([]*models.APIKeyCandidate, error) {
	query := `
		SELECT k.id, k.uuid, u.uuid, k.api_key_hash
		FROM api_keys k
		JOIN users u ON u.id = k.user_id AND u.deleted_at IS NULL
		WHERE k.revoked_at IS NULL AND k.deleted_at IS NULL
	`
	var args []interface{}
	if prefix != "" {
		query += ` AND k.key_prefix = $1`
		args = append(args, prefix)
	}

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list api key candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*models.APIKeyCandidate
	for rows.Next() {
		c := &models.APIKeyCandidate{}
		if err := rows.Scan(&c.ID, &c.UUID, &c.Identity, &c.KeyHash); err != nil {
			return nil, fmt.Errorf("failed to scan api key candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api key candidates: %w", err)
	}
	return candidates, nil
}

// ListByIdentity returns the identity's keys newest first
func (r *APIKeyRepository) ListByIdentity(ctx context.Context, identity uuid.UUID, activeOnly bool) ([]*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys k
		JOIN users u ON u.id = k.user_id AND u.deleted_at IS NULL
		WHERE u.uuid = $1 AND k.deleted_at IS NULL
	`
	if activeOnly {
		query += ` AND k.revoked_at IS NULL`
	}
	query += ` ORDER BY k.created_at DESC, k.id DESC`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api keys: %w", err)
	}
	return keys, nil
}

// GetByUUID returns a single key owned by identity
func (r *APIKeyRepository) GetByUUID(ctx context.Context, identity, keyUUID uuid.UUID) (*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys k
		JOIN users u ON u.id = k.user_id AND u.deleted_at IS NULL
		WHERE u.uuid = $1 AND k.uuid = $2 AND k.deleted_at IS NULL
	`

	key, err := scanAPIKey(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, identity, keyUUID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return key, nil
}

// Revoke revokes one key owned by identity
func (r *APIKeyRepository) Revoke(ctx context.Context, identity, keyUUID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE api_keys k
		SET revoked_at = $3
		FROM users u
		WHERE u.id = k.user_id AND u.uuid = $1 AND k.uuid = $2
		  AND k.revoked_at IS NULL AND k.deleted_at IS NULL
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, identity, keyUUID, now)
	if err != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// RevokeAll revokes every active key of identity
func (r *APIKeyRepository) RevokeAll(ctx context.Context, identity uuid.UUID, now time.Time) (int64, error) {
	query := `
		UPDATE api_keys k
		SET revoked_at = $2
		FROM users u
		WHERE u.id = k.user_id AND u.uuid = $1
		  AND k.revoked_at IS NULL AND k.deleted_at IS NULL
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, identity, now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke api keys: %w", err)
	}
	return result.RowsAffected()
}

// TouchLastUsed records a successful authentication
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, keyID int64, now time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, keyID, now); err != nil {
		return fmt.Errorf("failed to update api key last_used_at: %w", err)
	}
	return nil
}
