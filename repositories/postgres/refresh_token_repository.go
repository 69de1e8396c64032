package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
	"go.uber.org/zap"
)

// RefreshTokenRepository implements the repositories.RefreshTokenRepository interface
type RefreshTokenRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRefreshTokenRepository creates a new refresh token repository
func NewRefreshTokenRepository(db *DB, logger *zap.Logger) repositories.RefreshTokenRepository {
	return &RefreshTokenRepository{
		db:     db,
		logger: logger,
	}
}

const refreshTokenColumns = `s.id, s.uuid, s.user_id, u.uuid, s.token_hash, COALESCE(s.user_agent, ''), COALESCE(s.ip_address, ''), s.created_at, s.expires_at, s.revoked_at, s.last_used_at`

func scanRefreshToken(row interface{ Scan(...interface{}) error }) (*models.RefreshToken, error) {
	rt := &models.RefreshToken{}
	err := row.Scan(
		&rt.ID,
		&rt.UUID,
		&rt.UserID,
		&rt.Identity,
		&rt.TokenHash,
		&rt.UserAgent,
		&rt.IPAddress,
		&rt.CreatedAt,
		&rt.ExpiresAt,
		&rt.RevokedAt,
		&rt.LastUsedAt,
	)
	return rt, err
}

func (r *RefreshTokenRepository) queryOne(ctx context.Context, query string, args ...interface{}) (*models.RefreshToken, error) {
	rt, err := scanRefreshToken(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return rt, nil
}

func (r *RefreshTokenRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*models.RefreshToken, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.RefreshToken
	for rows.Next() {
		rt, err := scanRefreshToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refresh token: %w", err)
		}
		tokens = append(tokens, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate refresh tokens: %w", err)
	}
	return tokens, nil
}

// Create inserts a new refresh token
func (r *RefreshTokenRepository) Create(ctx context.Context, rt *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (uuid, user_id, token_hash, user_agent, ip_address, created_at, expires_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		RETURNING id
	`

	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query,
		rt.UUID,
		rt.UserID,
		rt.TokenHash,
		rt.UserAgent,
		rt.IPAddress,
		rt.CreatedAt,
		rt.ExpiresAt,
	).Scan(&rt.ID)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}

	r.logger.Debug("refresh token created", zap.String("session_uuid", rt.UUID.String()))
	return nil
}

// FindByHash returns the token regardless of state
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `
		SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1
	`
	return r.queryOne(ctx, query, tokenHash)
}

// FindActiveByHash returns the token only while it is usable
func (r *RefreshTokenRepository) FindActiveByHash(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	query := `
		SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens s
		JOIN users u ON u.id = s.user_id AND u.deleted_at IS NULL
		WHERE s.token_hash = $1 AND s.revoked_at IS NULL AND s.expires_at > $2
	`
	return r.queryOne(ctx, query, tokenHash, now)
}

// ListActiveByUser returns active tokens oldest first. Ties on created_at are
// broken by id so the eviction order is deterministic.
func (r *RefreshTokenRepository) ListActiveByUser(ctx context.Context, userID int64, now time.Time) ([]*models.RefreshToken, error) {
	query := `
		SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens s
		JOIN users u ON u.id = s.user_id
		WHERE s.user_id = $1 AND s.revoked_at IS NULL AND s.expires_at > $2
		ORDER BY s.created_at ASC, s.id ASC
	`
	return r.queryMany(ctx, query, userID, now)
}

// ListByIdentity returns the identity's tokens newest first
func (r *RefreshTokenRepository) ListByIdentity(ctx context.Context, identity uuid.UUID, activeOnly bool, now time.Time) ([]*models.RefreshToken, error) {
	query := `
		SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens s
		JOIN users u ON u.id = s.user_id AND u.deleted_at IS NULL
		WHERE u.uuid = $1
	`
	args := []interface{}{identity}
	if activeOnly {
		query += ` AND s.revoked_at IS NULL AND s.expires_at > $2`
		args = append(args, now)
	}
	query += ` ORDER BY s.created_at DESC, s.id DESC`

	return r.queryMany(ctx, query, args...)
}

// GetByUUID returns a single token owned by identity
func (r *RefreshTokenRepository) GetByUUID(ctx context.Context, identity, tokenUUID uuid.UUID) (*models.RefreshToken, error) {
	query := `
		SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens s
		JOIN users u ON u.id = s.user_id AND u.deleted_at IS NULL
		WHERE u.uuid = $1 AND s.uuid = $2
	`
	return r.queryOne(ctx, query, identity, tokenUUID)
}

// ConsumeActive is the single conditional update behind rotation. Postgres
// re-evaluates the WHERE clause after a concurrent writer commits, so at most
// one caller gets a row back.
func (r *RefreshTokenRepository) ConsumeActive(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	query := `
		UPDATE refresh_tokens s
		SET revoked_at = $2, last_used_at = $2
		FROM users u
		WHERE u.id = s.user_id
		  AND u.deleted_at IS NULL
		  AND s.token_hash = $1
		  AND s.revoked_at IS NULL
		  AND s.expires_at > $2
		RETURNING ` + refreshTokenColumns
	return r.queryOne(ctx, query, tokenHash, now)
}

// RevokeByHash revokes the token if it is not already revoked
func (r *RefreshTokenRepository) RevokeByHash(ctx context.Context, tokenHash string, now time.Time) error {
	query := `UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, tokenHash, now); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeByUUIDs revokes the given tokens
func (r *RefreshTokenRepository) RevokeByUUIDs(ctx context.Context, tokenUUIDs []uuid.UUID, now time.Time) (int64, error) {
	if len(tokenUUIDs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(tokenUUIDs))
	for i, id := range tokenUUIDs {
		ids[i] = id.String()
	}

	query := `UPDATE refresh_tokens SET revoked_at = $2 WHERE uuid = ANY($1::uuid[]) AND revoked_at IS NULL`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, pq.Array(ids), now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return result.RowsAffected()
}

// RevokeByUUID revokes one token owned by identity
func (r *RefreshTokenRepository) RevokeByUUID(ctx context.Context, identity, tokenUUID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE refresh_tokens s
		SET revoked_at = $3
		FROM users u
		WHERE u.id = s.user_id AND u.uuid = $1 AND s.uuid = $2 AND s.revoked_at IS NULL
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, identity, tokenUUID, now)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// RevokeAllByIdentity revokes every active token of identity
func (r *RefreshTokenRepository) RevokeAllByIdentity(ctx context.Context, identity uuid.UUID, now time.Time) (int64, error) {
	query := `
		UPDATE refresh_tokens s
		SET revoked_at = $2
		FROM users u
		WHERE u.id = s.user_id AND u.uuid = $1 AND s.revoked_at IS NULL AND s.expires_at > $2
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, identity, now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return result.RowsAffected()
}

// Touch records a successful use of the token
func (r *RefreshTokenRepository) Touch(ctx context.Context, tokenHash string, now time.Time) error {
	query := `UPDATE refresh_tokens SET last_used_at = $2 WHERE token_hash = $1`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, tokenHash, now); err != nil {
		return fmt.Errorf("failed to touch refresh token: %w", err)
	}
	return nil
}

// DeleteStale removes tokens that expired or were revoked before cutoff
func (r *RefreshTokenRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at < $1 OR revoked_at < $1`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale refresh tokens: %w", err)
	}
	return result.RowsAffected()
}
