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

// PlanRepository reads the active_user_plan view
type PlanRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPlanRepository creates a new plan repository
func NewPlanRepository(db *DB, logger *zap.Logger) repositories.PlanRepository {
	return &PlanRepository{
		db:     db,
		logger: logger,
	}
}

// GetActiveUserPlan returns the identity's active plan
func (r *PlanRepository) GetActiveUserPlan(ctx context.Context, identity uuid.UUID) (*models.UserPlan, error) {
	query := `
		SELECT user_uuid, tier_name, rate_limit, api_key_limit
		FROM active_user_plan
		WHERE user_uuid = $1
		LIMIT 1
	`

	plan := &models.UserPlan{}
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, identity).Scan(
		&plan.UserUUID,
		&plan.TierName,
		&plan.RateLimit,
		&plan.APIKeyLimit,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active user plan: %w", err)
	}
	return plan, nil
}
