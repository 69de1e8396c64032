package capability

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
	"go.uber.org/zap"
)

// Lookup resolves the current capabilities of an identity from the source of truth.
type Lookup interface {
	Lookup(ctx context.Context, identity uuid.UUID) (*models.Capabilities, error)
}

// PlanService reads capabilities from the active plan of an identity.
type PlanService struct {
	plans  repositories.PlanRepository
	logger *zap.Logger
}

// NewPlanService creates a new PlanService
func NewPlanService(plans repositories.PlanRepository, logger *zap.Logger) *PlanService {
	return &PlanService{plans: plans, logger: logger}
}

// Lookup implements Lookup. Identities without an active plan get the free tier.
func (s *PlanService) Lookup(ctx context.Context, identity uuid.UUID) (*models.Capabilities, error) {
	plan, err := s.plans.GetActiveUserPlan(ctx, identity)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.logger.Debug("no active plan, using free tier", zap.String("identity", identity.String()))
			return models.FreeTier(), nil
		}
		return nil, err
	}
	return plan.Capabilities(), nil
}
