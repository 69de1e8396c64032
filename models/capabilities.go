package models

import "github.com/google/uuid"

// Capabilities are the plan-derived quotas of an identity.
type Capabilities struct {
	RateLimit   int    `json:"rateLimit"`
	APIKeyLimit int    `json:"apiKeyLimit"`
	TierName    string `json:"tierName"`
}

// Free-tier baseline used when an identity has no active plan.
const (
	FreeTierName        = "Free"
	FreeTierRateLimit   = 100
	FreeTierAPIKeyLimit = 3
)

// FreeTier returns the capabilities of an identity without an active plan.
func FreeTier() *Capabilities {
	return &Capabilities{
		RateLimit:   FreeTierRateLimit,
		APIKeyLimit: FreeTierAPIKeyLimit,
		TierName:    FreeTierName,
	}
}

// UserPlan is a row of the active_user_plan view.
type UserPlan struct {
	UserUUID    uuid.UUID `db:"user_uuid"`
	TierName    string    `db:"tier_name"`
	RateLimit   int       `db:"rate_limit"`
	APIKeyLimit int       `db:"api_key_limit"`
}

// Capabilities projects the plan onto the quota values the control plane uses.
func (p *UserPlan) Capabilities() *Capabilities {
	return &Capabilities{
		RateLimit:   p.RateLimit,
		APIKeyLimit: p.APIKeyLimit,
		TierName:    p.TierName,
	}
}
