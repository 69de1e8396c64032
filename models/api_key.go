package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is a long-lived integration credential. Only the argon2id hash of the
// secret is persisted; KeyPrefix is a non-secret fragment used to narrow the
// candidate set before the slow comparison.
type APIKey struct {
	ID          int64      `json:"-" db:"id"`
	UUID        uuid.UUID  `json:"uuid" db:"uuid"`
	UserID      int64      `json:"-" db:"user_id"`
	Identity    uuid.UUID  `json:"-" db:"user_uuid"`
	KeyHash     string     `json:"-" db:"api_key_hash"`
	KeyPrefix   string     `json:"keyPrefix" db:"key_prefix"`
	Label       *string    `json:"label,omitempty" db:"label"`
	Description *string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
}

// TableName returns the table name for the APIKey model
func (APIKey) TableName() string {
	return "api_keys"
}

// IsRevoked returns true if the key has been revoked
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// APIKeyCandidate is the minimal projection loaded for authentication.
type APIKeyCandidate struct {
	ID       int64
	UUID     uuid.UUID
	Identity uuid.UUID
	KeyHash  string
}
