package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is the durable half of a session. The secret itself is never
// stored; TokenHash is the SHA-256 of the value handed to the client.
type RefreshToken struct {
	ID         int64      `json:"-" db:"id"`
	UUID       uuid.UUID  `json:"uuid" db:"uuid"`
	UserID     int64      `json:"-" db:"user_id"`
	Identity   uuid.UUID  `json:"-" db:"user_uuid"`
	TokenHash  string     `json:"-" db:"token_hash"`
	UserAgent  string     `json:"userAgent,omitempty" db:"user_agent"`
	IPAddress  string     `json:"ipAddress,omitempty" db:"ip_address"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	ExpiresAt  time.Time  `json:"expiresAt" db:"expires_at"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
}

// TableName returns the table name for the RefreshToken model
func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// IsRevoked returns true if the token has been revoked
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired returns true if the token is past its expiry at the given instant
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive returns true if the token can still be used
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}

// RequestOrigin is the client metadata recorded alongside a session.
type RequestOrigin struct {
	UserAgent string
	IPAddress string
}
