package models

import (
	"time"

	"github.com/google/uuid"
)

// OAuthProvider identifies the external identity provider a user signed in with
type OAuthProvider string

const (
	ProviderGoogle OAuthProvider = "google"
)

// User is the owner of every credential. ID is the internal surrogate key and
// is never serialized; UUID is the identity handed to the rest of the API.
type User struct {
	ID             int64         `json:"-" db:"id"`
	UUID           uuid.UUID     `json:"uuid" db:"uuid"`
	Email          string        `json:"email" db:"email"`
	Name           string        `json:"name,omitempty" db:"name"`
	AvatarURL      string        `json:"avatarUrl,omitempty" db:"avatar_url"`
	Provider       OAuthProvider `json:"provider" db:"provider"`
	ProviderUserID string        `json:"-" db:"provider_user_id"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time     `json:"updatedAt" db:"updated_at"`
	DeletedAt      *time.Time    `json:"-" db:"deleted_at"`
}

// TableName returns the table name for the User model
func (User) TableName() string {
	return "users"
}

// OAuthProfile is what an identity provider tells us about a user at sign-in.
type OAuthProfile struct {
	Provider       OAuthProvider
	ProviderUserID string
	Email          string
	Name           string
	AvatarURL      string
}

// IsDeleted returns true if the user has been soft-deleted
func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}
