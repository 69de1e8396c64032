package apikey

import (
	"context"
	"errors"

	"github.com/upb/timefly-control-plane/models"
	"go.uber.org/zap"
)

// CredentialMatcher makes the final accept decision for a presented key.
type CredentialMatcher interface {
	// FindMatch returns the candidate whose hash matches raw, or nil.
	FindMatch(ctx context.Context, raw string, candidates []*models.APIKeyCandidate) (*models.APIKeyCandidate, error)
}

// Argon2Matcher verifies candidates one by one against their argon2id hash.
// A lookup that verifies no candidate still pays for one hash against a
// decoy, so unknown and malformed keys cost the same as a wrong secret.
type Argon2Matcher struct {
	decoy  string
	logger *zap.Logger
}

// NewArgon2Matcher creates a matcher whose decoy hash uses params
func NewArgon2Matcher(params Params, logger *zap.Logger) *Argon2Matcher {
	return &Argon2Matcher{
		decoy:  hashWithSalt("", make([]byte, params.SaltLength), params),
		logger: logger,
	}
}

// FindMatch implements CredentialMatcher. Candidates with unreadable hashes
// are skipped.
func (m *Argon2Matcher) FindMatch(ctx context.Context, raw string, candidates []*models.APIKeyCandidate) (*models.APIKeyCandidate, error) {
	verified := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := Verify(raw, c.KeyHash)
		if err != nil {
			if errors.Is(err, ErrInvalidHash) || errors.Is(err, ErrIncompatibleVersion) {
				m.logger.Warn("skipping API key with unreadable hash",
					zap.String("api_key_uuid", c.UUID.String()),
					zap.Error(err))
				continue
			}
			return nil, err
		}
		verified++
		if ok {
			return c, nil
		}
	}
	if verified == 0 {
		_, _ = Verify(raw, m.decoy)
	}
	return nil, nil
}
