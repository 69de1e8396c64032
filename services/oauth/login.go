package oauth

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
	"github.com/upb/timefly-control-plane/services"
	"github.com/upb/timefly-control-plane/services/session"
	"go.uber.org/zap"
)

// SessionIssuer starts a session for a signed-in identity
type SessionIssuer interface {
	IssueSession(ctx context.Context, identity uuid.UUID, origin models.RequestOrigin) (*session.TokenPair, error)
}

// LoginService completes a provider sign-in: profile exchange, user upsert,
// session issuance.
type LoginService struct {
	provider Provider
	users    repositories.UserRepository
	sessions SessionIssuer
	logger   *zap.Logger
}

// NewLoginService creates a new LoginService
func NewLoginService(provider Provider, users repositories.UserRepository, sessions SessionIssuer, logger *zap.Logger) *LoginService {
	return &LoginService{
		provider: provider,
		users:    users,
		sessions: sessions,
		logger:   logger,
	}
}

// AuthCodeURL returns the provider consent URL
func (s *LoginService) AuthCodeURL(state string) string {
	return s.provider.AuthCodeURL(state)
}

// CompleteLogin exchanges code and starts a session for the resulting user.
func (s *LoginService) CompleteLogin(ctx context.Context, code string, origin models.RequestOrigin) (*models.User, *session.TokenPair, error) {
	profile, err := s.provider.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn("oauth exchange failed", zap.Error(err))
		return nil, nil, services.NewDomainError(services.ErrorTypeUnknownCredential, "authentication failed", err)
	}

	user, err := s.users.UpsertFromOAuth(ctx, profile)
	if err != nil {
		return nil, nil, services.WrapUnavailable("failed to store user", err)
	}

	pair, err := s.sessions.IssueSession(ctx, user.UUID, origin)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("user signed in",
		zap.String("identity", user.UUID.String()),
		zap.String("provider", string(profile.Provider)))
	return user, pair, nil
}
