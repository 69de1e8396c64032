// Package session issues, resolves and rotates user sessions. A session is a
// short-lived access token paired with a durable, single-use refresh token.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/internal/observability"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
	"github.com/upb/timefly-control-plane/services"
	"go.uber.org/zap"
)

// Source identifies which credential resolved a request.
type Source string

const (
	SourceAccessToken  Source = "access_token"
	SourceRefreshToken Source = "refresh_token"
)

// Config holds session lifetimes and the per-identity cap.
type Config struct {
	RefreshTokenTTL   time.Duration
	MaxActiveSessions int
}

// TokenPair is returned on login and rotation. RefreshToken is the only copy
// of the secret.
type TokenPair struct {
	Identity              uuid.UUID
	SessionUUID           uuid.UUID
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// Resolution is the outcome of resolving the session credentials of a request.
type Resolution struct {
	Identity    uuid.UUID
	Source      Source
	SessionUUID uuid.UUID
}

// Service implements the token issuer and session resolver.
type Service struct {
	users   repositories.UserRepository
	tokens  repositories.RefreshTokenRepository
	txMgr   repositories.TransactionManager
	issuer  *TokenIssuer
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics enables instrumentation
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new session service
func NewService(
	repos *repositories.Repositories,
	txMgr repositories.TransactionManager,
	issuer *TokenIssuer,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if cfg.MaxActiveSessions <= 0 {
		cfg.MaxActiveSessions = 5
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	s := &Service{
		users:  repos.Users,
		tokens: repos.RefreshTokens,
		txMgr:  txMgr,
		issuer: issuer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AccessTokenTTL returns the access token lifetime
func (s *Service) AccessTokenTTL() time.Duration {
	return s.issuer.TTL()
}

// RefreshTokenTTL returns the refresh token lifetime
func (s *Service) RefreshTokenTTL() time.Duration {
	return s.cfg.RefreshTokenTTL
}

// IssueSession mints a new session for identity. When the identity already
// holds the maximum number of active sessions, the oldest are revoked so that
// the new one fits. The cap check and insert run under the user row lock.
func (s *Service) IssueSession(ctx context.Context, identity uuid.UUID, origin models.RequestOrigin) (*TokenPair, error) {
	now := s.now()

	pair, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context) (*TokenPair, error) {
		userID, err := s.users.LockByUUID(ctx, identity)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, services.ErrUserNotFound
			}
			return nil, services.WrapUnavailable("failed to lock user", err)
		}

		active, err := s.tokens.ListActiveByUser(ctx, userID, now)
		if err != nil {
			return nil, services.WrapUnavailable("failed to list sessions", err)
		}

		if surplus := len(active) - s.cfg.MaxActiveSessions + 1; surplus > 0 {
			evict := make([]uuid.UUID, 0, surplus)
			for _, rt := range active[:surplus] {
				evict = append(evict, rt.UUID)
			}
			if _, err := s.tokens.RevokeByUUIDs(ctx, evict, now); err != nil {
				return nil, services.WrapUnavailable("failed to evict sessions", err)
			}
			s.metrics.RecordEvictions(len(evict))
			s.logger.Info("evicted oldest sessions",
				zap.String("identity", identity.String()),
				zap.Int("evicted", len(evict)))
		}

		return s.createSession(ctx, userID, identity, origin, now)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session issued",
		zap.String("identity", identity.String()),
		zap.String("session_uuid", pair.SessionUUID.String()))
	return pair, nil
}

func (s *Service) createSession(ctx context.Context, userID int64, identity uuid.UUID, origin models.RequestOrigin, now time.Time) (*TokenPair, error) {
	secret, err := NewRefreshSecret()
	if err != nil {
		return nil, services.WrapInternal("failed to generate refresh token", err)
	}
	sessionUUID, err := uuid.NewV7()
	if err != nil {
		return nil, services.WrapInternal("failed to generate session id", err)
	}

	rt := &models.RefreshToken{
		UUID:      sessionUUID,
		UserID:    userID,
		Identity:  identity,
		TokenHash: HashRefreshToken(secret),
		UserAgent: origin.UserAgent,
		IPAddress: origin.IPAddress,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.tokens.Create(ctx, rt); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUserNotFound
		}
		return nil, services.WrapUnavailable("failed to store refresh token", err)
	}

	access, accessExp, err := s.issuer.Issue(identity)
	if err != nil {
		return nil, services.WrapInternal("failed to issue access token", err)
	}

	return &TokenPair{
		Identity:              identity,
		SessionUUID:           sessionUUID,
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          secret,
		RefreshTokenExpiresAt: rt.ExpiresAt,
	}, nil
}

// ResolveSession determines the identity behind the request's session
// credentials. A valid access token wins without touching the store; otherwise
// an active refresh token is accepted as-is (it is not rotated here).
func (s *Service) ResolveSession(ctx context.Context, accessToken, refreshToken string) (*Resolution, error) {
	if accessToken == "" && refreshToken == "" {
		return nil, services.NoValidCredential(services.ErrorTypeMissingCredential, nil)
	}

	cause := services.ErrorTypeMissingCredential
	var causeErr error

	if accessToken != "" {
		identity, err := s.issuer.Verify(accessToken)
		if err == nil {
			s.metrics.RecordAuth(string(SourceAccessToken), "success")
			return &Resolution{Identity: identity, Source: SourceAccessToken}, nil
		}
		cause, causeErr = accessTokenCause(err), err
	}

	if refreshToken != "" {
		hash := HashRefreshToken(refreshToken)
		rt, err := s.tokens.FindActiveByHash(ctx, hash, s.now())
		if err == nil {
			s.metrics.RecordAuth(string(SourceRefreshToken), "success")
			return &Resolution{Identity: rt.Identity, Source: SourceRefreshToken, SessionUUID: rt.UUID}, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, services.WrapUnavailable("failed to resolve refresh token", err)
		}
		cause, causeErr = s.classifyRefreshFailure(ctx, hash)
	}

	s.metrics.RecordAuth("session", string(cause))
	return nil, services.NoValidCredential(cause, causeErr)
}

// RotateSession consumes refreshToken and issues a replacement session. Exactly
// one of several concurrent callers presenting the same token succeeds.
func (s *Service) RotateSession(ctx context.Context, refreshToken string, origin models.RequestOrigin) (*TokenPair, error) {
	if refreshToken == "" {
		s.metrics.RecordRotation("rejected")
		return nil, services.InvalidRefreshToken(services.ErrorTypeMissingCredential, nil)
	}

	hash := HashRefreshToken(refreshToken)
	now := s.now()
	var consumed *models.RefreshToken

	pair, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context) (*TokenPair, error) {
		old, err := s.tokens.ConsumeActive(ctx, hash, now)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, errNotConsumable
			}
			return nil, services.WrapUnavailable("failed to consume refresh token", err)
		}
		consumed = old
		return s.createSession(ctx, old.UserID, old.Identity, origin, now)
	})
	if err != nil {
		if errors.Is(err, errNotConsumable) || errors.Is(err, services.ErrUserNotFound) {
			cause, causeErr := s.classifyRefreshFailure(ctx, hash)
			s.metrics.RecordRotation("rejected")
			s.logger.Warn("refresh token rejected", zap.String("reason", string(cause)))
			return nil, services.InvalidRefreshToken(cause, causeErr)
		}
		s.metrics.RecordRotation("error")
		return nil, err
	}

	s.metrics.RecordRotation("success")
	s.logger.Info("session rotated",
		zap.String("identity", pair.Identity.String()),
		zap.String("previous_session_uuid", consumed.UUID.String()),
		zap.String("session_uuid", pair.SessionUUID.String()))
	return pair, nil
}

var errNotConsumable = errors.New("refresh token not consumable")

// RevokeSession revokes the session behind refreshToken. Unknown, expired and
// already revoked tokens are not an error.
func (s *Service) RevokeSession(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.tokens.RevokeByHash(ctx, HashRefreshToken(refreshToken), s.now()); err != nil {
		return services.WrapUnavailable("failed to revoke refresh token", err)
	}
	return nil
}

// ListSessions returns the identity's sessions newest first.
func (s *Service) ListSessions(ctx context.Context, identity uuid.UUID, activeOnly bool) ([]*models.RefreshToken, error) {
	sessions, err := s.tokens.ListByIdentity(ctx, identity, activeOnly, s.now())
	if err != nil {
		return nil, services.WrapUnavailable("failed to list sessions", err)
	}
	return sessions, nil
}

// GetSession returns one session of identity.
func (s *Service) GetSession(ctx context.Context, identity, sessionUUID uuid.UUID) (*models.RefreshToken, error) {
	rt, err := s.tokens.GetByUUID(ctx, identity, sessionUUID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrSessionNotFound
		}
		return nil, services.WrapUnavailable("failed to get session", err)
	}
	return rt, nil
}

// RevokeSessionByUUID revokes one session of identity. Revoking an already
// revoked session succeeds; an unknown session is ErrSessionNotFound.
func (s *Service) RevokeSessionByUUID(ctx context.Context, identity, sessionUUID uuid.UUID) error {
	changed, err := s.tokens.RevokeByUUID(ctx, identity, sessionUUID, s.now())
	if err != nil {
		return services.WrapUnavailable("failed to revoke session", err)
	}
	if changed {
		s.logger.Info("session revoked",
			zap.String("identity", identity.String()),
			zap.String("session_uuid", sessionUUID.String()))
		return nil
	}
	_, err = s.GetSession(ctx, identity, sessionUUID)
	return err
}

// RevokeAllSessions revokes every active session of identity.
func (s *Service) RevokeAllSessions(ctx context.Context, identity uuid.UUID) (int64, error) {
	n, err := s.tokens.RevokeAllByIdentity(ctx, identity, s.now())
	if err != nil {
		return 0, services.WrapUnavailable("failed to revoke sessions", err)
	}
	s.logger.Info("all sessions revoked",
		zap.String("identity", identity.String()),
		zap.Int64("revoked", n))
	return n, nil
}

// PurgeStale deletes sessions that expired or were revoked more than
// retention ago.
func (s *Service) PurgeStale(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.tokens.DeleteStale(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, services.WrapUnavailable("failed to purge sessions", err)
	}
	return n, nil
}

// classifyRefreshFailure explains why a refresh token is unusable. It is only
// used for logging and the typed cause; the client sees a generic message.
func (s *Service) classifyRefreshFailure(ctx context.Context, hash string) (services.ErrorType, error) {
	rt, err := s.tokens.FindByHash(ctx, hash)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return services.ErrorTypeUnknownCredential, nil
	case err != nil:
		return services.ErrorTypeUnknownCredential, err
	case rt.IsRevoked():
		return services.ErrorTypeRevokedCredential, nil
	case rt.IsExpired(s.now()):
		return services.ErrorTypeExpiredCredential, nil
	default:
		// Token row is fine; its owner is gone.
		return services.ErrorTypeRevokedCredential, nil
	}
}

func accessTokenCause(err error) services.ErrorType {
	if errors.Is(err, ErrTokenExpired) {
		return services.ErrorTypeExpiredCredential
	}
	return services.ErrorTypeMalformedCredential
}
