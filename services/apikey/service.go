// Package apikey issues and authenticates long-lived API keys.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/internal/observability"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
	"github.com/upb/timefly-control-plane/services"
	"go.uber.org/zap"
)

// LookupMode selects how candidates are loaded before matching.
type LookupMode string

const (
	// LookupPrefixMode narrows candidates by the stored lookup prefix
	LookupPrefixMode LookupMode = "prefix"
	// LookupScanMode matches against every active key
	LookupScanMode LookupMode = "scan"
)

// ParseLookupMode validates a configured lookup mode
func ParseLookupMode(s string) (LookupMode, error) {
	switch LookupMode(strings.ToLower(s)) {
	case "", LookupPrefixMode:
		return LookupPrefixMode, nil
	case LookupScanMode:
		return LookupScanMode, nil
	default:
		return "", fmt.Errorf("unknown API key lookup mode %q", s)
	}
}

// DefaultKeyLimit applies when capabilities cannot be determined.
const DefaultKeyLimit = 1

const touchTimeout = 5 * time.Second

// Config configures the service
type Config struct {
	KeyPrefix    string
	LookupMode   LookupMode
	DefaultLimit int
	Params       Params
}

// CapabilitySource supplies the identity's API key limit.
type CapabilitySource interface {
	Get(ctx context.Context, identity uuid.UUID) (*models.Capabilities, error)
}

// Authentication is the result of a successful key check.
type Authentication struct {
	Identity   uuid.UUID
	APIKeyUUID uuid.UUID
}

// CreatedAPIKey carries the only copy of a new key's secret.
type CreatedAPIKey struct {
	Key      *models.APIKey
	PlainKey string
}

// Service implements the API key authenticator and key management.
type Service struct {
	users   repositories.UserRepository
	keys    repositories.APIKeyRepository
	txMgr   repositories.TransactionManager
	caps    CapabilitySource
	matcher CredentialMatcher
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
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

// WithMatcher replaces the argon2id matcher
func WithMatcher(m CredentialMatcher) Option {
	return func(s *Service) { s.matcher = m }
}

// NewService creates a new API key service. caps may be nil, in which case
// the default limit always applies.
func NewService(
	repos *repositories.Repositories,
	txMgr repositories.TransactionManager,
	caps CapabilitySource,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.LookupMode == "" {
		cfg.LookupMode = LookupPrefixMode
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultKeyLimit
	}
	if cfg.Params == (Params{}) {
		cfg.Params = DefaultParams
	}
	s := &Service{
		users:   repos.Users,
		keys:    repos.APIKeys,
		txMgr:   txMgr,
		caps:    caps,
		matcher: NewArgon2Matcher(cfg.Params, logger),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate resolves a presented raw key to its owner. Every rejection is
// an InvalidAPIKey error; only store failures surface differently.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Authentication, error) {
	if raw == "" {
		return nil, s.reject(services.ErrorTypeMissingCredential, nil)
	}

	lookup, ok := LookupPrefix(raw, s.cfg.KeyPrefix)
	if !ok {
		// Same cost as an unknown key.
		_, _ = s.matcher.FindMatch(ctx, raw, nil)
		return nil, s.reject(services.ErrorTypeMalformedCredential, nil)
	}
	if s.cfg.LookupMode == LookupScanMode {
		lookup = ""
	}

	candidates, err := s.keys.ListCandidates(ctx, lookup)
	if err != nil {
		s.metrics.RecordAPIKeyVerification("error")
		return nil, services.WrapUnavailable("failed to load API keys", err)
	}

	match, err := s.matcher.FindMatch(ctx, raw, candidates)
	if err != nil {
		s.metrics.RecordAPIKeyVerification("error")
		return nil, services.WrapInternal("failed to verify API key", err)
	}
	if match == nil {
		return nil, s.reject(services.ErrorTypeUnknownCredential, nil)
	}

	s.touch(match.ID)
	s.metrics.RecordAPIKeyVerification("success")
	return &Authentication{Identity: match.Identity, APIKeyUUID: match.UUID}, nil
}

func (s *Service) reject(cause services.ErrorType, err error) error {
	s.metrics.RecordAPIKeyVerification(string(cause))
	s.logger.Warn("API key rejected", zap.String("reason", string(cause)))
	return services.InvalidAPIKey(cause, err)
}

// touch records last use without holding up the request. Close waits for
// outstanding updates.
func (s *Service) touch(keyID int64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()

	at := s.now()
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.keys.TouchLastUsed(ctx, keyID, at); err != nil {
			s.logger.Warn("failed to update API key last use", zap.Error(err))
		}
	}()
}

// Close stops accepting last-use updates and waits for pending ones.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keyLimit returns the identity's API key limit, falling back to the default
// when capabilities are unavailable.
func (s *Service) keyLimit(ctx context.Context, identity uuid.UUID) int {
	if s.caps == nil {
		return s.cfg.DefaultLimit
	}
	caps, err := s.caps.Get(ctx, identity)
	if err != nil || caps == nil {
		s.logger.Warn("capabilities unavailable, using default API key limit",
			zap.String("identity", identity.String()),
			zap.Int("limit", s.cfg.DefaultLimit),
			zap.Error(err))
		return s.cfg.DefaultLimit
	}
	return caps.APIKeyLimit
}

// CreateAPIKey issues a new key for identity if it is below its limit.
func (s *Service) CreateAPIKey(ctx context.Context, identity uuid.UUID, label, description *string) (*CreatedAPIKey, error) {
	limit := s.keyLimit(ctx, identity)

	created, err := s.newKey(label, description)
	if err != nil {
		return nil, err
	}

	err = services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		userID, err := s.lockUser(ctx, identity)
		if err != nil {
			return err
		}
		return s.insertWithinLimit(ctx, userID, identity, limit, created.Key)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("API key created",
		zap.String("identity", identity.String()),
		zap.String("api_key_uuid", created.Key.UUID.String()))
	return created, nil
}

// RegenerateAPIKey revokes keyUUID and issues a replacement carrying the same
// label and description.
func (s *Service) RegenerateAPIKey(ctx context.Context, identity, keyUUID uuid.UUID) (*CreatedAPIKey, error) {
	old, err := s.GetAPIKey(ctx, identity, keyUUID)
	if err != nil {
		return nil, err
	}
	limit := s.keyLimit(ctx, identity)

	created, err := s.newKey(old.Label, old.Description)
	if err != nil {
		return nil, err
	}

	err = services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		userID, err := s.lockUser(ctx, identity)
		if err != nil {
			return err
		}
		if _, err := s.keys.Revoke(ctx, identity, keyUUID, s.now()); err != nil {
			return services.WrapUnavailable("failed to revoke API key", err)
		}
		return s.insertWithinLimit(ctx, userID, identity, limit, created.Key)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("API key regenerated",
		zap.String("identity", identity.String()),
		zap.String("previous_api_key_uuid", keyUUID.String()),
		zap.String("api_key_uuid", created.Key.UUID.String()))
	return created, nil
}

// newKey generates and hashes a key outside any transaction.
func (s *Service) newKey(label, description *string) (*CreatedAPIKey, error) {
	raw, lookup, err := Generate(s.cfg.KeyPrefix)
	if err != nil {
		return nil, services.WrapInternal("failed to generate API key", err)
	}
	hash, err := Hash(raw, s.cfg.Params)
	if err != nil {
		return nil, services.WrapInternal("failed to hash API key", err)
	}
	keyUUID, err := uuid.NewV7()
	if err != nil {
		return nil, services.WrapInternal("failed to generate API key id", err)
	}
	return &CreatedAPIKey{
		PlainKey: raw,
		Key: &models.APIKey{
			UUID:        keyUUID,
			KeyHash:     hash,
			KeyPrefix:   lookup,
			Label:       label,
			Description: description,
		},
	}, nil
}

func (s *Service) lockUser(ctx context.Context, identity uuid.UUID) (int64, error) {
	userID, err := s.users.LockByUUID(ctx, identity)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return 0, services.ErrUserNotFound
		}
		return 0, services.WrapUnavailable("failed to lock user", err)
	}
	return userID, nil
}

func (s *Service) insertWithinLimit(ctx context.Context, userID int64, identity uuid.UUID, limit int, key *models.APIKey) error {
	count, err := s.keys.CountActiveByUser(ctx, userID)
	if err != nil {
		return services.WrapUnavailable("failed to count API keys", err)
	}
	if count >= limit {
		return services.QuotaExceeded(fmt.Sprintf("API key limit of %d reached", limit), limit, 0)
	}

	key.UserID = userID
	key.Identity = identity
	key.CreatedAt = s.now()
	if err := s.keys.Create(ctx, key); err != nil {
		return services.WrapUnavailable("failed to store API key", err)
	}
	return nil
}

// ListAPIKeys returns the identity's keys newest first.
func (s *Service) ListAPIKeys(ctx context.Context, identity uuid.UUID, activeOnly bool) ([]*models.APIKey, error) {
	keys, err := s.keys.ListByIdentity(ctx, identity, activeOnly)
	if err != nil {
		return nil, services.WrapUnavailable("failed to list API keys", err)
	}
	return keys, nil
}

// GetAPIKey returns one key of identity.
func (s *Service) GetAPIKey(ctx context.Context, identity, keyUUID uuid.UUID) (*models.APIKey, error) {
	key, err := s.keys.GetByUUID(ctx, identity, keyUUID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrAPIKeyNotFound
		}
		return nil, services.WrapUnavailable("failed to get API key", err)
	}
	return key, nil
}

// RevokeAPIKey revokes one active key. Unknown and already revoked keys are
// ErrAPIKeyNotFound.
func (s *Service) RevokeAPIKey(ctx context.Context, identity, keyUUID uuid.UUID) error {
	changed, err := s.keys.Revoke(ctx, identity, keyUUID, s.now())
	if err != nil {
		return services.WrapUnavailable("failed to revoke API key", err)
	}
	if !changed {
		return services.ErrAPIKeyNotFound
	}
	s.logger.Info("API key revoked",
		zap.String("identity", identity.String()),
		zap.String("api_key_uuid", keyUUID.String()))
	return nil
}

// RevokeAllAPIKeys revokes every active key of identity.
func (s *Service) RevokeAllAPIKeys(ctx context.Context, identity uuid.UUID) (int64, error) {
	n, err := s.keys.RevokeAll(ctx, identity, s.now())
	if err != nil {
		return 0, services.WrapUnavailable("failed to revoke API keys", err)
	}
	s.logger.Info("all API keys revoked",
		zap.String("identity", identity.String()),
		zap.Int64("revoked", n))
	return n, nil
}
