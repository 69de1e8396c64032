// Package memory is a process-local implementation of the credential store.
// It backs the "memory" database driver for local development and the
// service-level tests. Every method is atomic with respect to the others.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
)

// Store holds all tables.
type Store struct {
	mu sync.Mutex

	txMu sync.Mutex

	nextID        int64
	users         map[int64]*models.User
	refreshTokens map[int64]*models.RefreshToken
	apiKeys       map[int64]*apiKeyRow
	plans         map[uuid.UUID]*models.UserPlan
}

type apiKeyRow struct {
	models.APIKey
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		users:         make(map[int64]*models.User),
		refreshTokens: make(map[int64]*models.RefreshToken),
		apiKeys:       make(map[int64]*apiKeyRow),
		plans:         make(map[uuid.UUID]*models.UserPlan),
	}
}

// Repositories returns repository views over the store
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Users:         &UserRepository{s: s},
		RefreshTokens: &RefreshTokenRepository{s: s},
		APIKeys:       &APIKeyRepository{s: s},
		Plans:         &PlanRepository{s: s},
	}
}

// TransactionManager serializes transactions. There is no rollback; callers
// only rely on mutual exclusion between transactions.
func (s *Store) TransactionManager() repositories.TransactionManager {
	return &TransactionManager{s: s}
}

// AddUser inserts a user and returns it with its ids assigned
func (s *Store) AddUser(email string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(&models.User{Email: email, Provider: models.ProviderGoogle})
}

func (s *Store) addUserLocked(u *models.User) *models.User {
	s.nextID++
	u.ID = s.nextID
	if u.UUID == uuid.Nil {
		u.UUID = uuid.New()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = u
	cp := *u
	return &cp
}

// DeleteUser soft-deletes a user
func (s *Store) DeleteUser(identity uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.userByUUIDLocked(identity); u != nil {
		now := time.Now().UTC()
		u.DeletedAt = &now
	}
}

// SetPlan assigns an active plan to identity
func (s *Store) SetPlan(identity uuid.UUID, tier string, rateLimit, apiKeyLimit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[identity] = &models.UserPlan{
		UserUUID:    identity,
		TierName:    tier,
		RateLimit:   rateLimit,
		APIKeyLimit: apiKeyLimit,
	}
}

func (s *Store) userByUUIDLocked(identity uuid.UUID) *models.User {
	for _, u := range s.users {
		if u.UUID == identity {
			return u
		}
	}
	return nil
}

func (s *Store) activeUserLocked(id int64) *models.User {
	u, ok := s.users[id]
	if !ok || u.IsDeleted() {
		return nil
	}
	return u
}

// TransactionManager implements repositories.TransactionManager
type TransactionManager struct {
	s *Store
}

type transaction struct {
	ctx     context.Context
	release func()
	once    sync.Once
}

func (t *transaction) Commit() error {
	t.once.Do(t.release)
	return nil
}

func (t *transaction) Rollback() error {
	t.once.Do(t.release)
	return nil
}

func (t *transaction) Context() context.Context {
	return t.ctx
}

// Begin acquires the store-wide transaction lock
func (m *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	m.s.txMu.Lock()
	return &transaction{ctx: ctx, release: m.s.txMu.Unlock}, nil
}

// InTransaction runs fn while holding the transaction lock
func (m *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx.Context(), tx); err != nil {
		return err
	}
	return tx.Commit()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func sortRefreshTokens(tokens []*models.RefreshToken, ascending bool) {
	sort.Slice(tokens, func(i, j int) bool {
		a, b := tokens[i], tokens[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if ascending {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if ascending {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
}
