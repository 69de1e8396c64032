package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/timefly-control-plane/models"
	"github.com/upb/timefly-control-plane/repositories"
	"go.uber.org/zap"
)

var userRowColumns = []string{"id", "uuid", "email", "name", "avatar_url", "provider", "provider_user_id", "created_at", "updated_at", "deleted_at"}

func TestUserRepository_UpsertFromOAuth(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())

	identity := uuid.New()
	now := time.Now().UTC()
	profile := &models.OAuthProfile{
		Provider:       models.ProviderGoogle,
		ProviderUserID: "g-1",
		Email:          "ada@example.com",
		Name:           "Ada",
	}

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (provider, provider_user_id) DO UPDATE")).
		WithArgs(sqlmock.AnyArg(), "ada@example.com", "Ada", "", models.ProviderGoogle, "g-1").
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow(
			int64(1), identity.String(), "ada@example.com", "Ada", "", "google", "g-1", now, now, nil,
		))

	user, err := repo.UpsertFromOAuth(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, identity, user.UUID)
	assert.Equal(t, int64(1), user.ID)
	assert.Equal(t, models.ProviderGoogle, user.Provider)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpsertFromOAuth_DeletedAccount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnRows(sqlmock.NewRows(userRowColumns))

	_, err := repo.UpsertFromOAuth(context.Background(), &models.OAuthProfile{Provider: models.ProviderGoogle, ProviderUserID: "g-1"})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestUserRepository_LockByUUID(t *testing.T) {
	identity := uuid.New()

	t.Run("locks active user", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUserRepository(db, zap.NewNop())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users WHERE uuid = $1 AND deleted_at IS NULL FOR UPDATE")).
			WithArgs(identity).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		id, err := repo.LockByUUID(context.Background(), identity)
		require.NoError(t, err)
		assert.Equal(t, int64(42), id)
	})

	t.Run("unknown user", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUserRepository(db, zap.NewNop())

		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
			WithArgs(identity).
			WillReturnError(sql.ErrNoRows)

		_, err := repo.LockByUUID(context.Background(), identity)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestUserRepository_GetByUUID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())

	identity := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE uuid = $1 AND deleted_at IS NULL")).
		WithArgs(identity).
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow(
			int64(1), identity.String(), "ada@example.com", "", "", "google", "g-1", now, now, nil,
		))

	user, err := repo.GetByUUID(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.False(t, user.IsDeleted())
}
