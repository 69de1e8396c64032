package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/timefly-control-plane/repositories"
)

type txKey struct{}

// MockTransactionManager runs fn with a context marked as transactional and
// reports whatever error the test configured for the commit.
type MockTransactionManager struct {
	mock.Mock
}

func (m *MockTransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	args := m.Called(ctx)
	if tx := args.Get(0); tx != nil {
		return tx.(repositories.Transaction), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	args := m.Called(ctx)
	if err := fn(context.WithValue(ctx, txKey{}, true), nil); err != nil {
		return err
	}
	return args.Error(0)
}

func TestWithTransaction_PassesTransactionalContext(t *testing.T) {
	txMgr := new(MockTransactionManager)
	txMgr.On("InTransaction", mock.Anything).Return(nil)

	var sawTx bool
	err := WithTransaction(context.Background(), txMgr, func(ctx context.Context) error {
		sawTx, _ = ctx.Value(txKey{}).(bool)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, sawTx)
	txMgr.AssertExpectations(t)
}

func TestWithTransaction_PropagatesError(t *testing.T) {
	txMgr := new(MockTransactionManager)
	txMgr.On("InTransaction", mock.Anything).Return(nil)

	want := errors.New("operation failed")
	err := WithTransaction(context.Background(), txMgr, func(ctx context.Context) error {
		return want
	})

	assert.ErrorIs(t, err, want)
}

func TestWithTransactionResult(t *testing.T) {
	t.Run("returns result on success", func(t *testing.T) {
		txMgr := new(MockTransactionManager)
		txMgr.On("InTransaction", mock.Anything).Return(nil)

		got, err := WithTransactionResult(context.Background(), txMgr, func(ctx context.Context) (int, error) {
			return 42, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 42, got)
	})

	t.Run("returns zero value when commit fails", func(t *testing.T) {
		txMgr := new(MockTransactionManager)
		txMgr.On("InTransaction", mock.Anything).Return(errors.New("commit failed"))

		got, err := WithTransactionResult(context.Background(), txMgr, func(ctx context.Context) (*string, error) {
			s := "partial"
			return &s, nil
		})

		require.Error(t, err)
		assert.Nil(t, got)
	})
}
