package repository

import (
	"context"
	"errors"
	"testing"

	"coinledger/internal/ledger"
	"coinledger/internal/model"
	"coinledger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedAccount(t *testing.T, db *gorm.DB, id string, coins int64) *model.Account {
	t.Helper()
	acc := &model.Account{
		AccountID:      id,
		Coins:          coins,
		ReferralCode:   "CODE" + id,
		ReferralStatus: model.ReferralStatusNone,
	}
	require.NoError(t, NewAccountRepository(db).Create(context.Background(), nil, acc))
	return acc
}

func TestRunInTx_RetriesOptimisticLock(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewTxManager(db, 3)

	calls := 0
	err := m.RunInTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return ErrOptimisticLock
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunInTx_ExhaustedRetries(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewTxManager(db, 2)

	calls := 0
	err := m.RunInTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		return ErrOptimisticLock
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "first attempt plus two retries")
	assert.ErrorIs(t, err, ledger.ErrTxConflict)
	assert.Equal(t, ledger.CodeInternal, ledger.CodeOf(err))
}

func TestRunInTx_BusinessErrorNotRetried(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewTxManager(db, 5)

	calls := 0
	err := m.RunInTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		return ledger.ErrInsufficientFunds
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, ledger.CodeFailedPrecondition, ledger.CodeOf(err))
}

func TestRunInTx_StoreErrorIsInternal(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewTxManager(db, 5)

	err := m.RunInTx(context.Background(), func(tx *gorm.DB) error {
		return errors.New("disk full")
	})
	assert.Equal(t, ledger.CodeInternal, ledger.CodeOf(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	db := testutil.NewTestDB(t)
	seedAccount(t, db, "a", 100)
	repo := NewAccountRepository(db)
	m := NewTxManager(db, 1)
	ctx := context.Background()

	err := m.RunInTx(ctx, func(tx *gorm.DB) error {
		acc, err := repo.GetByAccountID(ctx, tx, "a")
		if err != nil {
			return err
		}
		acc.Coins = 0
		if err := repo.UpdateWithVersion(ctx, tx, acc); err != nil {
			return err
		}
		return ledger.ErrInsufficientFunds
	})
	require.Error(t, err)

	acc, err := repo.GetByAccountID(ctx, nil, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Coins)
	assert.Equal(t, 0, acc.Version)
}

func TestRunInTx_DuplicateKeyIsConflict(t *testing.T) {
	db := testutil.NewTestDB(t)
	entRepo := NewEntitlementRepository(db)
	m := NewTxManager(db, 1)
	ctx := context.Background()

	require.NoError(t, entRepo.Create(ctx, nil, &model.Entitlement{AccountID: "a", ContentID: "x", Source: model.EntitlementSourcePurchase}))

	calls := 0
	err := m.RunInTx(ctx, func(tx *gorm.DB) error {
		calls++
		if calls == 1 {
			return entRepo.Create(ctx, tx, &model.Entitlement{AccountID: "a", ContentID: "x", Source: model.EntitlementSourcePurchase})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
