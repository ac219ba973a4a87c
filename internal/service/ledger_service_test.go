package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/chat_billing_server/internal/model"
	"github.com/qs3c/chat_billing_server/internal/repository"
	"github.com/qs3c/chat_billing_server/internal/testutil"
)

func TestLedgerService_CreateAccount(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	ledger, _ := newLedger(db)

	account, err := ledger.CreateAccount(ctx, " New@Example.com ", 500)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", account.Email)
	assert.Equal(t, int64(500), account.Balance)

	txns, total, err := ledger.Transactions(account.ID, 1, 20)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, model.TransactionCredit, txns[0].Kind)
	assert.Equal(t, model.ReferenceAdmin, txns[0].ReferenceType)

	_, err = ledger.CreateAccount(ctx, "new@example.com", 0)
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = ledger.CreateAccount(ctx, "not-an-email", 0)
	assert.ErrorIs(t, err, ErrInvalidEmail)

	found, err := ledger.AccountByEmail("NEW@example.com")
	require.NoError(t, err)
	assert.Equal(t, account.ID, found.ID)
}

func TestLedgerService_Debit(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes balance update", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.CleanupTestDB(t, db)
		ledger, notifier := newLedger(db)

		account := testutil.TestAccount(t, db, testutil.WithBalance(100))

		res, err := ledger.Debit(ctx, DebitRequest{
			AccountID:     account.ID,
			Amount:        60,
			ReferenceType: model.ReferenceUsage,
			ReferenceID:   "evt-1",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(40), res.NewBalance)
		assert.False(t, res.Partial)

		msg := notifier.last()
		require.NotNil(t, msg)
		assert.Equal(t, account.ID, msg.AccountID)
		assert.Equal(t, model.TransactionDebit, msg.Kind)
		assert.Equal(t, int64(40), msg.Balance)
		assert.Equal(t, int64(-60), msg.Delta)
		assert.Equal(t, res.TransactionID, msg.TransactionID)
	})

	t.Run("partial debit is flagged", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.CleanupTestDB(t, db)
		ledger, notifier := newLedger(db)

		account := testutil.TestAccount(t, db, testutil.WithBalance(40))

		res, err := ledger.Debit(ctx, DebitRequest{
			AccountID:     account.ID,
			Amount:        60,
			ReferenceType: model.ReferenceUsage,
		})
		require.NoError(t, err)
		assert.True(t, res.Partial)
		assert.Equal(t, int64(40), res.Charged)
		assert.Equal(t, int64(0), res.NewBalance)

		msg := notifier.last()
		require.NotNil(t, msg)
		assert.True(t, msg.Partial)
		assert.Equal(t, int64(-40), msg.Delta)
	})

	t.Run("zero balance is rejected without notification", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.CleanupTestDB(t, db)
		ledger, notifier := newLedger(db)

		account := testutil.TestAccount(t, db)

		_, err := ledger.Debit(ctx, DebitRequest{
			AccountID:     account.ID,
			Amount:        1,
			ReferenceType: model.ReferenceUsage,
		})
		var insufficient *repository.InsufficientBalanceError
		require.True(t, errors.As(err, &insufficient))
		assert.Equal(t, int64(0), insufficient.Current)
		assert.Equal(t, int64(1), insufficient.Requested)
		assert.Nil(t, notifier.last())
	})

	t.Run("reference type is required", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.CleanupTestDB(t, db)
		ledger, _ := newLedger(db)

		account := testutil.TestAccount(t, db, testutil.WithBalance(10))

		_, err := ledger.Debit(ctx, DebitRequest{AccountID: account.ID, Amount: 1})
		assert.ErrorIs(t, err, ErrMissingReference)
	})

	t.Run("notifier failure does not fail the debit", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.CleanupTestDB(t, db)
		ledger, notifier := newLedger(db)
		notifier.err = errors.New("redis down")

		account := testutil.TestAccount(t, db, testutil.WithBalance(10))

		res, err := ledger.Debit(ctx, DebitRequest{
			AccountID:     account.ID,
			Amount:        5,
			ReferenceType: model.ReferenceUsage,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5), res.NewBalance)
	})
}

func TestLedgerService_CreditAndReset(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	ledger, notifier := newLedger(db)
	account := testutil.TestAccount(t, db, testutil.WithBalance(500))

	credit, err := ledger.Credit(ctx, CreditRequest{
		AccountID:   account.ID,
		Amount:      50,
		Reason:      model.ReferencePromotion,
		ReferenceID: "promo-50",
		Description: "welcome bonus",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(550), credit.NewBalance)
	assert.Equal(t, int64(500), credit.BalanceBefore)
	assert.Equal(t, int64(50), notifier.last().Delta)

	reset, err := ledger.Reset(ctx, ResetRequest{
		AccountID:      account.ID,
		NewBalance:     1_000_000,
		Reason:         model.ReferenceRenewal,
		ReferenceID:    "renewal-1",
		PlanName:       "pro",
		SubscriptionID: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), reset.NewBalance)
	assert.Equal(t, int64(550), reset.BalanceBefore)

	msg := notifier.last()
	assert.Equal(t, model.TransactionReset, msg.Kind)
	assert.Equal(t, int64(1_000_000-550), msg.Delta)

	txn, err := ledger.Transaction(account.ID, reset.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "pro", txn.Metadata["plan_name"])
	assert.Equal(t, int64(42), testutil.MetadataInt(t, txn.Metadata, "subscription_id"))
	assert.Equal(t, int64(550), testutil.MetadataInt(t, txn.Metadata, "balance_before"))

	_, err = ledger.Reset(ctx, ResetRequest{AccountID: account.ID, NewBalance: -1, Reason: model.ReferenceAdmin})
	assert.ErrorIs(t, err, repository.ErrNegativeBalance)

	_, err = ledger.Credit(ctx, CreditRequest{AccountID: account.ID, Amount: 0, Reason: model.ReferenceAdmin})
	assert.ErrorIs(t, err, repository.ErrInvalidAmount)

	_, err = ledger.Reset(ctx, ResetRequest{AccountID: 99999, NewBalance: 10, Reason: model.ReferenceAdmin})
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}

func TestLedgerService_Transaction_OtherAccount(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	ledger, _ := newLedger(db)
	owner := testutil.TestAccount(t, db)
	other := testutil.TestAccount(t, db)

	res, err := ledger.Credit(ctx, CreditRequest{AccountID: owner.ID, Amount: 10, Reason: model.ReferenceAdmin})
	require.NoError(t, err)

	_, err = ledger.Transaction(other.ID, res.TransactionID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = ledger.Transaction(owner.ID, 99999)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestLedgerService_Transactions_Paging(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	ledger, _ := newLedger(db)
	account := testutil.TestAccount(t, db)

	for i := 0; i < 5; i++ {
		_, err := ledger.Credit(ctx, CreditRequest{AccountID: account.ID, Amount: int64(i + 1), Reason: model.ReferenceAdmin})
		require.NoError(t, err)
	}

	txns, total, err := ledger.Transactions(account.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(5), txns[0].Amount)

	// 非法分页参数回落到默认值
	txns, _, err = ledger.Transactions(account.ID, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, txns, 5)

	_, _, err = ledger.Transactions(99999, 1, 20)
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}

func TestLedgerService_Replay(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	ledger, _ := newLedger(db)

	account, err := ledger.CreateAccount(ctx, "replay@example.com", 100)
	require.NoError(t, err)

	_, err = ledger.Debit(ctx, DebitRequest{AccountID: account.ID, Amount: 30, ReferenceType: model.ReferenceUsage})
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, DebitRequest{AccountID: account.ID, Amount: 500, ReferenceType: model.ReferenceUsage})
	require.NoError(t, err)
	_, err = ledger.Reset(ctx, ResetRequest{AccountID: account.ID, NewBalance: 1000, Reason: model.ReferenceRenewal})
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, CreditRequest{AccountID: account.ID, Amount: 25, Reason: model.ReferenceRefund})
	require.NoError(t, err)

	report, err := ledger.Replay(account.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 5, report.Transactions)
	assert.Equal(t, int64(1025), report.Replayed)
	assert.Equal(t, int64(1025), report.Balance)
	assert.Zero(t, report.FirstMismatchID)

	// 绕过账本直接改余额
	require.NoError(t, db.Model(&model.Account{}).Where("id = ?", account.ID).Update("balance", 7).Error)

	report, err = ledger.Replay(account.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, int64(1025), report.Replayed)
	assert.Equal(t, int64(7), report.Balance)
}
