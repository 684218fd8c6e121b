package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubtab/ledger-engine/ledger"
)

// =============================================================================
// BALANCE DERIVATION
// =============================================================================

func TestCurrentBalance_EmptyAccount(t *testing.T) {
	_, mem, _, _ := newTestService()
	account := seedAccount(t, mem, ledger.Account{Member: true})

	balance, err := ledger.CurrentBalance(context.Background(), mem, account.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(0), balance)
}

func TestCurrentBalance_SumsSignedTransactions(t *testing.T) {
	sv, mem, _, _ := newTestService()
	ctx := context.Background()
	account := seedAccount(t, mem, ledger.Account{Member: true})
	seedProduct(t, mem, ledger.Product{Cost: 150, MemberCost: 100})

	deposit(t, sv, account.ID, 1000, barkeeper())
	_, err := sv.CreateOrder(ctx, ledger.OrderInput{
		Account: account.ID, Product: "beer", Quantity: 2, Issuer: barkeeper(),
	})
	require.NoError(t, err)

	balance, err := ledger.CurrentBalance(ctx, mem, account.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(800), balance)
}

func TestCurrentBudget_IncludesCredit(t *testing.T) {
	sv, mem, _, _ := newTestService()
	ctx := context.Background()
	account := seedAccount(t, mem, ledger.Account{Member: true, Credit: 300})
	deposit(t, sv, account.ID, 100, barkeeper())

	budget, err := ledger.CurrentBudget(ctx, mem, &account)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(400), budget)
}

func TestIsLiquid(t *testing.T) {
	sv, mem, _, _ := newTestService()
	ctx := context.Background()
	account := seedAccount(t, mem, ledger.Account{Member: true, Credit: 100})

	liquid, err := ledger.IsLiquid(ctx, mem, &account)
	require.NoError(t, err)
	assert.True(t, liquid)

	// Spend into the credit line: balance negative, budget still positive.
	_, err = sv.CreateCustom(ctx, ledger.CustomInput{
		Account: account.ID, Amount: 100, Action: ledger.ActionWithdraw, Issuer: barkeeper(),
	})
	require.NoError(t, err)

	liquid, err = ledger.IsLiquid(ctx, mem, &account)
	require.NoError(t, err)
	assert.False(t, liquid, "the full credit line is spent")
}

// =============================================================================
// BALANCE CLOSING
// =============================================================================

func TestCloseBalance_SnapshotNeutrality(t *testing.T) {
	// GIVEN: An account with open transactions
	// WHEN: The balance is closed
	// THEN: The derived balance is identical before and after
	sv, mem, _, _ := newTestService()
	ctx := context.Background()
	account := seedAccount(t, mem, ledger.Account{Member: true})
	seedProduct(t, mem, ledger.Product{Cost: 150, MemberCost: 100})

	deposit(t, sv, account.ID, 1000, barkeeper())
	_, err := sv.CreateOrder(ctx, ledger.OrderInput{
		Account: account.ID, Product: "beer", Issuer: barkeeper(),
	})
	require.NoError(t, err)

	before, err := ledger.CurrentBalance(ctx, mem, account.ID)
	require.NoError(t, err)

	snapshot, err := sv.CloseBalance(ctx, account.ID, admin())
	require.NoError(t, err)
	assert.Equal(t, before, snapshot.ClosingBalance)

	after, err := ledger.CurrentBalance(ctx, mem, account.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Every open transaction was attached to the snapshot.
	open, err := mem.UnsettledTransactions(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCloseBalance_NewTransactionsStartFresh(t *testing.T) {
	sv, mem, _, _ := newTestService()
	ctx := context.Background()
	account := seedAccount(t, mem, ledger.Account{Member: true})

	deposit(t, sv, account.ID, 1000, barkeeper())
	_, err := sv.CloseBalance(ctx, account.ID, admin())
	require.NoError(t, err)

	deposit(t, sv, account.ID, 200, barkeeper())

	sum, err := mem.UnsettledSum(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(200), sum, "only post-close transactions are open")

	balance, err := ledger.CurrentBalance(ctx, mem, account.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(1200), balance, "snapshot plus open sum")
}

func TestCloseBalance_RepeatedClose(t *testing.T) {
	sv, mem, clock, _ := newTestService()
	ctx := context.Background()
	account := seedAccount(t, mem, ledger.Account{Member: true})

	deposit(t, sv, account.ID, 500, barkeeper())
	first, err := sv.CloseBalance(ctx, account.ID, admin())
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := sv.CloseBalance(ctx, account.ID, admin())
	require.NoError(t, err)

	assert.Equal(t, first.ClosingBalance, second.ClosingBalance)
	assert.True(t, second.Timestamp.After(first.Timestamp))
}

func TestCloseBalance_PrivilegedOnly(t *testing.T) {
	sv, mem, _, _ := newTestService()
	account := seedAccount(t, mem, ledger.Account{Member: true})

	_, err := sv.CloseBalance(context.Background(), account.ID, barkeeper())
	assert.True(t, errors.Is(err, ledger.ErrPermissionDenied))
}

func TestCloseBalance_UnknownAccount(t *testing.T) {
	sv, _, _, _ := newTestService()
	_, err := sv.CloseBalance(context.Background(), ledger.NewAccountID(), admin())
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}
