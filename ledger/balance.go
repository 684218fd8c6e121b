/*
balance.go - Balance derivation and snapshot closing

PURPOSE:
  Answers "how much does this account have?" without ever storing a running
  balance that can drift: current balance is always the last snapshot plus
  the debit-classified sum of unsettled transactions.

INVARIANTS:
  - Snapshotting is balance-neutral: current balance immediately after
    CloseBalance equals current balance immediately before it.
  - A transaction belongs to at most one snapshot, and snapshot transaction
    sets for the same account are disjoint (SettleTransactions only touches
    rows with no closing balance).
*/
package ledger

import (
	"context"
	"time"
)

// CurrentBalance returns the account's derived balance: the closing balance
// of the last snapshot (0 if none exists) plus the signed sum of all
// unsettled transactions.
func CurrentBalance(ctx context.Context, s Store, account AccountID) (Amount, error) {
	var base Amount
	last, err := s.LastSnapshot(ctx, account)
	if err != nil {
		return 0, err
	}
	if last != nil {
		base = last.ClosingBalance
	}

	unsettled, err := s.UnsettledSum(ctx, account)
	if err != nil {
		return 0, err
	}
	return base + unsettled, nil
}

// CurrentBudget returns the balance plus the account's credit limit: how far
// the account may still be debited.
func CurrentBudget(ctx context.Context, s Store, a *Account) (Amount, error) {
	balance, err := CurrentBalance(ctx, s, a.ID)
	if err != nil {
		return 0, err
	}
	return balance + a.Credit, nil
}

// IsLiquid reports whether the account has budget left.
func IsLiquid(ctx context.Context, s Store, a *Account) (bool, error) {
	budget, err := CurrentBudget(ctx, s, a)
	if err != nil {
		return false, err
	}
	return budget > 0, nil
}

// CloseBalance snapshots the account's current balance and attaches every
// unsettled transaction to the new snapshot, in one atomic unit. A
// transaction created concurrently either lands entirely before the snapshot
// (and is settled by it) or entirely after (and stays unsettled).
func CloseBalance(ctx context.Context, ts TxStore, account AccountID, now time.Time) (*AccountBalance, error) {
	var snapshot AccountBalance
	err := ts.WithTx(ctx, func(s Store) error {
		acc, err := s.GetAccount(ctx, account)
		if err != nil {
			return err
		}
		if acc == nil {
			return ErrNotFound
		}

		balance, err := CurrentBalance(ctx, s, account)
		if err != nil {
			return err
		}

		snapshot = AccountBalance{
			ID:             NewBalanceID(),
			AccountID:      account,
			Timestamp:      now,
			ClosingBalance: balance,
		}
		if err := s.SaveSnapshot(ctx, snapshot); err != nil {
			return err
		}
		return s.SettleTransactions(ctx, account, snapshot.ID)
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}
