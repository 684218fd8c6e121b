/*
store.go - Persistence contract for the transaction engine

PURPOSE:
  Defines the interface between the domain logic and the database. Different
  implementations use SQLite, PostgreSQL, or in-memory storage.

APPEND-ONLY CONTRACT:
  Transactions are append-only with two narrow exceptions required by the
  data model:
  - SettleTransactions attaches unsettled transactions to a new snapshot
    (close_balance); it never touches amount, type, or timestamp.
  - SetRelatedTransaction links an original to its reversal, at most once.
  There is no delete.

ATOMIC UNITS:
  Transaction creation, reversal, and balance closing each run inside a
  single WithTx unit. Sufficiency checks are re-validated inside the same
  unit that inserts the transaction, so concurrent distinct requests for the
  same account cannot race check-then-act.

IMPLEMENTATIONS:
  - ledger/store: in-memory, for tests and development
  - store/sqlite: SQLite (default)
  - store/postgres: PostgreSQL via pgx
*/
package ledger

import "context"

// Store handles persistence for accounts, products, transactions, and
// balance snapshots.
type Store interface {
	// Accounts
	SaveAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
	// ListAccounts returns accounts ordered by group then display name.
	// Inactive accounts are omitted unless includeInactive is set.
	ListAccounts(ctx context.Context, includeInactive bool) ([]Account, error)

	// Products
	SaveProduct(ctx context.Context, p Product) error
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	ListProducts(ctx context.Context) ([]Product, error)

	// Transactions. AppendTransaction assigns tx.Seq.
	AppendTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	// SetRelatedTransaction links id -> related. Fails if already linked.
	SetRelatedTransaction(ctx context.Context, id, related TransactionID) error
	// UnsettledTransactions returns the transactions with no closing
	// balance for the account, ordered by timestamp ascending.
	UnsettledTransactions(ctx context.Context, account AccountID) ([]Transaction, error)
	// UnsettledSum returns the signed, debit-classified sum of the
	// account's unsettled transactions.
	UnsettledSum(ctx context.Context, account AccountID) (Amount, error)
	// TransactionsAfter returns up to limit transactions with Seq > seq,
	// ordered by Seq ascending. Feeds stream catch-up.
	TransactionsAfter(ctx context.Context, seq int64, limit int) ([]Transaction, error)
	// LatestTransaction returns the transaction with the highest Seq, or
	// nil if none exist.
	LatestTransaction(ctx context.Context) (*Transaction, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, b AccountBalance) error
	// LastSnapshot returns the most recent snapshot for the account, or nil.
	LastSnapshot(ctx context.Context, account AccountID) (*AccountBalance, error)
	// SettleTransactions attaches every unsettled transaction of the
	// account to the given snapshot.
	SettleTransactions(ctx context.Context, account AccountID, balance BalanceID) error
}

// TxStore wraps Store with transaction support. WithTx executes fn within an
// atomic unit: if fn returns an error the unit is rolled back, otherwise it
// is committed. No partially-applied state is observable from outside.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
