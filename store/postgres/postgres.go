/*
Package postgres provides the PostgreSQL-backed TxStore implementation.

PURPOSE:
  Production persistence for deployments that outgrow the embedded SQLite
  store. Same schema shape and write discipline, but sequencing comes from
  a BIGSERIAL column and concurrency control from real database
  transactions (no store-level mutex needed).

WRITE DISCIPLINE:
  Transactions are append-only. The only updates issued against the
  transactions table are the snapshot attachment (SettleTransactions) and
  the one-time reversal link (SetRelatedTransaction).
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clubtab/ledger-engine/ledger"
)

// Store implements ledger.TxStore using PostgreSQL.
type Store struct {
	conn
	pool *pgxpool.Pool
}

// New connects to PostgreSQL using the given DSN and runs migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool}
	store.conn = conn{q: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		member BOOLEAN NOT NULL,
		permanent BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		credit BIGINT NOT NULL DEFAULT 0 CHECK (credit >= 0),
		grp TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cost BIGINT NOT NULL CHECK (cost >= 0),
		member_cost BIGINT NOT NULL CHECK (member_cost >= 0),
		grp TEXT NOT NULL DEFAULT '',
		ord BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS account_balances (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		ts TIMESTAMPTZ NOT NULL,
		closing_balance BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balances_account_time
		ON account_balances(account_id, ts DESC);

	CREATE TABLE IF NOT EXISTS transactions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount BIGINT NOT NULL CHECK (amount >= 0),
		tx_type TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		issuer_id TEXT,
		extra_json JSONB,
		closing_balance_id TEXT REFERENCES account_balances(id),
		related_id TEXT,
		idempotency_key TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_unsettled
		ON transactions(account_id) WHERE closing_balance_id IS NULL;

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_related
		ON transactions(related_id) WHERE related_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_transactions_account_time
		ON transactions(account_id, ts);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// WithTx executes fn inside a repeatable read database transaction.
// Snapshot isolation alone does not serialize two concurrent budget
// checks against the same account: both would read the same unsettled
// sum, pass, and insert non-conflicting rows. The transaction view's
// GetAccount therefore takes a row lock on the account, which every
// lifecycle operation reads before touching money. The unique reversal
// index rejects concurrent double reverts at commit.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	view := &txStore{conn{q: pgTx}}
	if err := fn(view); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type txStore struct {
	conn
}

// GetAccount on the transaction view locks the account row until commit,
// serializing concurrent balance checks for the same account.
func (t *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, t.q, id, " FOR UPDATE")
}

// =============================================================================
// SHARED QUERY LAYER - works on both *pgxpool.Pool and pgx.Tx
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

const debitCase = `CASE WHEN tx_type IN ('WITHDRAW', 'ORDER', 'REVERT_WITHDRAW') THEN -amount ELSE amount END`

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

func (c conn) SaveAccount(ctx context.Context, a ledger.Account) error {
	query := `
		INSERT INTO accounts (id, display_name, full_name, member, permanent, active, credit, grp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			full_name = excluded.full_name,
			member = excluded.member,
			permanent = excluded.permanent,
			active = excluded.active,
			credit = excluded.credit,
			grp = excluded.grp
	`
	_, err := c.q.Exec(ctx, query,
		a.ID, a.DisplayName, a.FullName, a.Member, a.Permanent, a.Active,
		int64(a.Credit), a.Group, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (c conn) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, c.q, id, "")
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID, lock string) (*ledger.Account, error) {
	var (
		a      ledger.Account
		credit int64
	)
	err := q.QueryRow(ctx, `
		SELECT id, display_name, full_name, member, permanent, active, credit, grp, created_at
		FROM accounts WHERE id = $1`+lock, id).
		Scan(&a.ID, &a.DisplayName, &a.FullName, &a.Member, &a.Permanent,
			&a.Active, &credit, &a.Group, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.Credit = ledger.Amount(credit)
	return &a, nil
}

func (c conn) ListAccounts(ctx context.Context, includeInactive bool) ([]ledger.Account, error) {
	query := `
		SELECT id, display_name, full_name, member, permanent, active, credit, grp, created_at
		FROM accounts`
	if !includeInactive {
		query += ` WHERE active`
	}
	query += ` ORDER BY grp, display_name`

	rows, err := c.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var (
			a      ledger.Account
			credit int64
		)
		err := rows.Scan(&a.ID, &a.DisplayName, &a.FullName, &a.Member, &a.Permanent,
			&a.Active, &credit, &a.Group, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		a.Credit = ledger.Amount(credit)
		out = append(out, a)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Products
// -----------------------------------------------------------------------------

func (c conn) SaveProduct(ctx context.Context, p ledger.Product) error {
	query := `
		INSERT INTO products (id, name, cost, member_cost, grp, ord)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			cost = excluded.cost,
			member_cost = excluded.member_cost,
			grp = excluded.grp,
			ord = excluded.ord
	`
	_, err := c.q.Exec(ctx, query,
		p.ID, p.Name, int64(p.Cost), int64(p.MemberCost), p.Group, p.Order)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func (c conn) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	var (
		p          ledger.Product
		cost       int64
		memberCost int64
	)
	err := c.q.QueryRow(ctx, `
		SELECT id, name, cost, member_cost, grp, ord FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &cost, &memberCost, &p.Group, &p.Order)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	p.Cost = ledger.Amount(cost)
	p.MemberCost = ledger.Amount(memberCost)
	return &p, nil
}

func (c conn) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	rows, err := c.q.Query(ctx, `
		SELECT id, name, cost, member_cost, grp, ord FROM products ORDER BY grp, ord`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []ledger.Product
	for rows.Next() {
		var (
			p          ledger.Product
			cost       int64
			memberCost int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &cost, &memberCost, &p.Group, &p.Order); err != nil {
			return nil, err
		}
		p.Cost = ledger.Amount(cost)
		p.MemberCost = ledger.Amount(memberCost)
		out = append(out, p)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

func (c conn) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, account_id, amount, tx_type, ts, reason, issuer_id, extra_json,
		 closing_balance_id, related_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq
	`
	err := c.q.QueryRow(ctx, query,
		tx.ID,
		tx.AccountID,
		int64(tx.Amount),
		string(tx.Type),
		tx.Timestamp,
		tx.Reason,
		nullableString(tx.IssuerID),
		tx.Extra,
		tx.ClosingBalanceID,
		tx.RelatedTransactionID,
		nullableString(tx.IdempotencyKey),
	).Scan(&tx.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrAlreadyReverted
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

const transactionColumns = `seq, id, account_id, amount, tx_type, ts, reason,
	issuer_id, extra_json, closing_balance_id, related_id, idempotency_key`

func (c conn) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := c.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (c conn) SetRelatedTransaction(ctx context.Context, id, related ledger.TransactionID) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE transactions SET related_id = $1 WHERE id = $2 AND related_id IS NULL`,
		related, id)
	if err != nil {
		return fmt.Errorf("failed to link reversal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := c.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ledger.ErrNotFound
		}
		return ledger.ErrAlreadyReverted
	}
	return nil
}

func (c conn) UnsettledTransactions(ctx context.Context, account ledger.AccountID) ([]ledger.Transaction, error) {
	return c.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE account_id = $1 AND closing_balance_id IS NULL
		ORDER BY ts, seq`, account)
}

func (c conn) UnsettledSum(ctx context.Context, account ledger.AccountID) (ledger.Amount, error) {
	var sum int64
	err := c.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(`+debitCase+`), 0) FROM transactions
		WHERE account_id = $1 AND closing_balance_id IS NULL`, account).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum unsettled transactions: %w", err)
	}
	return ledger.Amount(sum), nil
}

func (c conn) TransactionsAfter(ctx context.Context, seq int64, limit int) ([]ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE seq > $1 ORDER BY seq`
	args := []any{seq}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return c.queryTransactions(ctx, query, args...)
}

func (c conn) LatestTransaction(ctx context.Context) (*ledger.Transaction, error) {
	row := c.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions ORDER BY seq DESC LIMIT 1`)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest transaction: %w", err)
	}
	return tx, nil
}

func (c conn) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var (
		tx      ledger.Transaction
		amount  int64
		txType  string
		issuer  *string
		extra   *ledger.TransactionExtra
		closing *ledger.BalanceID
		related *ledger.TransactionID
		idemKey *string
	)
	err := row.Scan(&tx.Seq, &tx.ID, &tx.AccountID, &amount, &txType, &tx.Timestamp,
		&tx.Reason, &issuer, &extra, &closing, &related, &idemKey)
	if err != nil {
		return nil, err
	}

	tx.Amount = ledger.Amount(amount)
	tx.Type = ledger.TransactionType(txType)
	if issuer != nil {
		tx.IssuerID = *issuer
	}
	if idemKey != nil {
		tx.IdempotencyKey = *idemKey
	}
	tx.Extra = extra
	tx.ClosingBalanceID = closing
	tx.RelatedTransactionID = related
	return &tx, nil
}

// -----------------------------------------------------------------------------
// Snapshots
// -----------------------------------------------------------------------------

func (c conn) SaveSnapshot(ctx context.Context, b ledger.AccountBalance) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO account_balances (id, account_id, ts, closing_balance)
		VALUES ($1, $2, $3, $4)`,
		b.ID, b.AccountID, b.Timestamp, int64(b.ClosingBalance))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (c conn) LastSnapshot(ctx context.Context, account ledger.AccountID) (*ledger.AccountBalance, error) {
	var (
		b       ledger.AccountBalance
		closing int64
	)
	err := c.q.QueryRow(ctx, `
		SELECT id, account_id, ts, closing_balance FROM account_balances
		WHERE account_id = $1 ORDER BY ts DESC LIMIT 1`, account).
		Scan(&b.ID, &b.AccountID, &b.Timestamp, &closing)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last snapshot: %w", err)
	}
	b.ClosingBalance = ledger.Amount(closing)
	return &b, nil
}

func (c conn) SettleTransactions(ctx context.Context, account ledger.AccountID, balance ledger.BalanceID) error {
	_, err := c.q.Exec(ctx, `
		UPDATE transactions SET closing_balance_id = $1
		WHERE account_id = $2 AND closing_balance_id IS NULL`, balance, account)
	if err != nil {
		return fmt.Errorf("failed to settle transactions: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
