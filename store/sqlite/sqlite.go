/*
Package sqlite provides the SQLite-backed TxStore implementation.

PURPOSE:
  Default persistence for the ledger engine. Use ":memory:" for an
  in-memory database (tests, dev).

KEY TABLES:
  accounts:         member accounts with credit limit and flags
  products:         purchasable products with regular/member cost
  transactions:     the append-only ledger (seq orders the event feed)
  account_balances: immutable closing snapshots

WRITE DISCIPLINE:
  Transactions are append-only. The only updates ever issued against the
  transactions table are the snapshot attachment (SettleTransactions) and
  the one-time reversal link (SetRelatedTransaction). There is no delete.

WAL MODE:
  Opened with WAL for better concurrency: readers don't block, single
  writer, better crash recovery. A mutex serializes writers on top, since
  SQLite allows one writer at a time anyway.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/clubtab/ledger-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex
}

// New opens (and migrates) a SQLite store at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One pooled connection: SQLite allows a single writer anyway, and
	// this keeps ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	store.conn = conn{q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		member INTEGER NOT NULL,
		permanent INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		credit INTEGER NOT NULL DEFAULT 0 CHECK (credit >= 0),
		grp TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cost INTEGER NOT NULL CHECK (cost >= 0),
		member_cost INTEGER NOT NULL CHECK (member_cost >= 0),
		grp TEXT NOT NULL DEFAULT '',
		ord INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS account_balances (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		timestamp TEXT NOT NULL,
		closing_balance INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balances_account_time
		ON account_balances(account_id, timestamp DESC);

	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount INTEGER NOT NULL CHECK (amount >= 0),
		tx_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		issuer_id TEXT,
		extra_json TEXT,
		closing_balance_id TEXT REFERENCES account_balances(id),
		related_id TEXT,
		idempotency_key TEXT
	);

	-- Balance derivation hot path: unsettled transactions per account.
	CREATE INDEX IF NOT EXISTS idx_transactions_unsettled
		ON transactions(account_id) WHERE closing_balance_id IS NULL;

	-- The reversal link is one-to-one.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_related
		ON transactions(related_id) WHERE related_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_transactions_account_time
		ON transactions(account_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithTx executes fn inside a database transaction. The store-level mutex is
// held for the whole unit so writers never race SQLite's single-writer lock.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &txStore{conn{q: sqlTx}}
	if err := fn(view); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the transactional view handed to WithTx callbacks.
type txStore struct {
	conn
}

// =============================================================================
// SHARED QUERY LAYER - works on both *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

// debitCase mirrors the ledger's closed debit classification in SQL.
const debitCase = `CASE WHEN tx_type IN ('WITHDRAW', 'ORDER', 'REVERT_WITHDRAW') THEN -amount ELSE amount END`

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

func (c conn) SaveAccount(ctx context.Context, a ledger.Account) error {
	query := `
		INSERT INTO accounts (id, display_name, full_name, member, permanent, active, credit, grp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			full_name = excluded.full_name,
			member = excluded.member,
			permanent = excluded.permanent,
			active = excluded.active,
			credit = excluded.credit,
			grp = excluded.grp
	`
	_, err := c.q.ExecContext(ctx, query,
		a.ID, a.DisplayName, a.FullName, a.Member, a.Permanent, a.Active,
		int64(a.Credit), a.Group, a.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (c conn) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT id, display_name, full_name, member, permanent, active, credit, grp, created_at
		FROM accounts WHERE id = ?`, id)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (c conn) ListAccounts(ctx context.Context, includeInactive bool) ([]ledger.Account, error) {
	query := `
		SELECT id, display_name, full_name, member, permanent, active, credit, grp, created_at
		FROM accounts`
	if !includeInactive {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY grp, display_name`

	rows, err := c.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAccount(row scannable) (*ledger.Account, error) {
	var (
		a         ledger.Account
		credit    int64
		createdAt string
	)
	err := row.Scan(&a.ID, &a.DisplayName, &a.FullName, &a.Member, &a.Permanent,
		&a.Active, &credit, &a.Group, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Credit = ledger.Amount(credit)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}

// -----------------------------------------------------------------------------
// Products
// -----------------------------------------------------------------------------

func (c conn) SaveProduct(ctx context.Context, p ledger.Product) error {
	query := `
		INSERT INTO products (id, name, cost, member_cost, grp, ord)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			cost = excluded.cost,
			member_cost = excluded.member_cost,
			grp = excluded.grp,
			ord = excluded.ord
	`
	_, err := c.q.ExecContext(ctx, query,
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
	err := c.q.QueryRowContext(ctx, `
		SELECT id, name, cost, member_cost, grp, ord FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &cost, &memberCost, &p.Group, &p.Order)
	if err == sql.ErrNoRows {
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
	rows, err := c.q.QueryContext(ctx, `
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
	var extraJSON sql.NullString
	if tx.Extra != nil {
		b, err := json.Marshal(tx.Extra)
		if err != nil {
			return fmt.Errorf("failed to encode extra payload: %w", err)
		}
		extraJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO transactions
		(id, account_id, amount, tx_type, timestamp, reason, issuer_id, extra_json,
		 closing_balance_id, related_id, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := c.q.ExecContext(ctx, query,
		tx.ID,
		tx.AccountID,
		int64(tx.Amount),
		string(tx.Type),
		tx.Timestamp.UTC().Format(time.RFC3339Nano),
		tx.Reason,
		nullString(tx.IssuerID),
		extraJSON,
		nullBalanceID(tx.ClosingBalanceID),
		nullTransactionID(tx.RelatedTransactionID),
		nullString(tx.IdempotencyKey),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAlreadyReverted
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transaction seq: %w", err)
	}
	tx.Seq = seq
	return nil
}

const transactionColumns = `seq, id, account_id, amount, tx_type, timestamp, reason,
	issuer_id, extra_json, closing_balance_id, related_id, idempotency_key`

func (c conn) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (c conn) SetRelatedTransaction(ctx context.Context, id, related ledger.TransactionID) error {
	result, err := c.q.ExecContext(ctx, `
		UPDATE transactions SET related_id = ? WHERE id = ? AND related_id IS NULL`,
		related, id)
	if err != nil {
		return fmt.Errorf("failed to link reversal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
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
		WHERE account_id = ? AND closing_balance_id IS NULL
		ORDER BY timestamp, seq`, account)
}

func (c conn) UnsettledSum(ctx context.Context, account ledger.AccountID) (ledger.Amount, error) {
	var sum int64
	err := c.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(`+debitCase+`), 0) FROM transactions
		WHERE account_id = ? AND closing_balance_id IS NULL`, account).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum unsettled transactions: %w", err)
	}
	return ledger.Amount(sum), nil
}

func (c conn) TransactionsAfter(ctx context.Context, seq int64, limit int) ([]ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE seq > ? ORDER BY seq`
	args := []any{seq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return c.queryTransactions(ctx, query, args...)
}

func (c conn) LatestTransaction(ctx context.Context) (*ledger.Transaction, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions ORDER BY seq DESC LIMIT 1`)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest transaction: %w", err)
	}
	return tx, nil
}

func (c conn) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
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

func scanTransaction(row scannable) (*ledger.Transaction, error) {
	var (
		tx        ledger.Transaction
		amount    int64
		txType    string
		timestamp string
		issuer    sql.NullString
		extra     sql.NullString
		closing   sql.NullString
		related   sql.NullString
		idemKey   sql.NullString
	)
	err := row.Scan(&tx.Seq, &tx.ID, &tx.AccountID, &amount, &txType, &timestamp,
		&tx.Reason, &issuer, &extra, &closing, &related, &idemKey)
	if err != nil {
		return nil, err
	}

	tx.Amount = ledger.Amount(amount)
	tx.Type = ledger.TransactionType(txType)
	tx.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	tx.IssuerID = issuer.String
	tx.IdempotencyKey = idemKey.String

	if extra.Valid {
		var e ledger.TransactionExtra
		if err := json.Unmarshal([]byte(extra.String), &e); err == nil {
			tx.Extra = &e
		}
	}
	if closing.Valid {
		id := ledger.BalanceID(closing.String)
		tx.ClosingBalanceID = &id
	}
	if related.Valid {
		id := ledger.TransactionID(related.String)
		tx.RelatedTransactionID = &id
	}
	return &tx, nil
}

// -----------------------------------------------------------------------------
// Snapshots
// -----------------------------------------------------------------------------

func (c conn) SaveSnapshot(ctx context.Context, b ledger.AccountBalance) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO account_balances (id, account_id, timestamp, closing_balance)
		VALUES (?, ?, ?, ?)`,
		b.ID, b.AccountID, b.Timestamp.UTC().Format(time.RFC3339Nano), int64(b.ClosingBalance))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (c conn) LastSnapshot(ctx context.Context, account ledger.AccountID) (*ledger.AccountBalance, error) {
	var (
		b         ledger.AccountBalance
		timestamp string
		closing   int64
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, account_id, timestamp, closing_balance FROM account_balances
		WHERE account_id = ? ORDER BY timestamp DESC LIMIT 1`, account).
		Scan(&b.ID, &b.AccountID, &timestamp, &closing)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last snapshot: %w", err)
	}
	b.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	b.ClosingBalance = ledger.Amount(closing)
	return &b, nil
}

func (c conn) SettleTransactions(ctx context.Context, account ledger.AccountID, balance ledger.BalanceID) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE transactions SET closing_balance_id = ?
		WHERE account_id = ? AND closing_balance_id IS NULL`, balance, account)
	if err != nil {
		return fmt.Errorf("failed to settle transactions: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBalanceID(id *ledger.BalanceID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullTransactionID(id *ledger.TransactionID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
