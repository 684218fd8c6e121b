package ledger

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type ProductID string
type TransactionID string
type BalanceID string

func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }
func NewBalanceID() BalanceID         { return BalanceID(uuid.NewString()) }
func NewAccountID() AccountID         { return AccountID(uuid.NewString()) }

// =============================================================================
// TRANSACTION TYPES - Debit classification is a closed, explicit set
// =============================================================================

type TransactionType string

const (
	TxDeposit        TransactionType = "DEPOSIT"
	TxWithdraw       TransactionType = "WITHDRAW"
	TxOrder          TransactionType = "ORDER"
	TxRevertDeposit  TransactionType = "REVERT_DEPOSIT"  // adds; reverses a debit-class original
	TxRevertWithdraw TransactionType = "REVERT_WITHDRAW" // subtracts; reverses a credit-class original
)

// debitTypes lists the types whose amount is subtracted when computing
// balance. Kept as an explicit map literal, never derived from sign.
var debitTypes = map[TransactionType]bool{
	TxWithdraw:       true,
	TxOrder:          true,
	TxRevertWithdraw: true,
}

// IsDebit reports whether t subtracts from balance.
func (t TransactionType) IsDebit() bool { return debitTypes[t] }

// RevertType returns the type a reversal of t must carry: the opposite
// debit/credit classification.
func (t TransactionType) RevertType() TransactionType {
	if t.IsDebit() {
		return TxRevertDeposit
	}
	return TxRevertWithdraw
}

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdraw, TxOrder, TxRevertDeposit, TxRevertWithdraw:
		return true
	}
	return false
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a member account transactions are recorded against.
// Active=false soft-deletes it from ordinary listing but not from history.
type Account struct {
	ID          AccountID
	DisplayName string
	FullName    string
	Member      bool
	Permanent   bool
	Active      bool
	Credit      Amount // non-negative credit limit
	Group       string // optional display group
	CreatedAt   time.Time
}

// =============================================================================
// ACCOUNT BALANCE - Immutable snapshot
// =============================================================================

// AccountBalance is a closing snapshot. Immutable once created; every
// unsettled transaction of the account is attached to it at close time.
type AccountBalance struct {
	ID             BalanceID
	AccountID      AccountID
	Timestamp      time.Time
	ClosingBalance Amount // signed
}

// =============================================================================
// TRANSACTION
// =============================================================================

// TransactionExtra is the optional structured payload for orders.
type TransactionExtra struct {
	Product  ProductID `json:"product"`
	Quantity int       `json:"quantity"`
}

// Transaction is an immutable ledger entry. Amount is stored unsigned; sign
// is derived from the debit classification of Type.
type Transaction struct {
	ID        TransactionID
	Seq       int64 // store-assigned, monotonic; orders the event feed
	AccountID AccountID
	Amount    Amount // unsigned
	Type      TransactionType
	Timestamp time.Time
	Reason    string
	IssuerID  string // empty if the issuer has been deleted
	Extra     *TransactionExtra

	// ClosingBalanceID is nil while the transaction is unsettled.
	ClosingBalanceID *BalanceID

	// RelatedTransactionID links an original to its reversal, symmetrically.
	// Set at most once; a non-nil value means the transaction is reverted.
	RelatedTransactionID *TransactionID

	// IdempotencyKey associates the transaction with the client request that
	// created it. Carried into the event feed, not used for storage dedup.
	IdempotencyKey string
}

// SignedAmount applies the debit classification to the stored amount.
func (t *Transaction) SignedAmount() Amount {
	if t.Type.IsDebit() {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Reverted reports whether the transaction already has a linked reversal.
func (t *Transaction) Reverted() bool { return t.RelatedTransactionID != nil }

// =============================================================================
// PRODUCT
// =============================================================================

type Product struct {
	ID         ProductID
	Name       string
	Cost       Amount
	MemberCost Amount
	Group      string
	Order      int
}

// PriceFor returns the unit price for an account, honoring the
// invert-member-status flag (purchase on behalf of the other class).
func (p *Product) PriceFor(member, invert bool) Amount {
	if member != invert {
		return p.MemberCost
	}
	return p.Cost
}

// =============================================================================
// ISSUER - Externally authenticated identity
// =============================================================================

// Permission names checked by the lifecycle operations.
const (
	PermAddTransaction       = "add_transaction"
	PermAddDeposit           = "add_deposit_transaction"
	PermAddWithdraw          = "add_withdraw_transaction"
	PermAddPermanentDeposit  = "add_permanent_deposit_transaction"
	PermAddPermanentWithdraw = "add_permanent_withdraw_transaction"
	PermAddAccount           = "add_account"
	PermAddPermanentAccount  = "add_permanent_account"
)

// Issuer is the already-authenticated identity performing an operation.
// The permission-check capability is supplied by the caller; this engine
// never authenticates.
type Issuer interface {
	IssuerID() string
	DisplayName() string
	IsPrivileged() bool
	HasPermission(name string) bool
}

// StaticIssuer is an Issuer backed by a fixed permission set. Privileged
// issuers hold every permission implicitly.
type StaticIssuer struct {
	ID          string
	Name        string
	Privileged  bool
	Permissions map[string]bool
}

func (s *StaticIssuer) IssuerID() string    { return s.ID }
func (s *StaticIssuer) DisplayName() string { return s.Name }
func (s *StaticIssuer) IsPrivileged() bool  { return s.Privileged }

func (s *StaticIssuer) HasPermission(name string) bool {
	if s.Privileged {
		return true
	}
	return s.Permissions[name]
}
