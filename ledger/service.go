/*
service.go - Transaction lifecycle

PURPOSE:
  Creates transactions (orders, custom deposits/withdrawals, reversals),
  enforcing authorization and sufficiency-of-funds rules. Every mutation runs
  its checks and its insert inside one atomic store unit, then publishes a
  `create` event on the transaction channel.

AUTHORIZATION:
  - Orders require the add_transaction permission.
  - Custom transactions require one of four permissions, looked up from an
    explicit (action, permanent) table, so "can deposit" and "can deposit to
    permanent accounts" are independently grantable.
  - Reversal: privileged issuers may always revert; others only their own
    issuance within RevertThreshold of the original timestamp.

REVERSAL:
  The only legal state transition is Open -> Reverted. A reversal creates a
  second transaction with the opposite debit/credit classification and the
  same absolute amount, linked bidirectionally to the original. Both sides
  are created in one atomic unit.
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Defaults for the configurable thresholds.
const (
	DefaultRevertThreshold   = 12 * time.Hour
	DefaultTimejumpThreshold = 6 * time.Hour
)

// Action selects the direction of a custom transaction.
type Action string

const (
	ActionDeposit  Action = "deposit"
	ActionWithdraw Action = "withdraw"
)

type permissionKey struct {
	Action    Action
	Permanent bool
}

// customTransactionPermission maps (action, account.permanent) to the
// required permission. An explicit table, not dynamic dispatch.
var customTransactionPermission = map[permissionKey]string{
	{ActionDeposit, false}:  PermAddDeposit,
	{ActionWithdraw, false}: PermAddWithdraw,
	{ActionDeposit, true}:   PermAddPermanentDeposit,
	{ActionWithdraw, true}:  PermAddPermanentWithdraw,
}

// Service implements the transaction lifecycle on top of a TxStore.
type Service struct {
	Store TxStore
	Bus   EventPublisher

	RevertThreshold   time.Duration
	TimejumpThreshold time.Duration

	// Now is the clock; replaceable in tests.
	Now func() time.Time
}

// NewService creates a Service with the default thresholds.
func NewService(store TxStore, bus EventPublisher) *Service {
	if bus == nil {
		bus = NopPublisher{}
	}
	return &Service{
		Store:             store,
		Bus:               bus,
		RevertThreshold:   DefaultRevertThreshold,
		TimejumpThreshold: DefaultTimejumpThreshold,
		Now:               time.Now,
	}
}

// =============================================================================
// ORDER
// =============================================================================

// OrderInput describes a product purchase.
type OrderInput struct {
	Account  AccountID
	Product  ProductID
	Issuer   Issuer
	Quantity int
	// InvertMember prices the order for the opposite membership class
	// (purchase made on behalf of a member/non-member).
	InvertMember   bool
	IdempotencyKey string
}

// CreateOrder records an ORDER transaction for a product purchase. Fails
// with ErrInsufficientFunds if the price exceeds the account's current
// budget, re-checked inside the same atomic unit that inserts the row.
func (sv *Service) CreateOrder(ctx context.Context, in OrderInput) (*Transaction, error) {
	if in.Quantity == 0 {
		in.Quantity = 1
	}
	if in.Quantity < 1 {
		return nil, &FieldError{Field: "quantity", Message: "must be at least 1"}
	}
	if in.Issuer == nil || !in.Issuer.HasPermission(PermAddTransaction) {
		return nil, ErrPermissionDenied
	}

	var (
		tx    Transaction
		event TransactionEvent
	)
	err := sv.Store.WithTx(ctx, func(s Store) error {
		account, err := activeAccount(ctx, s, in.Account)
		if err != nil {
			return err
		}
		product, err := s.GetProduct(ctx, in.Product)
		if err != nil {
			return err
		}
		if product == nil {
			return ErrNotFound
		}

		price := product.PriceFor(account.Member, in.InvertMember) * Amount(in.Quantity)

		budget, err := CurrentBudget(ctx, s, account)
		if err != nil {
			return err
		}
		if budget < price {
			return &InsufficientFundsError{AccountID: account.ID, Budget: budget, Requested: price}
		}

		reason := product.Name
		if in.Quantity > 1 {
			reason = fmt.Sprintf("%dx %s", in.Quantity, product.Name)
		}
		if in.InvertMember {
			if account.Member {
				reason = "For extern: " + reason
			} else {
				reason = "For intern: " + reason
			}
		}

		tx = Transaction{
			ID:             NewTransactionID(),
			AccountID:      account.ID,
			Amount:         price,
			Type:           TxOrder,
			Timestamp:      sv.Now(),
			Reason:         reason,
			IssuerID:       in.Issuer.IssuerID(),
			Extra:          &TransactionExtra{Product: product.ID, Quantity: in.Quantity},
			IdempotencyKey: in.IdempotencyKey,
		}
		if err := s.AppendTransaction(ctx, &tx); err != nil {
			return err
		}

		balance, err := CurrentBalance(ctx, s, account.ID)
		if err != nil {
			return err
		}
		event = NewTransactionEvent(&tx, account, balance)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sv.Bus.Publish(ChannelTransaction, EventCreate, event, string(tx.ID))
	return &tx, nil
}

// =============================================================================
// CUSTOM DEPOSIT / WITHDRAW
// =============================================================================

// CustomInput describes an arbitrary deposit or withdrawal.
type CustomInput struct {
	Account        AccountID
	Amount         Amount // must be positive; direction comes from Action
	Action         Action
	Issuer         Issuer
	Reason         string
	IdempotencyKey string
}

// CreateCustom records a DEPOSIT or WITHDRAW transaction. The issuer must
// hold the permission for the (action, account.permanent) pair. Withdrawals
// fail with ErrInsufficientFunds if they would drive the budget negative.
func (sv *Service) CreateCustom(ctx context.Context, in CustomInput) (*Transaction, error) {
	if in.Action != ActionDeposit && in.Action != ActionWithdraw {
		return nil, &FieldError{Field: "action", Message: "must be deposit or withdraw"}
	}
	if in.Amount < 1 {
		return nil, &FieldError{Field: "amount", Message: "must be positive"}
	}
	if in.Issuer == nil {
		return nil, ErrPermissionDenied
	}

	var (
		tx    Transaction
		event TransactionEvent
	)
	err := sv.Store.WithTx(ctx, func(s Store) error {
		account, err := activeAccount(ctx, s, in.Account)
		if err != nil {
			return err
		}

		required := customTransactionPermission[permissionKey{in.Action, account.Permanent}]
		if !in.Issuer.HasPermission(required) {
			return ErrPermissionDenied
		}

		txType := TxDeposit
		if in.Action == ActionWithdraw {
			txType = TxWithdraw

			budget, err := CurrentBudget(ctx, s, account)
			if err != nil {
				return err
			}
			if budget < in.Amount {
				return &InsufficientFundsError{AccountID: account.ID, Budget: budget, Requested: in.Amount}
			}
		}

		reason := in.Reason
		if reason == "" {
			reason = defaultCustomReason(in.Action, in.Amount)
		}

		tx = Transaction{
			ID:             NewTransactionID(),
			AccountID:      account.ID,
			Amount:         in.Amount,
			Type:           txType,
			Timestamp:      sv.Now(),
			Reason:         reason,
			IssuerID:       in.Issuer.IssuerID(),
			IdempotencyKey: in.IdempotencyKey,
		}
		if err := s.AppendTransaction(ctx, &tx); err != nil {
			return err
		}

		balance, err := CurrentBalance(ctx, s, account.ID)
		if err != nil {
			return err
		}
		event = NewTransactionEvent(&tx, account, balance)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sv.Bus.Publish(ChannelTransaction, EventCreate, event, string(tx.ID))
	return &tx, nil
}

func defaultCustomReason(action Action, amount Amount) string {
	label := "Deposit"
	if action == ActionWithdraw {
		label = "Withdraw"
	}
	return fmt.Sprintf("%s: %s", label, amount.Format(DefaultDecimalPlaces))
}

// =============================================================================
// REVERSAL
// =============================================================================

// Revert transitions a transaction from Open to Reverted, the only legal
// transition. It creates the reversal transaction and links both sides in
// one atomic unit. The reversal carries the idempotency key of the revert
// request, not of the original.
func (sv *Service) Revert(ctx context.Context, id TransactionID, issuer Issuer, idempotencyKey string) (*Transaction, error) {
	var (
		revert Transaction
		event  TransactionEvent
	)
	err := sv.Store.WithTx(ctx, func(s Store) error {
		original, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if original == nil {
			return ErrNotFound
		}
		if original.Reverted() {
			return ErrAlreadyReverted
		}
		if !sv.canRevert(original, issuer, sv.Now()) {
			return ErrPermissionDenied
		}

		account, err := s.GetAccount(ctx, original.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ErrNotFound
		}

		originalID := original.ID
		revert = Transaction{
			ID:                   NewTransactionID(),
			AccountID:            original.AccountID,
			Amount:               original.Amount,
			Type:                 original.Type.RevertType(),
			Timestamp:            sv.Now(),
			Reason:               "Canceled: " + original.Reason,
			IssuerID:             issuer.IssuerID(),
			RelatedTransactionID: &originalID,
			IdempotencyKey:       idempotencyKey,
		}
		if err := s.AppendTransaction(ctx, &revert); err != nil {
			return err
		}
		if err := s.SetRelatedTransaction(ctx, original.ID, revert.ID); err != nil {
			return err
		}

		balance, err := CurrentBalance(ctx, s, account.ID)
		if err != nil {
			return err
		}
		event = NewTransactionEvent(&revert, account, balance)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sv.Bus.Publish(ChannelTransaction, EventCreate, event, string(revert.ID))
	return &revert, nil
}

// canRevert decides revert authorization:
//  1. no issuer => not allowed
//  2. privileged issuer => allowed
//  3. not the issuer of the transaction => not allowed
//  4. older than RevertThreshold => not allowed
func (sv *Service) canRevert(tx *Transaction, issuer Issuer, now time.Time) bool {
	if issuer == nil {
		return false
	}
	if issuer.IsPrivileged() {
		return true
	}
	if tx.IssuerID == "" || tx.IssuerID != issuer.IssuerID() {
		return false
	}
	return now.Sub(tx.Timestamp) < sv.RevertThreshold
}

// =============================================================================
// BALANCE CLOSING
// =============================================================================

// CloseBalance snapshots an account's balance. Privileged issuers only.
func (sv *Service) CloseBalance(ctx context.Context, account AccountID, issuer Issuer) (*AccountBalance, error) {
	if issuer == nil || !issuer.IsPrivileged() {
		return nil, ErrPermissionDenied
	}
	return CloseBalance(ctx, sv.Store, account, sv.Now())
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// activeAccount loads an account for a mutation. Unknown and soft-deleted
// accounts are both reported as not found.
func activeAccount(ctx context.Context, s Store, id AccountID) (*Account, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.Active {
		return nil, ErrNotFound
	}
	return account, nil
}
