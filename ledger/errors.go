/*
errors.go - Centralized error types for the transaction engine

ERROR CATEGORIES:
  1. Business-rule failures - insufficient funds, double reversal
  2. Authorization failures - permission denied
  3. Validation failures - malformed input, reported with field detail
  4. Lookup failures - unknown account/product/transaction

All are recovered at the boundary of each public operation; only genuine
storage failures propagate as internal errors.
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when an operation would drive the
	// current budget negative. Never silently clamped.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyReverted is returned when reverting a transaction that
	// already has a linked reversal.
	ErrAlreadyReverted = errors.New("transaction already reverted")

	// ErrPermissionDenied is returned on any authorization failure.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned for unknown account, product, or transaction
	// ids, and for inactive accounts on mutation paths.
	ErrNotFound = errors.New("not found")

	// ErrInvalidAmount is returned for input that cannot be represented at
	// the configured fixed-point precision.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrValidation is the root of all field-level validation failures.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports how far an operation overshot the budget.
type InsufficientFundsError struct {
	AccountID AccountID
	Budget    Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %s: budget %s, requested %s",
		e.AccountID, e.Budget, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// FieldError reports a single malformed input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string   { return fmt.Sprintf("%s: %s", e.Field, e.Message) }
func (e *FieldError) Unwrap() error   { return ErrValidation }

// FieldErrors aggregates per-field problems for one request.
type FieldErrors []*FieldError

func (e FieldErrors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}
	return strings.Join(parts, "; ")
}

func (e FieldErrors) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is attributable to the caller
// rather than the engine.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAlreadyReverted) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrNotFound)
}

// IsConflict reports whether the error should surface as a conflict (409).
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyReverted)
}
