/*
Package ledger provides the core transaction engine.

PURPOSE:
  This package contains the domain types and algorithms for a member-account
  money ledger: fixed-point amounts, the append-only transaction log, derived
  balances with periodic snapshotting, and the transaction lifecycle
  (orders, custom deposits/withdrawals, reversals).

KEY CONCEPTS:
  - Amount: an integer count of minor units (cents). No floats in arithmetic.
  - Transaction: an immutable ledger entry. Corrections happen via reversal
    transactions, never edits.
  - AccountBalance: a point-in-time snapshot that bounds the cost of balance
    recomputation. Transactions not yet attached to a snapshot are "unsettled".
  - Debit classification: which transaction types subtract from balance is a
    closed, explicit set, not inferred from sign.

SEE ALSO:
  - balance.go: balance derivation and snapshot closing
  - service.go: transaction lifecycle and authorization rules
  - store.go: persistence contract
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Fixed-point monetary value in minor units
// =============================================================================

// Amount is a monetary value counted in minor units (cents).
// Arithmetic on Amount is plain integer arithmetic.
type Amount int64

// DefaultDecimalPlaces is the precision used for currency fields.
const DefaultDecimalPlaces = 2

func (a Amount) Neg() Amount      { return -a }
func (a Amount) IsNegative() bool { return a < 0 }
func (a Amount) IsPositive() bool { return a > 0 }

func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Split returns the sign prefix, integer part, and zero-padded fractional
// part separately, so presentation layers can style them independently.
func (a Amount) Split(places int) (sign, wholes, cents string) {
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	factor := pow10(places)
	wholes = fmt.Sprintf("%d", v/factor)
	cents = fmt.Sprintf("%0*d", places, v%factor)
	return sign, wholes, cents
}

// Format renders the amount with the given precision, e.g. -1500 -> "-15.00".
func (a Amount) Format(places int) string {
	sign, wholes, cents := a.Split(places)
	if places == 0 {
		return sign + wholes
	}
	return sign + wholes + "." + cents
}

func (a Amount) String() string { return a.Format(DefaultDecimalPlaces) }

func pow10(n int) int64 {
	f := int64(1)
	for i := 0; i < n; i++ {
		f *= 10
	}
	return f
}

// =============================================================================
// PARSING
// =============================================================================

// InvalidAmountError reports input that cannot be represented at the
// configured precision.
type InvalidAmountError struct {
	Value  string
	Places int
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %q: at most %d decimal places allowed", e.Value, e.Places)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// ParseAmount converts client input into an Amount at the given precision.
// Accepted inputs: int, int64, float64, string, json.Number. Integer inputs
// are taken as whole currency units, not minor units. Fractional digits
// beyond `places` are rejected, never rounded.
func ParseAmount(v any, places int) (Amount, error) {
	return ParseAmountSep(v, places, '.')
}

// ParseAmountSep is ParseAmount with a configurable decimal separator for
// string input. A leading sign prefix is honored.
func ParseAmountSep(v any, places int, sep rune) (Amount, error) {
	var d decimal.Decimal
	switch value := v.(type) {
	case nil:
		return 0, &InvalidAmountError{Value: "<nil>", Places: places}
	case Amount:
		return value, nil
	case int:
		d = decimal.NewFromInt(int64(value))
	case int64:
		d = decimal.NewFromInt(value)
	case float64:
		d = decimal.NewFromFloat(value)
	case json.Number:
		return parseAmountString(value.String(), places, '.')
	case string:
		return parseAmountString(value, places, sep)
	default:
		return 0, &InvalidAmountError{Value: fmt.Sprintf("%v", v), Places: places}
	}
	return amountFromDecimal(d, places, fmt.Sprintf("%v", v))
}

func parseAmountString(s string, places int, sep rune) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if sep != '.' {
		trimmed = strings.ReplaceAll(trimmed, string(sep), ".")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, &InvalidAmountError{Value: s, Places: places}
	}
	return amountFromDecimal(d, places, s)
}

func amountFromDecimal(d decimal.Decimal, places int, original string) (Amount, error) {
	shifted := d.Shift(int32(places))
	if !shifted.IsInteger() {
		return 0, &InvalidAmountError{Value: original, Places: places}
	}
	return Amount(shifted.IntPart()), nil
}
