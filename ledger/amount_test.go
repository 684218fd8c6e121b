package ledger_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubtab/ledger-engine/ledger"
)

// =============================================================================
// PARSING
// =============================================================================

func TestParseAmount_StringDecimal(t *testing.T) {
	a, err := ledger.ParseAmount("12.34", 2)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(1234), a)
}

func TestParseAmount_WholeUnits(t *testing.T) {
	// Integer input means whole currency units, not cents.
	a, err := ledger.ParseAmount(5, 2)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(500), a)

	a, err = ledger.ParseAmount(int64(-3), 2)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(-300), a)
}

func TestParseAmount_Float(t *testing.T) {
	a, err := ledger.ParseAmount(0.5, 2)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(50), a)
}

func TestParseAmount_JSONNumber(t *testing.T) {
	a, err := ledger.ParseAmount(json.Number("7.07"), 2)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(707), a)
}

func TestParseAmount_NegativeString(t *testing.T) {
	a, err := ledger.ParseAmount("-0.01", 2)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(-1), a)
}

func TestParseAmount_TooManyDecimals_Rejected(t *testing.T) {
	// GIVEN: Three fractional digits at two-place precision
	// THEN: Rejected, never rounded
	_, err := ledger.ParseAmount("1.005", 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	var invalid *ledger.InvalidAmountError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "1.005", invalid.Value)
	assert.Equal(t, 2, invalid.Places)
}

func TestParseAmount_Garbage_Rejected(t *testing.T) {
	for _, input := range []any{"abc", "", "1,50", nil, struct{}{}} {
		_, err := ledger.ParseAmount(input, 2)
		assert.Error(t, err, "input %v should be rejected", input)
	}
}

func TestParseAmountSep_CommaSeparator(t *testing.T) {
	a, err := ledger.ParseAmountSep("3,50", 2, ',')
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(350), a)
}

func TestParseAmount_ZeroPlaces(t *testing.T) {
	a, err := ledger.ParseAmount("42", 0)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(42), a)

	_, err = ledger.ParseAmount("42.1", 0)
	assert.Error(t, err)
}

// =============================================================================
// FORMATTING
// =============================================================================

func TestAmount_Format(t *testing.T) {
	assert.Equal(t, "15.00", ledger.Amount(1500).Format(2))
	assert.Equal(t, "-15.00", ledger.Amount(-1500).Format(2))
	assert.Equal(t, "0.05", ledger.Amount(5).Format(2))
	assert.Equal(t, "-0.05", ledger.Amount(-5).Format(2))
	assert.Equal(t, "0.00", ledger.Amount(0).Format(2))
	assert.Equal(t, "42", ledger.Amount(42).Format(0))
}

func TestAmount_Split(t *testing.T) {
	sign, wholes, cents := ledger.Amount(-1234).Split(2)
	assert.Equal(t, "-", sign)
	assert.Equal(t, "12", wholes)
	assert.Equal(t, "34", cents)

	sign, wholes, cents = ledger.Amount(7).Split(2)
	assert.Equal(t, "", sign)
	assert.Equal(t, "0", wholes)
	assert.Equal(t, "07", cents)
}

func TestAmount_RoundTrip(t *testing.T) {
	// Formatting then parsing is the identity.
	for _, v := range []ledger.Amount{0, 1, -1, 99, 100, -12345} {
		parsed, err := ledger.ParseAmount(v.Format(2), 2)
		require.NoError(t, err)
		assert.Equal(t, v, parsed)
	}
}
