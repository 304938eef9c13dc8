package decimal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Ledger assets carry seven decimal places; one unit is 10^7 smallest units.
const LedgerPlaces = 7

var smallestUnitScale = decimal.New(1, LedgerPlaces)

// Amount is a monetary amount in whole asset units. It is transported to the
// contract as a smallest-unit integer string (i128) and stored off-chain as
// a decimal column.
type Amount struct {
	value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// New creates an Amount from a string such as "1250.50".
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %w", err)
	}
	return Amount{value: d}, nil
}

// NewFromDecimal wraps an existing decimal value.
func NewFromDecimal(d decimal.Decimal) Amount {
	return Amount{value: d}
}

// NewFromInt creates an Amount from whole units.
func NewFromInt(i int64) Amount {
	return Amount{value: decimal.NewFromInt(i)}
}

// FromSmallestUnit parses a smallest-unit integer string (the contract's
// i128 encoding) into an Amount.
func FromSmallestUnit(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid smallest-unit amount %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return Amount{}, fmt.Errorf("smallest-unit amount %q is not an integer", s)
	}
	return Amount{value: d.Div(smallestUnitScale)}, nil
}

// SmallestUnit renders the amount as a smallest-unit integer string, the
// encoding the contract expects for i128 arguments. Sub-smallest-unit
// precision is truncated.
func (a Amount) SmallestUnit() string {
	return a.value.Mul(smallestUnitScale).Truncate(0).String()
}

// Add returns a + other.
func (a Amount) Add(other Amount) Amount {
	return Amount{value: a.value.Add(other.value)}
}

// Sub returns a - other.
func (a Amount) Sub(other Amount) Amount {
	return Amount{value: a.value.Sub(other.value)}
}

// Cmp compares two amounts.
func (a Amount) Cmp(other Amount) int {
	return a.value.Cmp(other.value)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// IsPositive reports whether the amount is strictly positive.
func (a Amount) IsPositive() bool {
	return a.value.IsPositive()
}

// IsNegative reports whether the amount is negative.
func (a Amount) IsNegative() bool {
	return a.value.IsNegative()
}

// Decimal returns the underlying decimal value for storage drivers.
func (a Amount) Decimal() decimal.Decimal {
	return a.value
}

// String renders the amount with full ledger precision.
func (a Amount) String() string {
	return a.value.StringFixed(LedgerPlaces)
}

// MarshalJSON renders the amount as a JSON string to avoid float precision
// loss in API payloads.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses a JSON string or number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := New(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Shares is a yield-bearing-vault accounting unit balance. Shares are not
// money: they are redeemable for an amount that grows over time, so they
// keep the vault's native precision rather than the ledger's seven places.
type Shares struct {
	value decimal.Decimal
}

// NewShares creates a share balance from a string.
func NewShares(s string) (Shares, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Shares{}, fmt.Errorf("invalid share balance: %w", err)
	}
	return Shares{value: d}, nil
}

// SharesFromDecimal wraps an existing decimal value.
func SharesFromDecimal(d decimal.Decimal) Shares {
	return Shares{value: d}
}

// Decimal returns the underlying decimal value for storage drivers.
func (s Shares) Decimal() decimal.Decimal {
	return s.value
}

// IsZero reports whether the balance is zero.
func (s Shares) IsZero() bool {
	return s.value.IsZero()
}

// String renders the share balance.
func (s Shares) String() string {
	return s.value.String()
}
