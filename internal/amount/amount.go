// Package amount provides ticksize-safe fixed-point arithmetic for prices and sizes
package amount

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the fixed number of fractional digits carried by every Amount.
const Places = 8

// Amount is an exact fixed-point value with eight fractional digits.
// The zero value is zero.
type Amount struct {
	d decimal.Decimal
}

var (
	// Satoshi is the smallest representable increment.
	Satoshi = MustNew("0.00000001")

	// ALot is a sentinel larger than any realistic price, used to seed
	// minimum scans.
	ALot = MustNew("100000000000")
)

// New parses a decimal string into an Amount, truncating to eight places.
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{d: d.Truncate(Places)}, nil
}

// MustNew parses s and panics on error. For constants and tests only.
func MustNew(s string) Amount {
	a, err := New(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal truncates d to eight places.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d.Truncate(Places)}
}

// FromFloat converts f, truncating to eight places.
func FromFloat(f float64) Amount {
	return Amount{d: decimal.NewFromFloat(f).Truncate(Places)}
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.d }

// String renders the amount with exactly eight fractional digits.
func (a Amount) String() string { return a.d.StringFixed(Places) }

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Mul returns a*b truncated to eight places.
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d).Truncate(Places)} }

// MulInt returns a*n. Exact.
func (a Amount) MulInt(n int64) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromInt(n))}
}

// Div returns a/b truncated to eight places. Division by zero returns zero.
func (a Amount) Div(b Amount) Amount {
	if b.d.IsZero() {
		return Amount{}
	}
	return Amount{d: a.d.DivRound(b.d, Places+4).Truncate(Places)}
}

// Ratio scales the amount by a floating-point factor with deterministic
// truncation. Exactness is not guaranteed but the result is monotonic in a.
func (a Amount) Ratio(r float64) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromFloat(r)).Truncate(Places)}
}

// TruncatedByTicksize rounds down to an integer multiple of t. A zero or
// negative ticksize yields zero.
func (a Amount) TruncatedByTicksize(t Amount) Amount {
	if t.IsZeroOrLess() {
		return Amount{}
	}
	return Amount{d: a.d.Sub(a.d.Mod(t.d))}
}

// Neg returns -a.
func (a Amount) Neg() Amount { return Amount{d: a.d.Neg()} }

// Cmp compares a and b: -1 if a<b, 0 if equal, 1 if a>b.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Equal reports exact equality.
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool { return a.d.LessThan(b.d) }

// LessThanOrEqual reports a <= b.
func (a Amount) LessThanOrEqual(b Amount) bool { return a.d.LessThanOrEqual(b.d) }

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }

// GreaterThanOrEqual reports a >= b.
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.d.GreaterThanOrEqual(b.d) }

// IsZero reports a == 0.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// IsZeroOrLess reports a <= 0.
func (a Amount) IsZeroOrLess() bool { return !a.d.IsPositive() }

// IsGreaterThanZero reports a > 0.
func (a Amount) IsGreaterThanZero() bool { return a.d.IsPositive() }
