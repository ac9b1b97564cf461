// Package money provides a fixed-point currency amount backed by
// shopspring/decimal. Amounts are always held at two decimal places so that
// summing many small allocations never drifts by a cent.
package money

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits carried by every Money value.
const Scale = 2

// Money is an immutable decimal amount in the practice's currency.
// The zero value is $0.00.
type Money struct {
	d decimal.Decimal
}

// Zero is $0.00.
var Zero = Money{}

func fromDecimal(d decimal.Decimal) Money {
	return Money{d: d.Round(Scale)}
}

// New returns units + cents/100, e.g. New(12, 34) is 12.34.
func New(units, cents int64) Money {
	return fromDecimal(decimal.New(units*100+cents, -Scale))
}

// FromCents builds an amount from integer minor units.
func FromCents(cents int64) Money {
	return fromDecimal(decimal.New(cents, -Scale))
}

// Parse reads a decimal string such as "220.00", "-35.5" or "$1,250.10".
func Parse(s string) (Money, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(clean, "$")
	clean = strings.ReplaceAll(clean, ",", "")
	if clean == "" {
		return Zero, nil
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return Zero, fmt.Errorf("parse money %q: %w", s, err)
	}
	if d.Exponent() < -Scale && !d.Equal(d.Round(Scale)) {
		return Zero, fmt.Errorf("parse money %q: more than %d decimal places", s, Scale)
	}
	return fromDecimal(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal exposes the underlying decimal value.
func (m Money) Decimal() decimal.Decimal { return m.d }

// Cents returns the amount in integer minor units.
func (m Money) Cents() int64 {
	return m.d.Shift(Scale).IntPart()
}

func (m Money) Add(o Money) Money { return fromDecimal(m.d.Add(o.d)) }
func (m Money) Sub(o Money) Money { return fromDecimal(m.d.Sub(o.d)) }
func (m Money) Neg() Money        { return fromDecimal(m.d.Neg()) }

// Mul multiplies by an integer quantity (units × unit charge).
func (m Money) Mul(qty int64) Money {
	return fromDecimal(m.d.Mul(decimal.NewFromInt(qty)))
}

// Ratio returns m/o as a float for reporting only; it is never fed back
// into money arithmetic. Returns 0 when o is zero.
func (m Money) Ratio(o Money) float64 {
	if o.IsZero() {
		return 0
	}
	r, _ := m.d.Div(o.d).Round(4).Float64()
	return r
}

func (m Money) Cmp(o Money) int          { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool       { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) LessThan(o Money) bool    { return m.d.LessThan(o.d) }
func (m Money) IsZero() bool             { return m.d.IsZero() }
func (m Money) IsPositive() bool         { return m.d.IsPositive() }
func (m Money) IsNegative() bool         { return m.d.IsNegative() }

// Min returns the smaller of m and o.
func Min(m, o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// Max returns the larger of m and o.
func Max(m, o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// Sum adds all amounts.
func Sum(ms ...Money) Money {
	total := Zero
	for _, m := range ms {
		total = total.Add(m)
	}
	return total
}

// String renders the amount with exactly two decimals, e.g. "45.00".
func (m Money) String() string { return m.d.StringFixed(Scale) }

// MarshalJSON encodes the amount as a JSON string to keep it exact.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts both "12.34" and 12.34.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		*m = Zero
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalText lets Money appear in YAML and text encodings.
func (m Money) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Money) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Value implements driver.Valuer for NUMERIC columns.
func (m Money) Value() (driver.Value, error) { return m.String(), nil }

// Scan implements sql.Scanner for NUMERIC columns.
func (m *Money) Scan(src interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan money: %w", err)
	}
	*m = fromDecimal(d)
	return nil
}
