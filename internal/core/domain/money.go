package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is a supported settlement currency code.
type Currency string

const (
	CurrencyETH Currency = "eth"
	CurrencySTQ Currency = "stq"
	CurrencyBTC Currency = "btc"
	CurrencyUSD Currency = "usd"
	CurrencyEUR Currency = "eur"
	CurrencyRUB Currency = "rub"
)

var currencyDecimals = map[Currency]int32{
	CurrencyETH: 18,
	CurrencySTQ: 18,
	CurrencyBTC: 8,
	CurrencyUSD: 2,
	CurrencyEUR: 2,
	CurrencyRUB: 2,
}

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("unknown currency %q", s)
	}
	return c, nil
}

// IsValid reports whether c is a known currency.
func (c Currency) IsValid() bool {
	_, ok := currencyDecimals[c]
	return ok
}

// Decimals returns the number of decimal places of the minimal unit
// (2 for cents, 8 for satoshis, 18 for wei).
func (c Currency) Decimals() int32 {
	return currencyDecimals[c]
}

func (c Currency) String() string {
	return string(c)
}

// MinimalUnitRate converts a major-unit quote (1 `from` = rate `to`) into a
// rate between minimal units, which is what order conversions multiply by.
func MinimalUnitRate(majorRate decimal.Decimal, from, to Currency) decimal.Decimal {
	return majorRate.Shift(to.Decimals() - from.Decimals())
}

// Amount is an integer count of a currency's minimal unit.
// It is backed by an arbitrary-precision decimal so 18-decimal tokens
// never overflow; it never carries a fractional part.
type Amount struct {
	d decimal.Decimal
}

// ZeroAmount is the additive identity.
var ZeroAmount = Amount{}

// NewAmount creates an Amount from a minimal-unit count.
func NewAmount(units int64) Amount {
	return Amount{d: decimal.NewFromInt(units)}
}

// ParseAmount parses a base-10 integer string of minimal units.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return amountFromDecimal(d)
}

// MustParseAmount is ParseAmount that panics on error. Intended for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func amountFromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Equal(d.Truncate(0)) {
		return Amount{}, fmt.Errorf("amount %s has a fractional minimal unit", d)
	}
	return Amount{d: d.Truncate(0)}, nil
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }
func (a Amount) IsZero() bool { return a.d.IsZero() }
func (a Amount) IsNegative() bool { return a.d.IsNegative() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }
func (a Amount) Decimal() decimal.Decimal { return a.d }

// MulCeil multiplies by a rate and rounds up to a whole minimal unit.
// Buyer prices and platform fees round up.
func (a Amount) MulCeil(rate decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(rate).Ceil()}
}

// MulFloor multiplies by a rate and rounds down to a whole minimal unit.
// Cashback rounds down.
func (a Amount) MulFloor(rate decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(rate).Floor()}
}

func (a Amount) String() string {
	return a.d.String()
}

// SumAmounts adds all amounts.
func SumAmounts(amounts ...Amount) Amount {
	total := ZeroAmount
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON encodes the amount as a JSON string to keep full precision.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.d.String())
}

// UnmarshalJSON accepts either a JSON string or a JSON integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" || raw == "" {
		*a = ZeroAmount
		return nil
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer; amounts are stored as NUMERIC.
func (a Amount) Value() (driver.Value, error) {
	return a.d.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan amount: %w", err)
	}
	parsed, err := amountFromDecimal(d)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
