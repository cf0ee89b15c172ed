// Package money holds settlement amounts as integer minor units.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	USDC Currency = "USDC"
	DOT  Currency = "DOT"
)

// Amount is a quantity in the currency's minor unit.
type Amount uint64

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrOverflow        = errors.New("amount overflows")
)

// Decimals returns the fixed exponent of the currency's minor unit.
func (c Currency) Decimals() (int32, error) {
	switch c {
	case USDC:
		return 6, nil
	case DOT:
		return 10, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownCurrency, string(c))
	}
}

func (c Currency) Valid() bool {
	_, err := c.Decimals()
	return err == nil
}

// ParseCurrency is case-insensitive.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownCurrency, s)
	}
	return c, nil
}

// Parse converts a display value such as "12.5" into minor units. Values with
// more fractional digits than the currency supports are rejected.
func Parse(s string, c Currency) (Amount, error) {
	decimals, err := c.Decimals()
	if err != nil {
		return 0, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if d.Sign() < 0 {
		return 0, fmt.Errorf("amount %q is negative", s)
	}
	minor := d.Shift(decimals)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	bi := minor.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, s)
	}
	return Amount(bi.Uint64()), nil
}

// Format renders minor units in display units without losing precision.
func Format(a Amount, c Currency) string {
	decimals, err := c.Decimals()
	if err != nil {
		return fmt.Sprintf("%d", uint64(a))
	}
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -decimals)
	return d.StringFixed(decimals)
}

// Sum adds amounts and reports overflow.
func Sum(amounts ...Amount) (Amount, error) {
	var total uint64
	for _, a := range amounts {
		if uint64(a) > math.MaxUint64-total {
			return 0, ErrOverflow
		}
		total += uint64(a)
	}
	return Amount(total), nil
}

// EqualSplit divides total into n parts. The remainder goes one minor unit at
// a time to the first parts so the split always sums to total.
func EqualSplit(total Amount, n int) []Amount {
	if n <= 0 {
		return nil
	}
	share := uint64(total) / uint64(n)
	rem := uint64(total) % uint64(n)
	out := make([]Amount, n)
	for i := range out {
		out[i] = Amount(share)
		if uint64(i) < rem {
			out[i]++
		}
	}
	return out
}
