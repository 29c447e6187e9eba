package fixedpoint

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
)

// CreditDecimals is the scale of one whole credit in base units.
const CreditDecimals = 18

var unitsContext = apd.BaseContext.WithPrecision(100)

// FormatUnits renders base units as a decimal string with trailing zeros
// removed, e.g. 9970000000000000000 with 18 decimals is "9.97".
func FormatUnits(x *uint256.Int, decimals int32) string {
	if x.IsZero() {
		return "0"
	}
	var coeff apd.BigInt
	if _, ok := coeff.SetString(x.Dec(), 10); !ok {
		return x.Dec()
	}
	d := apd.NewWithBigInt(&coeff, -decimals)
	d.Reduce(d)
	return d.Text('f')
}

// ParseUnits converts a decimal string such as "10.5" into base units. It
// rejects negative values and fractions finer than one base unit.
func ParseUnits(s string, decimals int32) (uint256.Int, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("fixedpoint: parse %q: %w", s, domain.ErrInvalidArgument)
	}
	if d.Form != apd.Finite || d.Negative {
		return uint256.Int{}, fmt.Errorf("fixedpoint: parse %q: not a non-negative number: %w", s, domain.ErrInvalidArgument)
	}
	d.Exponent += decimals
	var whole apd.Decimal
	cond, err := unitsContext.Quantize(&whole, d, 0)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	if cond.Inexact() {
		return uint256.Int{}, fmt.Errorf("fixedpoint: parse %q: more than %d decimals: %w", s, decimals, domain.ErrInvalidArgument)
	}
	out, err := uint256.FromDecimal(whole.Coeff.String())
	if err != nil {
		return uint256.Int{}, fmt.Errorf("fixedpoint: parse %q: %w", s, domain.ErrOverflow)
	}
	return *out, nil
}
