// Package fixedpoint implements the unsigned 256-bit arithmetic used by the
// proposal pools: fee application, constant-product outputs, the bonding
// curve buy/sell formulas, integer square root and welfare.
package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
)

// MaxAmount bounds every reserve and user-supplied amount (2^126 - 1). It
// keeps R*R in SellOutput inside 256 bits.
var MaxAmount = func() uint256.Int {
	var one, m uint256.Int
	one.SetUint64(1)
	m.Lsh(&one, 126)
	m.Sub(&m, &one)
	return m
}()

var bps = uint256.NewInt(domain.BPS)

// InRange reports whether x does not exceed MaxAmount.
func InRange(x *uint256.Int) bool {
	return !x.Gt(&MaxAmount)
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(x, y); overflow {
		return uint256.Int{}, fmt.Errorf("fixedpoint: add: %w", domain.ErrOverflow)
	}
	return z, nil
}

// Sub returns x-y or ErrOverflow when y > x.
func Sub(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, underflow := z.SubOverflow(x, y); underflow {
		return uint256.Int{}, fmt.Errorf("fixedpoint: sub: %w", domain.ErrOverflow)
	}
	return z, nil
}

// MulDiv returns floor(x*y/d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (uint256.Int, error) {
	if d.IsZero() {
		return uint256.Int{}, fmt.Errorf("fixedpoint: muldiv: %w", domain.ErrDivisionByZero)
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(x, y, d); overflow {
		return uint256.Int{}, fmt.Errorf("fixedpoint: muldiv: %w", domain.ErrOverflow)
	}
	return z, nil
}

// CeilMulDiv returns ceil(x*y/d).
func CeilMulDiv(x, y, d *uint256.Int) (uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return uint256.Int{}, err
	}
	var rem uint256.Int
	rem.MulMod(x, y, d)
	if rem.IsZero() {
		return z, nil
	}
	return Add(&z, uint256.NewInt(1))
}

// ApplyFee splits amount into the effective part and the fee. The fee
// rounds down so effective+fee == amount always holds.
func ApplyFee(amount *uint256.Int, feeBps uint64) (effective, fee uint256.Int) {
	if feeBps > domain.BPS {
		feeBps = domain.BPS
	}
	fee.MulDivOverflow(amount, uint256.NewInt(feeBps), bps)
	effective.Sub(amount, &fee)
	return effective, fee
}

// SwapOutput is the constant-product output reserveOut*amountIn/(reserveIn+amountIn).
func SwapOutput(reserveIn, reserveOut, amountIn *uint256.Int) (uint256.Int, error) {
	den, err := Add(reserveIn, amountIn)
	if err != nil {
		return uint256.Int{}, err
	}
	if den.IsZero() {
		return uint256.Int{}, fmt.Errorf("fixedpoint: swap output: %w", domain.ErrDivisionByZero)
	}
	return MulDiv(reserveOut, amountIn, &den)
}

// SwapWithFee applies feeBps to amountIn before SwapOutput.
func SwapWithFee(reserveIn, reserveOut, amountIn *uint256.Int, feeBps uint64) (uint256.Int, error) {
	eff, _ := ApplyFee(amountIn, feeBps)
	return SwapOutput(reserveIn, reserveOut, &eff)
}

// BuyOutput returns the tokens of one side received for effective credit:
// e*(same+other+e)/(other+e). The credit mints e pairs into the pool and the
// whole same-side surplus that keeps the product constant goes to the buyer.
func BuyOutput(reserveSame, reserveOther, effective *uint256.Int) (uint256.Int, error) {
	sum, err := Add(reserveSame, reserveOther)
	if err != nil {
		return uint256.Int{}, err
	}
	if sum, err = Add(&sum, effective); err != nil {
		return uint256.Int{}, err
	}
	den, err := Add(reserveOther, effective)
	if err != nil {
		return uint256.Int{}, err
	}
	if den.IsZero() {
		return uint256.Int{}, fmt.Errorf("fixedpoint: buy output: %w", domain.ErrDivisionByZero)
	}
	return MulDiv(effective, &sum, &den)
}

// SellOutput returns the credit received for selling amountIn tokens of one
// side: the smaller root of c^2 - R*c + other*amountIn = 0 with
// R = same+other+amountIn, i.e. (R - sqrt(R^2 - 4*other*amountIn))/2.
// The floor square root can overstate c by one; callers re-check the
// constant product.
func SellOutput(reserveSame, reserveOther, amountIn *uint256.Int) (uint256.Int, error) {
	r, err := Add(reserveSame, reserveOther)
	if err != nil {
		return uint256.Int{}, err
	}
	if r, err = Add(&r, amountIn); err != nil {
		return uint256.Int{}, err
	}
	var rr, oa uint256.Int
	if _, overflow := rr.MulOverflow(&r, &r); overflow {
		return uint256.Int{}, fmt.Errorf("fixedpoint: sell output: %w", domain.ErrOverflow)
	}
	if _, overflow := oa.MulOverflow(reserveOther, amountIn); overflow {
		return uint256.Int{}, fmt.Errorf("fixedpoint: sell output: %w", domain.ErrOverflow)
	}
	if _, overflow := oa.MulOverflow(&oa, uint256.NewInt(4)); overflow {
		return uint256.Int{}, fmt.Errorf("fixedpoint: sell output: %w", domain.ErrOverflow)
	}
	disc, err := Sub(&rr, &oa)
	if err != nil {
		return uint256.Int{}, err
	}
	root := Sqrt(&disc)
	var out uint256.Int
	out.Sub(&r, &root)
	out.Rsh(&out, 1)
	return out, nil
}

// Sqrt is the Babylonian integer square root, rounded down.
func Sqrt(x *uint256.Int) uint256.Int {
	if x.IsZero() {
		return uint256.Int{}
	}
	z := *x
	y := avg(x, uint256.NewInt(1))
	for y.Lt(&z) {
		z = y
		var q uint256.Int
		q.Div(x, &y)
		y = avg(&q, &y)
	}
	return z
}

// avg returns floor((a+b)/2) without overflowing.
func avg(a, b *uint256.Int) uint256.Int {
	var ha, hb, z uint256.Int
	ha.Rsh(a, 1)
	hb.Rsh(b, 1)
	z.Add(&ha, &hb)
	if a.Uint64()&1 == 1 && b.Uint64()&1 == 1 {
		z.Add(&z, uint256.NewInt(1))
	}
	return z
}

// Welfare returns noReserve*BPS/(yesReserve+noReserve) in basis points,
// the NO reserve's share of the pool. Empty pools read as neutral.
func Welfare(yesReserve, noReserve *uint256.Int) uint64 {
	sum, err := Add(yesReserve, noReserve)
	if err != nil || sum.IsZero() {
		return domain.NeutralWelfare
	}
	w, err := MulDiv(noReserve, bps, &sum)
	if err != nil {
		return domain.NeutralWelfare
	}
	return w.Uint64()
}
