// Package amm prices trades against a proposal's two-reserve constant
// product pool. Every method is pure: it returns the post-trade pool and
// leaves the receiver unchanged, so callers commit only after all checks pass.
package amm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/fixedpoint"
)

// Pool holds the YES and NO reserves of one proposal.
type Pool struct {
	Yes uint256.Int
	No  uint256.Int
}

// NewPool seeds both reserves with the same virtual liquidity.
func NewPool(virtualLiquidity *uint256.Int) (Pool, error) {
	if virtualLiquidity.IsZero() {
		return Pool{}, fmt.Errorf("amm: new pool: %w", domain.ErrZeroAmount)
	}
	if !fixedpoint.InRange(virtualLiquidity) {
		return Pool{}, fmt.Errorf("amm: new pool: %w", domain.ErrOverflow)
	}
	return Pool{Yes: *virtualLiquidity, No: *virtualLiquidity}, nil
}

// Reserve returns the reserve backing side.
func (p *Pool) Reserve(side domain.Side) *uint256.Int {
	if side == domain.SideYes {
		return &p.Yes
	}
	return &p.No
}

// Welfare returns the pool's spot welfare in basis points.
func (p Pool) Welfare() uint64 {
	return fixedpoint.Welfare(&p.Yes, &p.No)
}

// K returns the constant product yes*no.
func (p Pool) K() uint256.Int {
	var k uint256.Int
	k.Mul(&p.Yes, &p.No)
	return k
}

// BuyResult describes a credit-for-tokens purchase.
type BuyResult struct {
	Pool      Pool
	AmountOut uint256.Int
	Effective uint256.Int
	Fee       uint256.Int
}

// Buy spends amountIn credit on side. The fee-adjusted credit mints equal
// YES and NO into the pool; the buyer receives the side's surplus.
func (p Pool) Buy(side domain.Side, amountIn *uint256.Int, feeBps uint64) (BuyResult, error) {
	if amountIn.IsZero() {
		return BuyResult{}, fmt.Errorf("amm: buy: %w", domain.ErrZeroAmount)
	}
	eff, fee := fixedpoint.ApplyFee(amountIn, feeBps)
	if eff.IsZero() {
		return BuyResult{}, fmt.Errorf("amm: buy: amount consumed by fee: %w", domain.ErrZeroAmount)
	}
	same, other := p.Reserve(side), p.Reserve(side.Opposite())
	out, err := fixedpoint.BuyOutput(same, other, &eff)
	if err != nil {
		return BuyResult{}, fmt.Errorf("amm: buy: %w", err)
	}

	next := p
	newSame, err := fixedpoint.Add(same, &eff)
	if err != nil {
		return BuyResult{}, fmt.Errorf("amm: buy: %w", err)
	}
	if newSame, err = fixedpoint.Sub(&newSame, &out); err != nil {
		return BuyResult{}, fmt.Errorf("amm: buy: %w", err)
	}
	newOther, err := fixedpoint.Add(other, &eff)
	if err != nil {
		return BuyResult{}, fmt.Errorf("amm: buy: %w", err)
	}
	*next.Reserve(side) = newSame
	*next.Reserve(side.Opposite()) = newOther
	if err := next.check(); err != nil {
		return BuyResult{}, fmt.Errorf("amm: buy: %w", err)
	}
	return BuyResult{Pool: next, AmountOut: out, Effective: eff, Fee: fee}, nil
}

// SellResult describes a tokens-for-credit sale.
type SellResult struct {
	Pool      Pool
	AmountOut uint256.Int
}

// Sell returns amountIn tokens of side to the pool for credit. The credit
// burns out pairs from the pool; rounding always favours the pool.
func (p Pool) Sell(side domain.Side, amountIn *uint256.Int) (SellResult, error) {
	if amountIn.IsZero() {
		return SellResult{}, fmt.Errorf("amm: sell: %w", domain.ErrZeroAmount)
	}
	same, other := p.Reserve(side), p.Reserve(side.Opposite())
	c, err := fixedpoint.SellOutput(same, other, amountIn)
	if err != nil {
		return SellResult{}, fmt.Errorf("amm: sell: %w", err)
	}
	k := p.K()
	grown, err := fixedpoint.Add(same, amountIn)
	if err != nil {
		return SellResult{}, fmt.Errorf("amm: sell: %w", err)
	}

	one := uint256.NewInt(1)
	var newSame, newOther, k2 uint256.Int
	for !c.IsZero() {
		if c.Lt(other) {
			newSame.Sub(&grown, &c)
			newOther.Sub(other, &c)
			k2.Mul(&newSame, &newOther)
			if !k2.Lt(&k) {
				break
			}
		}
		c.Sub(&c, one)
	}
	if c.IsZero() {
		return SellResult{}, fmt.Errorf("amm: sell: output rounds to zero: %w", domain.ErrZeroAmount)
	}

	next := p
	*next.Reserve(side) = newSame
	*next.Reserve(side.Opposite()) = newOther
	if err := next.check(); err != nil {
		return SellResult{}, fmt.Errorf("amm: sell: %w", err)
	}
	return SellResult{Pool: next, AmountOut: c}, nil
}

// SwapResult describes a token-for-token swap.
type SwapResult struct {
	Pool      Pool
	AmountOut uint256.Int
	Fee       uint256.Int
}

// Swap exchanges amountIn tokens of sideIn for the opposite side. The
// full input joins the pool so the fee stays with liquidity.
func (p Pool) Swap(sideIn domain.Side, amountIn *uint256.Int, feeBps uint64) (SwapResult, error) {
	if amountIn.IsZero() {
		return SwapResult{}, fmt.Errorf("amm: swap: %w", domain.ErrZeroAmount)
	}
	reserveIn, reserveOut := p.Reserve(sideIn), p.Reserve(sideIn.Opposite())
	out, err := fixedpoint.SwapWithFee(reserveIn, reserveOut, amountIn, feeBps)
	if err != nil {
		return SwapResult{}, fmt.Errorf("amm: swap: %w", err)
	}
	if out.IsZero() {
		return SwapResult{}, fmt.Errorf("amm: swap: output rounds to zero: %w", domain.ErrZeroAmount)
	}
	_, fee := fixedpoint.ApplyFee(amountIn, feeBps)

	next := p
	newIn, err := fixedpoint.Add(reserveIn, amountIn)
	if err != nil {
		return SwapResult{}, fmt.Errorf("amm: swap: %w", err)
	}
	newOut, err := fixedpoint.Sub(reserveOut, &out)
	if err != nil {
		return SwapResult{}, fmt.Errorf("amm: swap: %w", err)
	}
	*next.Reserve(sideIn) = newIn
	*next.Reserve(sideIn.Opposite()) = newOut
	if err := next.check(); err != nil {
		return SwapResult{}, fmt.Errorf("amm: swap: %w", err)
	}
	return SwapResult{Pool: next, AmountOut: out, Fee: fee}, nil
}

func (p Pool) check() error {
	if p.Yes.IsZero() || p.No.IsZero() {
		return domain.ErrInsufficientLiquidity
	}
	if !fixedpoint.InRange(&p.Yes) || !fixedpoint.InRange(&p.No) {
		return domain.ErrOverflow
	}
	return nil
}
