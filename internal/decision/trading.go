package decision

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/fixedpoint"
	"github.com/alanyoungcy/meridian/internal/twap"
)

// Trade is the record produced by every pool operation.
type Trade struct {
	User       common.Address
	DecisionID uint64
	ProposalID int
	Kind       domain.TradeKind
	Side       domain.Side
	AmountIn   uint256.Int
	AmountOut  uint256.Int
	Fee        uint256.Int
	NewWelfare uint64
	Block      uint64
}

func (d *Decision) recordTrade(c Call, t Trade) {
	attrs := map[string]string{
		"proposal_id": strconv.Itoa(t.ProposalID),
		"kind":        string(t.Kind),
		"amount_in":   t.AmountIn.Dec(),
		"amount_out":  t.AmountOut.Dec(),
		"new_welfare": strconv.FormatUint(t.NewWelfare, 10),
	}
	if t.Side != "" {
		attrs["side"] = string(t.Side)
	}
	if !t.Fee.IsZero() {
		attrs["fee"] = t.Fee.Dec()
	}
	d.emit(domain.EventTrade, c, attrs)
}

// tradeTarget loads the proposal for a pool operation after the shared
// Open-and-before-deadline guard.
func (d *Decision) tradeTarget(op string, c Call, proposalID int, amount *uint256.Int) (*Proposal, error) {
	if err := d.requireOpenBefore(op, c.Block); err != nil {
		return nil, err
	}
	p, err := d.Proposal(proposalID)
	if err != nil {
		return nil, err
	}
	if err := requireAmount(op, amount); err != nil {
		return nil, err
	}
	return p, nil
}

func advance(op string, p *Proposal, block, welfare uint64) (twap.Accumulator, error) {
	acc, err := p.Accumulator.Next(block, welfare)
	if err != nil {
		return twap.Accumulator{}, fmt.Errorf("decision: %s: %w", op, err)
	}
	return acc, nil
}

// Split converts credit into equal YES and NO tokens of one proposal. The
// split fee is retained by the decision; pool reserves are untouched.
func (d *Decision) Split(c Call, proposalID int, credit uint256.Int) (Trade, error) {
	p, err := d.tradeTarget("split", c, proposalID, &credit)
	if err != nil {
		return Trade{}, err
	}
	bal := d.balanceOf(c.Caller)
	if bal.Lt(&credit) {
		return Trade{}, fmt.Errorf("decision %d: split %s, balance %s: %w", d.ID, credit.Dec(), bal.Dec(), domain.ErrInsufficientBalance)
	}
	eff, fee := fixedpoint.ApplyFee(&credit, d.FeeBps)
	if eff.IsZero() {
		return Trade{}, fmt.Errorf("decision %d: split: amount consumed by fee: %w", d.ID, domain.ErrZeroAmount)
	}
	welfare := p.Welfare()
	acc, err := advance("split", p, c.Block, welfare)
	if err != nil {
		return Trade{}, err
	}
	pos := d.Account(c.Caller).Position(proposalID)
	yesSupply, err1 := fixedpoint.Add(&p.YesSupply, &eff)
	noSupply, err2 := fixedpoint.Add(&p.NoSupply, &eff)
	minted, err3 := fixedpoint.Add(&p.TotalMinted, &eff)
	collateral, err4 := fixedpoint.Add(&p.Collateral, &eff)
	fees, err5 := fixedpoint.Add(&d.CollectedFees, &fee)
	if err := firstErr(err1, err2, err3, err4, err5); err != nil {
		return Trade{}, fmt.Errorf("decision %d: split: %w", d.ID, err)
	}

	a := d.ensureAccount(c.Caller)
	a.Balance.Sub(&a.Balance, &credit)
	d.TotalDeposits.Sub(&d.TotalDeposits, &credit)
	d.CollectedFees = fees
	p.YesSupply, p.NoSupply, p.TotalMinted, p.Collateral = yesSupply, noSupply, minted, collateral
	p.Accumulator = acc
	np := d.ensurePosition(c.Caller, proposalID)
	np.YesBalance.Add(&pos.YesBalance, &eff)
	np.NoBalance.Add(&pos.NoBalance, &eff)
	np.Allocated.Add(&pos.Allocated, &credit)

	t := Trade{
		User: c.Caller, DecisionID: d.ID, ProposalID: proposalID, Kind: domain.TradeSplit,
		AmountIn: credit, AmountOut: eff, Fee: fee, NewWelfare: welfare, Block: c.Block,
	}
	d.recordTrade(c, t)
	return t, nil
}

// Merge burns equal YES and NO amounts of one proposal back into credit
// without a fee.
func (d *Decision) Merge(c Call, proposalID int, amount uint256.Int) (Trade, error) {
	p, err := d.tradeTarget("merge", c, proposalID, &amount)
	if err != nil {
		return Trade{}, err
	}
	pos := d.Account(c.Caller).Position(proposalID)
	if pos.YesBalance.Lt(&amount) || pos.NoBalance.Lt(&amount) {
		return Trade{}, fmt.Errorf("decision %d: merge %s, holding yes %s no %s: %w",
			d.ID, amount.Dec(), pos.YesBalance.Dec(), pos.NoBalance.Dec(), domain.ErrInsufficientBalance)
	}
	if p.Collateral.Lt(&amount) {
		return Trade{}, fmt.Errorf("decision %d: merge: collateral %s: %w", d.ID, p.Collateral.Dec(), domain.ErrInsufficientLiquidity)
	}
	welfare := p.Welfare()
	acc, err := advance("merge", p, c.Block, welfare)
	if err != nil {
		return Trade{}, err
	}
	bal := d.balanceOf(c.Caller)
	newBal, err1 := fixedpoint.Add(&bal, &amount)
	total, err2 := fixedpoint.Add(&d.TotalDeposits, &amount)
	if err := firstErr(err1, err2); err != nil {
		return Trade{}, fmt.Errorf("decision %d: merge: %w", d.ID, err)
	}

	a := d.ensureAccount(c.Caller)
	a.Balance = newBal
	d.TotalDeposits = total
	p.YesSupply.Sub(&p.YesSupply, &amount)
	p.NoSupply.Sub(&p.NoSupply, &amount)
	p.Collateral.Sub(&p.Collateral, &amount)
	p.Accumulator = acc
	np := d.ensurePosition(c.Caller, proposalID)
	np.YesBalance.Sub(&pos.YesBalance, &amount)
	np.NoBalance.Sub(&pos.NoBalance, &amount)
	np.Allocated = saturatingSub(&pos.Allocated, &amount)

	t := Trade{
		User: c.Caller, DecisionID: d.ID, ProposalID: proposalID, Kind: domain.TradeMerge,
		AmountIn: amount, AmountOut: amount, NewWelfare: welfare, Block: c.Block,
	}
	d.recordTrade(c, t)
	return t, nil
}

// Buy spends deposit credit on side of one proposal. It fails with
// ErrSlippageExceeded when fewer than minOut tokens would be received.
func (d *Decision) Buy(c Call, proposalID int, side domain.Side, amountIn, minOut uint256.Int) (Trade, error) {
	p, err := d.tradeTarget("buy", c, proposalID, &amountIn)
	if err != nil {
		return Trade{}, err
	}
	if err := requireSide("buy", side); err != nil {
		return Trade{}, err
	}
	bal := d.balanceOf(c.Caller)
	if bal.Lt(&amountIn) {
		return Trade{}, fmt.Errorf("decision %d: buy %s, balance %s: %w", d.ID, amountIn.Dec(), bal.Dec(), domain.ErrInsufficientBalance)
	}
	res, err := p.Pool.Buy(side, &amountIn, d.FeeBps)
	if err != nil {
		return Trade{}, fmt.Errorf("decision %d: %w", d.ID, err)
	}
	if res.AmountOut.Lt(&minOut) {
		return Trade{}, fmt.Errorf("decision %d: buy: out %s < min %s: %w", d.ID, res.AmountOut.Dec(), minOut.Dec(), domain.ErrSlippageExceeded)
	}
	welfare := res.Pool.Welfare()
	acc, err := advance("buy", p, c.Block, welfare)
	if err != nil {
		return Trade{}, err
	}
	pos := d.Account(c.Caller).Position(proposalID)
	supply, err1 := fixedpoint.Add(p.Supply(side), &res.AmountOut)
	held, err2 := fixedpoint.Add(pos.Balance(side), &res.AmountOut)
	collateral, err3 := fixedpoint.Add(&p.Collateral, &res.Effective)
	fees, err4 := fixedpoint.Add(&d.CollectedFees, &res.Fee)
	volume, err5 := fixedpoint.Add(&p.TotalVolume, &amountIn)
	if err := firstErr(err1, err2, err3, err4, err5); err != nil {
		return Trade{}, fmt.Errorf("decision %d: buy: %w", d.ID, err)
	}

	a := d.ensureAccount(c.Caller)
	a.Balance.Sub(&a.Balance, &amountIn)
	d.TotalDeposits.Sub(&d.TotalDeposits, &amountIn)
	d.CollectedFees = fees
	p.Pool = res.Pool
	p.Accumulator = acc
	*p.Supply(side) = supply
	p.Collateral = collateral
	p.TotalVolume = volume
	np := d.ensurePosition(c.Caller, proposalID)
	*np.Balance(side) = held
	np.Allocated.Add(&pos.Allocated, &amountIn)

	t := Trade{
		User: c.Caller, DecisionID: d.ID, ProposalID: proposalID, Kind: domain.TradeBuy, Side: side,
		AmountIn: amountIn, AmountOut: res.AmountOut, Fee: res.Fee, NewWelfare: welfare, Block: c.Block,
	}
	d.recordTrade(c, t)
	return t, nil
}

// Sell returns tokens of side to the pool for deposit credit. It fails with
// ErrSlippageExceeded when less than minOut credit would be received.
func (d *Decision) Sell(c Call, proposalID int, side domain.Side, amountIn, minOut uint256.Int) (Trade, error) {
	p, err := d.tradeTarget("sell", c, proposalID, &amountIn)
	if err != nil {
		return Trade{}, err
	}
	if err := requireSide("sell", side); err != nil {
		return Trade{}, err
	}
	pos := d.Account(c.Caller).Position(proposalID)
	if pos.Balance(side).Lt(&amountIn) {
		return Trade{}, fmt.Errorf("decision %d: sell %s %s, holding %s: %w",
			d.ID, amountIn.Dec(), side, pos.Balance(side).Dec(), domain.ErrInsufficientBalance)
	}
	res, err := p.Pool.Sell(side, &amountIn)
	if err != nil {
		return Trade{}, fmt.Errorf("decision %d: %w", d.ID, err)
	}
	if res.AmountOut.Lt(&minOut) {
		return Trade{}, fmt.Errorf("decision %d: sell: out %s < min %s: %w", d.ID, res.AmountOut.Dec(), minOut.Dec(), domain.ErrSlippageExceeded)
	}
	if p.Collateral.Lt(&res.AmountOut) {
		return Trade{}, fmt.Errorf("decision %d: sell: collateral %s: %w", d.ID, p.Collateral.Dec(), domain.ErrInsufficientLiquidity)
	}
	welfare := res.Pool.Welfare()
	acc, err := advance("sell", p, c.Block, welfare)
	if err != nil {
		return Trade{}, err
	}
	bal := d.balanceOf(c.Caller)
	newBal, err1 := fixedpoint.Add(&bal, &res.AmountOut)
	total, err2 := fixedpoint.Add(&d.TotalDeposits, &res.AmountOut)
	volume, err3 := fixedpoint.Add(&p.TotalVolume, &amountIn)
	if err := firstErr(err1, err2, err3); err != nil {
		return Trade{}, fmt.Errorf("decision %d: sell: %w", d.ID, err)
	}

	a := d.ensureAccount(c.Caller)
	a.Balance = newBal
	d.TotalDeposits = total
	p.Pool = res.Pool
	p.Accumulator = acc
	p.Supply(side).Sub(p.Supply(side), &amountIn)
	p.Collateral.Sub(&p.Collateral, &res.AmountOut)
	p.TotalVolume = volume
	np := d.ensurePosition(c.Caller, proposalID)
	np.Balance(side).Sub(pos.Balance(side), &amountIn)
	np.Allocated = saturatingSub(&pos.Allocated, &res.AmountOut)

	t := Trade{
		User: c.Caller, DecisionID: d.ID, ProposalID: proposalID, Kind: domain.TradeSell, Side: side,
		AmountIn: amountIn, AmountOut: res.AmountOut, NewWelfare: welfare, Block: c.Block,
	}
	d.recordTrade(c, t)
	return t, nil
}

// Swap exchanges tokens of sideIn for the opposite side of the same
// proposal. The swap fee stays in the pool.
func (d *Decision) Swap(c Call, proposalID int, sideIn domain.Side, amountIn, minOut uint256.Int) (Trade, error) {
	p, err := d.tradeTarget("swap", c, proposalID, &amountIn)
	if err != nil {
		return Trade{}, err
	}
	if err := requireSide("swap", sideIn); err != nil {
		return Trade{}, err
	}
	pos := d.Account(c.Caller).Position(proposalID)
	if pos.Balance(sideIn).Lt(&amountIn) {
		return Trade{}, fmt.Errorf("decision %d: swap %s %s, holding %s: %w",
			d.ID, amountIn.Dec(), sideIn, pos.Balance(sideIn).Dec(), domain.ErrInsufficientBalance)
	}
	res, err := p.Pool.Swap(sideIn, &amountIn, d.FeeBps)
	if err != nil {
		return Trade{}, fmt.Errorf("decision %d: %w", d.ID, err)
	}
	if res.AmountOut.Lt(&minOut) {
		return Trade{}, fmt.Errorf("decision %d: swap: out %s < min %s: %w", d.ID, res.AmountOut.Dec(), minOut.Dec(), domain.ErrSlippageExceeded)
	}
	welfare := res.Pool.Welfare()
	acc, err := advance("swap", p, c.Block, welfare)
	if err != nil {
		return Trade{}, err
	}
	sideOut := sideIn.Opposite()
	supplyOut, err1 := fixedpoint.Add(p.Supply(sideOut), &res.AmountOut)
	heldOut, err2 := fixedpoint.Add(pos.Balance(sideOut), &res.AmountOut)
	volume, err3 := fixedpoint.Add(&p.TotalVolume, &amountIn)
	if err := firstErr(err1, err2, err3); err != nil {
		return Trade{}, fmt.Errorf("decision %d: swap: %w", d.ID, err)
	}

	p.Pool = res.Pool
	p.Accumulator = acc
	p.Supply(sideIn).Sub(p.Supply(sideIn), &amountIn)
	*p.Supply(sideOut) = supplyOut
	p.TotalVolume = volume
	np := d.ensurePosition(c.Caller, proposalID)
	np.Balance(sideIn).Sub(pos.Balance(sideIn), &amountIn)
	*np.Balance(sideOut) = heldOut

	t := Trade{
		User: c.Caller, DecisionID: d.ID, ProposalID: proposalID, Kind: domain.TradeSwap, Side: sideIn,
		AmountIn: amountIn, AmountOut: res.AmountOut, Fee: res.Fee, NewWelfare: welfare, Block: c.Block,
	}
	d.recordTrade(c, t)
	return t, nil
}

// Quote previews a buy, sell or swap without changing state.
func (d *Decision) Quote(proposalID int, kind domain.TradeKind, side domain.Side, amountIn uint256.Int) (Trade, error) {
	p, err := d.Proposal(proposalID)
	if err != nil {
		return Trade{}, err
	}
	if err := requireAmount("quote", &amountIn); err != nil {
		return Trade{}, err
	}
	if err := requireSide("quote", side); err != nil {
		return Trade{}, err
	}
	t := Trade{DecisionID: d.ID, ProposalID: proposalID, Kind: kind, Side: side, AmountIn: amountIn}
	switch kind {
	case domain.TradeBuy:
		res, err := p.Pool.Buy(side, &amountIn, d.FeeBps)
		if err != nil {
			return Trade{}, err
		}
		t.AmountOut, t.Fee, t.NewWelfare = res.AmountOut, res.Fee, res.Pool.Welfare()
	case domain.TradeSell:
		res, err := p.Pool.Sell(side, &amountIn)
		if err != nil {
			return Trade{}, err
		}
		t.AmountOut, t.NewWelfare = res.AmountOut, res.Pool.Welfare()
	case domain.TradeSwap:
		res, err := p.Pool.Swap(side, &amountIn, d.FeeBps)
		if err != nil {
			return Trade{}, err
		}
		t.AmountOut, t.Fee, t.NewWelfare = res.AmountOut, res.Fee, res.Pool.Welfare()
	default:
		return Trade{}, fmt.Errorf("decision %d: quote %q: %w", d.ID, kind, domain.ErrInvalidArgument)
	}
	return t, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
