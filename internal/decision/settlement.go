package decision

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/fixedpoint"
)

// SignedAmount is a credit delta that may be negative.
type SignedAmount struct {
	Negative bool
	Abs      uint256.Int
}

// Diff returns a-b as a signed amount.
func Diff(a, b *uint256.Int) SignedAmount {
	var s SignedAmount
	if a.Lt(b) {
		s.Negative = true
		s.Abs.Sub(b, a)
	} else {
		s.Abs.Sub(a, b)
	}
	return s
}

func (s SignedAmount) String() string {
	if s.Negative && !s.Abs.IsZero() {
		return "-" + s.Abs.Dec()
	}
	return s.Abs.Dec()
}

// Settlement is the payout computed for one user.
type Settlement struct {
	User        common.Address
	DecisionID  uint64
	ProposalID  int
	WinningSide domain.Side
	Residual    uint256.Int
	Tokens      uint256.Int
	Redeemed    uint256.Int
	Payout      uint256.Int
	PnL         SignedAmount
}

// WinningSide is the token side that redeems for credit: YES in Mode A,
// the recorded outcome in Mode B.
func (d *Decision) WinningSide() (domain.Side, error) {
	if d.Mode != domain.ModeOracle {
		return domain.SideYes, nil
	}
	switch d.Oracle.Outcome {
	case domain.OutcomeYes:
		return domain.SideYes, nil
	case domain.OutcomeNo:
		return domain.SideNo, nil
	}
	return "", fmt.Errorf("decision %d: outcome unresolved: %w", d.ID, domain.ErrInvalidState)
}

// claim computes what user would receive. Winning tokens redeem 1:1 while
// the proposal's collateral covers its outstanding supply and pro rata
// otherwise, so the sum of payouts never exceeds the credit paid in.
func (d *Decision) claim(op string, user common.Address) (Settlement, error) {
	a := d.Accounts[user]
	if a != nil && a.Settled {
		return Settlement{}, fmt.Errorf("decision %d: %s: %s: %w", d.ID, op, user.Hex(), domain.ErrAlreadySettled)
	}
	if !d.Status.Settleable() {
		return Settlement{}, fmt.Errorf("decision %d: %s: status %s: %w", d.ID, op, d.Status, domain.ErrInvalidState)
	}
	if a == nil {
		return Settlement{}, fmt.Errorf("decision %d: %s: no account for %s: %w", d.ID, op, user.Hex(), domain.ErrNotFound)
	}
	side, err := d.WinningSide()
	if err != nil {
		return Settlement{}, err
	}
	w, err := d.Proposal(d.WinningProposalID)
	if err != nil {
		return Settlement{}, err
	}

	s := Settlement{
		User:        user,
		DecisionID:  d.ID,
		ProposalID:  w.ID,
		WinningSide: side,
		Residual:    a.Balance,
	}
	pos := a.Position(w.ID)
	s.Tokens = *pos.Balance(side)
	supply := w.Supply(side)
	if supply.Gt(&w.Collateral) {
		if s.Redeemed, err = fixedpoint.MulDiv(&s.Tokens, &w.Collateral, supply); err != nil {
			return Settlement{}, fmt.Errorf("decision %d: %s: %w", d.ID, op, err)
		}
	} else {
		s.Redeemed = s.Tokens
	}
	if s.Payout, err = fixedpoint.Add(&s.Residual, &s.Redeemed); err != nil {
		return Settlement{}, fmt.Errorf("decision %d: %s: %w", d.ID, op, err)
	}
	net := saturatingSub(&a.Deposited, &a.Withdrawn)
	s.PnL = Diff(&s.Payout, &net)
	return s, nil
}

// Claimable previews Settle for user without changing state.
func (d *Decision) Claimable(user common.Address) (Settlement, error) {
	return d.claim("claimable", user)
}

// Settle pays out user's residual deposit plus redeemed winning tokens.
// Each user settles at most once.
func (d *Decision) Settle(c Call) (Settlement, error) {
	s, err := d.claim("settle", c.Caller)
	if err != nil {
		return Settlement{}, err
	}
	w := d.Proposals[s.ProposalID]
	paid, err := fixedpoint.Add(&d.GrossPaidOut, &s.Payout)
	if err != nil {
		return Settlement{}, fmt.Errorf("decision %d: settle: %w", d.ID, err)
	}

	a := d.Accounts[c.Caller]
	a.Balance.Clear()
	a.Payout = s.Payout
	a.Settled = true
	d.TotalDeposits.Sub(&d.TotalDeposits, &s.Residual)
	d.GrossPaidOut = paid
	if !s.Tokens.IsZero() {
		w.Supply(s.WinningSide).Sub(w.Supply(s.WinningSide), &s.Tokens)
		w.redeemed(s.WinningSide).Add(w.redeemed(s.WinningSide), &s.Tokens)
		w.Collateral.Sub(&w.Collateral, &s.Redeemed)
		w.RedeemedCredit.Add(&w.RedeemedCredit, &s.Redeemed)
		a.Positions[w.ID].Balance(s.WinningSide).Clear()
	}
	if d.allSettled() {
		d.moveTo(domain.StatusSettled)
	}
	d.emit(domain.EventSettled, c, map[string]string{
		"payout":      s.Payout.Dec(),
		"pnl":         s.PnL.String(),
		"residual":    s.Residual.Dec(),
		"redeemed":    s.Redeemed.Dec(),
		"proposal_id": fmt.Sprint(s.ProposalID),
		"side":        string(s.WinningSide),
	})
	return s, nil
}

func (d *Decision) allSettled() bool {
	for _, a := range d.Accounts {
		if !a.Settled {
			return false
		}
	}
	return true
}

// ClaimFees pays the collected split and buy fees to the creator once the
// decision has left Open.
func (d *Decision) ClaimFees(c Call) (uint256.Int, error) {
	if !d.Status.Decided() {
		return uint256.Int{}, fmt.Errorf("decision %d: claim fees: status %s: %w", d.ID, d.Status, domain.ErrInvalidState)
	}
	if c.Caller != d.Creator {
		return uint256.Int{}, fmt.Errorf("decision %d: claim fees: caller %s is not the creator: %w", d.ID, c.Caller.Hex(), domain.ErrUnauthorized)
	}
	if d.CollectedFees.IsZero() {
		return uint256.Int{}, fmt.Errorf("decision %d: claim fees: %w", d.ID, domain.ErrZeroAmount)
	}
	fees := d.CollectedFees
	claimed, err := fixedpoint.Add(&d.FeesClaimed, &fees)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("decision %d: claim fees: %w", d.ID, err)
	}

	d.FeesClaimed = claimed
	d.CollectedFees.Clear()
	d.emit(domain.EventFeesClaimed, c, map[string]string{"amount": fees.Dec()})
	return fees, nil
}
