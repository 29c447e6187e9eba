package decision

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
)

// ErrInvariant reports a broken accounting identity.
var ErrInvariant = errors.New("invariant violated")

// CheckInvariants verifies the ledger and pool accounting identities:
//
//   - TotalDeposits equals the sum of account balances.
//   - Per proposal and side, user balances sum to the tracked supply.
//   - Per proposal and side, supply + reserve + redeemed tokens equals
//     virtual liquidity + collateral + redeemed credit.
//   - Credit in minus credit out equals deposits + fees + collateral.
func (d *Decision) CheckInvariants() error {
	var balances uint256.Int
	holdings := make(map[int][2]uint256.Int, len(d.Proposals))
	for addr, a := range d.Accounts {
		balances.Add(&balances, &a.Balance)
		for id, pos := range a.Positions {
			if id < 0 || id >= len(d.Proposals) {
				return fmt.Errorf("decision %d: account %s holds unknown proposal %d: %w", d.ID, addr.Hex(), id, ErrInvariant)
			}
			h := holdings[id]
			h[0].Add(&h[0], &pos.YesBalance)
			h[1].Add(&h[1], &pos.NoBalance)
			holdings[id] = h
		}
	}
	if !balances.Eq(&d.TotalDeposits) {
		return fmt.Errorf("decision %d: total deposits %s != balances %s: %w", d.ID, d.TotalDeposits.Dec(), balances.Dec(), ErrInvariant)
	}

	var collateral uint256.Int
	for _, p := range d.Proposals {
		h := holdings[p.ID]
		for i, side := range []domain.Side{domain.SideYes, domain.SideNo} {
			if !h[i].Eq(p.Supply(side)) {
				return fmt.Errorf("decision %d: proposal %d %s holdings %s != supply %s: %w",
					d.ID, p.ID, side, h[i].Dec(), p.Supply(side).Dec(), ErrInvariant)
			}
			var lhs, rhs uint256.Int
			lhs.Add(p.Supply(side), p.Pool.Reserve(side))
			lhs.Add(&lhs, p.redeemed(side))
			rhs.Add(&d.VirtualLiquidity, &p.Collateral)
			rhs.Add(&rhs, &p.RedeemedCredit)
			if !lhs.Eq(&rhs) {
				return fmt.Errorf("decision %d: proposal %d %s backing %s != %s: %w", d.ID, p.ID, side, lhs.Dec(), rhs.Dec(), ErrInvariant)
			}
		}
		if p.Pool.Yes.IsZero() || p.Pool.No.IsZero() {
			return fmt.Errorf("decision %d: proposal %d drained: %w", d.ID, p.ID, ErrInvariant)
		}
		collateral.Add(&collateral, &p.Collateral)
	}

	var in, out uint256.Int
	in.Sub(&d.GrossDeposited, &d.GrossWithdrawn)
	in.Sub(&in, &d.GrossPaidOut)
	in.Sub(&in, &d.FeesClaimed)
	out.Add(&d.TotalDeposits, &d.CollectedFees)
	out.Add(&out, &collateral)
	if !in.Eq(&out) {
		return fmt.Errorf("decision %d: net credit %s != held %s: %w", d.ID, in.Dec(), out.Dec(), ErrInvariant)
	}
	return nil
}

// Retained returns credit the decision keeps after settlement: collateral
// of losing proposals and any winning collateral not redeemed.
func (d *Decision) Retained() uint256.Int {
	var total uint256.Int
	for _, p := range d.Proposals {
		total.Add(&total, &p.Collateral)
	}
	return total
}
