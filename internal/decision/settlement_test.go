package decision

import (
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/meridian/internal/domain"
)

func TestSettlementReturnsDepositsWithoutTrading(t *testing.T) {
	e, id := newDecision(t, 2, nil)
	deposit(t, e, id, alice, 101, e18(7))
	deposit(t, e, id, bob, 102, e18(11))
	deposit(t, e, id, carol, 103, e18(3))

	_, _, err := e.Collapse(Call{Caller: carol, Block: 200}, id, nil)
	require.NoError(t, err)

	var total uint256.Int
	for _, u := range []common.Address{alice, bob, carol} {
		s, _, err := e.Settle(Call{Caller: u, Block: 201}, id)
		require.NoError(t, err)
		require.True(t, s.PnL.Abs.IsZero())
		total.Add(&total, &s.Payout)
	}
	require.Equal(t, e18(21), total)

	d := mustGet(t, e, id)
	require.Equal(t, domain.StatusSettled, d.Status)
	require.True(t, d.TotalDeposits.IsZero())
	require.NoError(t, d.CheckInvariants())
}

func TestSettlementWhenWinnerNeverTraded(t *testing.T) {
	e, id := newDecision(t, 2, nil)
	deposit(t, e, id, alice, 101, e18(10))
	deposit(t, e, id, bob, 101, e18(10))
	_, _, err := e.Split(Call{Caller: alice, Block: 110}, id, 1, e18(4))
	require.NoError(t, err)
	_, _, err = e.Buy(Call{Caller: bob, Block: 120}, id, 1, domain.SideNo, e18(6), zero())
	require.NoError(t, err)

	win, _, err := e.Collapse(Call{Caller: carol, Block: 200}, id, nil)
	require.NoError(t, err)
	require.Equal(t, 0, win.ProposalID)

	var paid uint256.Int
	for _, u := range []common.Address{alice, bob} {
		s, _, err := e.Settle(Call{Caller: u, Block: 201}, id)
		require.NoError(t, err)
		require.True(t, s.Redeemed.IsZero())
		paid.Add(&paid, &s.Payout)
	}
	d := mustGet(t, e, id)
	var accounted uint256.Int
	accounted.Add(&paid, &d.CollectedFees)
	retained := d.Retained()
	accounted.Add(&accounted, &retained)
	require.Equal(t, e18(20), accounted, "payouts + fees + retained collateral equal deposits")
}

func TestSettleAtMostOnce(t *testing.T) {
	e, id := newDecision(t, 1, nil)
	deposit(t, e, id, alice, 101, e18(1))
	deposit(t, e, id, bob, 101, e18(1))
	_, _, err := e.Settle(Call{Caller: alice, Block: 150}, id)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, _, err = e.Collapse(Call{Caller: carol, Block: 200}, id, nil)
	require.NoError(t, err)
	_, _, err = e.Settle(Call{Caller: alice, Block: 201}, id)
	require.NoError(t, err)
	_, _, err = e.Settle(Call{Caller: alice, Block: 202}, id)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, err = e.Claimable(id, alice)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, _, err = e.Settle(Call{Caller: carol, Block: 202}, id)
	require.ErrorIs(t, err, domain.ErrNotFound)

	preview, err := e.Claimable(id, bob)
	require.NoError(t, err)
	s, _, err := e.Settle(Call{Caller: bob, Block: 203}, id)
	require.NoError(t, err)
	require.Equal(t, preview.Payout, s.Payout)
	require.Equal(t, domain.StatusSettled, mustGet(t, e, id).Status)
	_, _, err = e.Settle(Call{Caller: bob, Block: 204}, id)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestClaimFees(t *testing.T) {
	e, id := newDecision(t, 1, nil)
	deposit(t, e, id, alice, 101, e18(10))
	split, _, err := e.Split(Call{Caller: alice, Block: 102}, id, 0, e18(10))
	require.NoError(t, err)

	_, _, err = e.ClaimFees(Call{Caller: creator, Block: 150}, id)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, _, err = e.Collapse(Call{Caller: carol, Block: 200}, id, nil)
	require.NoError(t, err)
	_, _, err = e.ClaimFees(Call{Caller: alice, Block: 201}, id)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	fees, ch, err := e.ClaimFees(Call{Caller: creator, Block: 201}, id)
	require.NoError(t, err)
	require.Equal(t, split.Fee, fees)
	require.Equal(t, []domain.EventType{domain.EventFeesClaimed}, eventTypes(ch))
	require.NoError(t, ch.Decision.CheckInvariants())

	_, _, err = e.ClaimFees(Call{Caller: creator, Block: 202}, id)
	require.ErrorIs(t, err, domain.ErrZeroAmount)
}

func TestPartialCollateralRedeemsProRata(t *testing.T) {
	e, id := newDecision(t, 1, nil)
	deposit(t, e, id, alice, 101, e18(10))
	deposit(t, e, id, bob, 101, e18(10))
	// Buying YES issues more YES than the credit paid in, so YES supply
	// exceeds collateral and winners share it.
	a, _, err := e.Buy(Call{Caller: alice, Block: 110}, id, 0, domain.SideYes, e18(10), zero())
	require.NoError(t, err)
	b, _, err := e.Buy(Call{Caller: bob, Block: 111}, id, 0, domain.SideYes, e18(10), zero())
	require.NoError(t, err)
	_, _, err = e.Collapse(Call{Caller: carol, Block: 200}, id, nil)
	require.NoError(t, err)

	sa, _, err := e.Settle(Call{Caller: alice, Block: 201}, id)
	require.NoError(t, err)
	sb, _, err := e.Settle(Call{Caller: bob, Block: 201}, id)
	require.NoError(t, err)
	require.True(t, sa.Redeemed.Lt(&a.AmountOut))
	require.True(t, sb.Redeemed.Lt(&b.AmountOut))

	var paid uint256.Int
	paid.Add(&sa.Payout, &sb.Payout)
	d := mustGet(t, e, id)
	var total uint256.Int
	total.Add(&paid, &d.CollectedFees)
	retained := d.Retained()
	total.Add(&total, &retained)
	require.Equal(t, e18(20), total)
	require.NoError(t, d.CheckInvariants())
}

func TestRandomOperationsConserveCredit(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		e, id := newDecision(t, 3, nil)
		users := []common.Address{alice, bob, carol}
		for _, u := range users {
			deposit(t, e, id, u, 100, e18(50))
		}

		block := uint64(100)
		for i := 0; i < 300; i++ {
			block += uint64(rng.Intn(2))
			if block >= 199 {
				break
			}
			c := Call{Caller: users[rng.Intn(len(users))], Block: block}
			pid := rng.Intn(3)
			side := domain.SideYes
			if rng.Intn(2) == 1 {
				side = domain.SideNo
			}
			amount := *uint256.NewInt(uint64(rng.Int63n(3_000_000_000_000_000_000) + 1))

			var err error
			switch rng.Intn(7) {
			case 0:
				_, _, err = e.Split(c, id, pid, amount)
			case 1:
				_, _, err = e.Merge(c, id, pid, amount)
			case 2:
				_, _, err = e.Buy(c, id, pid, side, amount, zero())
			case 3:
				_, _, err = e.Sell(c, id, pid, side, amount, zero())
			case 4:
				_, _, err = e.Swap(c, id, pid, side, amount, zero())
			case 5:
				_, err = e.Withdraw(c, id, amount)
			default:
				_, err = e.Deposit(c, id, amount)
			}
			if err != nil {
				require.NotErrorIs(t, err, domain.ErrOverflow)
			}
			requireInvariants(t, e, id)
		}

		_, _, err := e.Collapse(Call{Caller: carol, Block: 200}, id, nil)
		require.NoError(t, err)
		for _, u := range users {
			_, _, err := e.Settle(Call{Caller: u, Block: 201}, id)
			require.NoError(t, err)
		}
		_, _, err = e.ClaimFees(Call{Caller: creator, Block: 202}, id)
		if err != nil {
			require.ErrorIs(t, err, domain.ErrZeroAmount)
		}

		d := mustGet(t, e, id)
		require.NoError(t, d.CheckInvariants())
		require.True(t, d.TotalDeposits.IsZero())
		var out, in uint256.Int
		out.Add(&d.GrossPaidOut, &d.FeesClaimed)
		retained := d.Retained()
		out.Add(&out, &retained)
		in.Sub(&d.GrossDeposited, &d.GrossWithdrawn)
		require.Equal(t, in, out, "seed %d", seed)
	}
}
