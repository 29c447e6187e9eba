package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/meridian/internal/decision"
	"github.com/alanyoungcy/meridian/internal/domain"
)

func TestCreateAndTradePersistEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.open(t, 2, nil)
	require.Equal(t, uint64(1), id)
	require.Equal(t, 3, f.decisions.saves)

	_, err := f.svc.Deposit(ctx, id, alice, e18(10))
	require.NoError(t, err)
	f.clock.Set(110)
	tr, err := f.svc.Trade(ctx, id, alice, TradeRequest{
		Kind:       domain.TradeBuy,
		ProposalID: 0,
		Side:       domain.SideYes,
		Amount:     e18(1),
	})
	require.NoError(t, err)
	require.False(t, tr.AmountOut.IsZero())
	require.Equal(t, uint64(110), tr.Block)

	d, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Greater(t, d.Proposals[0].Welfare(), uint64(domain.NeutralWelfare))
	require.Equal(t, uint64(domain.NeutralWelfare), d.Proposals[1].Welfare())

	acct, err := f.svc.Account(ctx, id, alice)
	require.NoError(t, err)
	require.Equal(t, e18(9), acct.Balance)

	events, err := f.svc.Events(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, domain.EventTrade, events[4].Type)
	require.Equal(t, 5, f.bus.published[domain.DecisionChannel(id)])
	require.Equal(t, 5, f.bus.stream)

	require.Equal(t, []string{
		"decision.create", "decision.add_proposal", "decision.add_proposal", "decision.deposit", "decision.buy",
	}, f.audit.events)
	require.Contains(t, f.locks.acquired, createLockKey)
	require.Contains(t, f.locks.acquired, "decision:1")

	points, err := f.svc.Welfare(ctx, id)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, d.Proposals[0].Welfare(), points[0].Welfare)
	require.Equal(t, uint64(110), points[0].Block)
}

func TestQuoteMatchesTrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.open(t, 1, nil)
	_, err := f.svc.Deposit(ctx, id, alice, e18(10))
	require.NoError(t, err)

	q, err := f.svc.Quote(ctx, id, 0, domain.TradeBuy, domain.SideNo, e18(2))
	require.NoError(t, err)
	tr, err := f.svc.Trade(ctx, id, alice, TradeRequest{Kind: domain.TradeBuy, Side: domain.SideNo, Amount: e18(2), MinOut: q.AmountOut})
	require.NoError(t, err)
	require.Equal(t, q.AmountOut, tr.AmountOut)
	require.Equal(t, q.Fee, tr.Fee)

	_, err = f.svc.Trade(ctx, id, alice, TradeRequest{Kind: "short", Amount: e18(1)})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFailedOperationWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.open(t, 1, nil)
	saves := f.decisions.saves

	_, err := f.svc.Deposit(ctx, id, alice, uint256.Int{})
	require.ErrorIs(t, err, domain.ErrZeroAmount)
	_, err = f.svc.Withdraw(ctx, id, alice, e18(1))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = f.svc.Deposit(ctx, 42, alice, e18(1))
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.Equal(t, saves, f.decisions.saves)
}

func TestFailedSaveIsDiscardedOnNextCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.open(t, 1, nil)

	f.decisions.failSave = errors.New("connection reset")
	_, err := f.svc.Deposit(ctx, id, alice, e18(5))
	require.ErrorContains(t, err, "connection reset")

	f.decisions.failSave = nil
	d, err := f.svc.Deposit(ctx, id, alice, e18(1))
	require.NoError(t, err)
	require.Equal(t, e18(1), d.TotalDeposits)

	stored, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, e18(1), stored.TotalDeposits)
}

func TestLockHeldRejectsMutation(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1, nil)
	f.locks.held["decision:1"] = true

	_, err := f.svc.Deposit(context.Background(), id, alice, e18(1))
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestTradeAfterLaterCommitUsesFreshBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.open(t, 1, nil)
	_, err := f.svc.Deposit(ctx, id, alice, e18(10))
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, id, bob, e18(10))
	require.NoError(t, err)

	// Alice asks at block 100 but bob commits a trade at block 101 before
	// alice gets the decision lock.
	f.locks.beforeGrant = func(string) {
		f.clock.Set(101)
		_, err := f.svc.Trade(ctx, id, bob, TradeRequest{Kind: domain.TradeBuy, Side: domain.SideNo, Amount: e18(1)})
		require.NoError(t, err)
	}
	tr, err := f.svc.Trade(ctx, id, alice, TradeRequest{Kind: domain.TradeBuy, Side: domain.SideYes, Amount: e18(1)})
	require.NoError(t, err)
	require.Equal(t, uint64(101), tr.Block)

	d, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(101), d.Proposals[0].Accumulator.LastUpdateBlock)
}

func TestRestoreContinuesFromStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, 1, nil)
	f.open(t, 0, nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted := NewDecisionService(decision.NewEngine(decision.DefaultParams()),
		f.clock, f.oracles, f.decisions, f.decisions, f.audit, logger)
	require.NoError(t, restarted.Restore(ctx))

	d, err := restarted.Create(ctx, creator, decision.CreateRequest{Title: "third", DurationBlocks: 10, VirtualLiquidity: e18(1)})
	require.NoError(t, err)
	require.Equal(t, uint64(3), d.ID)

	_, err = restarted.Deposit(ctx, 1, alice, e18(2))
	require.NoError(t, err)
	list, err := restarted.List(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, uint64(3), list[0].ID)
}

func TestModeTWAPLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.open(t, 2, nil)
	_, err := f.svc.Deposit(ctx, id, alice, e18(10))
	require.NoError(t, err)
	_, err = f.svc.Trade(ctx, id, alice, TradeRequest{Kind: domain.TradeBuy, ProposalID: 1, Side: domain.SideYes, Amount: e18(3)})
	require.NoError(t, err)

	_, err = f.svc.Collapse(ctx, id, alice)
	require.ErrorIs(t, err, domain.ErrDeadlineNotReached)

	f.clock.Set(200)
	st, err := f.svc.Collapse(ctx, id, alice)
	require.NoError(t, err)
	require.Equal(t, 1, st.ProposalID)
	require.Eventually(t, func() bool {
		return slices.Contains(f.notifier.types(), domain.EventCollapsed)
	}, time.Second, 10*time.Millisecond)

	preview, err := f.svc.Claimable(ctx, id, alice)
	require.NoError(t, err)
	s, err := f.svc.Settle(ctx, id, alice)
	require.NoError(t, err)
	require.Equal(t, preview.Payout, s.Payout)

	d, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettled, d.Status)
	_, err = f.welfare.GetWelfare(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.ClaimFees(ctx, id, alice)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	fees, err := f.svc.ClaimFees(ctx, id, creator)
	require.NoError(t, err)
	require.False(t, fees.IsZero())
}

func TestModeOracleLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	feed := f.oracles.RegisterMemory(oracle)
	feed.Set(*uint256.NewInt(1000), 100)
	id := f.open(t, 1, &decision.OracleParams{
		Oracle:            oracle,
		Guardian:          guardian,
		MeasurementPeriod: 50,
		MinImprovementBps: 500,
	})

	f.clock.Set(200)
	_, err := f.svc.Collapse(ctx, id, alice)
	require.NoError(t, err)
	d, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusMeasuring, d.Status)
	require.Equal(t, uint64(250), d.Oracle.MeasuringDeadline)

	f.clock.Set(250)
	feed.Set(*uint256.NewInt(1050), 249)
	outcome, err := f.svc.Resolve(ctx, id, alice)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeYes, outcome)

	_, err = f.svc.ResolveDispute(ctx, id, alice, domain.OutcomeNo)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	d, err = f.svc.ResolveDispute(ctx, id, guardian, domain.OutcomeNo)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDisputed, d.Status)

	require.Eventually(t, func() bool {
		got := f.notifier.types()
		return slices.Contains(got, domain.EventMeasurementStarted) &&
			slices.Contains(got, domain.EventResolved) &&
			slices.Contains(got, domain.EventDisputeResolved)
	}, time.Second, 10*time.Millisecond)
}

func TestCollapseWithUnknownOracle(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 1, &decision.OracleParams{Oracle: oracle, Guardian: guardian, MeasurementPeriod: 10})
	f.clock.Set(200)

	_, err := f.svc.Collapse(context.Background(), id, alice)
	require.ErrorIs(t, err, domain.ErrNotFound)

	d, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, d.Status)
}

func TestWelfareFallsBackToSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.open(t, 3, nil)
	require.NoError(t, f.welfare.Invalidate(ctx, id))

	points, err := f.svc.Welfare(ctx, id)
	require.NoError(t, err)
	require.Len(t, points, 3)
	for _, p := range points {
		require.Equal(t, uint64(domain.NeutralWelfare), p.Welfare)
	}
	cached, err := f.welfare.GetWelfare(ctx, id)
	require.NoError(t, err)
	require.Len(t, cached, 3)

	standings, block, err := f.svc.Standings(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(100), block)
	require.Len(t, standings, 3)
}
