package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/meridian/internal/decision"
	"github.com/alanyoungcy/meridian/internal/domain"
)

func TestKeeperAdvancesDueDecisions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	feed := f.oracles.RegisterMemory(oracle)
	feed.Set(*uint256.NewInt(1000), 100)

	twapID := f.open(t, 2, nil)
	emptyID := f.open(t, 0, nil)
	oracleID := f.open(t, 1, &decision.OracleParams{
		Oracle:            oracle,
		Guardian:          guardian,
		MeasurementPeriod: 50,
		MinImprovementBps: 1000,
	})
	k := NewKeeper(f.svc, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f.clock.Set(150)
	n, err := k.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Set(200)
	n, err = k.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	status := func(id uint64) domain.Status {
		d, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		return d.Status
	}
	require.Equal(t, domain.StatusCollapsed, status(twapID))
	require.Equal(t, domain.StatusOpen, status(emptyID))
	require.Equal(t, domain.StatusMeasuring, status(oracleID))

	f.clock.Set(249)
	n, err = k.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Set(260)
	feed.Set(*uint256.NewInt(1050), 255)
	n, err = k.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := f.svc.Get(ctx, oracleID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusResolved, d.Status)
	require.Equal(t, domain.OutcomeNo, d.Oracle.Outcome)
}

func TestKeeperSkipsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.open(t, 1, nil)
	second := f.open(t, 1, nil)
	f.locks.held["decision:1"] = true
	k := NewKeeper(f.svc, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f.clock.Set(300)
	n, err := k.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := f.svc.Get(ctx, first)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, d.Status)
	d, err = f.svc.Get(ctx, second)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCollapsed, d.Status)
}

func TestKeeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.open(t, 1, nil)
	f.clock.Set(300)
	k := NewKeeper(f.svc, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool {
		d, err := f.svc.Get(context.Background(), 1)
		return err == nil && d.Status == domain.StatusCollapsed
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
