package twap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/meridian/internal/domain"
)

func TestUntradedProposalStaysNeutral(t *testing.T) {
	acc := New(100, 0)
	for _, b := range []uint64{100, 101, 150, 10_000} {
		require.Equal(t, uint64(domain.NeutralWelfare), acc.TWAP(b, 100))
	}
}

func TestTWAPWeightsByBlocks(t *testing.T) {
	cases := []struct {
		w0, t0, w1, t1 uint64
	}{
		{6000, 10, 4000, 10},
		{7000, 3, 2000, 17},
		{5000, 1, 9999, 1},
		{1234, 97, 8765, 13},
		{0, 50, 10000, 50},
	}
	for _, tc := range cases {
		acc := New(0, 0)
		acc, err := acc.Next(0, tc.w0)
		require.NoError(t, err)
		acc, err = acc.Next(tc.t0, tc.w1)
		require.NoError(t, err)

		want := (tc.w0*tc.t0 + tc.w1*tc.t1) / (tc.t0 + tc.t1)
		got := acc.TWAP(tc.t0+tc.t1, 0)
		require.InDelta(t, float64(want), float64(got), 1)
	}
}

func TestTWAPSameBlockReturnsLastObservation(t *testing.T) {
	acc, err := New(42, 0).Next(42, 6100)
	require.NoError(t, err)
	require.Equal(t, uint64(6100), acc.TWAP(42, 42))
}

func TestLateProposalCountsNeutralBeforeItExisted(t *testing.T) {
	// Decision created at block 0; proposal added at block 50 trades to 7000.
	acc := New(0, 0)
	acc, err := acc.Next(50, 7000)
	require.NoError(t, err)
	require.Equal(t, uint64((5000*50+7000*50)/100), acc.TWAP(100, 0))
}

func TestNextRejectsBackwardsBlocks(t *testing.T) {
	acc := New(10, 0)
	_, err := acc.Next(9, 5000)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNextLeavesReceiverUntouched(t *testing.T) {
	acc := New(0, 0)
	_, err := acc.Next(10, 9000)
	require.NoError(t, err)
	require.Equal(t, uint64(0), acc.LastUpdateBlock)
	require.True(t, acc.Cumulative.IsZero())
}

func TestMaxChangePerBlockCapsObservation(t *testing.T) {
	acc := New(0, domain.ReferenceMaxChangePerBlock)
	acc, err := acc.Next(3, 9000)
	require.NoError(t, err)
	require.Equal(t, uint64(5006), acc.LastWelfare)

	acc, err = acc.Next(3, 9000)
	require.NoError(t, err)
	require.Equal(t, uint64(5006), acc.LastWelfare, "no movement inside one block")

	acc, err = acc.Next(5, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(5002), acc.LastWelfare)
}
