package decision

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/meridian/internal/domain"
)

var (
	creator  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000000ca")
	guardian = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	oracle   = common.HexToAddress("0x000000000000000000000000000000000000000e")
)

func e18(n uint64) uint256.Int {
	var x uint256.Int
	x.Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
	return x
}

func dec(t *testing.T, s string) uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	require.NoError(t, err)
	return *v
}

func zero() uint256.Int { return uint256.Int{} }

// newDecision opens a decision at block 100 with a deadline at block 200
// and the given number of proposals.
func newDecision(t *testing.T, proposals int, o *OracleParams) (*Engine, uint64) {
	t.Helper()
	e := NewEngine(DefaultParams())
	ch, err := e.Create(Call{Caller: creator, Block: 100}, CreateRequest{
		Title:            "Which roadmap?",
		DurationBlocks:   100,
		VirtualLiquidity: e18(100),
		Oracle:           o,
	})
	require.NoError(t, err)
	id := ch.Decision.ID
	for i := 0; i < proposals; i++ {
		_, _, err := e.AddProposal(Call{Caller: creator, Block: 100}, id, "proposal")
		require.NoError(t, err)
	}
	return e, id
}

func deposit(t *testing.T, e *Engine, id uint64, who common.Address, block uint64, amount uint256.Int) {
	t.Helper()
	_, err := e.Deposit(Call{Caller: who, Block: block}, id, amount)
	require.NoError(t, err)
}

func mustGet(t *testing.T, e *Engine, id uint64) *Decision {
	t.Helper()
	d, err := e.Get(id)
	require.NoError(t, err)
	return d
}

func requireInvariants(t *testing.T, e *Engine, id uint64) {
	t.Helper()
	require.NoError(t, mustGet(t, e, id).CheckInvariants())
}

func eventTypes(ch Change) []domain.EventType {
	out := make([]domain.EventType, len(ch.Events))
	for i, ev := range ch.Events {
		out[i] = ev.Type
	}
	return out
}
