// Package twap tracks the time-weighted average welfare of a proposal pool.
package twap

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
)

// Accumulator is a per-proposal welfare integral over block time.
type Accumulator struct {
	Cumulative      uint256.Int
	LastUpdateBlock uint64
	LastWelfare     uint64
	// MaxChangePerBlock caps how far LastWelfare may move per elapsed block.
	// Zero disables the cap.
	MaxChangePerBlock uint64
}

// New returns an accumulator reading neutral welfare from startBlock.
func New(startBlock, maxChangePerBlock uint64) Accumulator {
	return Accumulator{
		LastUpdateBlock:   startBlock,
		LastWelfare:       domain.NeutralWelfare,
		MaxChangePerBlock: maxChangePerBlock,
	}
}

// Next returns the accumulator after recording welfare at block. The
// previous observation is weighted by the blocks elapsed since the last
// update before the new one replaces it. The receiver is left untouched.
func (a Accumulator) Next(block, welfare uint64) (Accumulator, error) {
	if block < a.LastUpdateBlock {
		return a, fmt.Errorf("twap: update at block %d before last update %d: %w",
			block, a.LastUpdateBlock, domain.ErrInvalidArgument)
	}
	elapsed := block - a.LastUpdateBlock
	var area uint256.Int
	area.Mul(uint256.NewInt(a.LastWelfare), uint256.NewInt(elapsed))
	if _, overflow := a.Cumulative.AddOverflow(&a.Cumulative, &area); overflow {
		return a, fmt.Errorf("twap: cumulative: %w", domain.ErrOverflow)
	}
	a.LastUpdateBlock = block
	a.LastWelfare = a.clamp(welfare, elapsed)
	return a, nil
}

func (a Accumulator) clamp(welfare, elapsed uint64) uint64 {
	if a.MaxChangePerBlock == 0 {
		return welfare
	}
	allowed := a.MaxChangePerBlock * elapsed
	if elapsed != 0 && allowed/elapsed != a.MaxChangePerBlock {
		return welfare
	}
	switch {
	case welfare > a.LastWelfare && welfare-a.LastWelfare > allowed:
		return a.LastWelfare + allowed
	case welfare < a.LastWelfare && a.LastWelfare-welfare > allowed:
		return a.LastWelfare - allowed
	}
	return welfare
}

// TWAP returns the time-weighted average welfare between createdAt and
// block. With no elapsed blocks it returns the last observation.
func (a Accumulator) TWAP(block, createdAt uint64) uint64 {
	if block <= createdAt {
		return a.LastWelfare
	}
	total := a.Cumulative
	if block > a.LastUpdateBlock {
		var tail uint256.Int
		tail.Mul(uint256.NewInt(a.LastWelfare), uint256.NewInt(block-a.LastUpdateBlock))
		total.Add(&total, &tail)
	}
	total.Div(&total, uint256.NewInt(block-createdAt))
	return total.Uint64()
}
