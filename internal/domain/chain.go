package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BlockClock supplies the current block height. The engine never invents time.
type BlockClock interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

// WelfareOracle is a read-only external measurement source for Mode B decisions.
type WelfareOracle interface {
	Metric(ctx context.Context) (uint256.Int, error)
	LastUpdated(ctx context.Context) (uint64, error)
}

// OracleResolver maps an oracle address recorded on a decision to a gateway.
type OracleResolver interface {
	Oracle(addr common.Address) (WelfareOracle, error)
}

// OracleReading is one observation taken from a WelfareOracle.
type OracleReading struct {
	Metric      uint256.Int
	LastUpdated uint64
}

// ReadOracle takes a metric and last-update reading from o.
func ReadOracle(ctx context.Context, o WelfareOracle) (OracleReading, error) {
	m, err := o.Metric(ctx)
	if err != nil {
		return OracleReading{}, err
	}
	at, err := o.LastUpdated(ctx)
	if err != nil {
		return OracleReading{}, err
	}
	return OracleReading{Metric: m, LastUpdated: at}, nil
}
