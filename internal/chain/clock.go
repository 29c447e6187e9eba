// Package chain connects the engine to block height and welfare oracle
// sources, either an EVM JSON-RPC endpoint or local in-process stand-ins.
package chain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/meridian/internal/domain"
)

// RPCClock reads the latest block number from an EVM node.
type RPCClock struct {
	client *ethclient.Client
}

// NewRPCClock wraps an ethclient connection.
func NewRPCClock(client *ethclient.Client) *RPCClock {
	return &RPCClock{client: client}
}

// CurrentBlock returns the node's latest block number.
func (c *RPCClock) CurrentBlock(ctx context.Context) (uint64, error) {
	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// LocalClock derives block height from wall time: one block per interval
// since genesis. Every process given the same genesis and interval reports
// the same height, so restarts and replicas never move the chain backwards.
type LocalClock struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

// NewLocalClock returns a local chain whose block 0 started at genesis.
func NewLocalClock(genesis time.Time, interval time.Duration) *LocalClock {
	return &LocalClock{genesis: genesis, interval: interval, now: time.Now}
}

// CurrentBlock returns the number of whole intervals since genesis.
func (c *LocalClock) CurrentBlock(_ context.Context) (uint64, error) {
	if c.interval <= 0 {
		return 0, fmt.Errorf("chain: local clock interval %s: %w", c.interval, domain.ErrInvalidArgument)
	}
	elapsed := c.now().Sub(c.genesis)
	if elapsed < 0 {
		return 0, nil
	}
	return uint64(elapsed / c.interval), nil
}

// ManualClock is advanced explicitly.
type ManualClock struct {
	block atomic.Uint64
}

// NewManualClock starts at block.
func NewManualClock(block uint64) *ManualClock {
	c := &ManualClock{}
	c.block.Store(block)
	return c
}

// CurrentBlock returns the current block.
func (c *ManualClock) CurrentBlock(_ context.Context) (uint64, error) {
	return c.block.Load(), nil
}

// Set moves the clock to block.
func (c *ManualClock) Set(block uint64) {
	c.block.Store(block)
}

// Advance moves the clock forward by n blocks and returns the new height.
func (c *ManualClock) Advance(n uint64) uint64 {
	return c.block.Add(n)
}

var (
	_ domain.BlockClock = (*RPCClock)(nil)
	_ domain.BlockClock = (*LocalClock)(nil)
	_ domain.BlockClock = (*ManualClock)(nil)
)
