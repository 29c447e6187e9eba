package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
)

const welfareOracleABI = `[
	{"type":"function","name":"getMetric","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"lastUpdated","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var parsedOracleABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(welfareOracleABI))
	if err != nil {
		panic(fmt.Sprintf("chain: parse oracle abi: %v", err))
	}
	return a
}()

// ContractCaller is the read-only subset of ethclient.Client the oracle needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVMOracle reads a welfare oracle contract over JSON-RPC.
type EVMOracle struct {
	caller  ContractCaller
	address common.Address
}

// NewEVMOracle binds the oracle contract at address.
func NewEVMOracle(caller ContractCaller, address common.Address) *EVMOracle {
	return &EVMOracle{caller: caller, address: address}
}

// Metric calls getMetric().
func (o *EVMOracle) Metric(ctx context.Context) (uint256.Int, error) {
	v, err := o.callUint(ctx, "getMetric")
	if err != nil {
		return uint256.Int{}, err
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return uint256.Int{}, fmt.Errorf("chain: oracle %s: getMetric: %w", o.address.Hex(), domain.ErrOverflow)
	}
	return *out, nil
}

// LastUpdated calls lastUpdated().
func (o *EVMOracle) LastUpdated(ctx context.Context) (uint64, error) {
	v, err := o.callUint(ctx, "lastUpdated")
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("chain: oracle %s: lastUpdated: %w", o.address.Hex(), domain.ErrOverflow)
	}
	return v.Uint64(), nil
}

func (o *EVMOracle) callUint(ctx context.Context, method string) (*big.Int, error) {
	data, err := parsedOracleABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	to := o.address
	raw, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: oracle %s: %s: %w", o.address.Hex(), method, err)
	}
	vals, err := parsedOracleABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: oracle %s: unpack %s: %w", o.address.Hex(), method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("chain: oracle %s: %s returned %d values", o.address.Hex(), method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: oracle %s: %s returned %T", o.address.Hex(), method, vals[0])
	}
	return v, nil
}

// MemoryOracle is an in-process oracle whose metric is set by an operator.
type MemoryOracle struct {
	mu          sync.RWMutex
	metric      uint256.Int
	lastUpdated uint64
}

// Metric returns the last value set.
func (o *MemoryOracle) Metric(_ context.Context) (uint256.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.metric, nil
}

// LastUpdated returns the block of the last Set.
func (o *MemoryOracle) LastUpdated(_ context.Context) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastUpdated, nil
}

// Set records metric as observed at block.
func (o *MemoryOracle) Set(metric uint256.Int, block uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metric = metric
	o.lastUpdated = block
}

// Registry resolves oracle addresses. Addresses registered as memory
// oracles are served in-process; any other address is read from the chain
// when a contract caller is configured.
type Registry struct {
	mu     sync.RWMutex
	caller ContractCaller
	memory map[common.Address]*MemoryOracle
	evm    map[common.Address]*EVMOracle
}

// NewRegistry creates a registry. caller may be nil when no RPC endpoint is
// configured.
func NewRegistry(caller ContractCaller) *Registry {
	return &Registry{
		caller: caller,
		memory: make(map[common.Address]*MemoryOracle),
		evm:    make(map[common.Address]*EVMOracle),
	}
}

// RegisterMemory serves addr from an in-process oracle and returns it.
func (r *Registry) RegisterMemory(addr common.Address) *MemoryOracle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.memory[addr]; ok {
		return o
	}
	o := &MemoryOracle{}
	r.memory[addr] = o
	return o
}

// Memory returns the in-process oracle registered for addr.
func (r *Registry) Memory(addr common.Address) (*MemoryOracle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.memory[addr]
	if !ok {
		return nil, fmt.Errorf("chain: memory oracle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return o, nil
}

// Oracle implements domain.OracleResolver.
func (r *Registry) Oracle(addr common.Address) (domain.WelfareOracle, error) {
	r.mu.RLock()
	if o, ok := r.memory[addr]; ok {
		r.mu.RUnlock()
		return o, nil
	}
	if o, ok := r.evm[addr]; ok {
		r.mu.RUnlock()
		return o, nil
	}
	r.mu.RUnlock()

	if r.caller == nil {
		return nil, fmt.Errorf("chain: oracle %s: no rpc endpoint configured: %w", addr.Hex(), domain.ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.evm[addr]
	if !ok {
		o = NewEVMOracle(r.caller, addr)
		r.evm[addr] = o
	}
	return o, nil
}

var (
	_ domain.WelfareOracle  = (*EVMOracle)(nil)
	_ domain.WelfareOracle  = (*MemoryOracle)(nil)
	_ domain.OracleResolver = (*Registry)(nil)
)
