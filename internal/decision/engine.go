package decision

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
)

// Change is the result of a successful mutation: a copy of the decision as
// committed and the events it emitted.
type Change struct {
	Decision *Decision
	Events   []domain.Event
}

// Engine owns every decision and applies operations one at a time.
type Engine struct {
	mu        sync.Mutex
	params    Params
	decisions map[uint64]*Decision
	nextID    uint64
	now       func() time.Time
}

// NewEngine creates an empty engine stamping p onto new decisions.
func NewEngine(p Params) *Engine {
	return &Engine{
		params:    p,
		decisions: make(map[uint64]*Decision),
		nextID:    1,
		now:       time.Now,
	}
}

// Params returns the protocol settings for new decisions.
func (e *Engine) Params() Params {
	return e.params
}

// Restore loads previously persisted decisions.
func (e *Engine) Restore(ds []*Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range ds {
		e.decisions[d.ID] = d.Clone()
		if d.ID >= e.nextID {
			e.nextID = d.ID + 1
		}
	}
}

// Reserve makes sure the next created decision id is at least next.
func (e *Engine) Reserve(next uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if next > e.nextID {
		e.nextID = next
	}
}

// Create opens a new decision.
func (e *Engine) Create(c Call, req CreateRequest) (Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := New(e.nextID, c, req, e.params)
	if err != nil {
		return Change{}, err
	}
	e.decisions[d.ID] = d
	e.nextID++
	return e.commit(d), nil
}

// Get returns a copy of decision id.
func (e *Engine) Get(id uint64) (*Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %d: %w", id, domain.ErrNotFound)
	}
	return d.Clone(), nil
}

// List returns copies of every decision ordered by id.
func (e *Engine) List() []*Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Decision, 0, len(e.decisions))
	for _, d := range e.decisions {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddProposal registers a proposal on decision id.
func (e *Engine) AddProposal(c Call, id uint64, title string) (Proposal, Change, error) {
	return mutate(e, id, func(d *Decision) (Proposal, error) {
		p, err := d.AddProposal(c, title)
		if err != nil {
			return Proposal{}, err
		}
		return *p, nil
	})
}

// Deposit credits amount to the caller on decision id.
func (e *Engine) Deposit(c Call, id uint64, amount uint256.Int) (Change, error) {
	_, ch, err := mutate(e, id, func(d *Decision) (struct{}, error) {
		return struct{}{}, d.Deposit(c, amount)
	})
	return ch, err
}

// Withdraw returns amount of un-split credit to the caller.
func (e *Engine) Withdraw(c Call, id uint64, amount uint256.Int) (Change, error) {
	_, ch, err := mutate(e, id, func(d *Decision) (struct{}, error) {
		return struct{}{}, d.Withdraw(c, amount)
	})
	return ch, err
}

// Split mints YES/NO pairs from credit.
func (e *Engine) Split(c Call, id uint64, proposalID int, credit uint256.Int) (Trade, Change, error) {
	return mutate(e, id, func(d *Decision) (Trade, error) {
		return d.Split(c, proposalID, credit)
	})
}

// Merge burns YES/NO pairs into credit.
func (e *Engine) Merge(c Call, id uint64, proposalID int, amount uint256.Int) (Trade, Change, error) {
	return mutate(e, id, func(d *Decision) (Trade, error) {
		return d.Merge(c, proposalID, amount)
	})
}

// Buy purchases side tokens with credit.
func (e *Engine) Buy(c Call, id uint64, proposalID int, side domain.Side, amountIn, minOut uint256.Int) (Trade, Change, error) {
	return mutate(e, id, func(d *Decision) (Trade, error) {
		return d.Buy(c, proposalID, side, amountIn, minOut)
	})
}

// Sell returns side tokens for credit.
func (e *Engine) Sell(c Call, id uint64, proposalID int, side domain.Side, amountIn, minOut uint256.Int) (Trade, Change, error) {
	return mutate(e, id, func(d *Decision) (Trade, error) {
		return d.Sell(c, proposalID, side, amountIn, minOut)
	})
}

// Swap exchanges tokens of sideIn for the opposite side.
func (e *Engine) Swap(c Call, id uint64, proposalID int, sideIn domain.Side, amountIn, minOut uint256.Int) (Trade, Change, error) {
	return mutate(e, id, func(d *Decision) (Trade, error) {
		return d.Swap(c, proposalID, sideIn, amountIn, minOut)
	})
}

// Collapse picks the winning proposal of decision id.
func (e *Engine) Collapse(c Call, id uint64, reading *domain.OracleReading) (Standing, Change, error) {
	return mutate(e, id, func(d *Decision) (Standing, error) {
		return d.Collapse(c, reading)
	})
}

// Resolve records the Mode B measurement of decision id.
func (e *Engine) Resolve(c Call, id uint64, reading *domain.OracleReading) (domain.Outcome, Change, error) {
	return mutate(e, id, func(d *Decision) (domain.Outcome, error) {
		return d.Resolve(c, reading)
	})
}

// ResolveDispute applies the guardian override on decision id.
func (e *Engine) ResolveDispute(c Call, id uint64, outcome domain.Outcome) (Change, error) {
	_, ch, err := mutate(e, id, func(d *Decision) (struct{}, error) {
		return struct{}{}, d.ResolveDispute(c, outcome)
	})
	return ch, err
}

// Settle pays out the caller on decision id.
func (e *Engine) Settle(c Call, id uint64) (Settlement, Change, error) {
	return mutate(e, id, func(d *Decision) (Settlement, error) {
		return d.Settle(c)
	})
}

// ClaimFees pays collected fees to the creator of decision id.
func (e *Engine) ClaimFees(c Call, id uint64) (uint256.Int, Change, error) {
	return mutate(e, id, func(d *Decision) (uint256.Int, error) {
		return d.ClaimFees(c)
	})
}

// Claimable previews settlement of user on decision id.
func (e *Engine) Claimable(id uint64, user common.Address) (Settlement, error) {
	return read(e, id, func(d *Decision) (Settlement, error) {
		return d.Claimable(user)
	})
}

// Quote previews a trade on decision id.
func (e *Engine) Quote(id uint64, proposalID int, kind domain.TradeKind, side domain.Side, amountIn uint256.Int) (Trade, error) {
	return read(e, id, func(d *Decision) (Trade, error) {
		return d.Quote(proposalID, kind, side, amountIn)
	})
}

func mutate[T any](e *Engine, id uint64, fn func(d *Decision) (T, error)) (T, Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var zero T
	d, ok := e.decisions[id]
	if !ok {
		return zero, Change{}, fmt.Errorf("decision %d: %w", id, domain.ErrNotFound)
	}
	out, err := fn(d)
	if err != nil {
		d.pending = nil
		return zero, Change{}, err
	}
	return out, e.commit(d), nil
}

func read[T any](e *Engine, id uint64, fn func(d *Decision) (T, error)) (T, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.decisions[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("decision %d: %w", id, domain.ErrNotFound)
	}
	return fn(d)
}

// commit stamps pending events and snapshots d. Callers hold e.mu.
func (e *Engine) commit(d *Decision) Change {
	now := e.now().UTC()
	pending := d.drain()
	events := make([]domain.Event, len(pending))
	for i, p := range pending {
		events[i] = domain.Event{
			ID:         uuid.NewString(),
			Type:       p.kind,
			DecisionID: d.ID,
			Block:      p.block,
			Actor:      p.actor,
			Attrs:      p.attrs,
			CreatedAt:  now,
		}
	}
	return Change{Decision: d.Clone(), Events: events}
}
