// Package decision implements the futarchy decision aggregate: deposits,
// proposal pools, welfare accumulators, collapse, oracle resolution and
// settlement. A Decision validates every precondition and computes every
// new value before writing any field, so a failed call changes nothing.
package decision

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/amm"
	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/fixedpoint"
	"github.com/alanyoungcy/meridian/internal/twap"
)

// Call carries the caller identity and block height of one operation.
type Call struct {
	Caller common.Address
	Block  uint64
}

// OracleTerms holds the Mode B measurement parameters and results.
type OracleTerms struct {
	Oracle            common.Address
	Guardian          common.Address
	MeasurementPeriod uint64
	MinImprovementBps uint64
	MeasuringDeadline uint64
	Outcome           domain.Outcome
	MBaseline         uint256.Int
	MActual           uint256.Int
}

// Proposal is one candidate answer backed by its own YES/NO pool.
type Proposal struct {
	ID             int
	Title          string
	Proposer       common.Address
	CreatedAtBlock uint64
	Pool           amm.Pool
	Accumulator    twap.Accumulator
	TotalVolume    uint256.Int
	TotalMinted    uint256.Int
	// Collateral is the credit backing user-held tokens of this proposal.
	Collateral     uint256.Int
	YesSupply      uint256.Int
	NoSupply       uint256.Int
	RedeemedYes    uint256.Int
	RedeemedNo     uint256.Int
	RedeemedCredit uint256.Int
}

// Supply returns the user-held supply of side.
func (p *Proposal) Supply(side domain.Side) *uint256.Int {
	if side == domain.SideYes {
		return &p.YesSupply
	}
	return &p.NoSupply
}

func (p *Proposal) redeemed(side domain.Side) *uint256.Int {
	if side == domain.SideYes {
		return &p.RedeemedYes
	}
	return &p.RedeemedNo
}

// Welfare returns the proposal's spot welfare.
func (p *Proposal) Welfare() uint64 {
	return p.Pool.Welfare()
}

// Position is one user's token holdings in one proposal.
type Position struct {
	YesBalance uint256.Int
	NoBalance  uint256.Int
	Allocated  uint256.Int
}

// Balance returns the holding of side.
func (p *Position) Balance(side domain.Side) *uint256.Int {
	if side == domain.SideYes {
		return &p.YesBalance
	}
	return &p.NoBalance
}

// Account is one user's deposit ledger entry within a decision.
type Account struct {
	Balance   uint256.Int
	Deposited uint256.Int
	Withdrawn uint256.Int
	Payout    uint256.Int
	Settled   bool
	Positions map[int]*Position
}

// Position returns the user's position in proposal id, or a zero value.
func (a *Account) Position(id int) Position {
	if a == nil {
		return Position{}
	}
	if p, ok := a.Positions[id]; ok {
		return *p
	}
	return Position{}
}

// Decision is the aggregate owning a governance question's proposals and
// ledgers.
type Decision struct {
	ID                uint64
	Creator           common.Address
	Title             string
	CreatedAtBlock    uint64
	Deadline          uint64
	Status            domain.Status
	Mode              domain.Mode
	FeeBps            uint64
	MaxProposals      int
	MaxChangePerBlock uint64
	StaleThreshold    uint64
	VirtualLiquidity  uint256.Int
	TotalDeposits     uint256.Int
	CollectedFees     uint256.Int
	FeesClaimed       uint256.Int
	GrossDeposited    uint256.Int
	GrossWithdrawn    uint256.Int
	GrossPaidOut      uint256.Int
	WinningProposalID int
	WinningTWAP       uint64
	Oracle            *OracleTerms
	Proposals         []*Proposal
	Accounts          map[common.Address]*Account

	pending []pendingEvent
}

type pendingEvent struct {
	kind  domain.EventType
	actor common.Address
	block uint64
	attrs map[string]string
}

func (d *Decision) emit(kind domain.EventType, c Call, attrs map[string]string) {
	d.pending = append(d.pending, pendingEvent{kind: kind, actor: c.Caller, block: c.Block, attrs: attrs})
}

func (d *Decision) drain() []pendingEvent {
	out := d.pending
	d.pending = nil
	return out
}

// Proposal returns proposal id or ErrNotFound.
func (d *Decision) Proposal(id int) (*Proposal, error) {
	if id < 0 || id >= len(d.Proposals) {
		return nil, fmt.Errorf("decision %d: proposal %d: %w", d.ID, id, domain.ErrNotFound)
	}
	return d.Proposals[id], nil
}

// Account returns the ledger entry for user, or nil if none exists.
func (d *Decision) Account(user common.Address) *Account {
	return d.Accounts[user]
}

func (d *Decision) ensureAccount(user common.Address) *Account {
	a, ok := d.Accounts[user]
	if !ok {
		a = &Account{Positions: make(map[int]*Position)}
		d.Accounts[user] = a
	}
	return a
}

func (d *Decision) ensurePosition(user common.Address, proposalID int) *Position {
	a := d.ensureAccount(user)
	p, ok := a.Positions[proposalID]
	if !ok {
		p = &Position{}
		a.Positions[proposalID] = p
	}
	return p
}

func (d *Decision) balanceOf(user common.Address) uint256.Int {
	if a := d.Accounts[user]; a != nil {
		return a.Balance
	}
	return uint256.Int{}
}

// requireStatus fails unless the decision is in one of allowed.
func (d *Decision) requireStatus(op string, allowed ...domain.Status) error {
	for _, s := range allowed {
		if d.Status == s {
			return nil
		}
	}
	return fmt.Errorf("decision %d: %s: status %s: %w", d.ID, op, d.Status, domain.ErrInvalidState)
}

// requireTransition fails unless the transition table allows moving to next.
func (d *Decision) requireTransition(op string, next domain.Status) error {
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("decision %d: %s: %s -> %s: %w", d.ID, op, d.Status, next, domain.ErrInvalidState)
	}
	return nil
}

// moveTo applies a transition already checked by requireTransition.
func (d *Decision) moveTo(next domain.Status) {
	if d.Status.CanTransition(next) {
		d.Status = next
	}
}

// requireOpenBefore fails unless the decision is Open and block is before
// the deadline.
func (d *Decision) requireOpenBefore(op string, block uint64) error {
	if err := d.requireStatus(op, domain.StatusOpen); err != nil {
		return err
	}
	if block >= d.Deadline {
		return fmt.Errorf("decision %d: %s at block %d, deadline %d: %w", d.ID, op, block, d.Deadline, domain.ErrDeadlinePassed)
	}
	return nil
}

func requireAmount(op string, amount *uint256.Int) error {
	if amount.IsZero() {
		return fmt.Errorf("decision: %s: %w", op, domain.ErrZeroAmount)
	}
	if !fixedpoint.InRange(amount) {
		return fmt.Errorf("decision: %s: amount above limit: %w", op, domain.ErrOverflow)
	}
	return nil
}

func requireSide(op string, side domain.Side) error {
	if side != domain.SideYes && side != domain.SideNo {
		return fmt.Errorf("decision: %s: side %q: %w", op, side, domain.ErrInvalidArgument)
	}
	return nil
}

// saturatingSub returns x-y, or zero when y exceeds x.
func saturatingSub(x, y *uint256.Int) uint256.Int {
	var z uint256.Int
	if _, underflow := z.SubOverflow(x, y); underflow {
		return uint256.Int{}
	}
	return z
}

// Clone returns a deep copy that shares no mutable state with d.
func (d *Decision) Clone() *Decision {
	c := *d
	c.pending = nil
	if d.Oracle != nil {
		o := *d.Oracle
		c.Oracle = &o
	}
	c.Proposals = make([]*Proposal, len(d.Proposals))
	for i, p := range d.Proposals {
		cp := *p
		c.Proposals[i] = &cp
	}
	c.Accounts = make(map[common.Address]*Account, len(d.Accounts))
	for addr, a := range d.Accounts {
		ca := *a
		ca.Positions = make(map[int]*Position, len(a.Positions))
		for id, p := range a.Positions {
			cp := *p
			ca.Positions[id] = &cp
		}
		c.Accounts[addr] = &ca
	}
	return &c
}
