package decision

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/amm"
	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/fixedpoint"
	"github.com/alanyoungcy/meridian/internal/twap"
)

// Params are the protocol settings stamped onto each new decision.
type Params struct {
	FeeBps              uint64
	MaxProposals        int
	MinVirtualLiquidity uint256.Int
	MaxChangePerBlock   uint64
	StaleThreshold      uint64
}

// DefaultParams returns the protocol defaults.
func DefaultParams() Params {
	return Params{
		FeeBps:              domain.DefaultFeeBps,
		MaxProposals:        domain.DefaultMaxProposals,
		MinVirtualLiquidity: *uint256.NewInt(1),
	}
}

// OracleParams requests Mode B resolution at creation.
type OracleParams struct {
	Oracle            common.Address
	Guardian          common.Address
	MeasurementPeriod uint64
	MinImprovementBps uint64
}

// CreateRequest holds the caller-chosen settings of a new decision.
type CreateRequest struct {
	Title            string
	DurationBlocks   uint64
	VirtualLiquidity uint256.Int
	Oracle           *OracleParams
}

// New creates decision id at c.Block with deadline c.Block+DurationBlocks.
func New(id uint64, c Call, req CreateRequest, p Params) (*Decision, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("decision: create: empty title: %w", domain.ErrInvalidArgument)
	}
	if req.DurationBlocks == 0 {
		return nil, fmt.Errorf("decision: create: zero duration: %w", domain.ErrInvalidArgument)
	}
	deadline := c.Block + req.DurationBlocks
	if deadline < c.Block {
		return nil, fmt.Errorf("decision: create: deadline: %w", domain.ErrOverflow)
	}
	if err := requireAmount("create", &req.VirtualLiquidity); err != nil {
		return nil, err
	}
	if req.VirtualLiquidity.Lt(&p.MinVirtualLiquidity) {
		return nil, fmt.Errorf("decision: create: virtual liquidity %s below floor %s: %w",
			req.VirtualLiquidity.Dec(), p.MinVirtualLiquidity.Dec(), domain.ErrInsufficientLiquidity)
	}
	if p.FeeBps > domain.BPS {
		return nil, fmt.Errorf("decision: create: fee %d bps: %w", p.FeeBps, domain.ErrInvalidArgument)
	}

	d := &Decision{
		ID:                id,
		Creator:           c.Caller,
		Title:             title,
		CreatedAtBlock:    c.Block,
		Deadline:          deadline,
		Status:            domain.StatusOpen,
		Mode:              domain.ModeTWAP,
		FeeBps:            p.FeeBps,
		MaxProposals:      p.MaxProposals,
		MaxChangePerBlock: p.MaxChangePerBlock,
		StaleThreshold:    p.StaleThreshold,
		VirtualLiquidity:  req.VirtualLiquidity,
		WinningProposalID: -1,
		Accounts:          make(map[common.Address]*Account),
	}
	attrs := map[string]string{
		"title":             title,
		"deadline":          strconv.FormatUint(deadline, 10),
		"virtual_liquidity": req.VirtualLiquidity.Dec(),
		"mode":              string(domain.ModeTWAP),
	}
	if o := req.Oracle; o != nil {
		if o.Oracle == (common.Address{}) || o.Guardian == (common.Address{}) {
			return nil, fmt.Errorf("decision: create: oracle and guardian are required: %w", domain.ErrInvalidArgument)
		}
		if o.MinImprovementBps > domain.BPS {
			return nil, fmt.Errorf("decision: create: min improvement %d bps above %d: %w",
				o.MinImprovementBps, domain.BPS, domain.ErrInvalidArgument)
		}
		d.Mode = domain.ModeOracle
		d.Oracle = &OracleTerms{
			Oracle:            o.Oracle,
			Guardian:          o.Guardian,
			MeasurementPeriod: o.MeasurementPeriod,
			MinImprovementBps: o.MinImprovementBps,
			Outcome:           domain.OutcomeUnresolved,
		}
		attrs["mode"] = string(domain.ModeOracle)
		attrs["oracle"] = o.Oracle.Hex()
		attrs["guardian"] = o.Guardian.Hex()
		attrs["measurement_period"] = strconv.FormatUint(o.MeasurementPeriod, 10)
		attrs["min_improvement_bps"] = strconv.FormatUint(o.MinImprovementBps, 10)
	}
	d.emit(domain.EventDecisionCreated, c, attrs)
	return d, nil
}

// AddProposal registers a new proposal pool seeded with the decision's
// virtual liquidity.
func (d *Decision) AddProposal(c Call, title string) (*Proposal, error) {
	if err := d.requireOpenBefore("add proposal", c.Block); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("decision %d: add proposal: empty title: %w", d.ID, domain.ErrInvalidArgument)
	}
	if len(d.Proposals) >= d.MaxProposals {
		return nil, fmt.Errorf("decision %d: add proposal: %d proposals: %w", d.ID, len(d.Proposals), domain.ErrCapacityExceeded)
	}
	pool, err := amm.NewPool(&d.VirtualLiquidity)
	if err != nil {
		return nil, fmt.Errorf("decision %d: add proposal: %w", d.ID, err)
	}

	p := &Proposal{
		ID:             len(d.Proposals),
		Title:          title,
		Proposer:       c.Caller,
		CreatedAtBlock: c.Block,
		Pool:           pool,
		Accumulator:    twap.New(d.CreatedAtBlock, d.MaxChangePerBlock),
	}
	d.Proposals = append(d.Proposals, p)
	d.emit(domain.EventProposalAdded, c, map[string]string{
		"proposal_id": strconv.Itoa(p.ID),
		"title":       title,
	})
	return p, nil
}

// Deposit credits amount to the caller's ledger.
func (d *Decision) Deposit(c Call, amount uint256.Int) error {
	if err := d.requireOpenBefore("deposit", c.Block); err != nil {
		return err
	}
	if err := requireAmount("deposit", &amount); err != nil {
		return err
	}
	bal := d.balanceOf(c.Caller)
	newBal, err := fixedpoint.Add(&bal, &amount)
	if err != nil {
		return fmt.Errorf("decision %d: deposit: %w", d.ID, err)
	}
	total, err := fixedpoint.Add(&d.TotalDeposits, &amount)
	if err != nil {
		return fmt.Errorf("decision %d: deposit: %w", d.ID, err)
	}
	gross, err := fixedpoint.Add(&d.GrossDeposited, &amount)
	if err != nil {
		return fmt.Errorf("decision %d: deposit: %w", d.ID, err)
	}

	a := d.ensureAccount(c.Caller)
	a.Balance = newBal
	a.Deposited.Add(&a.Deposited, &amount)
	d.TotalDeposits = total
	d.GrossDeposited = gross
	d.emit(domain.EventDeposited, c, map[string]string{
		"amount":  amount.Dec(),
		"balance": newBal.Dec(),
	})
	return nil
}

// Withdraw returns un-split credit to the caller while the decision is Open.
func (d *Decision) Withdraw(c Call, amount uint256.Int) error {
	if err := d.requireStatus("withdraw", domain.StatusOpen); err != nil {
		return err
	}
	if err := requireAmount("withdraw", &amount); err != nil {
		return err
	}
	bal := d.balanceOf(c.Caller)
	if bal.Lt(&amount) {
		return fmt.Errorf("decision %d: withdraw %s, balance %s: %w", d.ID, amount.Dec(), bal.Dec(), domain.ErrInsufficientBalance)
	}

	a := d.ensureAccount(c.Caller)
	a.Balance.Sub(&a.Balance, &amount)
	a.Withdrawn.Add(&a.Withdrawn, &amount)
	d.TotalDeposits.Sub(&d.TotalDeposits, &amount)
	d.GrossWithdrawn.Add(&d.GrossWithdrawn, &amount)
	d.emit(domain.EventWithdrawn, c, map[string]string{
		"amount":  amount.Dec(),
		"balance": a.Balance.Dec(),
	})
	return nil
}
