package decision

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/amm"
	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/twap"
)

// amount is a uint256 stored as a decimal JSON string.
type amount uint256.Int

func (a amount) MarshalText() ([]byte, error) {
	v := uint256.Int(a)
	return []byte(v.Dec()), nil
}

func (a *amount) UnmarshalText(b []byte) error {
	v, err := uint256.FromDecimal(string(b))
	if err != nil {
		return fmt.Errorf("amount %q: %w", b, err)
	}
	*a = amount(*v)
	return nil
}

func amt(x uint256.Int) amount { return amount(x) }

func (a amount) value() uint256.Int { return uint256.Int(a) }

type oracleState struct {
	Oracle            common.Address `json:"oracle"`
	Guardian          common.Address `json:"guardian"`
	MeasurementPeriod uint64         `json:"measurement_period"`
	MinImprovementBps uint64         `json:"min_improvement_bps"`
	MeasuringDeadline uint64         `json:"measuring_deadline"`
	Outcome           domain.Outcome `json:"outcome"`
	MBaseline         amount         `json:"m_baseline"`
	MActual           amount         `json:"m_actual"`
}

type accumulatorState struct {
	Cumulative        amount `json:"cumulative"`
	LastUpdateBlock   uint64 `json:"last_update_block"`
	LastWelfare       uint64 `json:"last_welfare"`
	MaxChangePerBlock uint64 `json:"max_change_per_block"`
}

type proposalState struct {
	ID             int              `json:"id"`
	Title          string           `json:"title"`
	Proposer       common.Address   `json:"proposer"`
	CreatedAtBlock uint64           `json:"created_at_block"`
	YesReserve     amount           `json:"yes_reserve"`
	NoReserve      amount           `json:"no_reserve"`
	Accumulator    accumulatorState `json:"accumulator"`
	TotalVolume    amount           `json:"total_volume"`
	TotalMinted    amount           `json:"total_minted"`
	Collateral     amount           `json:"collateral"`
	YesSupply      amount           `json:"yes_supply"`
	NoSupply       amount           `json:"no_supply"`
	RedeemedYes    amount           `json:"redeemed_yes"`
	RedeemedNo     amount           `json:"redeemed_no"`
	RedeemedCredit amount           `json:"redeemed_credit"`
}

type positionState struct {
	ProposalID int    `json:"proposal_id"`
	YesBalance amount `json:"yes_balance"`
	NoBalance  amount `json:"no_balance"`
	Allocated  amount `json:"allocated"`
}

type accountState struct {
	User      common.Address  `json:"user"`
	Balance   amount          `json:"balance"`
	Deposited amount          `json:"deposited"`
	Withdrawn amount          `json:"withdrawn"`
	Payout    amount          `json:"payout"`
	Settled   bool            `json:"settled"`
	Positions []positionState `json:"positions"`
}

type decisionState struct {
	ID                uint64          `json:"id"`
	Creator           common.Address  `json:"creator"`
	Title             string          `json:"title"`
	CreatedAtBlock    uint64          `json:"created_at_block"`
	Deadline          uint64          `json:"deadline"`
	Status            domain.Status   `json:"status"`
	Mode              domain.Mode     `json:"mode"`
	FeeBps            uint64          `json:"fee_bps"`
	MaxProposals      int             `json:"max_proposals"`
	MaxChangePerBlock uint64          `json:"max_change_per_block"`
	StaleThreshold    uint64          `json:"stale_threshold"`
	VirtualLiquidity  amount          `json:"virtual_liquidity"`
	TotalDeposits     amount          `json:"total_deposits"`
	CollectedFees     amount          `json:"collected_fees"`
	FeesClaimed       amount          `json:"fees_claimed"`
	GrossDeposited    amount          `json:"gross_deposited"`
	GrossWithdrawn    amount          `json:"gross_withdrawn"`
	GrossPaidOut      amount          `json:"gross_paid_out"`
	WinningProposalID int             `json:"winning_proposal_id"`
	WinningTWAP       uint64          `json:"winning_twap"`
	Oracle            *oracleState    `json:"oracle,omitempty"`
	Proposals         []proposalState `json:"proposals"`
	Accounts          []accountState  `json:"accounts"`
}

// Marshal encodes d for storage.
func Marshal(d *Decision) ([]byte, error) {
	s := decisionState{
		ID:                d.ID,
		Creator:           d.Creator,
		Title:             d.Title,
		CreatedAtBlock:    d.CreatedAtBlock,
		Deadline:          d.Deadline,
		Status:            d.Status,
		Mode:              d.Mode,
		FeeBps:            d.FeeBps,
		MaxProposals:      d.MaxProposals,
		MaxChangePerBlock: d.MaxChangePerBlock,
		StaleThreshold:    d.StaleThreshold,
		VirtualLiquidity:  amt(d.VirtualLiquidity),
		TotalDeposits:     amt(d.TotalDeposits),
		CollectedFees:     amt(d.CollectedFees),
		FeesClaimed:       amt(d.FeesClaimed),
		GrossDeposited:    amt(d.GrossDeposited),
		GrossWithdrawn:    amt(d.GrossWithdrawn),
		GrossPaidOut:      amt(d.GrossPaidOut),
		WinningProposalID: d.WinningProposalID,
		WinningTWAP:       d.WinningTWAP,
		Proposals:         make([]proposalState, 0, len(d.Proposals)),
		Accounts:          make([]accountState, 0, len(d.Accounts)),
	}
	if o := d.Oracle; o != nil {
		s.Oracle = &oracleState{
			Oracle:            o.Oracle,
			Guardian:          o.Guardian,
			MeasurementPeriod: o.MeasurementPeriod,
			MinImprovementBps: o.MinImprovementBps,
			MeasuringDeadline: o.MeasuringDeadline,
			Outcome:           o.Outcome,
			MBaseline:         amt(o.MBaseline),
			MActual:           amt(o.MActual),
		}
	}
	for _, p := range d.Proposals {
		s.Proposals = append(s.Proposals, proposalState{
			ID:             p.ID,
			Title:          p.Title,
			Proposer:       p.Proposer,
			CreatedAtBlock: p.CreatedAtBlock,
			YesReserve:     amt(p.Pool.Yes),
			NoReserve:      amt(p.Pool.No),
			Accumulator: accumulatorState{
				Cumulative:        amt(p.Accumulator.Cumulative),
				LastUpdateBlock:   p.Accumulator.LastUpdateBlock,
				LastWelfare:       p.Accumulator.LastWelfare,
				MaxChangePerBlock: p.Accumulator.MaxChangePerBlock,
			},
			TotalVolume:    amt(p.TotalVolume),
			TotalMinted:    amt(p.TotalMinted),
			Collateral:     amt(p.Collateral),
			YesSupply:      amt(p.YesSupply),
			NoSupply:       amt(p.NoSupply),
			RedeemedYes:    amt(p.RedeemedYes),
			RedeemedNo:     amt(p.RedeemedNo),
			RedeemedCredit: amt(p.RedeemedCredit),
		})
	}
	for user, a := range d.Accounts {
		as := accountState{
			User:      user,
			Balance:   amt(a.Balance),
			Deposited: amt(a.Deposited),
			Withdrawn: amt(a.Withdrawn),
			Payout:    amt(a.Payout),
			Settled:   a.Settled,
		}
		for id, pos := range a.Positions {
			as.Positions = append(as.Positions, positionState{
				ProposalID: id,
				YesBalance: amt(pos.YesBalance),
				NoBalance:  amt(pos.NoBalance),
				Allocated:  amt(pos.Allocated),
			})
		}
		sort.Slice(as.Positions, func(i, j int) bool { return as.Positions[i].ProposalID < as.Positions[j].ProposalID })
		s.Accounts = append(s.Accounts, as)
	}
	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].User.Cmp(s.Accounts[j].User) < 0 })
	return json.Marshal(s)
}

// Unmarshal decodes a decision written by Marshal.
func Unmarshal(data []byte) (*Decision, error) {
	var s decisionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decision: unmarshal: %w", err)
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("decision %d: unmarshal: status %q: %w", s.ID, s.Status, domain.ErrInvalidArgument)
	}
	d := &Decision{
		ID:                s.ID,
		Creator:           s.Creator,
		Title:             s.Title,
		CreatedAtBlock:    s.CreatedAtBlock,
		Deadline:          s.Deadline,
		Status:            s.Status,
		Mode:              s.Mode,
		FeeBps:            s.FeeBps,
		MaxProposals:      s.MaxProposals,
		MaxChangePerBlock: s.MaxChangePerBlock,
		StaleThreshold:    s.StaleThreshold,
		VirtualLiquidity:  s.VirtualLiquidity.value(),
		TotalDeposits:     s.TotalDeposits.value(),
		CollectedFees:     s.CollectedFees.value(),
		FeesClaimed:       s.FeesClaimed.value(),
		GrossDeposited:    s.GrossDeposited.value(),
		GrossWithdrawn:    s.GrossWithdrawn.value(),
		GrossPaidOut:      s.GrossPaidOut.value(),
		WinningProposalID: s.WinningProposalID,
		WinningTWAP:       s.WinningTWAP,
		Accounts:          make(map[common.Address]*Account, len(s.Accounts)),
	}
	if o := s.Oracle; o != nil {
		d.Oracle = &OracleTerms{
			Oracle:            o.Oracle,
			Guardian:          o.Guardian,
			MeasurementPeriod: o.MeasurementPeriod,
			MinImprovementBps: o.MinImprovementBps,
			MeasuringDeadline: o.MeasuringDeadline,
			Outcome:           o.Outcome,
			MBaseline:         o.MBaseline.value(),
			MActual:           o.MActual.value(),
		}
	}
	if d.Mode == domain.ModeOracle && d.Oracle == nil {
		return nil, fmt.Errorf("decision %d: unmarshal: mode B without oracle terms: %w", s.ID, domain.ErrInvalidArgument)
	}
	for _, p := range s.Proposals {
		d.Proposals = append(d.Proposals, &Proposal{
			ID:             p.ID,
			Title:          p.Title,
			Proposer:       p.Proposer,
			CreatedAtBlock: p.CreatedAtBlock,
			Pool:           amm.Pool{Yes: p.YesReserve.value(), No: p.NoReserve.value()},
			Accumulator: twap.Accumulator{
				Cumulative:        p.Accumulator.Cumulative.value(),
				LastUpdateBlock:   p.Accumulator.LastUpdateBlock,
				LastWelfare:       p.Accumulator.LastWelfare,
				MaxChangePerBlock: p.Accumulator.MaxChangePerBlock,
			},
			TotalVolume:    p.TotalVolume.value(),
			TotalMinted:    p.TotalMinted.value(),
			Collateral:     p.Collateral.value(),
			YesSupply:      p.YesSupply.value(),
			NoSupply:       p.NoSupply.value(),
			RedeemedYes:    p.RedeemedYes.value(),
			RedeemedNo:     p.RedeemedNo.value(),
			RedeemedCredit: p.RedeemedCredit.value(),
		})
	}
	for _, a := range s.Accounts {
		acct := &Account{
			Balance:   a.Balance.value(),
			Deposited: a.Deposited.value(),
			Withdrawn: a.Withdrawn.value(),
			Payout:    a.Payout.value(),
			Settled:   a.Settled,
			Positions: make(map[int]*Position, len(a.Positions)),
		}
		for _, pos := range a.Positions {
			acct.Positions[pos.ProposalID] = &Position{
				YesBalance: pos.YesBalance.value(),
				NoBalance:  pos.NoBalance.value(),
				Allocated:  pos.Allocated.value(),
			}
		}
		d.Accounts[a.User] = acct
	}
	return d, nil
}

// Record builds the persisted row for d.
func Record(d *Decision) (domain.DecisionRecord, error) {
	state, err := Marshal(d)
	if err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("decision %d: record: %w", d.ID, err)
	}
	return domain.DecisionRecord{
		ID:       d.ID,
		Title:    d.Title,
		Creator:  d.Creator.Hex(),
		Status:   d.Status,
		Mode:     d.Mode,
		Deadline: d.Deadline,
		State:    state,
	}, nil
}
