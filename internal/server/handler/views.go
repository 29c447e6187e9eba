package handler

import (
	"sort"

	"github.com/alanyoungcy/meridian/internal/decision"
	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/fixedpoint"
)

// Request bodies. Amounts are decimal strings of base units.

type createDecisionRequest struct {
	Title            string               `json:"title" validate:"required,max=280"`
	DurationBlocks   uint64               `json:"duration_blocks" validate:"required,gt=0"`
	VirtualLiquidity string               `json:"virtual_liquidity" validate:"required,amount"`
	Oracle           *createOracleRequest `json:"oracle,omitempty"`
}

type createOracleRequest struct {
	Address           string `json:"address" validate:"required,eth_addr"`
	Guardian          string `json:"guardian" validate:"required,eth_addr"`
	MeasurementPeriod uint64 `json:"measurement_period" validate:"required,gt=0"`
	MinImprovementBps uint64 `json:"min_improvement_bps" validate:"lte=10000"`
}

type addProposalRequest struct {
	Title string `json:"title" validate:"required,max=280"`
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required,amount"`
}

type tradeRequest struct {
	Side   string `json:"side" validate:"omitempty,oneof=yes no"`
	Amount string `json:"amount" validate:"required,amount"`
	MinOut string `json:"min_out" validate:"omitempty,amount"`
}

type disputeRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=yes no"`
}

type oracleMetricRequest struct {
	Metric string  `json:"metric" validate:"required,amount"`
	Block  *uint64 `json:"block,omitempty"`
}

// Responses.

type decisionView struct {
	ID                uint64         `json:"id"`
	Title             string         `json:"title"`
	Creator           string         `json:"creator"`
	Status            domain.Status  `json:"status"`
	Mode              domain.Mode    `json:"mode"`
	CreatedAtBlock    uint64         `json:"created_at_block"`
	Deadline          uint64         `json:"deadline"`
	FeeBps            uint64         `json:"fee_bps"`
	VirtualLiquidity  string         `json:"virtual_liquidity"`
	TotalDeposits     string         `json:"total_deposits"`
	TotalDepositsFmt  string         `json:"total_deposits_credits"`
	CollectedFees     string         `json:"collected_fees"`
	FeesClaimed       string         `json:"fees_claimed"`
	WinningProposalID *int           `json:"winning_proposal_id,omitempty"`
	WinningTWAP       *uint64        `json:"winning_twap,omitempty"`
	Oracle            *oracleView    `json:"oracle,omitempty"`
	Proposals         []proposalView `json:"proposals"`
	Accounts          int            `json:"accounts"`
}

type oracleView struct {
	Address           string         `json:"address"`
	Guardian          string         `json:"guardian"`
	MeasurementPeriod uint64         `json:"measurement_period"`
	MinImprovementBps uint64         `json:"min_improvement_bps"`
	MeasuringDeadline uint64         `json:"measuring_deadline,omitempty"`
	Outcome           domain.Outcome `json:"outcome"`
	MBaseline         string         `json:"m_baseline"`
	MActual           string         `json:"m_actual"`
}

type proposalView struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Proposer    string `json:"proposer"`
	YesReserve  string `json:"yes_reserve"`
	NoReserve   string `json:"no_reserve"`
	Welfare     uint64 `json:"welfare"`
	TotalVolume string `json:"total_volume"`
	YesSupply   string `json:"yes_supply"`
	NoSupply    string `json:"no_supply"`
	Collateral  string `json:"collateral"`
}

type positionView struct {
	ProposalID int    `json:"proposal_id"`
	YesBalance string `json:"yes_balance"`
	NoBalance  string `json:"no_balance"`
	Allocated  string `json:"allocated"`
}

type accountView struct {
	Address   string         `json:"address"`
	Balance   string         `json:"balance"`
	Deposited string         `json:"deposited"`
	Withdrawn string         `json:"withdrawn"`
	Payout    string         `json:"payout"`
	Settled   bool           `json:"settled"`
	Positions []positionView `json:"positions"`
}

type tradeView struct {
	DecisionID uint64           `json:"decision_id"`
	ProposalID int              `json:"proposal_id"`
	Kind       domain.TradeKind `json:"kind"`
	Side       domain.Side      `json:"side,omitempty"`
	AmountIn   string           `json:"amount_in"`
	AmountOut  string           `json:"amount_out"`
	Fee        string           `json:"fee"`
	NewWelfare uint64           `json:"new_welfare"`
	Block      uint64           `json:"block,omitempty"`
}

type settlementView struct {
	User        string      `json:"user"`
	DecisionID  uint64      `json:"decision_id"`
	ProposalID  int         `json:"proposal_id"`
	WinningSide domain.Side `json:"winning_side"`
	Residual    string      `json:"residual"`
	Tokens      string      `json:"tokens"`
	Redeemed    string      `json:"redeemed"`
	Payout      string      `json:"payout"`
	PnL         string      `json:"pnl"`
}

type welfareView struct {
	ProposalID int    `json:"proposal_id"`
	Spot       uint64 `json:"spot"`
	SpotBlock  uint64 `json:"spot_block"`
	TWAP       uint64 `json:"twap"`
}

func toDecisionView(d *decision.Decision) decisionView {
	v := decisionView{
		ID:               d.ID,
		Title:            d.Title,
		Creator:          d.Creator.Hex(),
		Status:           d.Status,
		Mode:             d.Mode,
		CreatedAtBlock:   d.CreatedAtBlock,
		Deadline:         d.Deadline,
		FeeBps:           d.FeeBps,
		VirtualLiquidity: d.VirtualLiquidity.Dec(),
		TotalDeposits:    d.TotalDeposits.Dec(),
		TotalDepositsFmt: fixedpoint.FormatUnits(&d.TotalDeposits, fixedpoint.CreditDecimals),
		CollectedFees:    d.CollectedFees.Dec(),
		FeesClaimed:      d.FeesClaimed.Dec(),
		Proposals:        make([]proposalView, len(d.Proposals)),
		Accounts:         len(d.Accounts),
	}
	if d.Status.Decided() {
		pid, twap := d.WinningProposalID, d.WinningTWAP
		v.WinningProposalID, v.WinningTWAP = &pid, &twap
	}
	if o := d.Oracle; o != nil {
		v.Oracle = &oracleView{
			Address:           o.Oracle.Hex(),
			Guardian:          o.Guardian.Hex(),
			MeasurementPeriod: o.MeasurementPeriod,
			MinImprovementBps: o.MinImprovementBps,
			MeasuringDeadline: o.MeasuringDeadline,
			Outcome:           o.Outcome,
			MBaseline:         o.MBaseline.Dec(),
			MActual:           o.MActual.Dec(),
		}
	}
	for i, p := range d.Proposals {
		v.Proposals[i] = toProposalView(*p)
	}
	return v
}

func toProposalView(p decision.Proposal) proposalView {
	return proposalView{
		ID:          p.ID,
		Title:       p.Title,
		Proposer:    p.Proposer.Hex(),
		YesReserve:  p.Pool.Yes.Dec(),
		NoReserve:   p.Pool.No.Dec(),
		Welfare:     p.Welfare(),
		TotalVolume: p.TotalVolume.Dec(),
		YesSupply:   p.YesSupply.Dec(),
		NoSupply:    p.NoSupply.Dec(),
		Collateral:  p.Collateral.Dec(),
	}
}

func toAccountView(addr string, a decision.Account) accountView {
	v := accountView{
		Address:   addr,
		Balance:   a.Balance.Dec(),
		Deposited: a.Deposited.Dec(),
		Withdrawn: a.Withdrawn.Dec(),
		Payout:    a.Payout.Dec(),
		Settled:   a.Settled,
		Positions: make([]positionView, 0, len(a.Positions)),
	}
	for pid, p := range a.Positions {
		v.Positions = append(v.Positions, positionView{
			ProposalID: pid,
			YesBalance: p.YesBalance.Dec(),
			NoBalance:  p.NoBalance.Dec(),
			Allocated:  p.Allocated.Dec(),
		})
	}
	sort.Slice(v.Positions, func(i, j int) bool { return v.Positions[i].ProposalID < v.Positions[j].ProposalID })
	return v
}

func toTradeView(t decision.Trade) tradeView {
	return tradeView{
		DecisionID: t.DecisionID,
		ProposalID: t.ProposalID,
		Kind:       t.Kind,
		Side:       t.Side,
		AmountIn:   t.AmountIn.Dec(),
		AmountOut:  t.AmountOut.Dec(),
		Fee:        t.Fee.Dec(),
		NewWelfare: t.NewWelfare,
		Block:      t.Block,
	}
}

func toSettlementView(s decision.Settlement) settlementView {
	return settlementView{
		User:        s.User.Hex(),
		DecisionID:  s.DecisionID,
		ProposalID:  s.ProposalID,
		WinningSide: s.WinningSide,
		Residual:    s.Residual.Dec(),
		Tokens:      s.Tokens.Dec(),
		Redeemed:    s.Redeemed.Dec(),
		Payout:      s.Payout.Dec(),
		PnL:         s.PnL.String(),
	}
}
