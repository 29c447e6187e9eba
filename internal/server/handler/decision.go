package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/decision"
	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/service"
)

// DecisionService is the part of the service layer the decision endpoints
// use. It is declared here so tests can substitute a fake.
type DecisionService interface {
	Create(ctx context.Context, caller common.Address, req decision.CreateRequest) (*decision.Decision, error)
	Get(ctx context.Context, id uint64) (*decision.Decision, error)
	List(ctx context.Context, opts domain.ListOpts) ([]*decision.Decision, error)
	Events(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Event, error)
	Welfare(ctx context.Context, id uint64) ([]domain.WelfarePoint, error)
	Standings(ctx context.Context, id uint64) ([]decision.Standing, uint64, error)
	AddProposal(ctx context.Context, id uint64, caller common.Address, title string) (decision.Proposal, error)
	Deposit(ctx context.Context, id uint64, caller common.Address, amount uint256.Int) (*decision.Decision, error)
	Withdraw(ctx context.Context, id uint64, caller common.Address, amount uint256.Int) (*decision.Decision, error)
	Trade(ctx context.Context, id uint64, caller common.Address, req service.TradeRequest) (decision.Trade, error)
	Quote(ctx context.Context, id uint64, proposalID int, kind domain.TradeKind, side domain.Side, amount uint256.Int) (decision.Trade, error)
	Account(ctx context.Context, id uint64, user common.Address) (decision.Account, error)
	Claimable(ctx context.Context, id uint64, user common.Address) (decision.Settlement, error)
	Collapse(ctx context.Context, id uint64, caller common.Address) (decision.Standing, error)
	Resolve(ctx context.Context, id uint64, caller common.Address) (domain.Outcome, error)
	ResolveDispute(ctx context.Context, id uint64, caller common.Address, outcome domain.Outcome) (*decision.Decision, error)
	Settle(ctx context.Context, id uint64, caller common.Address) (decision.Settlement, error)
	ClaimFees(ctx context.Context, id uint64, caller common.Address) (uint256.Int, error)
}

// DecisionHandler serves the decision, trading and settlement endpoints.
type DecisionHandler struct {
	svc    DecisionService
	logger *slog.Logger
}

// NewDecisionHandler creates a DecisionHandler.
func NewDecisionHandler(svc DecisionService, logger *slog.Logger) *DecisionHandler {
	return &DecisionHandler{svc: svc, logger: logger.With(slog.String("handler", "decision"))}
}

type listDecisionsResponse struct {
	Decisions []decisionView `json:"decisions"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
}

// List returns decisions, newest first.
// GET /api/decisions?limit=50&offset=0
func (h *DecisionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	ds, err := h.svc.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list decisions", err)
		return
	}
	views := make([]decisionView, len(ds))
	for i, d := range ds {
		views[i] = toDecisionView(d)
	}
	writeJSON(w, http.StatusOK, listDecisionsResponse{Decisions: views, Limit: opts.Limit, Offset: opts.Offset})
}

// Create opens a decision owned by the caller.
// POST /api/decisions
func (h *DecisionHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body createDecisionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	vl, err := parseAmount(body.VirtualLiquidity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := decision.CreateRequest{
		Title:            body.Title,
		DurationBlocks:   body.DurationBlocks,
		VirtualLiquidity: vl,
	}
	if o := body.Oracle; o != nil {
		req.Oracle = &decision.OracleParams{
			Oracle:            common.HexToAddress(o.Address),
			Guardian:          common.HexToAddress(o.Guardian),
			MeasurementPeriod: o.MeasurementPeriod,
			MinImprovementBps: o.MinImprovementBps,
		}
	}
	d, err := h.svc.Create(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, r, h.logger, "create decision", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDecisionView(d))
}

// Get returns one decision.
// GET /api/decisions/{id}
func (h *DecisionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := decisionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get decision", err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionView(d))
}

// Events returns the event log of a decision in commit order.
// GET /api/decisions/{id}/events?limit=50&offset=0
func (h *DecisionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := decisionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.svc.Events(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Welfare returns spot and TWAP welfare per proposal.
// GET /api/decisions/{id}/welfare
func (h *DecisionHandler) Welfare(w http.ResponseWriter, r *http.Request) {
	id, err := decisionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := h.svc.Welfare(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "welfare", err)
		return
	}
	standings, block, err := h.svc.Standings(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "welfare", err)
		return
	}
	twaps := make(map[int]uint64, len(standings))
	for _, s := range standings {
		twaps[s.ProposalID] = s.TWAP
	}
	views := make([]welfareView, len(points))
	for i, p := range points {
		views[i] = welfareView{ProposalID: p.ProposalID, Spot: p.Welfare, SpotBlock: p.Block, TWAP: twaps[p.ProposalID]}
	}
	writeJSON(w, http.StatusOK, map[string]any{"block": block, "proposals": views})
}

// AddProposal registers a proposal.
// POST /api/decisions/{id}/proposals
func (h *DecisionHandler) AddProposal(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.target(w, r)
	if !ok {
		return
	}
	var body addProposalRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.svc.AddProposal(r.Context(), id, caller, body.Title)
	if err != nil {
		writeServiceError(w, r, h.logger, "add proposal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalView(p))
}

// Deposit credits the caller.
// POST /api/decisions/{id}/deposit
func (h *DecisionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveCredit(w, r, "deposit", h.svc.Deposit)
}

// Withdraw returns un-split credit to the caller.
// POST /api/decisions/{id}/withdraw
func (h *DecisionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveCredit(w, r, "withdraw", h.svc.Withdraw)
}

func (h *DecisionHandler) moveCredit(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, id uint64, caller common.Address, amount uint256.Int) (*decision.Decision, error),
) {
	id, caller, ok := h.target(w, r)
	if !ok {
		return
	}
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := fn(r.Context(), id, caller, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	acct := d.Account(caller)
	if acct == nil {
		acct = &decision.Account{}
	}
	writeJSON(w, http.StatusOK, toAccountView(caller.Hex(), *acct))
}

// Trade returns the handler for one pool operation.
// POST /api/decisions/{id}/proposals/{pid}/{split|merge|buy|sell|swap}
func (h *DecisionHandler) Trade(kind domain.TradeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := h.target(w, r)
		if !ok {
			return
		}
		pid, err := proposalID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var body tradeRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req := service.TradeRequest{Kind: kind, ProposalID: pid, Side: domain.Side(body.Side)}
		if kind != domain.TradeSplit && kind != domain.TradeMerge && body.Side == "" {
			writeError(w, http.StatusBadRequest, "side is required for "+string(kind))
			return
		}
		if req.Amount, err = parseAmount(body.Amount); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.MinOut != "" {
			if req.MinOut, err = parseAmount(body.MinOut); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		t, err := h.svc.Trade(r.Context(), id, caller, req)
		if err != nil {
			writeServiceError(w, r, h.logger, string(kind), err)
			return
		}
		writeJSON(w, http.StatusOK, toTradeView(t))
	}
}

// Quote previews a trade without executing it.
// GET /api/decisions/{id}/proposals/{pid}/quote?kind=buy&side=yes&amount=...
func (h *DecisionHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id, err := decisionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pid, err := proposalID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	side, err := domain.ParseSide(q.Get("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(q.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := domain.TradeKind(q.Get("kind"))
	if kind == "" {
		kind = domain.TradeBuy
	}
	t, err := h.svc.Quote(r.Context(), id, pid, kind, side, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, toTradeView(t))
}

// Account returns a user's ledger entry.
// GET /api/decisions/{id}/accounts/{address}
func (h *DecisionHandler) Account(w http.ResponseWriter, r *http.Request) {
	id, user, ok := h.accountTarget(w, r)
	if !ok {
		return
	}
	a, err := h.svc.Account(r.Context(), id, user)
	if err != nil {
		writeServiceError(w, r, h.logger, "get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(user.Hex(), a))
}

// Claimable previews a user's settlement.
// GET /api/decisions/{id}/accounts/{address}/claimable
func (h *DecisionHandler) Claimable(w http.ResponseWriter, r *http.Request) {
	id, user, ok := h.accountTarget(w, r)
	if !ok {
		return
	}
	s, err := h.svc.Claimable(r.Context(), id, user)
	if err != nil {
		writeServiceError(w, r, h.logger, "claimable", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementView(s))
}

// Collapse locks in the winning proposal.
// POST /api/decisions/{id}/collapse
func (h *DecisionHandler) Collapse(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.target(w, r)
	if !ok {
		return
	}
	st, err := h.svc.Collapse(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "collapse", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"winning_proposal_id": st.ProposalID,
		"winning_twap":        st.TWAP,
	})
}

// Resolve records the oracle measurement of a Mode B decision.
// POST /api/decisions/{id}/resolve
func (h *DecisionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.target(w, r)
	if !ok {
		return
	}
	outcome, err := h.svc.Resolve(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

// Dispute applies the guardian's final outcome.
// POST /api/decisions/{id}/dispute
func (h *DecisionHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.target(w, r)
	if !ok {
		return
	}
	var body disputeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.svc.ResolveDispute(r.Context(), id, caller, domain.Outcome(body.Outcome))
	if err != nil {
		writeServiceError(w, r, h.logger, "dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionView(d))
}

// Settle pays the caller out.
// POST /api/decisions/{id}/settle
func (h *DecisionHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.target(w, r)
	if !ok {
		return
	}
	s, err := h.svc.Settle(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementView(s))
}

// ClaimFees pays collected fees to the creator.
// POST /api/decisions/{id}/fees/claim
func (h *DecisionHandler) ClaimFees(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.target(w, r)
	if !ok {
		return
	}
	amount, err := h.svc.ClaimFees(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim fees", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.Dec()})
}

// target parses the decision id and the identified caller of a mutation.
func (h *DecisionHandler) target(w http.ResponseWriter, r *http.Request) (uint64, common.Address, bool) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return 0, common.Address{}, false
	}
	id, err := decisionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, common.Address{}, false
	}
	return id, caller, true
}

func (h *DecisionHandler) accountTarget(w http.ResponseWriter, r *http.Request) (uint64, common.Address, bool) {
	id, err := decisionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, common.Address{}, false
	}
	user, err := addressParam(r, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, common.Address{}, false
	}
	return id, user, true
}
