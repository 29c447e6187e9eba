package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/decision"
	"github.com/alanyoungcy/meridian/internal/domain"
)

const (
	defaultLockTTL = 10 * time.Second
	notifyTimeout  = 15 * time.Second
	createLockKey  = "decisions:create"
)

// EventNotifier delivers lifecycle events to humans.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, e domain.Event) error
}

// DecisionService runs engine operations against the persisted decision
// state. Postgres holds the authoritative snapshot: every mutation takes the
// decision lock, reloads the snapshot into the engine, applies the operation
// and saves the new snapshot together with its events.
type DecisionService struct {
	engine    *decision.Engine
	clock     domain.BlockClock
	oracles   domain.OracleResolver
	decisions domain.DecisionStore
	events    domain.EventStore
	audit     domain.AuditStore
	welfare   domain.WelfareCache
	locks     domain.LockManager
	bus       domain.SignalBus
	notifier  EventNotifier
	lockTTL   time.Duration
	logger    *slog.Logger
}

// NewDecisionService creates a DecisionService with its required dependencies.
func NewDecisionService(
	engine *decision.Engine,
	clock domain.BlockClock,
	oracles domain.OracleResolver,
	decisions domain.DecisionStore,
	events domain.EventStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *DecisionService {
	return &DecisionService{
		engine:    engine,
		clock:     clock,
		oracles:   oracles,
		decisions: decisions,
		events:    events,
		audit:     audit,
		lockTTL:   defaultLockTTL,
		logger:    logger.With(slog.String("component", "decision_service")),
	}
}

// WithWelfareCache keeps the latest spot welfare of every proposal in c.
func (s *DecisionService) WithWelfareCache(c domain.WelfareCache) *DecisionService {
	s.welfare = c
	return s
}

// WithLocks serialises mutations of one decision across processes.
// Without a lock manager the service relies on the engine mutex alone.
func (s *DecisionService) WithLocks(l domain.LockManager) *DecisionService {
	s.locks = l
	return s
}

// WithSignalBus publishes every committed event on bus.
func (s *DecisionService) WithSignalBus(bus domain.SignalBus) *DecisionService {
	s.bus = bus
	return s
}

// WithNotifier sends lifecycle events through n.
func (s *DecisionService) WithNotifier(n EventNotifier) *DecisionService {
	s.notifier = n
	return s
}

// Restore loads every persisted decision into the engine.
func (s *DecisionService) Restore(ctx context.Context) error {
	recs, err := s.decisions.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("service: restore: %w", err)
	}
	ds := make([]*decision.Decision, 0, len(recs))
	var maxID uint64
	for _, rec := range recs {
		d, err := decision.Unmarshal(rec.State)
		if err != nil {
			return fmt.Errorf("service: restore decision %d: %w", rec.ID, err)
		}
		ds = append(ds, d)
		maxID = max(maxID, d.ID)
	}
	s.engine.Restore(ds)
	s.engine.Reserve(maxID + 1)
	s.logger.InfoContext(ctx, "decisions restored", slog.Int("count", len(ds)))
	return nil
}

// CurrentBlock returns the block height operations are stamped with.
func (s *DecisionService) CurrentBlock(ctx context.Context) (uint64, error) {
	block, err := s.clock.CurrentBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("service: current block: %w", err)
	}
	return block, nil
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Create opens a new decision owned by caller.
func (s *DecisionService) Create(ctx context.Context, caller common.Address, req decision.CreateRequest) (*decision.Decision, error) {
	unlock, err := s.lock(ctx, createLockKey)
	if err != nil {
		return nil, fmt.Errorf("service: create: %w", err)
	}
	defer unlock()

	block, err := s.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}

	maxID, err := s.decisions.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: create: %w", err)
	}
	s.engine.Reserve(maxID + 1)
	ch, err := s.engine.Create(decision.Call{Caller: caller, Block: block}, req)
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, "create", ch); err != nil {
		return nil, err
	}
	return ch.Decision, nil
}

// AddProposal registers a proposal on decision id.
func (s *DecisionService) AddProposal(ctx context.Context, id uint64, caller common.Address, title string) (decision.Proposal, error) {
	p, _, err := mutate(ctx, s, "add_proposal", id, caller, func(c decision.Call) (decision.Proposal, decision.Change, error) {
		return s.engine.AddProposal(c, id, title)
	})
	return p, err
}

// Deposit credits amount to caller on decision id.
func (s *DecisionService) Deposit(ctx context.Context, id uint64, caller common.Address, amount uint256.Int) (*decision.Decision, error) {
	_, d, err := mutate(ctx, s, "deposit", id, caller, func(c decision.Call) (struct{}, decision.Change, error) {
		ch, err := s.engine.Deposit(c, id, amount)
		return struct{}{}, ch, err
	})
	return d, err
}

// Withdraw returns un-split credit to caller.
func (s *DecisionService) Withdraw(ctx context.Context, id uint64, caller common.Address, amount uint256.Int) (*decision.Decision, error) {
	_, d, err := mutate(ctx, s, "withdraw", id, caller, func(c decision.Call) (struct{}, decision.Change, error) {
		ch, err := s.engine.Withdraw(c, id, amount)
		return struct{}{}, ch, err
	})
	return d, err
}

// TradeRequest is one pool operation. Split and merge ignore Side and MinOut.
type TradeRequest struct {
	Kind       domain.TradeKind
	ProposalID int
	Side       domain.Side
	Amount     uint256.Int
	MinOut     uint256.Int
}

// Trade runs a split, merge, buy, sell or swap for caller.
func (s *DecisionService) Trade(ctx context.Context, id uint64, caller common.Address, req TradeRequest) (decision.Trade, error) {
	var op func(c decision.Call) (decision.Trade, decision.Change, error)
	switch req.Kind {
	case domain.TradeSplit:
		op = func(c decision.Call) (decision.Trade, decision.Change, error) {
			return s.engine.Split(c, id, req.ProposalID, req.Amount)
		}
	case domain.TradeMerge:
		op = func(c decision.Call) (decision.Trade, decision.Change, error) {
			return s.engine.Merge(c, id, req.ProposalID, req.Amount)
		}
	case domain.TradeBuy:
		op = func(c decision.Call) (decision.Trade, decision.Change, error) {
			return s.engine.Buy(c, id, req.ProposalID, req.Side, req.Amount, req.MinOut)
		}
	case domain.TradeSell:
		op = func(c decision.Call) (decision.Trade, decision.Change, error) {
			return s.engine.Sell(c, id, req.ProposalID, req.Side, req.Amount, req.MinOut)
		}
	case domain.TradeSwap:
		op = func(c decision.Call) (decision.Trade, decision.Change, error) {
			return s.engine.Swap(c, id, req.ProposalID, req.Side, req.Amount, req.MinOut)
		}
	default:
		return decision.Trade{}, fmt.Errorf("service: trade kind %q: %w", req.Kind, domain.ErrInvalidArgument)
	}
	t, _, err := mutate(ctx, s, string(req.Kind), id, caller, op)
	return t, err
}

// Collapse locks in the winning proposal of decision id. Mode B decisions
// read their oracle before the lock is taken.
func (s *DecisionService) Collapse(ctx context.Context, id uint64, caller common.Address) (decision.Standing, error) {
	reading, err := s.readingFor(ctx, "collapse", id)
	if err != nil {
		return decision.Standing{}, err
	}
	st, _, err := mutate(ctx, s, "collapse", id, caller, func(c decision.Call) (decision.Standing, decision.Change, error) {
		return s.engine.Collapse(c, id, reading)
	})
	return st, err
}

// Resolve records the Mode B measurement of decision id.
func (s *DecisionService) Resolve(ctx context.Context, id uint64, caller common.Address) (domain.Outcome, error) {
	reading, err := s.readingFor(ctx, "resolve", id)
	if err != nil {
		return "", err
	}
	out, _, err := mutate(ctx, s, "resolve", id, caller, func(c decision.Call) (domain.Outcome, decision.Change, error) {
		return s.engine.Resolve(c, id, reading)
	})
	return out, err
}

// ResolveDispute applies the guardian's final outcome on decision id.
func (s *DecisionService) ResolveDispute(ctx context.Context, id uint64, caller common.Address, outcome domain.Outcome) (*decision.Decision, error) {
	_, d, err := mutate(ctx, s, "dispute", id, caller, func(c decision.Call) (struct{}, decision.Change, error) {
		ch, err := s.engine.ResolveDispute(c, id, outcome)
		return struct{}{}, ch, err
	})
	return d, err
}

// Settle pays caller out of decision id.
func (s *DecisionService) Settle(ctx context.Context, id uint64, caller common.Address) (decision.Settlement, error) {
	st, _, err := mutate(ctx, s, "settle", id, caller, func(c decision.Call) (decision.Settlement, decision.Change, error) {
		return s.engine.Settle(c, id)
	})
	return st, err
}

// ClaimFees pays the collected trading fees of decision id to its creator.
func (s *DecisionService) ClaimFees(ctx context.Context, id uint64, caller common.Address) (uint256.Int, error) {
	amount, _, err := mutate(ctx, s, "claim_fees", id, caller, func(c decision.Call) (uint256.Int, decision.Change, error) {
		return s.engine.ClaimFees(c, id)
	})
	return amount, err
}

// mutate runs fn on the freshly loaded decision id under its lock and
// commits the result.
func mutate[T any](
	ctx context.Context,
	s *DecisionService,
	op string,
	id uint64,
	caller common.Address,
	fn func(c decision.Call) (T, decision.Change, error),
) (T, *decision.Decision, error) {
	var zero T
	unlock, err := s.lock(ctx, "decision:"+strconv.FormatUint(id, 10))
	if err != nil {
		return zero, nil, fmt.Errorf("service: %s decision %d: %w", op, id, err)
	}
	defer unlock()

	if err := s.refresh(ctx, id); err != nil {
		return zero, nil, err
	}
	// The block is read under the lock so it is never older than the last
	// committed update.
	block, err := s.CurrentBlock(ctx)
	if err != nil {
		return zero, nil, err
	}
	out, ch, err := fn(decision.Call{Caller: caller, Block: block})
	if err != nil {
		return zero, nil, err
	}
	if err := s.commit(ctx, op, ch); err != nil {
		return zero, nil, err
	}
	return out, ch.Decision, nil
}

func (s *DecisionService) lock(ctx context.Context, key string) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	return s.locks.Acquire(ctx, key, s.lockTTL)
}

// refresh replaces the engine's copy of decision id with the stored one.
func (s *DecisionService) refresh(ctx context.Context, id uint64) error {
	d, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	s.engine.Restore([]*decision.Decision{d})
	return nil
}

// commit persists ch and then fans it out. Only the save can fail the
// operation; later steps are logged.
func (s *DecisionService) commit(ctx context.Context, op string, ch decision.Change) error {
	d := ch.Decision
	rec, err := decision.Record(d)
	if err != nil {
		return fmt.Errorf("service: %s: %w", op, err)
	}
	if err := s.decisions.Save(ctx, rec, ch.Events); err != nil {
		return fmt.Errorf("service: %s decision %d: %w", op, d.ID, err)
	}

	s.logger.InfoContext(ctx, "decision updated",
		slog.String("op", op),
		slog.Uint64("decision_id", d.ID),
		slog.String("status", string(d.Status)),
		slog.Int("events", len(ch.Events)),
	)
	if s.audit != nil {
		detail := map[string]any{
			"decision_id": d.ID,
			"status":      string(d.Status),
			"events":      eventIDs(ch.Events),
		}
		if err := s.audit.Log(ctx, "decision."+op, detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("op", op), slog.String("error", err.Error()))
		}
	}
	s.publish(ctx, ch.Events)
	s.cacheWelfare(ctx, d)
	s.notify(ctx, ch.Events)
	return nil
}

func (s *DecisionService) publish(ctx context.Context, events []domain.Event) {
	if s.bus == nil {
		return
	}
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			s.logger.WarnContext(ctx, "event marshal failed", slog.String("event_id", e.ID), slog.String("error", err.Error()))
			continue
		}
		if err := s.bus.Publish(ctx, domain.DecisionChannel(e.DecisionID), payload); err != nil {
			s.logger.WarnContext(ctx, "event publish failed", slog.String("event_id", e.ID), slog.String("error", err.Error()))
		}
		if err := s.bus.StreamAppend(ctx, domain.EventsStream, payload); err != nil {
			s.logger.WarnContext(ctx, "event stream append failed", slog.String("event_id", e.ID), slog.String("error", err.Error()))
		}
	}
}

func (s *DecisionService) cacheWelfare(ctx context.Context, d *decision.Decision) {
	if s.welfare == nil {
		return
	}
	if d.Status == domain.StatusSettled {
		if err := s.welfare.Invalidate(ctx, d.ID); err != nil {
			s.logger.WarnContext(ctx, "welfare cache invalidate failed", slog.Uint64("decision_id", d.ID), slog.String("error", err.Error()))
		}
		return
	}
	for _, p := range d.Proposals {
		point := domain.WelfarePoint{ProposalID: p.ID, Welfare: p.Welfare(), Block: p.Accumulator.LastUpdateBlock}
		if err := s.welfare.SetWelfare(ctx, d.ID, point); err != nil {
			s.logger.WarnContext(ctx, "welfare cache update failed", slog.Uint64("decision_id", d.ID), slog.String("error", err.Error()))
			return
		}
	}
}

// notify delivers lifecycle events in the background so slow webhooks never
// hold the decision lock.
func (s *DecisionService) notify(ctx context.Context, events []domain.Event) {
	if s.notifier == nil {
		return
	}
	var lifecycle []domain.Event
	for _, e := range events {
		if e.Type.Lifecycle() {
			lifecycle = append(lifecycle, e)
		}
	}
	if len(lifecycle) == 0 {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	go func() {
		defer cancel()
		for _, e := range lifecycle {
			if err := s.notifier.NotifyEvent(nctx, e); err != nil {
				s.logger.WarnContext(nctx, "notification failed", slog.String("event", string(e.Type)), slog.String("error", err.Error()))
			}
		}
	}()
}

// readingFor takes the oracle reading a Mode B collapse or resolve needs.
// Mode A decisions return nil.
func (s *DecisionService) readingFor(ctx context.Context, op string, id uint64) (*domain.OracleReading, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Mode != domain.ModeOracle || d.Oracle == nil {
		return nil, nil
	}
	if s.oracles == nil {
		return nil, fmt.Errorf("service: %s decision %d: no oracle gateway: %w", op, id, domain.ErrInvalidState)
	}
	o, err := s.oracles.Oracle(d.Oracle.Oracle)
	if err != nil {
		return nil, fmt.Errorf("service: %s decision %d: %w", op, id, err)
	}
	reading, err := domain.ReadOracle(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("service: %s decision %d: read oracle %s: %w", op, id, d.Oracle.Oracle.Hex(), err)
	}
	return &reading, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get returns the stored decision id.
func (s *DecisionService) Get(ctx context.Context, id uint64) (*decision.Decision, error) {
	return s.load(ctx, id)
}

// List returns stored decisions, newest first.
func (s *DecisionService) List(ctx context.Context, opts domain.ListOpts) ([]*decision.Decision, error) {
	recs, err := s.decisions.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("service: list: %w", err)
	}
	out := make([]*decision.Decision, 0, len(recs))
	for _, rec := range recs {
		d, err := decision.Unmarshal(rec.State)
		if err != nil {
			return nil, fmt.Errorf("service: list: decision %d: %w", rec.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Account returns user's ledger entry on decision id, or a zero entry.
func (s *DecisionService) Account(ctx context.Context, id uint64, user common.Address) (decision.Account, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return decision.Account{}, err
	}
	a := d.Account(user)
	if a == nil {
		return decision.Account{Positions: map[int]*decision.Position{}}, nil
	}
	return *a, nil
}

// Claimable previews the settlement of user on decision id.
func (s *DecisionService) Claimable(ctx context.Context, id uint64, user common.Address) (decision.Settlement, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return decision.Settlement{}, err
	}
	return d.Claimable(user)
}

// Quote previews a buy, sell or swap.
func (s *DecisionService) Quote(ctx context.Context, id uint64, proposalID int, kind domain.TradeKind, side domain.Side, amount uint256.Int) (decision.Trade, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return decision.Trade{}, err
	}
	return d.Quote(proposalID, kind, side, amount)
}

// Events returns the event log of decision id in commit order.
func (s *DecisionService) Events(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Event, error) {
	events, err := s.events.ListByDecision(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("service: events of decision %d: %w", id, err)
	}
	return events, nil
}

// Welfare returns the latest spot welfare of every proposal, served from the
// cache when it is warm.
func (s *DecisionService) Welfare(ctx context.Context, id uint64) ([]domain.WelfarePoint, error) {
	if s.welfare != nil {
		points, err := s.welfare.GetWelfare(ctx, id)
		if err == nil {
			return points, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "welfare cache read failed", slog.Uint64("decision_id", id), slog.String("error", err.Error()))
		}
	}
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	points := make([]domain.WelfarePoint, len(d.Proposals))
	for i, p := range d.Proposals {
		points[i] = domain.WelfarePoint{ProposalID: p.ID, Welfare: p.Welfare(), Block: p.Accumulator.LastUpdateBlock}
	}
	if d.Status != domain.StatusSettled {
		s.cacheWelfare(ctx, d)
	}
	return points, nil
}

// Standings returns every proposal's TWAP welfare as a collapse at the
// current block would compute it.
func (s *DecisionService) Standings(ctx context.Context, id uint64) ([]decision.Standing, uint64, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	block, err := s.CurrentBlock(ctx)
	if err != nil {
		return nil, 0, err
	}
	return d.Standings(block), block, nil
}

func (s *DecisionService) load(ctx context.Context, id uint64) (*decision.Decision, error) {
	rec, err := s.decisions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: load decision %d: %w", id, err)
	}
	d, err := decision.Unmarshal(rec.State)
	if err != nil {
		return nil, fmt.Errorf("service: load decision %d: %w", id, err)
	}
	return d, nil
}

func eventIDs(events []domain.Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}
