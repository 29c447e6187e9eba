package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/meridian/internal/decision"
	"github.com/alanyoungcy/meridian/internal/domain"
)

// Keeper advances decisions whose windows have closed: it collapses Open
// decisions past their deadline and resolves Measuring decisions past their
// measuring deadline. Keeper calls are attributed to the zero address.
type Keeper struct {
	svc       *DecisionService
	decisions domain.DecisionStore
	interval  time.Duration
	logger    *slog.Logger
}

// NewKeeper creates a Keeper polling every interval.
func NewKeeper(svc *DecisionService, interval time.Duration, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Keeper{
		svc:       svc,
		decisions: svc.decisions,
		interval:  interval,
		logger:    logger.With(slog.String("component", "keeper")),
	}
}

// Run ticks until ctx is cancelled. Call in a goroutine.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := k.Tick(ctx); err != nil {
				k.logger.ErrorContext(ctx, "keeper tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick runs one pass and returns how many decisions it advanced. Failures on
// single decisions are logged and skipped.
func (k *Keeper) Tick(ctx context.Context) (int, error) {
	block, err := k.svc.CurrentBlock(ctx)
	if err != nil {
		return 0, err
	}
	open, err := k.due(ctx, domain.StatusOpen, func(d *decision.Decision) bool {
		return block >= d.Deadline && len(d.Proposals) > 0
	})
	if err != nil {
		return 0, err
	}
	measuring, err := k.due(ctx, domain.StatusMeasuring, func(d *decision.Decision) bool {
		return d.Oracle != nil && block >= d.Oracle.MeasuringDeadline
	})
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, id := range open {
		st, err := k.svc.Collapse(ctx, id, common.Address{})
		if err != nil {
			k.skip(ctx, "collapse", id, err)
			continue
		}
		advanced++
		k.logger.InfoContext(ctx, "decision collapsed",
			slog.Uint64("decision_id", id),
			slog.Int("winning_proposal_id", st.ProposalID),
			slog.Uint64("winning_twap", st.TWAP),
		)
	}
	for _, id := range measuring {
		outcome, err := k.svc.Resolve(ctx, id, common.Address{})
		if err != nil {
			k.skip(ctx, "resolve", id, err)
			continue
		}
		advanced++
		k.logger.InfoContext(ctx, "decision resolved",
			slog.Uint64("decision_id", id),
			slog.String("outcome", string(outcome)),
		)
	}
	return advanced, nil
}

func (k *Keeper) due(ctx context.Context, status domain.Status, ready func(d *decision.Decision) bool) ([]uint64, error) {
	recs, err := k.decisions.ListUnarchived(ctx, status)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, rec := range recs {
		d, err := decision.Unmarshal(rec.State)
		if err != nil {
			k.logger.WarnContext(ctx, "keeper skipped unreadable decision",
				slog.Uint64("decision_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ready(d) {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func (k *Keeper) skip(ctx context.Context, op string, id uint64, err error) {
	level := slog.LevelError
	switch {
	case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrStaleOracle):
		level = slog.LevelWarn
	}
	k.logger.Log(ctx, level, "keeper "+op+" failed",
		slog.Uint64("decision_id", id),
		slog.String("error", err.Error()),
	)
}
