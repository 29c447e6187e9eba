package decision

import (
	"fmt"
	"strconv"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/fixedpoint"
)

// Standing is one proposal's TWAP welfare at collapse time.
type Standing struct {
	ProposalID int
	TWAP       uint64
}

// Standings returns every proposal's TWAP welfare at block.
func (d *Decision) Standings(block uint64) []Standing {
	out := make([]Standing, len(d.Proposals))
	for i, p := range d.Proposals {
		out[i] = Standing{ProposalID: p.ID, TWAP: p.Accumulator.TWAP(block, d.CreatedAtBlock)}
	}
	return out
}

// Winner picks the highest TWAP welfare; ties go to the lowest index.
func Winner(standings []Standing) (Standing, bool) {
	if len(standings) == 0 {
		return Standing{}, false
	}
	best := standings[0]
	for _, s := range standings[1:] {
		if s.TWAP > best.TWAP {
			best = s
		}
	}
	return best, true
}

// Collapse locks in the winning proposal once the deadline has passed.
// Mode B decisions need a baseline oracle reading and move to Measuring.
func (d *Decision) Collapse(c Call, reading *domain.OracleReading) (Standing, error) {
	next := domain.StatusCollapsed
	if d.Mode == domain.ModeOracle {
		next = domain.StatusMeasuring
	}
	if err := d.requireTransition("collapse", next); err != nil {
		return Standing{}, err
	}
	if c.Block < d.Deadline {
		return Standing{}, fmt.Errorf("decision %d: collapse at block %d, deadline %d: %w", d.ID, c.Block, d.Deadline, domain.ErrDeadlineNotReached)
	}
	win, ok := Winner(d.Standings(c.Block))
	if !ok {
		return Standing{}, fmt.Errorf("decision %d: collapse: no proposals: %w", d.ID, domain.ErrInvalidState)
	}
	var measuringDeadline uint64
	if next == domain.StatusMeasuring {
		if err := d.checkReading("collapse", c.Block, reading); err != nil {
			return Standing{}, err
		}
		measuringDeadline = c.Block + d.Oracle.MeasurementPeriod
		if measuringDeadline < c.Block {
			return Standing{}, fmt.Errorf("decision %d: collapse: measuring deadline: %w", d.ID, domain.ErrOverflow)
		}
	}

	d.WinningProposalID = win.ProposalID
	d.WinningTWAP = win.TWAP
	d.moveTo(next)
	d.emit(domain.EventCollapsed, c, map[string]string{
		"winning_proposal_id": strconv.Itoa(win.ProposalID),
		"winning_twap":        strconv.FormatUint(win.TWAP, 10),
	})
	if next == domain.StatusMeasuring {
		d.Oracle.MBaseline = reading.Metric
		d.Oracle.MeasuringDeadline = measuringDeadline
		d.emit(domain.EventMeasurementStarted, c, map[string]string{
			"winning_proposal_id": strconv.Itoa(win.ProposalID),
			"m_baseline":          reading.Metric.Dec(),
			"measuring_deadline":  strconv.FormatUint(measuringDeadline, 10),
		})
	}
	return win, nil
}

// Threshold is the metric the measurement must reach for a YES outcome:
// ceil(baseline * (BPS + minImprovement) / BPS).
func (d *Decision) Threshold() (uint256.Int, error) {
	if d.Oracle == nil {
		return uint256.Int{}, fmt.Errorf("decision %d: threshold: %w", d.ID, domain.ErrInvalidState)
	}
	factor := uint256.NewInt(d.Oracle.MinImprovementBps)
	factor.Add(factor, uint256.NewInt(domain.BPS))
	return fixedpoint.CeilMulDiv(&d.Oracle.MBaseline, factor, uint256.NewInt(domain.BPS))
}

// Resolve records the oracle's measurement once the measuring window has
// closed and derives the outcome from the improvement threshold.
func (d *Decision) Resolve(c Call, reading *domain.OracleReading) (domain.Outcome, error) {
	if err := d.requireTransition("resolve", domain.StatusResolved); err != nil {
		return "", err
	}
	if c.Block < d.Oracle.MeasuringDeadline {
		return "", fmt.Errorf("decision %d: resolve at block %d, measuring deadline %d: %w",
			d.ID, c.Block, d.Oracle.MeasuringDeadline, domain.ErrDeadlineNotReached)
	}
	if err := d.checkReading("resolve", c.Block, reading); err != nil {
		return "", err
	}
	threshold, err := d.Threshold()
	if err != nil {
		return "", err
	}
	outcome := domain.OutcomeNo
	if !reading.Metric.Lt(&threshold) {
		outcome = domain.OutcomeYes
	}

	d.Oracle.MActual = reading.Metric
	d.Oracle.Outcome = outcome
	d.moveTo(domain.StatusResolved)
	d.emit(domain.EventResolved, c, map[string]string{
		"outcome":    string(outcome),
		"m_baseline": d.Oracle.MBaseline.Dec(),
		"m_actual":   reading.Metric.Dec(),
		"threshold":  threshold.Dec(),
	})
	return outcome, nil
}

// ResolveDispute lets the guardian force the outcome while the decision is
// Measuring or Resolved. The override is final.
func (d *Decision) ResolveDispute(c Call, outcome domain.Outcome) error {
	if err := d.requireTransition("resolve dispute", domain.StatusDisputed); err != nil {
		return err
	}
	if c.Caller != d.Oracle.Guardian {
		return fmt.Errorf("decision %d: resolve dispute: caller %s is not the guardian: %w", d.ID, c.Caller.Hex(), domain.ErrUnauthorized)
	}
	if outcome != domain.OutcomeYes && outcome != domain.OutcomeNo {
		return fmt.Errorf("decision %d: resolve dispute: outcome %q: %w", d.ID, outcome, domain.ErrInvalidArgument)
	}

	d.Oracle.Outcome = outcome
	d.moveTo(domain.StatusDisputed)
	d.emit(domain.EventDisputeResolved, c, map[string]string{
		"guardian": c.Caller.Hex(),
		"outcome":  string(outcome),
	})
	return nil
}

func (d *Decision) checkReading(op string, block uint64, r *domain.OracleReading) error {
	if r == nil {
		return fmt.Errorf("decision %d: %s: oracle reading required: %w", d.ID, op, domain.ErrInvalidArgument)
	}
	if d.StaleThreshold > 0 && block > r.LastUpdated && block-r.LastUpdated > d.StaleThreshold {
		return fmt.Errorf("decision %d: %s: oracle updated at block %d, now %d: %w", d.ID, op, r.LastUpdated, block, domain.ErrStaleOracle)
	}
	return nil
}
