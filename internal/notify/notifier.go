// Package notify fans decision lifecycle alerts out to operator channels
// (Telegram, Discord, signed webhooks), filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/fixedpoint"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards allowed event types; NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify sends to all senders if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// NotifyEvent formats an engine event and sends it if its type is allowed.
func (n *Notifier) NotifyEvent(ctx context.Context, e domain.Event) error {
	title, message := Format(e)
	return n.Notify(ctx, string(e.Type), title, message)
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Format renders an engine event as a notification title and body.
func Format(e domain.Event) (title, message string) {
	a := e.Attrs
	title = fmt.Sprintf("Decision #%d: %s", e.DecisionID, strings.ReplaceAll(string(e.Type), "_", " "))

	switch e.Type {
	case domain.EventCollapsed:
		message = fmt.Sprintf("Proposal %s won with TWAP welfare %s at block %d.",
			a["winning_proposal_id"], percent(a["winning_twap"]), e.Block)
	case domain.EventMeasurementStarted:
		message = fmt.Sprintf("Measuring proposal %s against baseline %s until block %s.",
			a["winning_proposal_id"], a["m_baseline"], a["measuring_deadline"])
	case domain.EventResolved:
		message = fmt.Sprintf("Outcome %s: measured %s against threshold %s (baseline %s).",
			strings.ToUpper(a["outcome"]), a["m_actual"], a["threshold"], a["m_baseline"])
	case domain.EventDisputeResolved:
		message = fmt.Sprintf("Guardian %s set outcome %s.", a["guardian"], strings.ToUpper(a["outcome"]))
	case domain.EventSettled:
		message = fmt.Sprintf("%s settled: payout %s credits, PnL %s.", e.Actor.Hex(), credits(a["payout"]), a["pnl"])
	case domain.EventFeesClaimed:
		message = fmt.Sprintf("%s claimed %s credits in fees.", e.Actor.Hex(), credits(a["amount"]))
	default:
		message = fmt.Sprintf("%s by %s at block %d.", e.Type, e.Actor.Hex(), e.Block)
	}
	return title, message
}

// percent renders basis points as a percentage, e.g. "6120" -> "61.20%".
func percent(bps string) string {
	v, err := strconv.ParseUint(bps, 10, 64)
	if err != nil {
		return bps
	}
	return fmt.Sprintf("%d.%02d%%", v/100, v%100)
}

// credits renders base units as whole credits.
func credits(base string) string {
	v, err := uint256.FromDecimal(base)
	if err != nil {
		return base
	}
	return fixedpoint.FormatUnits(v, fixedpoint.CreditDecimals)
}
