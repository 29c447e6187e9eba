package domain

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names an engine event.
type EventType string

const (
	EventDecisionCreated    EventType = "decision_created"
	EventProposalAdded      EventType = "proposal_added"
	EventDeposited          EventType = "deposited"
	EventWithdrawn          EventType = "withdrawn"
	EventTrade              EventType = "trade"
	EventCollapsed          EventType = "collapsed"
	EventMeasurementStarted EventType = "measurement_started"
	EventResolved           EventType = "resolved"
	EventDisputeResolved    EventType = "dispute_resolved"
	EventSettled            EventType = "settled"
	EventFeesClaimed        EventType = "fees_claimed"
)

// Lifecycle reports whether the event changes a decision's status.
func (t EventType) Lifecycle() bool {
	switch t {
	case EventCollapsed, EventMeasurementStarted, EventResolved, EventDisputeResolved:
		return true
	}
	return false
}

// Event is emitted by every successful engine operation for indexing and
// fan-out. Amounts in Attrs are decimal strings of base units.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	DecisionID uint64            `json:"decision_id"`
	Block      uint64            `json:"block"`
	Actor      common.Address    `json:"actor"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TradeKind identifies the pool operation that produced a trade.
type TradeKind string

const (
	TradeSplit TradeKind = "split"
	TradeMerge TradeKind = "merge"
	TradeBuy   TradeKind = "buy"
	TradeSell  TradeKind = "sell"
	TradeSwap  TradeKind = "swap"
)

// Signal bus names carrying engine events.
const (
	EventsChannel = "meridian:events"
	EventsStream  = "meridian:events:stream"
)

// DecisionChannel returns the pub/sub channel for one decision's events.
func DecisionChannel(decisionID uint64) string {
	return EventsChannel + ":" + strconv.FormatUint(decisionID, 10)
}
