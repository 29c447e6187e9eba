package domain

import (
	"fmt"
	"time"
)

// BPS is the basis-point denominator shared by fees, welfare and thresholds.
const BPS = 10_000

// Protocol defaults.
const (
	DefaultFeeBps              = 30
	DefaultMaxProposals        = 20
	ReferenceMaxChangePerBlock = 2
	NeutralWelfare             = BPS / 2
)

// Status is the lifecycle stage of a decision.
type Status string

const (
	StatusOpen      Status = "open"
	StatusCollapsed Status = "collapsed"
	StatusMeasuring Status = "measuring"
	StatusResolved  Status = "resolved"
	StatusDisputed  Status = "disputed"
	StatusSettled   Status = "settled"
)

// transitions is the only place legal status moves are defined.
var transitions = map[Status][]Status{
	StatusOpen:      {StatusCollapsed, StatusMeasuring},
	StatusCollapsed: {StatusSettled},
	StatusMeasuring: {StatusResolved, StatusDisputed},
	StatusResolved:  {StatusDisputed, StatusSettled},
	StatusDisputed:  {StatusSettled},
}

// CanTransition reports whether a decision may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Settleable reports whether users may settle positions in this status.
func (s Status) Settleable() bool {
	return s.CanTransition(StatusSettled)
}

// Decided reports whether a winning proposal has been chosen.
func (s Status) Decided() bool {
	return s != StatusOpen && s.Valid()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusCollapsed, StatusMeasuring, StatusResolved, StatusDisputed, StatusSettled:
		return true
	}
	return false
}

// ParseStatus converts a stored string back to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, v)
	}
	return s, nil
}

// Mode selects how a decision is resolved after collapse.
type Mode string

const (
	// ModeTWAP settles immediately on the winning proposal's YES side.
	ModeTWAP Mode = "A"
	// ModeOracle measures a real-world metric before settling.
	ModeOracle Mode = "B"
)

// Outcome is the Mode B verdict on the winning proposal.
type Outcome string

const (
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeYes        Outcome = "yes"
	OutcomeNo         Outcome = "no"
)

// ParseOutcome accepts "yes" or "no".
func ParseOutcome(v string) (Outcome, error) {
	switch Outcome(v) {
	case OutcomeYes, OutcomeNo:
		return Outcome(v), nil
	}
	return "", fmt.Errorf("%w: outcome must be yes or no, got %q", ErrInvalidArgument, v)
}

// Side is one half of a proposal's YES/NO token pair.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// ParseSide accepts "yes" or "no".
func ParseSide(v string) (Side, error) {
	switch Side(v) {
	case SideYes, SideNo:
		return Side(v), nil
	}
	return "", fmt.Errorf("%w: side must be yes or no, got %q", ErrInvalidArgument, v)
}

// DecisionRecord is the persisted form of a decision: a few indexed
// columns plus the full serialized aggregate.
type DecisionRecord struct {
	ID          uint64
	Title       string
	Creator     string
	Status      Status
	Mode        Mode
	Deadline    uint64
	State       []byte
	ArchivedAt  *time.Time
	ArchivePath string
	UpdatedAt   time.Time
}
