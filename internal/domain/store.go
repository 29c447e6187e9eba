package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// DecisionStore persists decision aggregates. Save writes the snapshot and
// the events that produced it atomically.
type DecisionStore interface {
	Save(ctx context.Context, rec DecisionRecord, events []Event) error
	MaxID(ctx context.Context) (uint64, error)
	Get(ctx context.Context, id uint64) (DecisionRecord, error)
	List(ctx context.Context, opts ListOpts) ([]DecisionRecord, error)
	ListAll(ctx context.Context) ([]DecisionRecord, error)
	ListUnarchived(ctx context.Context, status Status) ([]DecisionRecord, error)
	MarkArchived(ctx context.Context, id uint64, path string) error
}

// EventStore reads the append-only engine event log.
type EventStore interface {
	ListByDecision(ctx context.Context, decisionID uint64, opts ListOpts) ([]Event, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
