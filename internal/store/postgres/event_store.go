package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/meridian/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Events are
// written by DecisionStore.Save.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// appendEvents queues events in one batch on tx.
func appendEvents(ctx context.Context, tx pgx.Tx, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	const query = `
		INSERT INTO decision_events (id, decision_id, type, block, actor, attrs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, e := range events {
		attrs, err := json.Marshal(e.Attrs)
		if err != nil {
			return fmt.Errorf("marshal event %s attrs: %w", e.ID, err)
		}
		batch.Queue(query,
			e.ID, int64(e.DecisionID), string(e.Type), int64(e.Block),
			e.Actor.Hex(), attrs, e.CreatedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range events {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("append event batch item %d: %w", i, err)
		}
	}
	return br.Close()
}

// ListByDecision returns a decision's events in emission order.
func (s *EventStore) ListByDecision(ctx context.Context, decisionID uint64, opts domain.ListOpts) ([]domain.Event, error) {
	const query = `
		SELECT id, decision_id, type, block, actor, attrs, created_at
		FROM decision_events
		WHERE decision_id = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, int64(decisionID), limitOrAll(opts.Limit), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for decision %d: %w", decisionID, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			e               domain.Event
			decision, block int64
			kind, actor     string
			attrs           []byte
		)
		if err := rows.Scan(&e.ID, &decision, &kind, &block, &actor, &attrs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.DecisionID = uint64(decision)
		e.Type = domain.EventType(kind)
		e.Block = uint64(block)
		e.Actor = common.HexToAddress(actor)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attrs); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event %s attrs: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}

var _ domain.EventStore = (*EventStore)(nil)
