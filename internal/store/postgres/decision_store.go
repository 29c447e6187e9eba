package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/meridian/internal/domain"
)

// DecisionStore implements domain.DecisionStore using PostgreSQL. Each
// decision is stored as one row holding its full JSON snapshot plus the
// columns needed for filtering.
type DecisionStore struct {
	pool *pgxpool.Pool
}

// NewDecisionStore creates a new DecisionStore backed by the given connection pool.
func NewDecisionStore(pool *pgxpool.Pool) *DecisionStore {
	return &DecisionStore{pool: pool}
}

const decisionColumns = `id, title, creator, status, mode, deadline, state, archived_at, archive_path, updated_at`

// Save upserts a decision snapshot and appends the events that produced it
// in one transaction. Re-appending an event with a known id is a no-op.
func (s *DecisionStore) Save(ctx context.Context, rec domain.DecisionRecord, events []domain.Event) error {
	const query = `
		INSERT INTO decisions (
			id, title, creator, status, mode, deadline, state, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			state      = EXCLUDED.state,
			updated_at = NOW()`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save decision %d: begin: %w", rec.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, query,
		int64(rec.ID), rec.Title, rec.Creator,
		string(rec.Status), string(rec.Mode), int64(rec.Deadline),
		rec.State,
	)
	if err != nil {
		return fmt.Errorf("postgres: save decision %d: %w", rec.ID, err)
	}
	if err := appendEvents(ctx, tx, events); err != nil {
		return fmt.Errorf("postgres: save decision %d: %w", rec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save decision %d: commit: %w", rec.ID, err)
	}
	return nil
}

// MaxID returns the highest stored decision id, or 0 when there are none.
func (s *DecisionStore) MaxID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM decisions`).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: max decision id: %w", err)
	}
	return uint64(id), nil
}

// Get returns one decision by id.
func (s *DecisionStore) Get(ctx context.Context, id uint64) (domain.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE id = $1`
	rec, err := scanDecision(s.pool.QueryRow(ctx, query, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DecisionRecord{}, fmt.Errorf("postgres: decision %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("postgres: get decision %d: %w", id, err)
	}
	return rec, nil
}

// List returns decisions newest first.
func (s *DecisionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions ORDER BY id DESC LIMIT $1 OFFSET $2`
	return s.query(ctx, "list decisions", query, limitOrAll(opts.Limit), opts.Offset)
}

// ListAll returns every decision in id order. It is used to rebuild the
// engine at startup.
func (s *DecisionStore) ListAll(ctx context.Context) ([]domain.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions ORDER BY id`
	return s.query(ctx, "list all decisions", query)
}

// ListUnarchived returns decisions in status that have not been archived.
func (s *DecisionStore) ListUnarchived(ctx context.Context, status domain.Status) ([]domain.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions
		WHERE status = $1 AND archived_at IS NULL ORDER BY id`
	return s.query(ctx, "list unarchived decisions", query, string(status))
}

// MarkArchived records the blob path a decision's event log was written to.
func (s *DecisionStore) MarkArchived(ctx context.Context, id uint64, path string) error {
	const query = `UPDATE decisions SET archived_at = NOW(), archive_path = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, int64(id), path)
	if err != nil {
		return fmt.Errorf("postgres: mark decision %d archived: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark decision %d archived: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *DecisionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.DecisionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

// scanDecision scans a single decision row.
func scanDecision(row pgx.Row) (domain.DecisionRecord, error) {
	var (
		rec          domain.DecisionRecord
		id, deadline int64
		status, mode string
	)
	err := row.Scan(
		&id, &rec.Title, &rec.Creator, &status, &mode, &deadline,
		&rec.State, &rec.ArchivedAt, &rec.ArchivePath, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	rec.ID = uint64(id)
	rec.Deadline = uint64(deadline)
	rec.Status = domain.Status(status)
	rec.Mode = domain.Mode(mode)
	return rec, nil
}

var _ domain.DecisionStore = (*DecisionStore)(nil)
