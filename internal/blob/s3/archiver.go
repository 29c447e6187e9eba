package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/meridian/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// ArchiveImpl implements domain.Archiver. For every fully settled decision
// not yet archived it uploads the event log as JSONL, reads the object back
// to check the line count, marks the decision archived and records an audit
// entry. Events stay in the primary store.
type ArchiveImpl struct {
	decisions domain.DecisionStore
	events    domain.EventStore
	writer    domain.BlobWriter
	reader    domain.BlobReader
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	decisions domain.DecisionStore,
	events domain.EventStore,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		decisions: decisions,
		events:    events,
		writer:    writer,
		reader:    reader,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchivePath returns the object key of a decision's archived event log.
func ArchivePath(decisionID uint64) string {
	return fmt.Sprintf("archive/decisions/%d.jsonl", decisionID)
}

// ArchiveSettled archives every pending settled decision and returns how
// many were archived. One failing decision does not stop the others.
func (a *ArchiveImpl) ArchiveSettled(ctx context.Context) (int, error) {
	pending, err := a.decisions.ListUnarchived(ctx, domain.StatusSettled)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list settled decisions: %w", err)
	}

	var (
		archived int
		errs     []error
	)
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if err := a.archiveOne(ctx, rec.ID); err != nil {
			a.logger.ErrorContext(ctx, "archive decision failed",
				slog.Uint64("decision_id", rec.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		archived++
	}
	return archived, errors.Join(errs...)
}

func (a *ArchiveImpl) archiveOne(ctx context.Context, id uint64) error {
	events, err := a.events.ListByDecision(ctx, id, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("s3blob: archive decision %d: events: %w", id, err)
	}
	path := ArchivePath(id)

	// A previous run may have uploaded before failing to mark the row.
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive decision %d: %w", id, err)
	}
	if !exists {
		buf, err := marshalJSONL(events)
		if err != nil {
			return fmt.Errorf("s3blob: archive decision %d: marshal: %w", id, err)
		}
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType); err != nil {
			return fmt.Errorf("s3blob: archive decision %d: %w", id, err)
		}
	}

	lines, err := a.countLines(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive decision %d: verify: %w", id, err)
	}
	if lines != len(events) {
		return fmt.Errorf("s3blob: archive decision %d: object has %d events, store has %d", id, lines, len(events))
	}

	if err := a.decisions.MarkArchived(ctx, id, path); err != nil {
		return fmt.Errorf("s3blob: archive decision %d: %w", id, err)
	}
	if err := a.audit.Log(ctx, "archive.decision", map[string]any{
		"decision_id": id,
		"path":        path,
		"events":      len(events),
	}); err != nil {
		return fmt.Errorf("s3blob: archive decision %d: audit log: %w", id, err)
	}

	a.logger.InfoContext(ctx, "decision archived",
		slog.Uint64("decision_id", id),
		slog.String("path", path),
		slog.Int("events", len(events)),
	)
	return nil
}

func (a *ArchiveImpl) countLines(ctx context.Context, path string) (int, error) {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
