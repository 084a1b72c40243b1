package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devmesh/devmesh/internal/logging"
	"github.com/devmesh/devmesh/internal/models"
)

// eventColumns is the column list for reads, in scan order.
const eventColumns = `id, timestamp, source, service, host, level, message,
	trace_id, span_id, event_type, error_code, meta, log_hash, template_id`

// EventStore is the append-only store of raw events. Rows are immutable
// after insert except for template_id, which is written once.
type EventStore struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewEventStore creates an event store on the shared pool.
func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{
		db:     db,
		logger: logging.GetLogger("storage.events"),
	}
}

// EventFilter selects events for relational queries. Zero values mean
// "no constraint".
type EventFilter struct {
	Service string
	Host    string
	Level   string
	Start   time.Time
	End     time.Time
	Limit   int
	Offset  int
}

// InsertBatch inserts events inside one transaction, skipping rows whose
// log_hash already exists. Returns ids aligned 1:1 with the input (0 marks
// a duplicate) and the duplicate count. Insert order within the batch is
// preserved in id assignment.
func (s *EventStore) InsertBatch(ctx context.Context, events []*models.Event) (ids []int64, duplicates int, err error) {
	if len(events) == 0 {
		return nil, 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, classify("begin insert batch", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertSQL = `
		INSERT INTO log_events (
			timestamp, source, service, host, level, message,
			trace_id, span_id, event_type, error_code, meta, log_hash, template_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (log_hash) DO NOTHING
		RETURNING id`

	ids = make([]int64, len(events))
	for i, ev := range events {
		var meta []byte
		if len(ev.Meta) > 0 {
			meta, err = json.Marshal(ev.Meta)
			if err != nil {
				return nil, 0, fmt.Errorf("marshal meta for event %d: %w", i, err)
			}
		}

		var id int64
		err = tx.QueryRowxContext(ctx, insertSQL,
			ev.Timestamp, sanitizeText(ev.Source), sanitizeText(ev.Service), sanitizeText(ev.Host),
			string(ev.Level), sanitizeText(ev.Message),
			ev.TraceID, ev.SpanID, ev.EventType, ev.ErrorCode,
			meta, ev.LogHash, ev.TemplateID,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict on log_hash: a duplicate submission. Normal, not
			// an error.
			duplicates++
			err = nil
			continue
		}
		if err != nil {
			return nil, 0, classify("insert event", err)
		}
		ids[i] = id
		ev.ID = id
	}

	if err = tx.Commit(); err != nil {
		return nil, 0, classify("commit insert batch", err)
	}
	return ids, duplicates, nil
}

// FilterExistingHashes returns the subset of hashes already present, for
// the pipeline's dedup pre-filter.
func (s *EventStore) FilterExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return map[string]bool{}, nil
	}

	query, args, err := sqlx.In(`SELECT log_hash FROM log_events WHERE log_hash IN (?)`, hashes)
	if err != nil {
		return nil, fmt.Errorf("build hash filter query: %w", err)
	}
	query = s.db.Rebind(query)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify("filter existing hashes", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, classify("scan existing hash", err)
		}
		existing[h] = true
	}
	return existing, rows.Err()
}

// Query selects events by relational filters, newest first.
func (s *EventStore) Query(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM log_events WHERE 1=1`)

	var args []interface{}
	appendFilters(&sb, &args, f)

	args = append(args, f.Limit)
	fmt.Fprintf(&sb, " ORDER BY timestamp DESC, id DESC LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify("query events", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// SampleByTemplate returns up to perTemplate representative events for each
// template id, newest first, within the filter window. Used by the search
// layer to illustrate ranked templates.
func (s *EventStore) SampleByTemplate(ctx context.Context, templateIDs []int64, perTemplate int, f EventFilter) (map[int64][]*models.Event, error) {
	samples := make(map[int64][]*models.Event, len(templateIDs))
	if len(templateIDs) == 0 || perTemplate <= 0 {
		return samples, nil
	}

	for _, tid := range templateIDs {
		var sb strings.Builder
		sb.WriteString(`SELECT ` + eventColumns + ` FROM log_events WHERE template_id = $1`)
		args := []interface{}{tid}
		appendFilters(&sb, &args, f)
		args = append(args, perTemplate)
		fmt.Fprintf(&sb, " ORDER BY timestamp DESC, id DESC LIMIT $%d", len(args))

		rows, err := s.db.QueryxContext(ctx, sb.String(), args...)
		if err != nil {
			return nil, classify("sample events by template", err)
		}
		events, err := scanEvents(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			samples[tid] = events
		}
	}
	return samples, nil
}

// FindUnassigned is the template-backfill scan: events after the cursor
// that still have no template. The id cursor keys the scan so the plan
// stays a primary-key range scan regardless of how few NULL rows remain.
func (s *EventStore) FindUnassigned(ctx context.Context, afterID int64, limit int) ([]*models.Event, error) {
	const query = `SELECT ` + eventColumns + ` FROM log_events
		WHERE id > $1 AND template_id IS NULL
		ORDER BY id ASC LIMIT $2`

	rows, err := s.db.QueryxContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, classify("find unassigned events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MaxID returns the largest event id, so backfill runs know where the scan
// ends even when every remaining row is already assigned.
func (s *EventStore) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowxContext(ctx, `SELECT MAX(id) FROM log_events`).Scan(&id); err != nil {
		return 0, classify("max event id", err)
	}
	return id.Int64, nil
}

// AssignTemplate sets template_id on an event if and only if it is still
// NULL. Returns false when another writer already filled it; the caller
// treats that as a no-op, not a conflict.
func (s *EventStore) AssignTemplate(ctx context.Context, eventID, templateID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE log_events SET template_id = $2 WHERE id = $1 AND template_id IS NULL`,
		eventID, templateID)
	if err != nil {
		return false, classify("assign template", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("assign template rows", err)
	}
	return n == 1, nil
}

// AttachEmbedding sets the legacy event-level vector. Only the event
// backfill writes it; live ingest never does.
func (s *EventStore) AttachEmbedding(ctx context.Context, eventID int64, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE log_events SET embedding = $2::vector WHERE id = $1 AND embedding IS NULL`,
		eventID, encodeVector(vec))
	return classify("attach event embedding", err)
}

// FindUnembedded is the event-embedding backfill scan (legacy search path).
func (s *EventStore) FindUnembedded(ctx context.Context, afterID int64, limit int) ([]*models.Event, error) {
	const query = `SELECT ` + eventColumns + ` FROM log_events
		WHERE id > $1 AND embedding IS NULL
		ORDER BY id ASC LIMIT $2`

	rows, err := s.db.QueryxContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, classify("find unembedded events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventMatch is one legacy event-level search result.
type EventMatch struct {
	Event    *models.Event
	Distance float64
}

// SearchByEmbedding runs cosine search over event-level embeddings.
// Retained for compatibility; template search is the primary surface.
func (s *EventStore) SearchByEmbedding(ctx context.Context, queryVec []float32, limit int, f EventFilter) ([]EventMatch, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + `, embedding <=> $1::vector AS distance
		FROM log_events WHERE embedding IS NOT NULL`)
	args := []interface{}{encodeVector(queryVec)}
	appendFilters(&sb, &args, f)
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY distance ASC, timestamp DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify("search events by embedding", err)
	}
	defer rows.Close()

	var matches []EventMatch
	for rows.Next() {
		ev, distance, err := scanEventWithDistance(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, EventMatch{Event: ev, Distance: distance})
	}
	return matches, rows.Err()
}

// DeleteOlderThan removes events past the retention horizon in bounded
// batches and returns the number removed. The id subquery keeps each delete
// short so retention never holds long locks against live ingest.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	const query = `DELETE FROM log_events WHERE id IN (
		SELECT id FROM log_events WHERE timestamp < $1 ORDER BY id LIMIT $2
	)`

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := s.db.ExecContext(ctx, query, cutoff, batchSize)
		if err != nil {
			return total, classify("delete old events", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, classify("delete old events rows", err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

// CountOlderThan reports how many events a retention run would remove.
func (s *EventStore) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM log_events WHERE timestamp < $1`, cutoff).Scan(&n)
	if err != nil {
		return 0, classify("count old events", err)
	}
	return n, nil
}

// appendFilters adds the shared relational WHERE clauses for f to sb/args.
func appendFilters(sb *strings.Builder, args *[]interface{}, f EventFilter) {
	if f.Service != "" {
		*args = append(*args, f.Service)
		fmt.Fprintf(sb, " AND service = $%d", len(*args))
	}
	if f.Host != "" {
		*args = append(*args, f.Host)
		fmt.Fprintf(sb, " AND host = $%d", len(*args))
	}
	if f.Level != "" {
		*args = append(*args, f.Level)
		fmt.Fprintf(sb, " AND level = $%d", len(*args))
	}
	if !f.Start.IsZero() {
		*args = append(*args, f.Start)
		fmt.Fprintf(sb, " AND timestamp >= $%d", len(*args))
	}
	if !f.End.IsZero() {
		*args = append(*args, f.End)
		fmt.Fprintf(sb, " AND timestamp <= $%d", len(*args))
	}
}

// rowScanner is satisfied by both *sqlx.Rows and *sqlx.Row.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEvent scans one event row in eventColumns order.
func scanEvent(r rowScanner, extra ...interface{}) (*models.Event, error) {
	var (
		ev         models.Event
		level      string
		meta       []byte
		templateID sql.NullInt64
	)

	dest := []interface{}{
		&ev.ID, &ev.Timestamp, &ev.Source, &ev.Service, &ev.Host, &level, &ev.Message,
		&ev.TraceID, &ev.SpanID, &ev.EventType, &ev.ErrorCode, &meta, &ev.LogHash, &templateID,
	}
	dest = append(dest, extra...)

	if err := r.Scan(dest...); err != nil {
		return nil, classify("scan event", err)
	}

	ev.Level = models.LogLevel(level)
	ev.Timestamp = ev.Timestamp.UTC()
	if templateID.Valid {
		ev.TemplateID = &templateID.Int64
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal event meta: %w", err)
		}
	}
	return &ev, nil
}

func scanEvents(rows *sqlx.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEventWithDistance(rows *sqlx.Rows) (*models.Event, float64, error) {
	var distance float64
	ev, err := scanEvent(rows, &distance)
	return ev, distance, err
}

// sanitizeText replaces NUL bytes, which Postgres TEXT rejects, with the
// Unicode replacement character. All other bytes, including CR/LF and
// non-UTF-8-adjacent control characters, are stored as received.
func sanitizeText(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "�")
}
