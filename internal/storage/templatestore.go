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

// templateColumns is the read column list, in scan order. The embedding
// itself is never loaded on read paths; embedded mirrors its NULL-ness.
const templateColumns = `id, template_hash, canonical_text, service, level,
	(embedding IS NOT NULL) AS embedded, embedding_model, embedding_dim,
	canon_version, chunk_version, event_count, first_seen, last_seen, source_hosts`

// TemplateStore is the deduplicated store of canonical log patterns with
// their vectors. An LRU cache fronts hash-to-id resolution; creation races
// are resolved by the unique constraint on template_hash, not by locks.
type TemplateStore struct {
	db     *sqlx.DB
	cache  *TemplateCache
	logger *logging.Logger
}

// NewTemplateStore creates a template store on the shared pool with a
// default-capacity cache. Use SetCache to install a configured one.
func NewTemplateStore(db *sqlx.DB) *TemplateStore {
	cache, _ := NewTemplateCache(100000)
	return &TemplateStore{
		db:     db,
		cache:  cache,
		logger: logging.GetLogger("storage.templates"),
	}
}

// SetCache replaces the cache (called once during wiring, before traffic).
func (s *TemplateStore) SetCache(cache *TemplateCache) {
	s.cache = cache
}

// Cache exposes the cache for stats reporting.
func (s *TemplateStore) Cache() *TemplateCache {
	return s.cache
}

// Lookup resolves a template hash to an id: cache first, then the durable
// store, filling the cache on a durable hit. Returns ErrNotFound on miss.
func (s *TemplateStore) Lookup(ctx context.Context, templateHash string) (int64, error) {
	if cached, ok := s.cache.Get(templateHash); ok {
		return cached.ID, nil
	}

	var row struct {
		ID      int64  `db:"id"`
		Service string `db:"service"`
		Level   string `db:"level"`
	}
	err := s.db.QueryRowxContext(ctx,
		`SELECT id, service, level FROM log_templates WHERE template_hash = $1`,
		templateHash).Scan(&row.ID, &row.Service, &row.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, classify("lookup template", err)
	}

	s.cache.Put(templateHash, CachedTemplate{
		ID:      row.ID,
		Service: row.Service,
		Level:   models.LogLevel(row.Level),
	})
	return row.ID, nil
}

// CreateIfAbsent atomically inserts a template or fetches the existing one.
// On concurrent first-sight of the same hash exactly one row is created and
// every other caller converges on it through the conflict-then-lookup path.
func (s *TemplateStore) CreateIfAbsent(ctx context.Context, t *models.Template) (id int64, created bool, err error) {
	const insertSQL = `
		INSERT INTO log_templates (
			template_hash, canonical_text, service, level,
			canon_version, chunk_version, event_count, first_seen, last_seen, source_hosts
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7, '[]'::jsonb)
		ON CONFLICT (template_hash) DO NOTHING
		RETURNING id`

	firstSeen := t.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now().UTC()
	}
	chunkVersion := t.ChunkVersion
	if chunkVersion == 0 {
		chunkVersion = 1
	}

	err = s.db.QueryRowxContext(ctx, insertSQL,
		t.TemplateHash, sanitizeText(t.CanonicalText), t.Service, string(t.Level),
		t.CanonVersion, chunkVersion, firstSeen,
	).Scan(&id)

	switch {
	case err == nil:
		s.cache.Put(t.TemplateHash, CachedTemplate{ID: id, Service: t.Service, Level: t.Level})
		t.ID = id
		return id, true, nil
	case errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err):
		// Lost the race (or the row predates us): converge on the winner.
		id, err = s.Lookup(ctx, t.TemplateHash)
		if err != nil {
			return 0, false, fmt.Errorf("lookup after create conflict: %w", err)
		}
		t.ID = id
		return id, false, nil
	default:
		return 0, false, classify("create template", err)
	}
}

// AttachEmbedding writes the vector and its versioning columns. Idempotent:
// a vector already present under the same (model, dim) is left untouched,
// and a vector from a different generation is never silently overwritten.
func (s *TemplateStore) AttachEmbedding(ctx context.Context, id int64, vec []float32, model string, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("attach embedding: vector has dimension %d, want %d", len(vec), dim)
	}

	const query = `
		UPDATE log_templates
		SET embedding = $2::vector, embedding_model = $3, embedding_dim = $4
		WHERE id = $1 AND (embedding IS NULL OR (embedding_model = $3 AND embedding_dim = $4))`

	_, err := s.db.ExecContext(ctx, query, id, encodeVector(vec), model, dim)
	return classify("attach template embedding", err)
}

// BumpCounters adds count accepted events to a template, widens the
// [first_seen, last_seen] interval to cover [firstSeen, lastSeen] and
// merges the host into source_hosts. The update is commutative so
// inter-batch interleaving is safe. A batch may carry events older than
// anything the template has seen, so both bounds travel separately.
func (s *TemplateStore) BumpCounters(ctx context.Context, id int64, firstSeen, lastSeen time.Time, host string, count int) error {
	if count <= 0 {
		return nil
	}

	const query = `
		UPDATE log_templates
		SET event_count = event_count + $2,
		    first_seen = LEAST(first_seen, $3),
		    last_seen = GREATEST(last_seen, $4),
		    source_hosts = CASE
		        WHEN source_hosts @> jsonb_build_array($5::text) THEN source_hosts
		        ELSE source_hosts || jsonb_build_array($5::text)
		    END
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, id, count, firstSeen, lastSeen, host)
	return classify("bump template counters", err)
}

// TemplateFilter narrows vector search and template listings.
type TemplateFilter struct {
	Service string
	Level   string
	Start   time.Time // matches templates whose last_seen >= Start
	End     time.Time // matches templates whose first_seen <= End
}

// TemplateMatch is one vector search result.
type TemplateMatch struct {
	Template *models.Template
	Distance float64
}

// VectorSearch returns the top-limit templates by ascending cosine distance
// to the query vector. Ties break on more recent last_seen, then lower id.
// Templates without embeddings never match.
func (s *TemplateStore) VectorSearch(ctx context.Context, queryVec []float32, limit int, f TemplateFilter) ([]TemplateMatch, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + templateColumns + `, embedding <=> $1::vector AS distance
		FROM log_templates WHERE embedding IS NOT NULL`)
	args := []interface{}{encodeVector(queryVec)}

	if f.Service != "" {
		args = append(args, f.Service)
		fmt.Fprintf(&sb, " AND service = $%d", len(args))
	}
	if f.Level != "" {
		args = append(args, f.Level)
		fmt.Fprintf(&sb, " AND level = $%d", len(args))
	}
	if !f.Start.IsZero() {
		args = append(args, f.Start)
		fmt.Fprintf(&sb, " AND last_seen >= $%d", len(args))
	}
	if !f.End.IsZero() {
		args = append(args, f.End)
		fmt.Fprintf(&sb, " AND first_seen <= $%d", len(args))
	}

	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY distance ASC, last_seen DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify("vector search templates", err)
	}
	defer rows.Close()

	var matches []TemplateMatch
	for rows.Next() {
		var distance float64
		t, err := scanTemplate(rows, &distance)
		if err != nil {
			return nil, err
		}
		matches = append(matches, TemplateMatch{Template: t, Distance: distance})
	}
	return matches, rows.Err()
}

// Get loads one template by id.
func (s *TemplateStore) Get(ctx context.Context, id int64) (*models.Template, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT `+templateColumns+` FROM log_templates WHERE id = $1`, id)
	t, err := scanTemplateRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// WarmCache preloads the n most recently updated templates. Called once at
// startup so steady-state ingest starts with a hot cache.
func (s *TemplateStore) WarmCache(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, template_hash, service, level FROM log_templates
		 ORDER BY last_seen DESC LIMIT $1`, n)
	if err != nil {
		return 0, classify("warm template cache", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var (
			id             int64
			hash           string
			service, level string
		)
		if err := rows.Scan(&id, &hash, &service, &level); err != nil {
			return loaded, classify("scan warm cache row", err)
		}
		s.cache.Put(hash, CachedTemplate{ID: id, Service: service, Level: models.LogLevel(level)})
		loaded++
	}
	if err := rows.Err(); err != nil {
		return loaded, err
	}
	s.logger.Info("Warmed template cache with %d entries", loaded)
	return loaded, nil
}

// FindStale is the embedding-backfill scan: templates after the id cursor
// that have no vector, or whose versioning tuple predates the current
// (canonVersion, model) generation. Keyed on the id cursor for the same
// plan-stability reason as EventStore.FindUnassigned.
func (s *TemplateStore) FindStale(ctx context.Context, afterID int64, limit int, canonVersion, model string) ([]*models.Template, error) {
	const query = `SELECT ` + templateColumns + ` FROM log_templates
		WHERE id > $1 AND (
			embedding IS NULL
			OR canon_version <> $2
			OR embedding_model IS DISTINCT FROM $3
		)
		ORDER BY id ASC LIMIT $4`

	rows, err := s.db.QueryxContext(ctx, query, afterID, canonVersion, model, limit)
	if err != nil {
		return nil, classify("find stale templates", err)
	}
	defer rows.Close()

	var templates []*models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// DeleteUnreferenced removes templates whose last_seen is older than cutoff
// and that no event references. The NOT EXISTS guard makes retention
// append-only-safe: a template still referenced is never deleted, however
// old it is.
func (s *TemplateStore) DeleteUnreferenced(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM log_templates t
		WHERE t.last_seen < $1
		AND NOT EXISTS (SELECT 1 FROM log_events e WHERE e.template_id = t.id)`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, classify("delete unreferenced templates", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete unreferenced templates rows", err)
	}
	return n, nil
}

// CountUnreferenced reports how many templates a retention run would remove.
func (s *TemplateStore) CountUnreferenced(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `SELECT COUNT(*) FROM log_templates t
		WHERE t.last_seen < $1
		AND NOT EXISTS (SELECT 1 FROM log_events e WHERE e.template_id = t.id)`

	var n int64
	if err := s.db.QueryRowxContext(ctx, query, cutoff).Scan(&n); err != nil {
		return 0, classify("count unreferenced templates", err)
	}
	return n, nil
}

// scanTemplate scans one template row in templateColumns order.
func scanTemplate(r rowScanner, extra ...interface{}) (*models.Template, error) {
	var (
		t           models.Template
		level       string
		model       sql.NullString
		dim         sql.NullInt64
		sourceHosts []byte
	)

	dest := []interface{}{
		&t.ID, &t.TemplateHash, &t.CanonicalText, &t.Service, &level,
		&t.Embedded, &model, &dim,
		&t.CanonVersion, &t.ChunkVersion, &t.EventCount, &t.FirstSeen, &t.LastSeen, &sourceHosts,
	}
	dest = append(dest, extra...)

	if err := r.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify("scan template", err)
	}

	t.Level = models.LogLevel(level)
	t.EmbeddingModel = model.String
	t.EmbeddingDim = int(dim.Int64)
	t.FirstSeen = t.FirstSeen.UTC()
	t.LastSeen = t.LastSeen.UTC()
	if len(sourceHosts) > 0 {
		if err := json.Unmarshal(sourceHosts, &t.SourceHosts); err != nil {
			return nil, fmt.Errorf("unmarshal source_hosts: %w", err)
		}
	}
	return &t, nil
}

func scanTemplateRow(row *sqlx.Row) (*models.Template, error) {
	return scanTemplate(row)
}
