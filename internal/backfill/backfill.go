// Package backfill holds the safety-net jobs that complete work the live
// ingest path deferred: events left without a template and templates left
// without an embedding. Both jobs are idempotent, resumable, and keyed on
// integer id cursors so a crash mid-run costs nothing but repeated no-ops.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/devmesh/devmesh/internal/canon"
	"github.com/devmesh/devmesh/internal/logging"
	"github.com/devmesh/devmesh/internal/models"
)

// EventSource is the slice of the event store the jobs read and repair.
type EventSource interface {
	FindUnassigned(ctx context.Context, afterID int64, limit int) ([]*models.Event, error)
	AssignTemplate(ctx context.Context, eventID, templateID int64) (bool, error)
	FindUnembedded(ctx context.Context, afterID int64, limit int) ([]*models.Event, error)
	AttachEmbedding(ctx context.Context, eventID int64, vec []float32) error
}

// TemplateSink is the slice of the template store the jobs resolve against.
type TemplateSink interface {
	Lookup(ctx context.Context, templateHash string) (int64, error)
	CreateIfAbsent(ctx context.Context, t *models.Template) (int64, bool, error)
	BumpCounters(ctx context.Context, id int64, firstSeen, lastSeen time.Time, host string, count int) error
	AttachEmbedding(ctx context.Context, id int64, vec []float32, model string, dim int) error
	FindStale(ctx context.Context, afterID int64, limit int, canonVersion, model string) ([]*models.Template, error)
}

// Embedder produces vectors for templates (and events, in --events mode).
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedEach(ctx context.Context, texts []string) [][]float32
	Model() string
	Dimension() int
}

// Config holds settings shared by both jobs.
type Config struct {
	BatchSize int           // rows per cursor step
	Delay     time.Duration // pause between batches
	MaxRows   int           // cap on rows touched per run, 0 = default
	PerItem   bool          // fall back to one-text-at-a-time embedding on batch failure
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 10000
	}
	return c
}

// Stats summarizes one backfill run.
type Stats struct {
	Scanned  int // rows the cursor walked over
	Repaired int // events assigned / templates embedded
	Created  int // templates created (template job) or migrated (embedding job)
	Skipped  int // rows left for the next run
}

// TemplateBackfill assigns templates to events whose live-path resolution
// failed, creating templates that do not exist yet.
type TemplateBackfill struct {
	cfg       Config
	events    EventSource
	templates TemplateSink
	metrics   *Metrics
	logger    *logging.Logger
}

// NewTemplateBackfill creates the template safety-net job.
func NewTemplateBackfill(cfg Config, events EventSource, templates TemplateSink) *TemplateBackfill {
	return &TemplateBackfill{
		cfg:       cfg.withDefaults(),
		events:    events,
		templates: templates,
		logger:    logging.GetLogger("backfill.templates"),
	}
}

// WithMetrics attaches run metrics; nil disables them.
func (j *TemplateBackfill) WithMetrics(m *Metrics) *TemplateBackfill {
	j.metrics = m
	return j
}

// Run walks unassigned events in id order and fills their template_id.
// Safe to run concurrently with live ingest: assignment is write-once, so
// losing a race to the live path is a counted no-op.
func (j *TemplateBackfill) Run(ctx context.Context) (*Stats, error) {
	cfg := j.cfg
	stats := &Stats{}
	resolved := make(map[string]int64) // in-run template cache

	var cursor int64
	for stats.Scanned < cfg.MaxRows {
		limit := cfg.BatchSize
		if rest := cfg.MaxRows - stats.Scanned; rest < limit {
			limit = rest
		}
		events, err := j.events.FindUnassigned(ctx, cursor, limit)
		if err != nil {
			return stats, fmt.Errorf("find unassigned: %w", err)
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			cursor = ev.ID
			stats.Scanned++

			id, created, err := j.resolve(ctx, ev, resolved)
			if err != nil {
				j.logger.Warn("Template resolution failed for event %d: %v", ev.ID, err)
				stats.Skipped++
				continue
			}
			if created {
				stats.Created++
			}

			assigned, err := j.events.AssignTemplate(ctx, ev.ID, id)
			if err != nil {
				j.logger.Warn("Assign failed for event %d: %v", ev.ID, err)
				stats.Skipped++
				continue
			}
			if !assigned {
				// Another writer filled the slot between scan and update.
				continue
			}
			stats.Repaired++
			if err := j.templates.BumpCounters(ctx, id, ev.Timestamp, ev.Timestamp, ev.Host, 1); err != nil {
				j.logger.Warn("Counter bump failed for template %d: %v", id, err)
			}
		}

		if err := pause(ctx, cfg.Delay); err != nil {
			return stats, err
		}
	}

	j.metrics.observeRun("templates", stats)
	j.logger.InfoWithFields("template backfill done",
		logging.Field("scanned", stats.Scanned),
		logging.Field("assigned", stats.Repaired),
		logging.Field("created", stats.Created),
		logging.Field("skipped", stats.Skipped),
	)
	return stats, nil
}

func (j *TemplateBackfill) resolve(ctx context.Context, ev *models.Event, cache map[string]int64) (int64, bool, error) {
	canonical, hash := canon.TemplateKey(ev.Message, ev.Service, string(ev.Level))
	if id, ok := cache[hash]; ok {
		return id, false, nil
	}

	id, created, err := createOrLookup(ctx, j.templates, &models.Template{
		TemplateHash:  hash,
		CanonicalText: canonical,
		Service:       ev.Service,
		Level:         ev.Level,
		CanonVersion:  canon.Version,
		FirstSeen:     ev.Timestamp,
	}, hash)
	if err != nil {
		return 0, false, err
	}
	cache[hash] = id
	return id, created, nil
}

// EmbeddingBackfill completes templates that carry no vector and migrates
// templates produced under a stale canonicalization version to the current
// one. Migration creates new-version rows; old rows stay intact and
// searchable.
type EmbeddingBackfill struct {
	cfg       Config
	events    EventSource
	templates TemplateSink
	embedder  Embedder
	metrics   *Metrics
	logger    *logging.Logger
}

// NewEmbeddingBackfill creates the embedding safety-net job.
func NewEmbeddingBackfill(cfg Config, events EventSource, templates TemplateSink, embedder Embedder) *EmbeddingBackfill {
	return &EmbeddingBackfill{
		cfg:       cfg.withDefaults(),
		events:    events,
		templates: templates,
		embedder:  embedder,
		logger:    logging.GetLogger("backfill.embeddings"),
	}
}

// WithMetrics attaches run metrics; nil disables them.
func (j *EmbeddingBackfill) WithMetrics(m *Metrics) *EmbeddingBackfill {
	j.metrics = m
	return j
}

// Run walks stale templates in id order. Vectorless current-version rows
// get embedded; stale-version rows get a current-version sibling (which is
// then embedded). Rows embedded under a different model are reported and
// left alone: replacing live vectors is an operator decision, not a
// background job's.
func (j *EmbeddingBackfill) Run(ctx context.Context) (*Stats, error) {
	cfg := j.cfg
	stats := &Stats{}

	var cursor int64
	for stats.Scanned < cfg.MaxRows {
		limit := cfg.BatchSize
		if rest := cfg.MaxRows - stats.Scanned; rest < limit {
			limit = rest
		}
		templates, err := j.templates.FindStale(ctx, cursor, limit, canon.Version, j.embedder.Model())
		if err != nil {
			return stats, fmt.Errorf("find stale: %w", err)
		}
		if len(templates) == 0 {
			break
		}

		var targets []*models.Template
		for _, t := range templates {
			cursor = t.ID
			stats.Scanned++

			switch {
			case canon.Stale(t.CanonVersion):
				nt, created, err := j.migrate(ctx, t)
				if err != nil {
					j.logger.Warn("Migration failed for template %d: %v", t.ID, err)
					stats.Skipped++
					continue
				}
				if created {
					stats.Created++
					targets = append(targets, nt)
				}
			case !t.Embedded:
				targets = append(targets, t)
			default:
				// Embedded under another model, or written by a newer
				// binary than this one. Leave it; migrating either way
				// from here would destroy current data.
				stats.Skipped++
			}
		}

		stats.Repaired += j.embedTargets(ctx, targets, stats)

		if err := pause(ctx, cfg.Delay); err != nil {
			return stats, err
		}
	}

	j.metrics.observeRun("embeddings", stats)
	j.logger.InfoWithFields("embedding backfill done",
		logging.Field("scanned", stats.Scanned),
		logging.Field("embedded", stats.Repaired),
		logging.Field("migrated", stats.Created),
		logging.Field("skipped", stats.Skipped),
	)
	return stats, nil
}

// migrate builds the current-version sibling of a stale-version template.
// Canonicalization is idempotent over its own output, so re-running the
// current rules over the old canonical text yields the current-version
// form.
func (j *EmbeddingBackfill) migrate(ctx context.Context, old *models.Template) (*models.Template, bool, error) {
	canonical := canon.Canonicalize(old.CanonicalText)
	hash := canon.TemplateHash(old.Service, string(old.Level), canon.Version, canonical)

	nt := &models.Template{
		TemplateHash:  hash,
		CanonicalText: canonical,
		Service:       old.Service,
		Level:         old.Level,
		CanonVersion:  canon.Version,
		FirstSeen:     old.FirstSeen,
	}
	id, created, err := createOrLookup(ctx, j.templates, nt, hash)
	if err != nil {
		return nil, false, err
	}
	nt.ID = id
	return nt, created, nil
}

// embedTargets embeds a batch of vectorless templates. A batch failure
// skips the batch (the cursor has moved on; next run retries) unless
// per-item fallback is enabled, which trades ~30x throughput for partial
// progress.
func (j *EmbeddingBackfill) embedTargets(ctx context.Context, targets []*models.Template, stats *Stats) int {
	if len(targets) == 0 {
		return 0
	}
	texts := make([]string, len(targets))
	for i, t := range targets {
		texts[i] = t.CanonicalText
	}

	vectors, err := j.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if !j.cfg.PerItem {
			j.logger.Warn("Batch embedding failed, skipping %d templates: %v", len(targets), err)
			stats.Skipped += len(targets)
			return 0
		}
		vectors = j.embedder.EmbedEach(ctx, texts)
	}

	embedded := 0
	for i, t := range targets {
		if vectors[i] == nil {
			stats.Skipped++
			continue
		}
		if err := j.templates.AttachEmbedding(ctx, t.ID, vectors[i], j.embedder.Model(), j.embedder.Dimension()); err != nil {
			j.logger.Warn("Attach failed for template %d: %v", t.ID, err)
			stats.Skipped++
			continue
		}
		embedded++
	}
	return embedded
}

// RunEvents embeds raw events that carry no vector: the opt-in legacy
// event-level mode behind the --events flag. Far more rows than templates,
// so it respects the same cursor/cap discipline.
func (j *EmbeddingBackfill) RunEvents(ctx context.Context) (*Stats, error) {
	cfg := j.cfg
	stats := &Stats{}

	var cursor int64
	for stats.Scanned < cfg.MaxRows {
		limit := cfg.BatchSize
		if rest := cfg.MaxRows - stats.Scanned; rest < limit {
			limit = rest
		}
		events, err := j.events.FindUnembedded(ctx, cursor, limit)
		if err != nil {
			return stats, fmt.Errorf("find unembedded: %w", err)
		}
		if len(events) == 0 {
			break
		}

		texts := make([]string, len(events))
		for i, ev := range events {
			cursor = ev.ID
			stats.Scanned++
			texts[i] = ev.Message
		}

		vectors, err := j.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if !cfg.PerItem {
				j.logger.Warn("Batch embedding failed, skipping %d events: %v", len(events), err)
				stats.Skipped += len(events)
				if err := pause(ctx, cfg.Delay); err != nil {
					return stats, err
				}
				continue
			}
			vectors = j.embedder.EmbedEach(ctx, texts)
		}

		for i, ev := range events {
			if vectors[i] == nil {
				stats.Skipped++
				continue
			}
			if err := j.events.AttachEmbedding(ctx, ev.ID, vectors[i]); err != nil {
				j.logger.Warn("Attach failed for event %d: %v", ev.ID, err)
				stats.Skipped++
				continue
			}
			stats.Repaired++
		}

		if err := pause(ctx, cfg.Delay); err != nil {
			return stats, err
		}
	}

	j.metrics.observeRun("event_embeddings", stats)
	j.logger.InfoWithFields("event embedding backfill done",
		logging.Field("scanned", stats.Scanned),
		logging.Field("embedded", stats.Repaired),
		logging.Field("skipped", stats.Skipped),
	)
	return stats, nil
}

// createOrLookup inserts the template or converges on the existing row.
func createOrLookup(ctx context.Context, sink TemplateSink, t *models.Template, hash string) (int64, bool, error) {
	if id, err := sink.Lookup(ctx, hash); err == nil {
		return id, false, nil
	}
	return sink.CreateIfAbsent(ctx, t)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
