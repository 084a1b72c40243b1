// Package ingest is the central write path: it hashes, deduplicates,
// canonicalizes and persists incoming event batches, resolving each event
// to its template and embedding templates the fleet has never produced
// before. Batches run serially inside; independent batches run in parallel
// up to the worker cap, behind a bounded admission queue that turns
// overload into a retryable busy signal instead of data loss.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devmesh/devmesh/internal/canon"
	"github.com/devmesh/devmesh/internal/embed"
	"github.com/devmesh/devmesh/internal/logging"
	"github.com/devmesh/devmesh/internal/models"
	"github.com/devmesh/devmesh/internal/storage"
)

// ErrBusy is returned when the admission queue is full. The ingest endpoint
// maps it to a retryable 503; shippers hold their cursor and retry, so
// nothing is lost.
var ErrBusy = errors.New("ingest pipeline busy")

// EventStore is the slice of the event store the pipeline writes through.
type EventStore interface {
	FilterExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error)
	InsertBatch(ctx context.Context, events []*models.Event) ([]int64, int, error)
}

// TemplateStore is the slice of the template store the pipeline resolves
// against.
type TemplateStore interface {
	Lookup(ctx context.Context, templateHash string) (int64, error)
	CreateIfAbsent(ctx context.Context, t *models.Template) (int64, bool, error)
	AttachEmbedding(ctx context.Context, id int64, vec []float32, model string, dim int) error
	BumpCounters(ctx context.Context, id int64, firstSeen, lastSeen time.Time, host string, count int) error
}

// Embedder turns canonical texts into vectors. Failures are soft: the
// pipeline persists templates without vectors and the safety net completes
// them later.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// Config holds pipeline settings.
type Config struct {
	QueueSize int // batches admitted beyond the ones actively processing
	Workers   int // batches processed in parallel
}

// RecordError reports one failed event within an otherwise accepted batch.
type RecordError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result summarizes one processed batch.
type Result struct {
	Ingested         int           `json:"ingested"`
	Duplicates       int           `json:"duplicates"`
	Failed           int           `json:"failed"`
	TemplatesCreated int           `json:"templates_created"`
	Errors           []RecordError `json:"errors,omitempty"`
}

// Pipeline executes the per-batch ingest algorithm. It implements
// lifecycle.Component; Stop drains in-flight batches.
type Pipeline struct {
	events    EventStore
	templates TemplateStore
	embedder  Embedder
	metrics   *Metrics
	logger    *logging.Logger

	queue   chan struct{} // admission tokens; full queue => ErrBusy
	workers chan struct{} // processing slots
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewPipeline creates a pipeline over the given stores and embedder.
func NewPipeline(cfg Config, events EventStore, templates TemplateStore, embedder Embedder, metrics *Metrics) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pipeline{
		events:    events,
		templates: templates,
		embedder:  embedder,
		metrics:   metrics,
		logger:    logging.GetLogger("ingest.pipeline"),
		queue:     make(chan struct{}, cfg.QueueSize),
		workers:   make(chan struct{}, cfg.Workers),
	}
}

// Start implements lifecycle.Component.
func (p *Pipeline) Start(ctx context.Context) error {
	p.logger.Info("Ingest pipeline started (queue=%d workers=%d)", cap(p.queue), cap(p.workers))
	return nil
}

// Stop waits for in-flight batches to finish and rejects new ones.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Ingest pipeline drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements lifecycle.Component.
func (p *Pipeline) Name() string {
	return "Ingest Pipeline"
}

// Process runs one batch through the pipeline, blocking the caller until it
// completes. Admission is bounded: when the queue is full it fails fast
// with ErrBusy. The context's deadline covers the whole batch; a cancelled
// batch is equivalent to a failed one from the shipper's perspective.
func (p *Pipeline) Process(ctx context.Context, events []*models.Event) (*Result, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	select {
	case p.queue <- struct{}{}:
		p.wg.Add(1)
	default:
		p.mu.Unlock()
		return nil, ErrBusy
	}
	p.mu.Unlock()

	p.metrics.QueueDepth.Inc()
	defer func() {
		<-p.queue
		p.metrics.QueueDepth.Dec()
		p.wg.Done()
	}()

	// Wait for a processing slot; admitted batches queue here.
	select {
	case p.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.workers }()

	start := time.Now()
	res, err := p.processBatch(ctx, events)
	p.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	return res, err
}

// templateGroup collects the survivors that share one template fingerprint.
type templateGroup struct {
	template *models.Template
	events   []*models.Event
	created  bool
	failed   bool
}

// processBatch is the serial per-batch algorithm: hash, dedup-filter,
// canonicalize, resolve templates, embed new templates, persist events,
// bump counters.
func (p *Pipeline) processBatch(ctx context.Context, events []*models.Event) (*Result, error) {
	res := &Result{}
	if len(events) == 0 {
		return res, nil
	}

	// 1. Hash every event.
	hashes := make([]string, len(events))
	for i, ev := range events {
		ev.LogHash = canon.EventHash(ev.Timestamp, ev.Host, ev.Service, ev.Message)
		hashes[i] = ev.LogHash
	}

	// 2. Dedup filter: drop events whose fingerprint already landed.
	// Partial-batch duplicates are expected and normal (shipper retries).
	existing, err := p.events.FilterExistingHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("dedup filter: %w", err)
	}

	seen := make(map[string]bool, len(events))
	survivors := make([]*models.Event, 0, len(events))
	survivorIdx := make([]int, 0, len(events))
	for i, ev := range events {
		if existing[ev.LogHash] || seen[ev.LogHash] {
			res.Duplicates++
			continue
		}
		seen[ev.LogHash] = true
		survivors = append(survivors, ev)
		survivorIdx = append(survivorIdx, i)
	}

	// 3+4. Canonicalize and group survivors by template fingerprint.
	groups := make(map[string]*templateGroup)
	order := make([]string, 0)
	canonFailed := make(map[*models.Event]bool)
	for n, ev := range survivors {
		canonical, hash, cerr := p.safeCanonicalize(ev)
		if cerr != nil {
			// A canonicalization bug fails the event, not the batch.
			res.Failed++
			res.Errors = append(res.Errors, RecordError{
				Index:  survivorIdx[n],
				Reason: cerr.Error(),
			})
			canonFailed[ev] = true
			continue
		}

		g, ok := groups[hash]
		if !ok {
			g = &templateGroup{
				template: &models.Template{
					TemplateHash:  hash,
					CanonicalText: canonical,
					Service:       ev.Service,
					Level:         ev.Level,
					CanonVersion:  canon.Version,
					FirstSeen:     ev.Timestamp,
				},
			}
			groups[hash] = g
			order = append(order, hash)
		}
		g.events = append(g.events, ev)
	}

	// 4. Resolve each group: cache, durable store, then insert-or-fetch.
	// New templates go on the pending-embed list.
	var pending []*templateGroup
	for _, hash := range order {
		g := groups[hash]
		id, err := p.templates.Lookup(ctx, hash)
		switch {
		case err == nil:
			g.template.ID = id
		case errors.Is(err, storage.ErrNotFound):
			id, created, cerr := p.templates.CreateIfAbsent(ctx, g.template)
			if cerr != nil {
				// Transient template failure: events still persist with a
				// NULL template_id; the safety net assigns them later.
				p.logger.Warn("Template create failed for service=%s: %v", g.template.Service, cerr)
				g.failed = true
				continue
			}
			g.template.ID = id
			g.created = created
			if created {
				res.TemplatesCreated++
				pending = append(pending, g)
			}
		default:
			p.logger.Warn("Template lookup failed: %v", err)
			g.failed = true
		}
	}

	// 5. Embed templates the fleet has never produced before. Failure is
	// soft: templates stay vectorless until the safety net completes them.
	if len(pending) > 0 {
		p.embedPending(ctx, pending)
	}

	// 6. Persist survivors with their resolved template ids.
	toInsert := make([]*models.Event, 0, len(survivors))
	for _, ev := range survivors {
		if canonFailed[ev] {
			continue
		}
		toInsert = append(toInsert, ev)
	}
	for _, hash := range order {
		g := groups[hash]
		if g.failed {
			continue
		}
		for _, ev := range g.events {
			id := g.template.ID
			ev.TemplateID = &id
		}
	}

	ids, insertDups, err := p.events.InsertBatch(ctx, toInsert)
	if err != nil {
		// Durable store failure fails the whole batch; the shipper
		// retries and the dedup filter absorbs any partial landings.
		return nil, fmt.Errorf("persist events: %w", err)
	}
	res.Duplicates += insertDups

	// 7. Bump counters, driven only by accepted inserts so replays never
	// double-count.
	accepted := make(map[*models.Event]bool, len(toInsert))
	for i, ev := range toInsert {
		if ids[i] != 0 {
			accepted[ev] = true
			res.Ingested++
		}
	}
	for _, hash := range order {
		g := groups[hash]
		if g.failed {
			continue
		}
		count := 0
		var firstSeen, lastSeen time.Time
		host := ""
		for _, ev := range g.events {
			if !accepted[ev] {
				continue
			}
			count++
			host = ev.Host
			if firstSeen.IsZero() || ev.Timestamp.Before(firstSeen) {
				firstSeen = ev.Timestamp
			}
			if ev.Timestamp.After(lastSeen) {
				lastSeen = ev.Timestamp
			}
		}
		if count == 0 {
			continue
		}
		if err := p.templates.BumpCounters(ctx, g.template.ID, firstSeen, lastSeen, host, count); err != nil {
			p.logger.Warn("Counter bump failed for template %d: %v", g.template.ID, err)
		}
	}

	p.metrics.EventsIngested.Add(float64(res.Ingested))
	p.metrics.EventsDuplicate.Add(float64(res.Duplicates))
	p.metrics.EventsFailed.Add(float64(res.Failed))
	p.metrics.TemplatesCreated.Add(float64(res.TemplatesCreated))

	p.logger.DebugWithFields("batch processed",
		logging.Field("ingested", res.Ingested),
		logging.Field("duplicates", res.Duplicates),
		logging.Field("failed", res.Failed),
		logging.Field("templates_created", res.TemplatesCreated),
	)
	return res, nil
}

// safeCanonicalize shields the batch from panics in canonicalization
// rules; a panicking rule fails only the event that triggered it.
func (p *Pipeline) safeCanonicalize(ev *models.Event) (canonical, hash string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("canonicalization failed: %v", r)
		}
	}()
	canonical, hash = canon.TemplateKey(ev.Message, ev.Service, string(ev.Level))
	return canonical, hash, nil
}

// embedPending embeds the canonical texts of freshly created templates and
// attaches the vectors. Any failure leaves the affected templates with a
// NULL embedding for the safety net.
func (p *Pipeline) embedPending(ctx context.Context, pending []*templateGroup) {
	texts := make([]string, len(pending))
	for i, g := range pending {
		texts[i] = g.template.CanonicalText
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(err, embed.ErrUnavailable) {
			p.logger.Warn("Embedding backend unavailable, %d templates left for backfill", len(pending))
		} else {
			p.logger.Warn("Embedding failed, %d templates left for backfill: %v", len(pending), err)
		}
		return
	}

	for i, g := range pending {
		if err := p.templates.AttachEmbedding(ctx, g.template.ID, vectors[i], p.embedder.Model(), p.embedder.Dimension()); err != nil {
			p.logger.Warn("Attach embedding failed for template %d: %v", g.template.ID, err)
		}
	}
}
