// Package search implements the read side of the semantic pipeline: the
// two-step template search (ANN over template vectors, then representative
// raw events per match), the legacy event-level vector search, and the
// plain relational query path.
//
// Embedding-backend failures never fail a search. The service returns an
// empty result set with Degraded=true and the caller decides how loudly to
// surface that.
package search

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devmesh/devmesh/internal/logging"
	"github.com/devmesh/devmesh/internal/models"
	"github.com/devmesh/devmesh/internal/storage"
)

// Search depth bounds. K is the template match count, N the representative
// events sampled per match.
const (
	DefaultLimit    = 20
	MaxLimit        = 100
	DefaultExamples = 3
	MaxExamples     = 10
)

// Embedder produces the query vector.
type Embedder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// TemplateSearcher is the slice of the template store the service reads.
type TemplateSearcher interface {
	VectorSearch(ctx context.Context, queryVec []float32, limit int, f storage.TemplateFilter) ([]storage.TemplateMatch, error)
}

// EventSearcher is the slice of the event store the service reads.
type EventSearcher interface {
	SearchByEmbedding(ctx context.Context, queryVec []float32, limit int, f EventFilter) ([]storage.EventMatch, error)
	SampleByTemplate(ctx context.Context, templateIDs []int64, perTemplate int, f EventFilter) (map[int64][]*models.Event, error)
	Query(ctx context.Context, f EventFilter) ([]*models.Event, error)
}

// EventFilter aliases the store's filter so handlers depend on one package.
type EventFilter = storage.EventFilter

// TemplateResult is one template match with its representative raw events.
type TemplateResult struct {
	Template *models.Template `json:"template"`
	Distance float64          `json:"distance"`
	Examples []*models.Event  `json:"examples"`
}

// TemplateResponse is the full answer to a template search.
type TemplateResponse struct {
	Results  []TemplateResult `json:"results"`
	Degraded bool             `json:"degraded"`
}

// EventResult is one event match from the legacy event-level search.
type EventResult struct {
	Event    *models.Event `json:"event"`
	Distance float64       `json:"distance"`
}

// EventResponse is the full answer to a legacy event search.
type EventResponse struct {
	Results  []EventResult `json:"results"`
	Degraded bool          `json:"degraded"`
}

// Service answers search and query requests over the template and event
// stores.
type Service struct {
	embedder  Embedder
	templates TemplateSearcher
	events    EventSearcher
	logger    *logging.Logger
	tracer    trace.Tracer
}

// NewService creates a search service.
func NewService(embedder Embedder, templates TemplateSearcher, events EventSearcher) *Service {
	return &Service{
		embedder:  embedder,
		templates: templates,
		events:    events,
		logger:    logging.GetLogger("search"),
		tracer:    otel.Tracer("devmesh/search"),
	}
}

// SearchTemplates runs the two-step semantic search: embed the query, ANN
// over template vectors for the top limit matches, then sample up to
// examples representative events per match inside the filter window.
func (s *Service) SearchTemplates(ctx context.Context, query string, limit, examples int, f storage.TemplateFilter) (*TemplateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "search.templates",
		trace.WithAttributes(attribute.Int("search.limit", limit)))
	defer span.End()

	limit = clamp(limit, DefaultLimit, MaxLimit)
	examples = clamp(examples, DefaultExamples, MaxExamples)

	vec, err := s.embedder.EmbedSingle(ctx, query)
	if err != nil {
		// Degraded, not failed: vector search is impossible without the
		// backend, but the caller's request was valid.
		s.logger.Warn("Query embedding failed, returning degraded response: %v", err)
		return &TemplateResponse{Results: []TemplateResult{}, Degraded: true}, nil
	}

	matches, err := s.templates.VectorSearch(ctx, vec, limit, f)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]TemplateResult, 0, len(matches))
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		results = append(results, TemplateResult{
			Template: m.Template,
			Distance: m.Distance,
			Examples: []*models.Event{},
		})
		ids = append(ids, m.Template.ID)
	}

	if len(ids) > 0 && examples > 0 {
		samples, err := s.events.SampleByTemplate(ctx, ids, examples, EventFilter{
			Service: f.Service,
			Level:   f.Level,
			Start:   f.Start,
			End:     f.End,
		})
		if err != nil {
			// Matches without examples beat no answer at all.
			s.logger.Warn("Example sampling failed: %v", err)
		} else {
			for i := range results {
				if evs, ok := samples[results[i].Template.ID]; ok {
					results[i].Examples = evs
				}
			}
		}
	}

	span.SetAttributes(attribute.Int("search.results", len(results)))
	return &TemplateResponse{Results: results}, nil
}

// SearchEvents is the legacy event-level vector search, kept for clients
// that predate template search. Same degraded contract.
func (s *Service) SearchEvents(ctx context.Context, query string, limit int, f EventFilter) (*EventResponse, error) {
	ctx, span := s.tracer.Start(ctx, "search.logs",
		trace.WithAttributes(attribute.Int("search.limit", limit)))
	defer span.End()

	limit = clamp(limit, DefaultLimit, MaxLimit)

	vec, err := s.embedder.EmbedSingle(ctx, query)
	if err != nil {
		s.logger.Warn("Query embedding failed, returning degraded response: %v", err)
		return &EventResponse{Results: []EventResult{}, Degraded: true}, nil
	}

	matches, err := s.events.SearchByEmbedding(ctx, vec, limit, f)
	if err != nil {
		return nil, fmt.Errorf("event vector search: %w", err)
	}

	results := make([]EventResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, EventResult{Event: m.Event, Distance: m.Distance})
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))
	return &EventResponse{Results: results}, nil
}

// QueryEvents is the plain relational path: filters only, no vectors, no
// embedding dependency.
func (s *Service) QueryEvents(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "query.logs")
	defer span.End()

	start := time.Now()
	events, err := s.events.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	s.logger.DebugWithFields("query",
		logging.Field("count", len(events)),
		logging.Field("took", time.Since(start).String()),
	)
	return events, nil
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
