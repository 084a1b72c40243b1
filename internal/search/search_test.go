package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/embed"
	"github.com/devmesh/devmesh/internal/models"
	"github.com/devmesh/devmesh/internal/storage"
)

type stubEmbedder struct {
	vec  []float32
	err  error
	last string
}

func (e *stubEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	e.last = text
	return e.vec, e.err
}

type stubTemplates struct {
	matches   []storage.TemplateMatch
	err       error
	gotLimit  int
	gotFilter storage.TemplateFilter
}

func (s *stubTemplates) VectorSearch(ctx context.Context, vec []float32, limit int, f storage.TemplateFilter) ([]storage.TemplateMatch, error) {
	s.gotLimit = limit
	s.gotFilter = f
	return s.matches, s.err
}

type stubEvents struct {
	matches    []storage.EventMatch
	samples    map[int64][]*models.Event
	queried    []*models.Event
	sampleErr  error
	queryErr   error
	gotPerTmpl int
	gotIDs     []int64
}

func (s *stubEvents) SearchByEmbedding(ctx context.Context, vec []float32, limit int, f EventFilter) ([]storage.EventMatch, error) {
	return s.matches, nil
}

func (s *stubEvents) SampleByTemplate(ctx context.Context, ids []int64, perTemplate int, f EventFilter) (map[int64][]*models.Event, error) {
	s.gotIDs = ids
	s.gotPerTmpl = perTemplate
	return s.samples, s.sampleErr
}

func (s *stubEvents) Query(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	return s.queried, s.queryErr
}

func template(id int64, text string) *models.Template {
	return &models.Template{ID: id, CanonicalText: text, Embedded: true}
}

func TestSearchTemplatesTwoStep(t *testing.T) {
	embedder := &stubEmbedder{vec: []float32{1, 0}}
	templates := &stubTemplates{matches: []storage.TemplateMatch{
		{Template: template(1, "conn refused to <IPV4>"), Distance: 0.1},
		{Template: template(2, "timeout after <DUR>"), Distance: 0.3},
	}}
	events := &stubEvents{samples: map[int64][]*models.Event{
		1: {{ID: 100, Message: "conn refused to 10.0.0.5"}},
	}}

	svc := NewService(embedder, templates, events)
	resp, err := svc.SearchTemplates(context.Background(), "connection refused", 5, 2, storage.TemplateFilter{Service: "nginx"})
	require.NoError(t, err)

	assert.False(t, resp.Degraded)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "connection refused", embedder.last)
	assert.Equal(t, 5, templates.gotLimit)
	assert.Equal(t, "nginx", templates.gotFilter.Service)

	// Sampling happens once for all matched template ids.
	assert.Equal(t, []int64{1, 2}, events.gotIDs)
	assert.Equal(t, 2, events.gotPerTmpl)

	require.Len(t, resp.Results[0].Examples, 1)
	assert.Equal(t, int64(100), resp.Results[0].Examples[0].ID)
	assert.Empty(t, resp.Results[1].Examples, "templates without samples get an empty slice, not nil")
	assert.NotNil(t, resp.Results[1].Examples)
}

func TestSearchTemplatesClampsLimits(t *testing.T) {
	embedder := &stubEmbedder{vec: []float32{1}}
	templates := &stubTemplates{}
	svc := NewService(embedder, templates, &stubEvents{})

	_, err := svc.SearchTemplates(context.Background(), "q", 0, 0, storage.TemplateFilter{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, templates.gotLimit)

	_, err = svc.SearchTemplates(context.Background(), "q", 5000, 0, storage.TemplateFilter{})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, templates.gotLimit)
}

func TestSearchTemplatesDegradedOnEmbeddingFailure(t *testing.T) {
	embedder := &stubEmbedder{err: fmt.Errorf("embed: %w", embed.ErrUnavailable)}
	svc := NewService(embedder, &stubTemplates{}, &stubEvents{})

	resp, err := svc.SearchTemplates(context.Background(), "q", 10, 3, storage.TemplateFilter{})
	require.NoError(t, err, "embedding unavailability must not fail the request")
	assert.True(t, resp.Degraded)
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
}

func TestSearchTemplatesStoreFailureIsHard(t *testing.T) {
	embedder := &stubEmbedder{vec: []float32{1}}
	templates := &stubTemplates{err: fmt.Errorf("db: %w", storage.ErrUnavailable)}
	svc := NewService(embedder, templates, &stubEvents{})

	_, err := svc.SearchTemplates(context.Background(), "q", 10, 3, storage.TemplateFilter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestSearchTemplatesSampleFailureKeepsMatches(t *testing.T) {
	embedder := &stubEmbedder{vec: []float32{1}}
	templates := &stubTemplates{matches: []storage.TemplateMatch{
		{Template: template(1, "t"), Distance: 0.2},
	}}
	events := &stubEvents{sampleErr: errors.New("transient")}
	svc := NewService(embedder, templates, events)

	resp, err := svc.SearchTemplates(context.Background(), "q", 10, 3, storage.TemplateFilter{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Results[0].Examples)
}

func TestSearchEventsLegacy(t *testing.T) {
	embedder := &stubEmbedder{vec: []float32{1, 0}}
	events := &stubEvents{matches: []storage.EventMatch{
		{Event: &models.Event{ID: 7, Message: "oom killed"}, Distance: 0.2},
	}}
	svc := NewService(embedder, &stubTemplates{}, events)

	resp, err := svc.SearchEvents(context.Background(), "out of memory", 10, EventFilter{})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(7), resp.Results[0].Event.ID)
	assert.Equal(t, 0.2, resp.Results[0].Distance)
}

func TestSearchEventsDegraded(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("down")}
	svc := NewService(embedder, &stubTemplates{}, &stubEvents{})

	resp, err := svc.SearchEvents(context.Background(), "q", 10, EventFilter{})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Empty(t, resp.Results)
}

func TestQueryEventsPlainPath(t *testing.T) {
	events := &stubEvents{queried: []*models.Event{
		{ID: 1, Service: "nginx", Timestamp: time.Now()},
	}}
	// No embedder involvement at all on the relational path.
	svc := NewService(&stubEmbedder{err: errors.New("down")}, &stubTemplates{}, events)

	got, err := svc.QueryEvents(context.Background(), EventFilter{Service: "nginx", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
}
