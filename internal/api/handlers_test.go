package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/ingest"
	"github.com/devmesh/devmesh/internal/models"
	"github.com/devmesh/devmesh/internal/search"
	"github.com/devmesh/devmesh/internal/storage"
)

type fakeIngestor struct {
	result *ingest.Result
	err    error
	got    []*models.Event
}

func (f *fakeIngestor) Process(ctx context.Context, events []*models.Event) (*ingest.Result, error) {
	f.got = events
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ingest.Result{Ingested: len(events)}, nil
}

type fakeSearcher struct {
	templates *search.TemplateResponse
	events    *search.EventResponse
	queried   []*models.Event
	err       error
	gotFilter storage.EventFilter
}

func (f *fakeSearcher) SearchTemplates(ctx context.Context, q string, limit, examples int, filter storage.TemplateFilter) (*search.TemplateResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.templates, nil
}

func (f *fakeSearcher) SearchEvents(ctx context.Context, q string, limit int, filter search.EventFilter) (*search.EventResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeSearcher) QueryEvents(ctx context.Context, filter search.EventFilter) ([]*models.Event, error) {
	f.gotFilter = filter
	return f.queried, f.err
}

type fakeHealth struct {
	db    bool
	embed bool
}

func (f *fakeHealth) DatabaseHealthy(ctx context.Context) bool { return f.db }
func (f *fakeHealth) EmbeddingHealthy() bool                   { return f.embed }

func newTestHandler(pipeline *fakeIngestor, searcher *fakeSearcher, health *fakeHealth) *Handler {
	if pipeline == nil {
		pipeline = &fakeIngestor{}
	}
	if searcher == nil {
		searcher = &fakeSearcher{}
	}
	if health == nil {
		health = &fakeHealth{db: true, embed: true}
	}
	h := NewHandler(Config{MaxBatch: 3, Version: "test", Model: "m", Dimension: 2}, pipeline, searcher, health)
	h.now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func ingestBody(t *testing.T, records ...map[string]interface{}) string {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{"logs": records})
	require.NoError(t, err)
	return string(b)
}

func validRecord(msg string) map[string]interface{} {
	return map[string]interface{}{
		"timestamp": "2026-02-01T10:00:00Z",
		"service":   "nginx",
		"host":      "node-1",
		"message":   msg,
	}
}

func TestHandleIngestAcceptsBatch(t *testing.T) {
	pipeline := &fakeIngestor{result: &ingest.Result{Ingested: 2, TemplatesCreated: 1}}
	h := newTestHandler(pipeline, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest/logs",
		strings.NewReader(ingestBody(t, validRecord("a"), validRecord("b"))))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Ingested)
	assert.Equal(t, 1, resp.TemplatesCreated)
	require.Len(t, pipeline.got, 2)
}

func TestHandleIngestEmptyBatch(t *testing.T) {
	pipeline := &fakeIngestor{}
	h := newTestHandler(pipeline, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest/logs", strings.NewReader(`{"logs":[]}`))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Ingested)
	assert.Nil(t, pipeline.got, "pipeline must not be called for an empty batch")
}

func TestHandleIngestMalformedBody(t *testing.T) {
	h := newTestHandler(nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest/logs", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrorCodeInvalidRequest))
}

func TestHandleIngestOversizedBatch(t *testing.T) {
	h := newTestHandler(nil, nil, nil) // MaxBatch=3

	req := httptest.NewRequest(http.MethodPost, "/ingest/logs",
		strings.NewReader(ingestBody(t, validRecord("a"), validRecord("b"), validRecord("c"), validRecord("d"))))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrorCodeValidation))
}

func TestHandleIngestPerRecordValidation(t *testing.T) {
	pipeline := &fakeIngestor{result: &ingest.Result{Ingested: 1}}
	h := newTestHandler(pipeline, nil, nil)

	bad := validRecord("x")
	delete(bad, "host")
	req := httptest.NewRequest(http.MethodPost, "/ingest/logs",
		strings.NewReader(ingestBody(t, validRecord("a"), bad)))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	// The bad record is reported, the good one still flows through.
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Ingested)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 1, resp.Errors[0].Index)
	assert.Contains(t, resp.Errors[0].Reason, "host")
	require.Len(t, pipeline.got, 1)
}

func TestHandleIngestBusyMapsTo503(t *testing.T) {
	pipeline := &fakeIngestor{err: ingest.ErrBusy}
	h := newTestHandler(pipeline, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest/logs",
		strings.NewReader(ingestBody(t, validRecord("a"))))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrorCodePipelineBusy))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHandleIngestDatabaseDownMapsTo503(t *testing.T) {
	pipeline := &fakeIngestor{err: fmt.Errorf("persist: %w", storage.ErrUnavailable)}
	h := newTestHandler(pipeline, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest/logs",
		strings.NewReader(ingestBody(t, validRecord("a"))))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrorCodeDatabaseUnavailable))
}

func TestHandleIngestInternalFailureMapsTo500(t *testing.T) {
	pipeline := &fakeIngestor{err: errors.New("boom")}
	h := newTestHandler(pipeline, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest/logs",
		strings.NewReader(ingestBody(t, validRecord("a"))))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrorCodeIngestionFailed))
}

func TestHandleQueryFiltersAndCount(t *testing.T) {
	searcher := &fakeSearcher{queried: []*models.Event{
		{ID: 1, Service: "nginx"}, {ID: 2, Service: "nginx"},
	}}
	h := newTestHandler(nil, searcher, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/query/logs?service=nginx&level=error&start=1700000000&limit=50", nil)
	rec := httptest.NewRecorder()
	h.HandleQuery(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Logs  []json.RawMessage `json:"logs"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Logs, 2)

	assert.Equal(t, "nginx", searcher.gotFilter.Service)
	assert.Equal(t, "ERROR", searcher.gotFilter.Level, "level is normalized to the enum form")
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), searcher.gotFilter.Start)
	assert.Equal(t, 50, searcher.gotFilter.Limit)
}

func TestHandleQueryHumanReadableDates(t *testing.T) {
	searcher := &fakeSearcher{}
	h := newTestHandler(nil, searcher, nil)

	req := httptest.NewRequest(http.MethodGet, "/query/logs?start=yesterday", nil)
	rec := httptest.NewRecorder()
	h.HandleQuery(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, searcher.gotFilter.Start.IsZero())
}

func TestHandleQueryInvalidLevel(t *testing.T) {
	h := newTestHandler(nil, &fakeSearcher{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/query/logs?level=noise", nil)
	rec := httptest.NewRecorder()
	h.HandleQuery(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrorCodeInvalidRequest))
}

func TestHandleQueryEmptyResultIsArray(t *testing.T) {
	h := newTestHandler(nil, &fakeSearcher{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/query/logs", nil)
	rec := httptest.NewRecorder()
	h.HandleQuery(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"logs":[]`)
}

func TestHandleSearchTemplates(t *testing.T) {
	searcher := &fakeSearcher{templates: &search.TemplateResponse{
		Results: []search.TemplateResult{{
			Template: &models.Template{ID: 1, CanonicalText: "conn refused to <IPV4>"},
			Distance: 0.12,
			Examples: []*models.Event{{ID: 4}},
		}},
	}}
	h := newTestHandler(nil, searcher, nil)

	req := httptest.NewRequest(http.MethodGet, "/search/templates?q=connection+refused&limit=5", nil)
	rec := httptest.NewRecorder()
	h.HandleSearchTemplates(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conn refused to <IPV4>")
	assert.Contains(t, rec.Body.String(), `"degraded":false`)
}

func TestHandleSearchTemplatesRequiresQuery(t *testing.T) {
	h := newTestHandler(nil, &fakeSearcher{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/search/templates", nil)
	rec := httptest.NewRecorder()
	h.HandleSearchTemplates(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearchTemplatesDegraded(t *testing.T) {
	searcher := &fakeSearcher{templates: &search.TemplateResponse{
		Results: []search.TemplateResult{}, Degraded: true,
	}}
	h := newTestHandler(nil, searcher, nil)

	req := httptest.NewRequest(http.MethodGet, "/search/templates?q=x", nil)
	rec := httptest.NewRecorder()
	h.HandleSearchTemplates(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "degraded search still answers 200")
	assert.Contains(t, rec.Body.String(), `"degraded":true`)
}

func TestHandleSearchLogsLegacy(t *testing.T) {
	searcher := &fakeSearcher{events: &search.EventResponse{
		Results: []search.EventResult{{Event: &models.Event{ID: 9}, Distance: 0.2}},
	}}
	h := newTestHandler(nil, searcher, nil)

	req := httptest.NewRequest(http.MethodGet, "/search/logs?q=oom", nil)
	rec := httptest.NewRecorder()
	h.HandleSearchLogs(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"distance":0.2`)
}

func TestHandleSearchQueryFailureMapsTo500(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("boom")}
	h := newTestHandler(nil, searcher, nil)

	req := httptest.NewRequest(http.MethodGet, "/search/templates?q=x", nil)
	rec := httptest.NewRecorder()
	h.HandleSearchTemplates(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrorCodeQueryFailed))
}

func TestHandleHealthStates(t *testing.T) {
	tests := []struct {
		name       string
		db, embed  bool
		wantCode   int
		wantStatus string
	}{
		{"all up", true, true, http.StatusOK, "ok"},
		{"embedding down", true, false, http.StatusOK, "degraded"},
		{"database down", false, true, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(nil, nil, &fakeHealth{db: tt.db, embed: tt.embed})
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			h.HandleHealth(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantStatus)
		})
	}
}

func TestHandleInfo(t *testing.T) {
	h := newTestHandler(nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	h.HandleInfo(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "devmesh", resp["name"])
	assert.Equal(t, "v1", resp["canon_version"])
	assert.Equal(t, "m", resp["embedding_model"])
}

func TestParseTimestampForms(t *testing.T) {
	ts, err := ParseTimestamp("1700000000", "start")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ts)

	_, err = ParseTimestamp("-5", "start")
	require.Error(t, err)

	ts, err = ParseTimestamp("2 hours ago", "start")
	require.NoError(t, err)
	assert.False(t, ts.IsZero())

	_, err = ParseTimestamp("definitely not a date zzz", "start")
	require.Error(t, err)
}
