// Package api holds the HTTP surface of DevMesh: the ingest, query and
// search handlers, the API error taxonomy, and shared response plumbing.
// Handlers translate HTTP into service calls and service errors back into
// the taxonomy; they hold no business logic of their own.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/devmesh/devmesh/internal/canon"
	"github.com/devmesh/devmesh/internal/ingest"
	"github.com/devmesh/devmesh/internal/logging"
	"github.com/devmesh/devmesh/internal/models"
	"github.com/devmesh/devmesh/internal/search"
	"github.com/devmesh/devmesh/internal/storage"
)

// Query depth bounds for the relational path.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Ingestor is the write-path dependency of the handlers.
type Ingestor interface {
	Process(ctx context.Context, events []*models.Event) (*ingest.Result, error)
}

// Searcher is the read-path dependency of the handlers.
type Searcher interface {
	SearchTemplates(ctx context.Context, query string, limit, examples int, f storage.TemplateFilter) (*search.TemplateResponse, error)
	SearchEvents(ctx context.Context, query string, limit int, f search.EventFilter) (*search.EventResponse, error)
	QueryEvents(ctx context.Context, f search.EventFilter) ([]*models.Event, error)
}

// HealthSource reports the state of the two external dependencies.
type HealthSource interface {
	DatabaseHealthy(ctx context.Context) bool
	EmbeddingHealthy() bool
}

// Config holds handler settings.
type Config struct {
	MaxBatch     int           // records per ingest submission
	MaxClockSkew time.Duration // future-timestamp tolerance
	Version      string        // build version for /info
	Model        string        // embedding model for /info
	Dimension    int           // embedding dimension for /info
}

// Handler serves the DevMesh HTTP API.
type Handler struct {
	cfg      Config
	pipeline Ingestor
	searcher Searcher
	health   HealthSource
	logger   *logging.Logger
	started  time.Time
	now      func() time.Time
}

// NewHandler creates the API handler set.
func NewHandler(cfg Config, pipeline Ingestor, searcher Searcher, health HealthSource) *Handler {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1000
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = 24 * time.Hour
	}
	return &Handler{
		cfg:      cfg,
		pipeline: pipeline,
		searcher: searcher,
		health:   health,
		logger:   logging.GetLogger("api"),
		started:  time.Now(),
		now:      time.Now,
	}
}

// ingestRequest is the body of POST /ingest/logs.
type ingestRequest struct {
	Logs []models.LogRecord `json:"logs"`
}

// ingestResponse is the 200 body of POST /ingest/logs.
type ingestResponse struct {
	Status           string               `json:"status"`
	Ingested         int                  `json:"ingested"`
	Duplicates       int                  `json:"duplicates"`
	Failed           int                  `json:"failed"`
	TemplatesCreated int                  `json:"templates_created"`
	Errors           []ingest.RecordError `json:"errors,omitempty"`
}

// HandleIngest accepts a batch of log records. Per-record validation
// failures are reported in the response and do not fail the batch; only a
// malformed body, an oversized batch, or a pipeline-level failure does.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, NewInvalidRequestError("invalid JSON body: %v", err))
		return
	}
	if len(req.Logs) > h.cfg.MaxBatch {
		writeError(w, NewValidationError("batch of %d exceeds limit of %d", len(req.Logs), h.cfg.MaxBatch))
		return
	}
	if len(req.Logs) == 0 {
		writeResponse(w, http.StatusOK, ingestResponse{Status: "ok"})
		return
	}

	now := h.now()
	events := make([]*models.Event, 0, len(req.Logs))
	var recordErrors []ingest.RecordError
	for i := range req.Logs {
		ev, err := req.Logs[i].Normalize(now, h.cfg.MaxClockSkew)
		if err != nil {
			recordErrors = append(recordErrors, ingest.RecordError{Index: i, Reason: err.Error()})
			continue
		}
		events = append(events, ev)
	}

	resp := ingestResponse{Status: "ok", Failed: len(recordErrors), Errors: recordErrors}
	if len(events) > 0 {
		res, err := h.pipeline.Process(r.Context(), events)
		if err != nil {
			writeError(w, mapIngestError(err))
			return
		}
		resp.Ingested = res.Ingested
		resp.Duplicates = res.Duplicates
		resp.Failed += res.Failed
		resp.TemplatesCreated = res.TemplatesCreated
		resp.Errors = append(resp.Errors, res.Errors...)
	}
	writeResponse(w, http.StatusOK, resp)
}

// HandleQuery serves the plain relational query path.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	filter, apiErr := h.eventFilterFromQuery(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	events, err := h.searcher.QueryEvents(r.Context(), filter)
	if err != nil {
		writeError(w, mapQueryError(err))
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeResponse(w, http.StatusOK, map[string]interface{}{
		"logs":  events,
		"count": len(events),
	})
}

// HandleSearchLogs serves the legacy event-level vector search.
func (h *Handler) HandleSearchLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, NewInvalidRequestError("q parameter is required"))
		return
	}
	filter, apiErr := h.eventFilterFromQuery(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	limit, apiErr := parseIntParam(r, "limit", 0)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	resp, err := h.searcher.SearchEvents(r.Context(), q, limit, filter)
	if err != nil {
		writeError(w, mapQueryError(err))
		return
	}
	writeResponse(w, http.StatusOK, resp)
}

// HandleSearchTemplates serves the two-step template search.
func (h *Handler) HandleSearchTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, NewInvalidRequestError("q parameter is required"))
		return
	}

	limit, apiErr := parseIntParam(r, "limit", 0)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	examples, apiErr := parseIntParam(r, "examples", 0)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	start, err := ParseOptionalTimestamp(r.URL.Query().Get("start"), "start")
	if err != nil {
		writeError(w, err.(*APIError))
		return
	}
	end, err := ParseOptionalTimestamp(r.URL.Query().Get("end"), "end")
	if err != nil {
		writeError(w, err.(*APIError))
		return
	}

	filter := storage.TemplateFilter{
		Service: r.URL.Query().Get("service"),
		Level:   r.URL.Query().Get("level"),
		Start:   start,
		End:     end,
	}

	resp, serr := h.searcher.SearchTemplates(r.Context(), q, limit, examples, filter)
	if serr != nil {
		writeError(w, mapQueryError(serr))
		return
	}
	writeResponse(w, http.StatusOK, resp)
}

// HandleHealth reports dependency state. Embedding outage degrades; only a
// database outage makes the process unhealthy.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := h.health.DatabaseHealthy(r.Context())
	embedOK := h.health.EmbeddingHealthy()

	status := "ok"
	code := http.StatusOK
	switch {
	case !dbOK:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !embedOK:
		status = "degraded"
	}

	writeResponse(w, code, map[string]interface{}{
		"status": status,
		"checks": map[string]string{
			"database":  boolStatus(dbOK),
			"embedding": boolStatus(embedOK),
		},
	})
}

// HandleInfo reports build and pipeline identity.
func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusOK, map[string]interface{}{
		"name":            "devmesh",
		"version":         h.cfg.Version,
		"canon_version":   canon.Version,
		"embedding_model": h.cfg.Model,
		"embedding_dim":   h.cfg.Dimension,
		"uptime":          time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) eventFilterFromQuery(r *http.Request) (storage.EventFilter, *APIError) {
	q := r.URL.Query()

	start, err := ParseOptionalTimestamp(q.Get("start"), "start")
	if err != nil {
		return storage.EventFilter{}, err.(*APIError)
	}
	end, err := ParseOptionalTimestamp(q.Get("end"), "end")
	if err != nil {
		return storage.EventFilter{}, err.(*APIError)
	}
	limit, apiErr := parseIntParam(r, "limit", DefaultQueryLimit)
	if apiErr != nil {
		return storage.EventFilter{}, apiErr
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	offset, apiErr := parseIntParam(r, "offset", 0)
	if apiErr != nil {
		return storage.EventFilter{}, apiErr
	}

	level := q.Get("level")
	if level != "" {
		parsed, err := models.ParseLogLevel(level)
		if err != nil {
			return storage.EventFilter{}, NewInvalidRequestError("invalid level: %s", level)
		}
		level = string(parsed)
	}

	return storage.EventFilter{
		Service: q.Get("service"),
		Host:    q.Get("host"),
		Level:   level,
		Start:   start,
		End:     end,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

func parseIntParam(r *http.Request, name string, def int) (int, *APIError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, NewInvalidRequestError("%s must be a non-negative integer", name)
	}
	return v, nil
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}
