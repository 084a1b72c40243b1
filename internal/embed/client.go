// Package embed is the client for the embedding gateway's OpenAI-compatible
// /v1/embeddings endpoint. It turns canonical template text into fixed-
// dimension float vectors, batching and throttling requests so the serving
// hardware is never overrun.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/devmesh/devmesh/internal/logging"
)

// ErrUnavailable marks an embedding failure that exhausted its retries.
// Callers degrade instead of aborting: live ingest stores templates without
// vectors, search returns degraded results, backfill skips the batch.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Defaults for zero-valued Config fields.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultBatchSize   = 50
	DefaultConcurrency = 2
	DefaultMaxRetries  = 3
)

// Config holds embedding client settings.
type Config struct {
	BaseURL   string
	Model     string
	Dimension int // expected vector length; 0 disables validation

	Timeout         time.Duration // per-request timeout
	BatchSize       int           // texts per HTTP request
	Concurrency     int           // in-flight requests across all callers
	MaxRetries      int           // retries per request on transient failure
	InterBatchDelay time.Duration // idle time after each batch
}

// Client is an HTTP client for the embedding gateway. One Client is shared
// by the ingest pipeline, the search layer, and the backfill worker; its
// semaphore is the global concurrency cap across all of them.
type Client struct {
	baseURL         string
	model           string
	dimension       int
	batchSize       int
	maxRetries      int
	interBatchDelay time.Duration
	httpClient      *http.Client
	sem             *semaphore.Weighted
	metrics         *Metrics
	logger          *logging.Logger
	degraded        atomic.Bool
}

// NewClient creates an embedding client with tuned connection pooling.
func NewClient(cfg Config, metrics *Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     20,
		MaxIdleConnsPerHost: 10, // default 2 causes connection churn
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		baseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		model:           cfg.Model,
		dimension:       cfg.Dimension,
		batchSize:       cfg.BatchSize,
		maxRetries:      cfg.MaxRetries,
		interBatchDelay: cfg.InterBatchDelay,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		metrics: metrics,
		logger:  logging.GetLogger("embed.client"),
	}
}

// embedRequest is the /v1/embeddings request payload.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the /v1/embeddings response payload.
type embedResponse struct {
	Data []embedItem `json:"data"`
}

type embedItem struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// EmbedBatch embeds texts and returns vectors 1:1 with the input. Inputs
// larger than the batch size are split into sub-batches issued in parallel
// under the global concurrency cap. Any sub-batch exhausting its retries
// fails the whole call with an ErrUnavailable-wrapped error.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		offset, chunk := start, texts[start:end]
		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)

			got, err := c.embedChunk(gctx, chunk)
			if err != nil {
				return err
			}
			copy(vectors[offset:], got)
			c.pause(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// EmbedSingle embeds one text, for interactive search queries.
func (c *Client) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	vectors, err := c.embedChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedEach embeds texts one at a time, returning a nil vector for any text
// that could not be embedded. Roughly 30x slower than EmbedBatch; the
// backfill worker uses it to salvage partial progress after a whole-batch
// failure.
func (c *Client) EmbedEach(ctx context.Context, texts []string) [][]float32 {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if ctx.Err() != nil {
			break
		}
		v, err := c.EmbedSingle(ctx, text)
		if err != nil {
			c.logger.Warn("Embedding failed for text (len=%d): %v", len(text), err)
			continue
		}
		vectors[i] = v
	}
	return vectors
}

// Healthy reports whether the most recent embedding call succeeded. The
// health endpoint surfaces a false value as a degraded (not failing)
// condition.
func (c *Client) Healthy() bool {
	return !c.degraded.Load()
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Dimension returns the expected vector length, 0 if unvalidated.
func (c *Client) Dimension() int {
	return c.dimension
}

// embedChunk issues one gateway request with bounded retries. Network
// errors, 5xx responses, and malformed payloads are retried with
// exponential backoff; 4xx responses are terminal.
func (c *Client) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	attempt := 0
	operation := func() error {
		attempt++
		got, err := c.doEmbed(ctx, texts)
		if err != nil {
			c.logger.Warn("Embedding attempt %d for %d texts failed: %v", attempt, len(texts), err)
			return err
		}
		vectors = got
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		c.degraded.Store(true)
		c.metrics.ErrorsTotal.Inc()
		return nil, fmt.Errorf("embed %d texts: %w: %w", len(texts), ErrUnavailable, err)
	}

	c.degraded.Store(false)
	c.metrics.TextsTotal.Add(float64(len(texts)))
	return vectors, nil
}

// doEmbed performs a single HTTP request against the batch endpoint.
func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	c.metrics.RequestsTotal.Inc()

	payload, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal embed request: %w", err))
	}

	reqURL := fmt.Sprintf("%s/v1/embeddings", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create embed request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute embed request: %w", err)
	}
	defer resp.Body.Close()

	// Always read the body to completion for connection reuse.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("embed request failed (status %d): %s", resp.StatusCode, truncateBody(body))
	case resp.StatusCode >= 400:
		// Client errors do not heal on retry.
		return nil, backoff.Permanent(fmt.Errorf("embed request rejected (status %d): %s", resp.StatusCode, truncateBody(body)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed response has %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	// The gateway may return items out of order; index is authoritative.
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	vectors := make([][]float32, len(texts))
	for i, item := range parsed.Data {
		if item.Index != i {
			return nil, fmt.Errorf("embed response index %d out of range", item.Index)
		}
		if c.dimension > 0 && len(item.Embedding) != c.dimension {
			return nil, fmt.Errorf("embed response dimension %d, want %d", len(item.Embedding), c.dimension)
		}
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

// pause applies the inter-batch delay while still holding a concurrency
// slot, so the serving hardware gets idle time between batches.
func (c *Client) pause(ctx context.Context) {
	if c.interBatchDelay <= 0 {
		return
	}
	select {
	case <-time.After(c.interBatchDelay):
	case <-ctx.Done():
	}
}

// truncateBody keeps error messages readable when the gateway returns an
// HTML error page instead of JSON.
func truncateBody(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
