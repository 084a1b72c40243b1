// Package retention ages out raw events past the retention horizon and
// garbage-collects templates that no surviving event references. Template
// deletion is guarded by a NOT EXISTS check, so a template with even one
// remaining event is never removed regardless of its age.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/devmesh/devmesh/internal/logging"
)

// EventPruner is the slice of the event store the job deletes through.
type EventPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TemplatePruner is the slice of the template store the job deletes through.
type TemplatePruner interface {
	DeleteUnreferenced(ctx context.Context, cutoff time.Time) (int64, error)
	CountUnreferenced(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds retention settings.
type Config struct {
	Days      int  // horizon in days, <=0 means the 90-day default
	BatchSize int  // events deleted per statement
	DryRun    bool // report counts, delete nothing
}

func (c Config) withDefaults() Config {
	if c.Days <= 0 {
		c.Days = 90
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5000
	}
	return c
}

// Result summarizes one retention run.
type Result struct {
	Cutoff           time.Time `json:"cutoff"`
	EventsDeleted    int64     `json:"events_deleted"`
	TemplatesDeleted int64     `json:"templates_deleted"`
	DryRun           bool      `json:"dry_run"`
}

// Job deletes expired events, then unreferenced expired templates.
type Job struct {
	cfg       Config
	events    EventPruner
	templates TemplatePruner
	metrics   *Metrics
	logger    *logging.Logger
	now       func() time.Time
}

// NewJob creates a retention job.
func NewJob(cfg Config, events EventPruner, templates TemplatePruner) *Job {
	return &Job{
		cfg:       cfg.withDefaults(),
		events:    events,
		templates: templates,
		logger:    logging.GetLogger("retention"),
		now:       time.Now,
	}
}

// WithMetrics attaches run metrics; nil disables them.
func (j *Job) WithMetrics(m *Metrics) *Job {
	j.metrics = m
	return j
}

// Run executes one retention pass. Events go first so that templates
// orphaned by this very pass are collectible in the same run.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	cutoff := j.now().UTC().AddDate(0, 0, -j.cfg.Days)
	res := &Result{Cutoff: cutoff, DryRun: j.cfg.DryRun}

	if j.cfg.DryRun {
		var err error
		if res.EventsDeleted, err = j.events.CountOlderThan(ctx, cutoff); err != nil {
			return nil, fmt.Errorf("count expired events: %w", err)
		}
		if res.TemplatesDeleted, err = j.templates.CountUnreferenced(ctx, cutoff); err != nil {
			return nil, fmt.Errorf("count expired templates: %w", err)
		}
		j.logger.InfoWithFields("retention dry run",
			logging.Field("cutoff", cutoff.Format(time.RFC3339)),
			logging.Field("events", res.EventsDeleted),
			logging.Field("templates", res.TemplatesDeleted),
		)
		j.metrics.observeRun(res)
		return res, nil
	}

	var err error
	if res.EventsDeleted, err = j.events.DeleteOlderThan(ctx, cutoff, j.cfg.BatchSize); err != nil {
		return nil, fmt.Errorf("delete expired events: %w", err)
	}
	if res.TemplatesDeleted, err = j.templates.DeleteUnreferenced(ctx, cutoff); err != nil {
		return nil, fmt.Errorf("delete expired templates: %w", err)
	}

	j.logger.InfoWithFields("retention run done",
		logging.Field("cutoff", cutoff.Format(time.RFC3339)),
		logging.Field("events_deleted", res.EventsDeleted),
		logging.Field("templates_deleted", res.TemplatesDeleted),
	)
	j.metrics.observeRun(res)
	return res, nil
}
