// Package storage is the Postgres persistence layer: the append-only event
// store, the deduplicated template store with its pgvector ANN index, and
// the in-memory template cache fronting it. Atomicity relies on the
// database's unique-constraint semantics, never on cross-component locks.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/devmesh/devmesh/internal/logging"
)

// Config holds connection pool and cache settings.
type Config struct {
	DSN      string
	MaxConns int
	MinConns int

	CacheCapacity int // LRU entries; 0 disables the cache
	CacheWarm     int // templates preloaded at startup
}

// Store owns the process-wide connection pool and implements
// lifecycle.Component. The pool is shared by ingest, search, backfill and
// retention; MaxConns must exceed their combined worker count.
type Store struct {
	cfg    Config
	db     *sqlx.DB
	logger *logging.Logger

	Events    *EventStore
	Templates *TemplateStore
}

// NewStore creates the store and its sub-stores. Opening the pool is lazy;
// the first connection, migrations and cache warm-up happen in Start, so
// the lifecycle manager can order them before every component that writes.
func NewStore(cfg Config) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{
		cfg:       cfg,
		db:        db,
		logger:    logging.GetLogger("storage"),
		Events:    NewEventStore(db),
		Templates: NewTemplateStore(db),
	}

	if cfg.CacheCapacity > 0 {
		cache, err := NewTemplateCache(cfg.CacheCapacity)
		if err != nil {
			return nil, fmt.Errorf("create template cache: %w", err)
		}
		s.Templates.SetCache(cache)
	}
	return s, nil
}

// Start verifies the connection, applies pending migrations and warms the
// template cache.
func (s *Store) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return classify("ping database", err)
	}

	if err := Migrate(ctx, s.db.DB); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	s.logger.Info("Connected to Postgres (max_conns=%d)", s.cfg.MaxConns)

	if s.cfg.CacheWarm > 0 && s.Templates.Cache() != nil {
		n, err := s.Templates.WarmCache(ctx, s.cfg.CacheWarm)
		if err != nil {
			// Warm-up is an optimization, not a dependency.
			s.logger.Warn("Template cache warm-up failed: %v", err)
		} else {
			s.logger.Info("Template cache warmed with %d entries", n)
		}
	}
	return nil
}

// Stop closes the pool.
func (s *Store) Stop(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("Closing database pool")
	return s.db.Close()
}

// Name implements lifecycle.Component.
func (s *Store) Name() string {
	return "Postgres Store"
}

// Healthy reports whether the database answers a ping. Used by /health.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.db == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(pingCtx) == nil
}

// DB exposes the underlying handle for the integration test harness.
func (s *Store) DB() *sqlx.DB {
	return s.db
}
