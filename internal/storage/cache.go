package storage

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/devmesh/devmesh/internal/models"
)

// CachedTemplate is the denormalized slice of a template kept in memory:
// enough to resolve a fingerprint to an id without touching the database.
type CachedTemplate struct {
	ID      int64
	Service string
	Level   models.LogLevel
}

// TemplateCache maps template_hash to id in memory, fronting the durable
// store on the hot ingest path. Entries never expire on time; only LRU
// eviction bounds it. Safe for concurrent use.
type TemplateCache struct {
	lru    *lru.Cache[string, CachedTemplate]
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats is a point-in-time snapshot for /info and debugging.
type CacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// NewTemplateCache creates a cache bounded to capacity entries.
func NewTemplateCache(capacity int) (*TemplateCache, error) {
	c, err := lru.New[string, CachedTemplate](capacity)
	if err != nil {
		return nil, err
	}
	return &TemplateCache{lru: c}, nil
}

// Get looks up a template hash.
func (c *TemplateCache) Get(templateHash string) (CachedTemplate, bool) {
	cached, ok := c.lru.Get(templateHash)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return cached, ok
}

// Put stores a resolved template.
func (c *TemplateCache) Put(templateHash string, t CachedTemplate) {
	c.lru.Add(templateHash, t)
}

// Len returns the current entry count.
func (c *TemplateCache) Len() int {
	return c.lru.Len()
}

// Stats returns hit/miss counters and current size.
func (c *TemplateCache) Stats() CacheStats {
	return CacheStats{
		Size:   c.lru.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
