package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/models"
)

func TestTemplateCacheHitMiss(t *testing.T) {
	c, err := NewTemplateCache(10)
	require.NoError(t, err)

	_, ok := c.Get("absent")
	assert.False(t, ok)

	c.Put("h1", CachedTemplate{ID: 42, Service: "nginx", Level: models.LevelError})
	cached, ok := c.Get("h1")
	require.True(t, ok)
	assert.Equal(t, int64(42), cached.ID)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestTemplateCacheLRUEviction(t *testing.T) {
	c, err := NewTemplateCache(3)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("h%d", i), CachedTemplate{ID: int64(i)})
	}
	// Touch h0 so h1 becomes the least recently used.
	_, _ = c.Get("h0")
	c.Put("h3", CachedTemplate{ID: 3})

	_, ok := c.Get("h1")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("h0")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestTemplateCacheConcurrentAccess(t *testing.T) {
	c, err := NewTemplateCache(128)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("h%d", i%64)
				c.Put(key, CachedTemplate{ID: int64(i)})
				_, _ = c.Get(key)
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 128)
}
