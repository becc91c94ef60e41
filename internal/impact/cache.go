package impact

import (
	"container/list"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tOgg1/changegate/internal/models"
)

// resultCache is a bounded LRU of variant results keyed by document hashes.
// Concurrent misses for the same key share one computation.
type resultCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	flight     singleflight.Group
	maxEntries int

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	key    string
	result *models.ImpactAnalysis
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

func newResultCache(maxEntries int) *resultCache {
	return &resultCache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
}

func (c *resultCache) get(key string) (*models.ImpactAnalysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*cacheEntry).result, true
}

func (c *resultCache) put(key string, result *models.ImpactAnalysis) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		return
	}
	for len(c.entries) >= c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.lru.Remove(back)
		delete(c.entries, back.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, result: result})
}

// getOrCompute returns a private copy of the cached result, computing it
// once per key when absent. Errors are never cached.
func (c *resultCache) getOrCompute(ctx context.Context, key string, compute func(context.Context) (*models.ImpactAnalysis, error)) (*models.ImpactAnalysis, error) {
	if result, ok := c.get(key); ok {
		c.hits.Add(1)
		return cloneAnalysis(result), nil
	}
	c.misses.Add(1)

	value, err, _ := c.flight.Do(key, func() (any, error) {
		if result, ok := c.get(key); ok {
			return result, nil
		}
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.put(key, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneAnalysis(value.(*models.ImpactAnalysis)), nil
}

func (c *resultCache) stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return CacheStats{Entries: entries, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// cloneAnalysis copies the fields enhancement mutates. ChangeDetails is
// shared; it is never written after the variant returns.
func cloneAnalysis(in *models.ImpactAnalysis) *models.ImpactAnalysis {
	out := *in
	out.AffectedServices = slices.Clone(in.AffectedServices)
	out.Recommendations = slices.Clone(in.Recommendations)
	out.DependencyAnalysis = nil
	return &out
}
