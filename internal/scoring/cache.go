package scoring

import (
	"sort"
	"sync"

	"groomline/internal/config"
	"groomline/internal/domain"
)

// cacheKey carries the weights a result was computed with, so a ranking that
// read the old config before a reload cannot poison lookups under the new one.
type cacheKey struct {
	itemID      string
	itemVersion domain.Version
	cfg         config.Scoring
}

// Cache memoizes results per (item version, view version, weights). It keeps
// the most recent view versions only. A nil *Cache disables caching.
type Cache struct {
	mu    sync.Mutex
	keep  int
	views map[domain.Version]map[cacheKey]Result
	hits  uint64
	miss  uint64
}

// NewCache returns a cache that retains results for the keep newest views.
func NewCache(keep int) *Cache {
	if keep <= 0 {
		keep = 4
	}
	return &Cache{keep: keep, views: map[domain.Version]map[cacheKey]Result{}}
}

func (c *Cache) get(id string, itemVersion, viewVersion domain.Version, cfg config.Scoring) (Result, bool) {
	if c == nil {
		return Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.views[viewVersion][cacheKey{id, itemVersion, cfg}]
	if ok {
		c.hits++
	} else {
		c.miss++
	}
	return r, ok
}

func (c *Cache) put(r Result, cfg config.Scoring) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.views[r.ViewVersion]
	if !ok {
		m = map[cacheKey]Result{}
		c.views[r.ViewVersion] = m
		c.evict()
	}
	m[cacheKey{r.ItemID, r.ItemVersion, cfg}] = r
}

func (c *Cache) evict() {
	if len(c.views) <= c.keep {
		return
	}
	versions := make([]domain.Version, 0, len(c.views))
	for v := range c.views {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for _, v := range versions[:len(versions)-c.keep] {
		delete(c.views, v)
	}
}

// Reset drops every cached result. Results under superseded weights are
// unreachable anyway; Reset just frees them.
func (c *Cache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views = map[domain.Version]map[cacheKey]Result{}
}

// Stats returns cache hits and misses since creation.
func (c *Cache) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.miss
}
