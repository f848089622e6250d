// Package cache memoizes successful task results per task kind.
package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360studio/lexitask/task"
)

// DefaultCapacity is the number of results kept per kind.
const DefaultCapacity = 500

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Capacity int               `json:"capacity"`
	Hits     int64             `json:"hits"`
	Misses   int64             `json:"misses"`
	Sizes    map[task.Kind]int `json:"sizes"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ResultCache is a bounded LRU memo of successful results, one LRU per kind.
// Only the executor reads and writes it; providers never see it.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	kinds    map[task.Kind]*lru.Cache[string, task.Result]
	hits     int64
	misses   int64
}

// New creates a cache holding up to capacity results per kind.
func New(capacity int) (*ResultCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}

	c := &ResultCache{
		capacity: capacity,
		kinds:    make(map[task.Kind]*lru.Cache[string, task.Result], len(task.AllKinds())),
	}
	for _, kind := range task.AllKinds() {
		l, err := lru.New[string, task.Result](capacity)
		if err != nil {
			return nil, fmt.Errorf("create %s cache: %w", kind, err)
		}
		c.kinds[kind] = l
	}
	return c, nil
}

// Get returns the cached result for key under kind and marks it most recently used.
func (c *ResultCache) Get(kind task.Kind, key string) (task.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.kinds[kind]
	if !ok {
		c.misses++
		return task.Result{}, false
	}

	res, ok := l.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return res, ok
}

// Put stores a result. Empty results are not cached.
func (c *ResultCache) Put(kind task.Kind, key string, value task.Result) {
	if value.IsEmpty() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.kinds[kind]; ok {
		l.Add(key, value)
	}
}

// SetCapacity changes the per-kind bound. Call EvictIfOverCapacity to apply a shrink.
func (c *ResultCache) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	c.mu.Lock()
	c.capacity = capacity
	c.mu.Unlock()
}

// EvictIfOverCapacity drops least recently used entries from every kind until each
// fits the configured capacity. It returns the number of evicted entries.
func (c *ResultCache) EvictIfOverCapacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for _, l := range c.kinds {
		evicted += l.Resize(c.capacity)
	}
	return evicted
}

// Len returns the number of results cached for kind.
func (c *ResultCache) Len(kind task.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.kinds[kind]; ok {
		return l.Len()
	}
	return 0
}

// Purge empties every kind and resets the hit counters.
func (c *ResultCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.kinds {
		l.Purge()
	}
	c.hits = 0
	c.misses = 0
}

// Stats returns current usage.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	sizes := make(map[task.Kind]int, len(c.kinds))
	for kind, l := range c.kinds {
		sizes[kind] = l.Len()
	}
	return Stats{
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		Sizes:    sizes,
	}
}
