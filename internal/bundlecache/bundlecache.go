// Package bundlecache implements the fingerprint-keyed, size- and
// TTL-bounded cache (C10) used for assembled bundles and warm retrieval
// reads. Eviction is age-weighted LRU; a single-flight layer guarantees
// at-most-one concurrent computation per key.
package bundlecache

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
)

// entry is one cached value with its bookkeeping.
type entry struct {
	value      interface{}
	size       int64
	ttl        time.Duration
	storedAt   time.Time
	lastAccess time.Time
}

func (e *entry) ttlRemaining(now time.Time) time.Duration {
	rem := e.ttl - now.Sub(e.storedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// Stats holds cache performance counters.
type Stats struct {
	Hits             int64
	Misses           int64
	Evictions        int64
	HitRate          float64
	AvgAccessTimeEMA time.Duration
}

// Cache is a size-budgeted, TTL-bounded, age-weighted-LRU cache.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	totalSize int64
	maxBytes  int64
	defaultTTL time.Duration

	// ttlWeight tunes how strongly remaining TTL protects an entry from
	// eviction relative to recency; see evictUntilFitsLocked.
	ttlWeight float64

	hits, misses, evictions int64
	avgAccessEMA            time.Duration

	inflight map[string]*sync.WaitGroup // single-flight get-or-compute
}

// New creates a cache with the given size budget and default TTL.
func New(maxBytes int64, defaultTTL time.Duration) *Cache {
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Cache{
		entries:    make(map[string]*entry),
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		ttlWeight:  1.0,
		inflight:   make(map[string]*sync.WaitGroup),
	}
}

// Get returns a cached value by key. Expired entries are treated as misses
// and evicted lazily.
func (c *Cache) Get(key string) (interface{}, bool) {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		if ok {
			c.removeLocked(key)
		}
		c.misses++
		c.recordAccessLocked(start)
		return nil, false
	}

	e.lastAccess = time.Now()
	c.hits++
	c.recordAccessLocked(start)
	return e.value, true
}

// Set stores a value with a nominal size of 1 and a TTL (0 uses the cache
// default). Use SetSized when the serialized size is known.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.SetSized(key, value, 1, ttl)
}

// SetSized stores a value with an explicit byte-size estimate, used when
// the caller knows the serialized bundle size and wants the size budget to
// reflect it accurately.
func (c *Cache) SetSized(key string, value interface{}, size int64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if size <= 0 {
		size = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.totalSize -= old.size
		delete(c.entries, key)
	}

	now := time.Now()
	c.entries[key] = &entry{
		value:      value,
		size:       size,
		ttl:        ttl,
		storedAt:   now,
		lastAccess: now,
	}
	c.totalSize += size

	c.evictUntilFitsLocked()
}

// removeLocked deletes a key without touching eviction counters. Caller
// must hold c.mu.
func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.totalSize -= e.size
		delete(c.entries, key)
	}
}

// evictUntilFitsLocked drops entries, lowest-priority first, until the
// cache is within its size budget. Priority is
// (last_access_ts + ttl_weight * ttl_remaining) ascending — an entry that
// is both old and nearly expired goes first.
func (c *Cache) evictUntilFitsLocked() {
	now := time.Now()
	for c.totalSize > c.maxBytes && len(c.entries) > 0 {
		var victimKey string
		var victimPriority float64
		first := true

		for key, e := range c.entries {
			priority := float64(e.lastAccess.UnixNano()) + c.ttlWeight*float64(e.ttlRemaining(now))
			if first || priority < victimPriority {
				victimKey = key
				victimPriority = priority
				first = false
			}
		}
		if victimKey == "" {
			break
		}
		c.removeLocked(victimKey)
		c.evictions++
	}
}

func (c *Cache) recordAccessLocked(start time.Time) {
	elapsed := time.Since(start)
	const alpha = 0.2
	if c.avgAccessEMA == 0 {
		c.avgAccessEMA = elapsed
		return
	}
	c.avgAccessEMA = time.Duration(alpha*float64(elapsed) + (1-alpha)*float64(c.avgAccessEMA))
}

// Stats returns a snapshot of cache performance counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:             c.hits,
		Misses:           c.misses,
		Evictions:        c.evictions,
		HitRate:          hitRate,
		AvgAccessTimeEMA: c.avgAccessEMA,
	}
}

// WarmupItem pairs a cache key with a function to compute its value.
type WarmupItem struct {
	Key     string
	Size    int64
	TTL     time.Duration
	Compute func() (interface{}, error)
}

// warmupParallelism bounds how many WarmupItem.Compute calls run at once,
// so a large warmup list can't stampede whatever backs Compute (disk,
// embedding oracle, persistence adapter).
const warmupParallelism = 8

// Warmup fills the cache in parallel (bounded by warmupParallelism) from a
// list of (key, compute) pairs. Compute errors are logged and skipped;
// Warmup itself never fails.
func (c *Cache) Warmup(items []WarmupItem) {
	g := new(errgroup.Group)
	g.SetLimit(warmupParallelism)
	for _, item := range items {
		item := item
		g.Go(func() error {
			v, err := item.Compute()
			if err != nil {
				logging.Get(logging.CategoryCache).Warn("warmup failed for key %s: %v", item.Key, err)
				return nil
			}
			c.SetSized(item.Key, v, item.Size, item.TTL)
			return nil
		})
	}
	_ = g.Wait()
}

// GetOrCompute returns the cached value for key, computing it via compute
// if absent. Concurrent callers for the same key share one computation.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, compute func() (interface{}, error)) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	if wg, inFlight := c.inflight[key]; inFlight {
		c.mu.Unlock()
		wg.Wait()
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		// the leader's compute failed; fall through and try ourselves.
	} else {
		wg = &sync.WaitGroup{}
		wg.Add(1)
		c.inflight[key] = wg
		c.mu.Unlock()

		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			wg.Done()
		}()
	}

	v, err := compute()
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}
