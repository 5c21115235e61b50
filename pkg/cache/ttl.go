package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTL is a thread-safe time-to-live cache. Entries expire after the
// configured TTL; a background goroutine removes them. Expired entries
// may still be served deliberately through GetStale until they exceed
// the configured maximum stale age.
type TTL[V any] struct {
	mu              sync.RWMutex
	ttl             time.Duration
	cleanupInterval time.Duration
	maxStaleAge     time.Duration
	items           map[string]*ttlEntry[V]
	stats           *Statistics
	metrics         *cacheMetrics
	evictFn         EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
}

var _ Cache[int] = (*TTL[int])(nil)

// NewTTL creates a TTL cache. The cleanup goroutine stops when ctx is
// cancelled or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option[V]) (*TTL[V], error) {
	var o options[V]
	for _, opt := range opts {
		opt(&o)
	}

	var metrics *cacheMetrics
	if o.metricsReg != nil && o.metricsName != "" {
		var err error
		metrics, err = newCacheMetrics(o.metricsReg, o.metricsName)
		if err != nil {
			return nil, err
		}
	}

	c := &TTL[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		maxStaleAge:     time.Duration(o.maxStaleAge) * time.Second,
		items:           make(map[string]*ttlEntry[V]),
		stats:           NewStatistics(),
		metrics:         metrics,
		evictFn:         o.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c, nil
}

// Get retrieves a fresh value by key. Expired entries count as misses
// and are removed.
func (c *TTL[V]) Get(key string) (V, bool) {
	now := time.Now()

	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists || entry.expired(now) {
		if exists {
			c.removeExpiredEntry(key)
		}
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		var zero V
		return zero, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return entry.value, true
}

// GetStale retrieves a value even past its expiry, bounded by the
// configured max stale age. The second return reports whether the entry
// was expired, so callers can kick off a background refresh.
func (c *TTL[V]) GetStale(key string) (value V, stale bool, ok bool) {
	now := time.Now()

	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		return value, false, false
	}

	if entry.expired(now) {
		// Past the hard stale bound the entry is unusable.
		if c.maxStaleAge <= 0 || now.Sub(entry.expiresAt) > c.maxStaleAge {
			c.removeExpiredEntry(key)
			c.stats.Miss()
			if c.metrics != nil {
				c.metrics.misses.Inc()
			}
			return value, false, false
		}
		c.stats.StaleHit()
		if c.metrics != nil {
			c.metrics.staleHits.Inc()
		}
		return entry.value, true, true
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return entry.value, false, true
}

// Set stores a value with a fresh TTL.
func (c *TTL[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	expiresAt := time.Now().Add(c.ttl)

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: expiresAt}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.size.Set(float64(size))
	}
	return !exists, nil
}

// Delete removes an entry by key.
func (c *TTL[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		if c.evictFn != nil {
			c.evictFn(key, entry.value)
		}
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.size.Set(float64(size))
		}
	}
	return exists, nil
}

// Clear removes all entries.
func (c *TTL[V]) Clear() error {
	c.mu.Lock()
	evicted := c.items
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, entry := range evicted {
			c.evictFn(entry.key, entry.value)
		}
	}
	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.size.Set(0)
	}
	return nil
}

// Size returns the current entry count.
func (c *TTL[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all unexpired keys.
func (c *TTL[V]) Keys() []string {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns the cache statistics.
func (c *TTL[V]) Stats() *Statistics { return c.stats }

// Close stops the cleanup goroutine.
func (c *TTL[V]) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache cleanup goroutine")
	}
}

// removeExpiredEntry drops an expired entry once it is past the stale
// window; inside the window it stays readable for GetStale.
func (c *TTL[V]) removeExpiredEntry(key string) {
	now := time.Now()
	c.mu.Lock()
	entry, exists := c.items[key]
	if exists && entry.expired(now) && (c.maxStaleAge <= 0 || now.Sub(entry.expiresAt) > c.maxStaleAge) {
		delete(c.items, key)
	} else {
		exists = false
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		if c.evictFn != nil {
			c.evictFn(key, entry.value)
		}
		c.stats.Eviction()
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.evictions.Inc()
			c.metrics.size.Set(float64(size))
		}
	}
}

func (c *TTL[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired drops entries past both their TTL and the stale bound;
// entries inside the stale window stay readable for GetStale.
func (c *TTL[V]) removeExpired() {
	now := time.Now()
	var evicted []*ttlEntry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.expired(now) && (c.maxStaleAge <= 0 || now.Sub(entry.expiresAt) > c.maxStaleAge) {
			evicted = append(evicted, entry)
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	for _, entry := range evicted {
		if c.evictFn != nil {
			c.evictFn(entry.key, entry.value)
		}
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
	}
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.size.Set(float64(size))
	}
}
