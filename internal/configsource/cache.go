package configsource

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

const defaultTTL = 5 * time.Minute

type cacheEntry struct {
	cfg     model.WorkflowConfig
	expires time.Time
}

// Cache wraps a Source with a TTL cache. Expiry is judged against the
// cache's own clock; the backing store only reclaims memory.
type Cache struct {
	source  Source
	ttl     time.Duration
	now     func() time.Time
	metrics *observability.Metrics
	items   *gocache.Cache
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hits and misses.
func WithMetrics(m *observability.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates a cache in front of source. A non-positive ttl uses the
// five minute default.
func NewCache(source Source, ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &Cache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.items = gocache.New(ttl, 2*ttl)
	return c
}

// Get returns a cached config or loads it from the source. Errors are not
// cached.
func (c *Cache) Get(ctx context.Context, entityCode, orgUnitCode string) (model.WorkflowConfig, error) {
	key := configKey(entityCode, orgUnitCode)
	if v, ok := c.items.Get(key); ok {
		entry := v.(cacheEntry)
		if c.now().Before(entry.expires) {
			c.metrics.RecordConfigCacheHit()
			return entry.cfg, nil
		}
		c.items.Delete(key)
	}
	c.metrics.RecordConfigCacheMiss()

	cfg, err := c.source.Get(ctx, entityCode, orgUnitCode)
	if err != nil {
		return model.WorkflowConfig{}, err
	}
	c.items.Set(key, cacheEntry{cfg: cfg, expires: c.now().Add(c.ttl)}, c.ttl)
	return cfg, nil
}

// Invalidate drops the cached config for one pair.
func (c *Cache) Invalidate(entityCode, orgUnitCode string) {
	c.items.Delete(configKey(entityCode, orgUnitCode))
}

// InvalidateAll drops every cached config.
func (c *Cache) InvalidateAll() {
	c.items.Flush()
}

// Len returns the number of cached entries, expired ones included until
// they are looked up or reclaimed.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}
