// Package schema provides the TTL-bounded, read-through cache of entity,
// facet, and relation type descriptors shared by all interpreters.
package schema

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// Fetcher loads descriptors from the underlying store.
type Fetcher interface {
	FetchDescriptors(ctx context.Context, kind types.DescriptorKind) ([]types.TypeDescriptor, error)
}

type entry struct {
	value     []types.TypeDescriptor
	fetchedAt time.Time
	expiresAt time.Time
}

// Cache is a read-through descriptor cache. Concurrent Get calls for an
// expired key share a single in-flight fetch (single-flight); on fetch
// failure a stale value is served only while younger than the staleness
// ceiling, after which the request fails with SCHEMA_UNAVAILABLE.
type Cache struct {
	fetcher      Fetcher
	ttl          time.Duration
	staleCeiling time.Duration

	mu      sync.RWMutex
	entries map[types.DescriptorKind]*entry

	group singleflight.Group

	fetchMu    sync.Mutex
	fetchCount map[types.DescriptorKind]int
}

// NewCache creates a cache. staleCeiling <= 0 defaults to 2x ttl, the
// documented stale-serving policy.
func NewCache(fetcher Fetcher, ttl, staleCeiling time.Duration) *Cache {
	if staleCeiling <= 0 {
		staleCeiling = 2 * ttl
	}
	return &Cache{
		fetcher:      fetcher,
		ttl:          ttl,
		staleCeiling: staleCeiling,
		entries:      make(map[types.DescriptorKind]*entry),
		fetchCount:   make(map[types.DescriptorKind]int),
	}
}

// Get returns the cached descriptors for kind, fetching through to the store
// when the entry is missing or expired.
func (c *Cache) Get(ctx context.Context, kind types.DescriptorKind) ([]types.TypeDescriptor, error) {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[kind]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		logging.SchemaDebug("cache hit for %s (%d descriptors)", kind, len(e.value))
		return e.value, nil
	}

	v, err, _ := c.group.Do(string(kind), func() (interface{}, error) {
		// Another caller in the same flight window may have refreshed already.
		c.mu.RLock()
		e, ok := c.entries[kind]
		c.mu.RUnlock()
		if ok && time.Now().Before(e.expiresAt) {
			return e.value, nil
		}
		return c.refresh(ctx, kind)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.TypeDescriptor), nil
}

// refresh fetches from the store and applies the stale-serving policy on
// failure. Caller must be inside the single-flight section.
func (c *Cache) refresh(ctx context.Context, kind types.DescriptorKind) ([]types.TypeDescriptor, error) {
	c.fetchMu.Lock()
	c.fetchCount[kind]++
	c.fetchMu.Unlock()

	fresh, err := c.fetcher.FetchDescriptors(ctx, kind)
	if err == nil {
		now := time.Now()
		c.mu.Lock()
		c.entries[kind] = &entry{value: fresh, fetchedAt: now, expiresAt: now.Add(c.ttl)}
		c.mu.Unlock()
		logging.Schema("refreshed %s: %d descriptors", kind, len(fresh))
		return fresh, nil
	}

	c.mu.RLock()
	stale, ok := c.entries[kind]
	c.mu.RUnlock()
	if ok && time.Since(stale.fetchedAt) < c.staleCeiling {
		logging.Get(logging.CategorySchema).Warn("fetch for %s failed, serving stale (age %v): %v",
			kind, time.Since(stale.fetchedAt), err)
		return stale.value, nil
	}

	logging.Get(logging.CategorySchema).Error("fetch for %s failed past staleness ceiling: %v", kind, err)
	return nil, types.Wrap(types.KindSchemaUnavailable, err, "schema fetch for %s failed", kind)
}

// Invalidate forces the next Get for kind to refetch.
func (c *Cache) Invalidate(kind types.DescriptorKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[kind]; ok {
		e.expiresAt = time.Time{}
	}
	logging.SchemaDebug("invalidated %s", kind)
}

// Bust invalidates every kind.
func (c *Cache) Bust() {
	for _, kind := range types.AllDescriptorKinds {
		c.Invalidate(kind)
	}
}

// Snapshot loads all three catalogs as one consistent view for a request.
func (c *Cache) Snapshot(ctx context.Context) (*types.SchemaSnapshot, error) {
	ents, err := c.Get(ctx, types.KindEntityType)
	if err != nil {
		return nil, err
	}
	facets, err := c.Get(ctx, types.KindFacetType)
	if err != nil {
		return nil, err
	}
	rels, err := c.Get(ctx, types.KindRelationType)
	if err != nil {
		return nil, err
	}
	return &types.SchemaSnapshot{
		EntityTypes:   ents,
		FacetTypes:    facets,
		RelationTypes: rels,
		TakenAt:       time.Now(),
	}, nil
}

// FetchCount reports how many store fetches ran for kind. Test instrumentation.
func (c *Cache) FetchCount(kind types.DescriptorKind) int {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	return c.fetchCount[kind]
}
