// Package caching wraps a [storage.Datastore] with a read-through cache for the
// entity types read on every request, channels and platforms by default.
package caching

import (
	"context"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oddnetworks/oddworks/internal/build"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

const (
	defaultTTL     = 10 * time.Second
	defaultMaxSize = 1000
)

var cacheLookupCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "entity_cache_lookup_count",
	Help:      "The total number of entity cache lookups by type and result.",
}, []string{"type", "result"})

type CachedDatastoreOpt func(*CachedDatastore)

// WithTTL sets how long a cached entity is served.
func WithTTL(ttl time.Duration) CachedDatastoreOpt {
	return func(c *CachedDatastore) {
		c.ttl = ttl
	}
}

// WithMaxSize bounds the number of cached entities.
func WithMaxSize(size int64) CachedDatastoreOpt {
	return func(c *CachedDatastore) {
		c.maxSize = size
	}
}

// WithCachedTypes replaces the entity types served from the cache.
func WithCachedTypes(types ...string) CachedDatastoreOpt {
	return func(c *CachedDatastore) {
		c.cachedTypes = types
	}
}

// CachedDatastore serves Get for the cached types from memory. Writes through
// the wrapper invalidate the written key; writes made elsewhere are seen once
// the TTL lapses.
type CachedDatastore struct {
	storage.Datastore

	ttl         time.Duration
	maxSize     int64
	cachedTypes []string
	cache       storage.InMemoryCache[*types.Entity]
}

var _ storage.Datastore = (*CachedDatastore)(nil)

// NewCachedDatastore wraps inner.
func NewCachedDatastore(inner storage.Datastore, opts ...CachedDatastoreOpt) *CachedDatastore {
	c := &CachedDatastore{
		Datastore:   inner,
		ttl:         defaultTTL,
		maxSize:     defaultMaxSize,
		cachedTypes: []string{types.TypeChannel, types.TypePlatform},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.cache = storage.NewInMemoryLRUCache(storage.WithMaxCacheSize[*types.Entity](c.maxSize))
	return c
}

// Get see [storage.EntityReader].Get.
func (c *CachedDatastore) Get(ctx context.Context, args storage.GetArgs) (*types.Entity, error) {
	if !slices.Contains(c.cachedTypes, args.Type) {
		return c.Datastore.Get(ctx, args)
	}

	key := storage.NewKey(args.Type, args.Channel, args.ID).String()
	if entity, ok := c.cache.Get(key); ok {
		cacheLookupCounter.WithLabelValues(args.Type, "hit").Inc()
		return entity.Clone(), nil
	}
	cacheLookupCounter.WithLabelValues(args.Type, "miss").Inc()

	entity, err := c.Datastore.Get(ctx, args)
	if err != nil {
		return nil, err
	}

	c.cache.Set(key, entity.Clone(), c.ttl)
	return entity, nil
}

// Set see [storage.EntityWriter].Set.
func (c *CachedDatastore) Set(ctx context.Context, entity *types.Entity) (*types.Entity, error) {
	stored, err := c.Datastore.Set(ctx, entity)
	if err != nil {
		return nil, err
	}

	if slices.Contains(c.cachedTypes, stored.Type) {
		c.cache.Delete(storage.NewKey(stored.Type, stored.Channel, stored.ID).String())
	}
	return stored, nil
}

// Close stops the cache and closes the wrapped datastore.
func (c *CachedDatastore) Close() {
	c.cache.Stop()
	c.Datastore.Close()
}
