// Package ristretto provides an adapter for the Ristretto cache library,
// implementing the reqguard.Cache interface that backs the in-memory fallback
// response cache.
package ristretto

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/byte4ever/reqguard"
)

type (
	// Key is the subset of ristretto.Key types that are also comparable,
	// required by the reqguard.Cache interface.
	Key interface {
		uint64 | string | byte | int | int32 | uint32 | int64
	}

	// adapter wraps a ristretto.Cache to implement reqguard.Cache.
	adapter[K Key, V any] struct {
		cache *ristretto.Cache[K, V]
	}
)

// MustNew creates a reqguard.Cache backed by a Ristretto cache.
// MaxSize from [reqguard.CacheConfig] configures the cache capacity;
// NumCounters is set to 10 * MaxSize as Ristretto recommends.
// It panics if the underlying Ristretto cache cannot be built.
//
//nolint:ireturn,varnamelen // generic type params K,V are idiomatic in Go
func MustNew[K Key, V any](cfg reqguard.CacheConfig) reqguard.Cache[K, V] {
	cache, err := New[K, V](cfg)
	if err != nil {
		panic("reqguard/ristretto: failed to build cache: " + err.Error())
	}

	return cache
}

// New is like [MustNew] but returns the build error.
//
//nolint:ireturn // generic type parameter V, not an interface
func New[K Key, V any](cfg reqguard.CacheConfig) (reqguard.Cache[K, V], error) {
	// nolint:mnd // 10x max size for num counters and 64 buffer items.
	cache, err := ristretto.NewCache(&ristretto.Config[K, V]{
		NumCounters: int64(max(cfg.MaxSize, 1)) * 10,
		MaxCost:     int64(max(cfg.MaxSize, 1)),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // caller adds context
	}

	return &adapter[K, V]{cache: cache}, nil
}

// NewResponseCache returns a fallback response cache holding up to
// cfg.MaxSize bodies for cfg.TTL.
//
//nolint:ireturn // returns the reqguard.ResponseCache interface
func NewResponseCache(cfg reqguard.CacheConfig) reqguard.ResponseCache {
	return reqguard.NewMemoryResponseCache(MustNew[string, []byte](cfg), cfg.TTL)
}

// Get retrieves a cached value by key.
//
//nolint:ireturn // generic type parameter V, not an interface
func (a *adapter[K, V]) Get(key K) (V, bool) {
	return a.cache.Get(key)
}

// Set stores a value with the given TTL. Writes are admitted asynchronously;
// Set waits for the write buffer so that a following Get observes it.
func (a *adapter[K, V]) Set(key K, value V, ttl time.Duration) {
	a.cache.SetWithTTL(key, value, 1, ttl)
	a.cache.Wait()
}

// Delete removes a cached entry by key.
func (a *adapter[K, V]) Delete(key K) {
	a.cache.Del(key)
}
