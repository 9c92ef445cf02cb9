// Package otter provides an adapter for the Otter cache library,
// implementing the reqguard.Cache interface that backs the in-memory fallback
// response cache.
package otter

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/byte4ever/reqguard"
)

// adapter wraps an otter.CacheWithVariableTTL to implement reqguard.Cache.
type adapter[K comparable, V any] struct {
	cache otter.CacheWithVariableTTL[K, V]
}

// MustNew creates a reqguard.Cache backed by an Otter cache with per-entry
// TTL support. MaxSize from [reqguard.CacheConfig] configures the capacity.
// It panics if the underlying Otter cache cannot be built.
//
//nolint:ireturn,varnamelen // generic type params K,V are idiomatic in Go
func MustNew[K comparable, V any](cfg reqguard.CacheConfig) reqguard.Cache[K, V] {
	cache, err := otter.MustBuilder[K, V](max(cfg.MaxSize, 1)).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("reqguard/otter: failed to build cache: " + err.Error())
	}

	return &adapter[K, V]{cache: cache}
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

// Set stores a value with the given TTL.
func (a *adapter[K, V]) Set(key K, value V, ttl time.Duration) {
	a.cache.Set(key, value, ttl)
}

// Delete removes a cached entry by key.
func (a *adapter[K, V]) Delete(key K) {
	a.cache.Delete(key)
}
