package reqguard

import (
	"context"
	"encoding/base64"
	"time"
)

type (
	// Cache is the interface in-memory cache adapters implement (see the
	// ristretto and otter sub-packages). TTL is passed per Set call; the
	// underlying cache library handles expiration.
	Cache[K comparable, V any] interface {
		// Get retrieves a cached value by key.
		Get(key K) (V, bool)
		// Set stores a value with the given TTL.
		Set(key K, value V, ttl time.Duration)
		// Delete removes a cached entry by key.
		Delete(key K)
	}

	// CacheConfig holds configuration for a cache adapter instance.
	CacheConfig struct {
		// Options holds adapter-specific settings.
		Options map[string]any
		// TTL is the time-to-live for cached entries.
		TTL time.Duration
		// MaxSize is the maximum number of entries the cache can hold.
		MaxSize int
	}

	// ResponseCache keeps the last good response body per request key so
	// recovery strategies can serve it as fallback data.
	ResponseCache interface {
		Load(ctx context.Context, key string) ([]byte, bool)
		Store(ctx context.Context, key string, body []byte)
	}

	memoryResponseCache struct {
		cache Cache[string, []byte]
		ttl   time.Duration
	}

	storeResponseCache struct {
		store  KVStore
		prefix string
	}
)

// DefaultFallbackTTL is how long fallback bodies are kept when no TTL is
// configured.
const DefaultFallbackTTL = 10 * time.Minute

// NewMemoryResponseCache keeps fallback bodies in an in-memory [Cache]. A
// non-positive ttl uses [DefaultFallbackTTL].
func NewMemoryResponseCache(cache Cache[string, []byte], ttl time.Duration) ResponseCache {
	if ttl <= 0 {
		ttl = DefaultFallbackTTL
	}

	return &memoryResponseCache{cache: cache, ttl: ttl}
}

func (c *memoryResponseCache) Load(_ context.Context, key string) ([]byte, bool) {
	return c.cache.Get(key)
}

func (c *memoryResponseCache) Store(_ context.Context, key string, body []byte) {
	c.cache.Set(key, body, c.ttl)
}

// NewStoreResponseCache keeps fallback bodies in a [KVStore] under prefix, so
// they survive restarts when the store is persistent. Bodies are stored
// base64-encoded because stores hold strings.
func NewStoreResponseCache(store KVStore, prefix string) ResponseCache {
	if prefix == "" {
		prefix = "reqguard:cache:"
	}

	return &storeResponseCache{store: store, prefix: prefix}
}

func (c *storeResponseCache) Load(ctx context.Context, key string) ([]byte, bool) {
	raw, ok, err := c.store.Get(ctx, c.prefix+key)
	if err != nil || !ok {
		return nil, false
	}

	body, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false
	}

	return body, true
}

func (c *storeResponseCache) Store(ctx context.Context, key string, body []byte) {
	//nolint:errcheck // fallback caching is best effort
	_ = c.store.Set(ctx, c.prefix+key, base64.StdEncoding.EncodeToString(body))
}
