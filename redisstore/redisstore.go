// Package redisstore provides a persistent reqguard.KVStore on Redis.
//
// Keys are namespaced under a prefix so that several clients can share one
// database. Persisted auth state and the fallback response cache both use
// this store when the process must survive restarts.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces keys when no prefix is configured.
const DefaultPrefix = "reqguard:"

const (
	pingTimeout = 5 * time.Second
	scanBatch   = 100
)

type (
	// Config holds Redis connection configuration. Addr may be a host:port
	// pair or a redis:// URL.
	Config struct {
		Addr     string
		Password string
		Prefix   string
		DB       int
		// TTL expires every written key when positive.
		TTL time.Duration
	}

	// Store implements reqguard.KVStore on Redis.
	Store struct {
		rdb    redis.UniversalClient
		prefix string
		ttl    time.Duration
	}
)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(rdb, cfg.Prefix, cfg.TTL), nil
}

func options(cfg Config) (*redis.Options, error) {
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		opts, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}

		if cfg.Password != "" {
			opts.Password = cfg.Password
		}

		return opts, nil
	}

	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Store{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Get implements reqguard.KVStore.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}

	return val, true, nil
}

// Set implements reqguard.KVStore.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	return nil
}

// Remove implements reqguard.KVStore. Missing keys are ignored.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}

	if err := s.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// Keys returns every key under the store's prefix, without the prefix,
// sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)

	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}

		for _, k := range batch {
			out = append(out, strings.TrimPrefix(k, s.prefix))
		}

		if next == 0 {
			break
		}

		cursor = next
	}

	slices.Sort(out)

	return slices.Compact(out), nil
}

// Clear removes every key under the store's prefix.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}

	return s.Remove(ctx, keys...)
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close() //nolint:wrapcheck // closing is terminal
}
