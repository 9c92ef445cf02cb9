package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/byte4ever/reqguard"
	"github.com/byte4ever/reqguard/otter"
	"github.com/byte4ever/reqguard/prommetrics"
	"github.com/byte4ever/reqguard/redisstore"
	"github.com/byte4ever/reqguard/ristretto"
)

const (
	defaultCacheSize = 10_000
	tokenEnv         = "REQGUARD_TOKEN"
)

type deps struct {
	monitor     *reqguard.Monitor
	cache       reqguard.ResponseCache
	recoverer   *reqguard.StateRecoverer
	snapshot    reqguard.SnapshotSource
	credentials reqguard.CredentialStore
	closers     []func() error
}

func (d *deps) close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			slog.Warn("close dependency", "error", err)
		}
	}
}

// buildDeps wires the persistent store, fallback cache, monitor and state
// recovery described by cfg.
func buildDeps(ctx context.Context, cfg *reqguard.Config, metrics *prommetrics.Metrics, logger *slog.Logger) (*deps, error) {
	d := &deps{}
	hooks := metrics.Hooks()

	var persistent reqguard.KVStore = reqguard.NewMemoryStore()

	if cfg.Redis != nil && cfg.Redis.Addr != "" {
		ttl, err := cfg.CacheTTL()
		if err != nil {
			return nil, err
		}

		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Prefix:   cfg.Redis.Prefix,
			DB:       cfg.Redis.DB,
			TTL:      ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}

		d.closers = append(d.closers, store.Close)
		persistent = store
	}

	cache, err := responseCache(cfg, persistent)
	if err != nil {
		return nil, err
	}

	d.cache = cache

	monOpts, err := cfg.MonitorOptions()
	if err != nil {
		return nil, err
	}

	notifyTimeout, err := cfg.NotifyTimeout()
	if err != nil {
		return nil, err
	}

	monOpts = append(monOpts,
		reqguard.WithNotifier(notifier(cfg, logger), cfg.NotifyQueueSize()),
		reqguard.WithMonitorHooks(&hooks),
		reqguard.WithMonitorLogger(logger),
	)

	if notifyTimeout > 0 {
		monOpts = append(monOpts, reqguard.WithNotifyTimeout(notifyTimeout))
	}

	d.monitor = reqguard.NewMonitor(monOpts...)

	valOpts, err := cfg.ValidatorOptions()
	if err != nil {
		return nil, err
	}

	validator := reqguard.NewStateValidator(valOpts...)

	if token := os.Getenv(tokenEnv); token != "" {
		d.credentials = &storeCredentials{store: persistent, keys: validator.Keys(), seed: token}
	}

	recOpts := []reqguard.StateRecovererOption{
		reqguard.WithStateValidator(validator),
		reqguard.WithStateHooks(&hooks),
		reqguard.WithStateLogger(logger),
	}

	if n := cfg.StateAttempts(); n > 0 {
		recOpts = append(recOpts, reqguard.WithMaxStateAttempts(n))
	}

	if d.credentials != nil {
		recOpts = append(recOpts, reqguard.WithRecoveryCredentials(d.credentials))
	}

	d.recoverer = reqguard.NewStateRecoverer(persistent, reqguard.NewMemoryStore(), recOpts...)
	d.snapshot = func(ctx context.Context) (reqguard.AuthStateSnapshot, error) {
		return reqguard.CaptureSnapshot(ctx, persistent, validator.Keys(), reqguard.RealClock{})
	}

	return d, nil
}

//nolint:ireturn // returns the reqguard.ResponseCache interface
func responseCache(cfg *reqguard.Config, persistent reqguard.KVStore) (reqguard.ResponseCache, error) {
	ttl, err := cfg.CacheTTL()
	if err != nil {
		return nil, err
	}

	cc := reqguard.CacheConfig{TTL: ttl, MaxSize: defaultCacheSize}
	backend := "ristretto"

	if cfg.Cache != nil {
		if cfg.Cache.MaxSize != nil {
			cc.MaxSize = *cfg.Cache.MaxSize
		}

		if cfg.Cache.Backend != nil {
			backend = *cfg.Cache.Backend
		}
	}

	switch backend {
	case "otter":
		return otter.NewResponseCache(cc), nil
	case "redis":
		return reqguard.NewStoreResponseCache(persistent, "fallback:"), nil
	default:
		c, err := ristretto.New[string, []byte](cc)
		if err != nil {
			return nil, fmt.Errorf("build ristretto cache: %w", err)
		}

		return reqguard.NewMemoryResponseCache(c, cc.TTL), nil
	}
}

// storeCredentials keeps the bearer token in the persisted auth state,
// seeded from the environment.
type storeCredentials struct {
	store reqguard.KVStore
	keys  reqguard.AuthKeys
	seed  string
}

func (s *storeCredentials) ValidToken(ctx context.Context) (string, error) {
	token, ok, err := s.store.Get(ctx, s.keys.AccessToken)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}

	if ok && token != "" {
		return token, nil
	}

	return s.RefreshToken(ctx)
}

func (s *storeCredentials) RefreshToken(ctx context.Context) (string, error) {
	token := os.Getenv(tokenEnv)
	if token == "" {
		token = s.seed
	}

	if err := s.store.Set(ctx, s.keys.AccessToken, token); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}

	return token, nil
}

func (s *storeCredentials) Invalidate(ctx context.Context) error {
	//nolint:wrapcheck // store errors are already descriptive
	return s.store.Remove(ctx, s.keys.AccessToken)
}
