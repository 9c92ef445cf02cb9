package reqguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the file configuration of a [Client] and its collaborators.
	// Every field is optional; absent fields keep the built-in defaults. Embed
	// it in your own config struct for JSON or YAML unmarshaling, then call
	// [BuildOptions].
	Config struct {
		// Name names the client in health reports. Example: "catalog-api".
		Name *string `json:"name,omitempty" yaml:"name,omitempty"`
		// Retry configures the retry controller.
		Retry *RetryFileConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
		// CircuitBreaker configures the per-endpoint circuits.
		CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
		// Limits paces and caps outbound calls.
		Limits *LimitsConfig `json:"limits,omitempty" yaml:"limits,omitempty"`
		// Recovery configures recovery-driven retries.
		Recovery *RecoveryConfig `json:"recovery,omitempty" yaml:"recovery,omitempty"`
		// Monitor configures the error monitor.
		Monitor *MonitorConfig `json:"monitor,omitempty" yaml:"monitor,omitempty"`
		// AuthState configures the auth state validator and recoverer.
		AuthState *AuthStateConfig `json:"auth_state,omitempty" yaml:"auth_state,omitempty"`
		// Cache selects and sizes the fallback response cache.
		Cache *CacheFileConfig `json:"cache,omitempty" yaml:"cache,omitempty"`
		// Redis configures the persistent store.
		Redis *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
		// Notify configures escalation delivery.
		Notify *NotifyConfig `json:"notify,omitempty" yaml:"notify,omitempty"`
		// LogLevel is one of debug, info, warn, error. Example: "info".
		LogLevel *string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	}

	// RetryFileConfig holds retry configuration values.
	RetryFileConfig struct {
		// MaxAttempts is the total number of attempts. Example: 3.
		MaxAttempts *int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
		// BaseDelay is the first backoff delay. Example: "1s".
		BaseDelay *string `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
		// MaxDelay caps the backoff delay. Example: "30s".
		MaxDelay *string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
		// Multiplier is the exponential growth factor. Example: 2.
		Multiplier *float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
		// Timeout bounds a single attempt. Example: "10s".
		Timeout *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
		// RetryableKinds lists the retried error kinds.
		// Example: ["NETWORK", "TIMEOUT"].
		RetryableKinds []string `json:"retryable_kinds,omitempty" yaml:"retryable_kinds,omitempty"`
	}

	// CircuitBreakerConfig holds circuit breaker configuration values.
	CircuitBreakerConfig struct {
		// FailureThreshold is the number of failures before opening.
		// Example: 5.
		FailureThreshold *int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
		// SuccessThreshold is the number of half-open successes needed to
		// close. Example: 3.
		SuccessThreshold *int `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
		// RecoveryTimeout is how long a circuit stays open. Example: "60s".
		RecoveryTimeout *string `json:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty"`
		// HalfOpenTimeout is the probation window. Example: "30s".
		HalfOpenTimeout *string `json:"half_open_timeout,omitempty" yaml:"half_open_timeout,omitempty"`
		// TripOn lists the error kinds counted as failures.
		TripOn []string `json:"trip_on,omitempty" yaml:"trip_on,omitempty"`
	}

	// LimitsConfig holds outbound pacing and concurrency limits.
	LimitsConfig struct {
		// RatePerSecond paces attempts; 0 disables pacing. Example: 20.
		RatePerSecond *float64 `json:"rate_per_second,omitempty" yaml:"rate_per_second,omitempty"`
		// Burst is the token bucket size. Example: 5.
		Burst *int `json:"burst,omitempty" yaml:"burst,omitempty"`
		// MaxInFlight caps concurrent calls; 0 disables the cap. Example: 32.
		MaxInFlight *int `json:"max_in_flight,omitempty" yaml:"max_in_flight,omitempty"`
	}

	// RecoveryConfig holds recovery configuration values.
	RecoveryConfig struct {
		// MaxRounds bounds recovery-driven retries per call. Example: 1.
		MaxRounds *int `json:"max_rounds,omitempty" yaml:"max_rounds,omitempty"`
		// RetryDelay is the wait before a recovery-driven retry.
		// Example: "1s".
		RetryDelay *string `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	}

	// MonitorConfig holds error monitor configuration values.
	MonitorConfig struct {
		// Capacity is the history size. Example: 1000.
		Capacity *int `json:"capacity,omitempty" yaml:"capacity,omitempty"`
		// NotifyQueue bounds pending escalation deliveries. Example: 64.
		NotifyQueue *int `json:"notify_queue,omitempty" yaml:"notify_queue,omitempty"`
		// Rules replaces the default escalation rules when non-empty.
		Rules []EscalationRuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
	}

	// EscalationRuleConfig holds one escalation rule.
	EscalationRuleConfig struct {
		Name string `json:"name" yaml:"name"`
		// MinSeverity is LOW, MEDIUM, HIGH or CRITICAL.
		MinSeverity string `json:"min_severity" yaml:"min_severity"`
		Window      string `json:"window" yaml:"window"`
		// Cooldown defaults to Window.
		Cooldown string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
		Count    int    `json:"count" yaml:"count"`
	}

	// AuthStateConfig holds validator and recoverer configuration values.
	AuthStateConfig struct {
		// MaxPayloadBytes bounds a persisted value. Example: 65536.
		MaxPayloadBytes *int `json:"max_payload_bytes,omitempty" yaml:"max_payload_bytes,omitempty"`
		// MaxAttempts bounds consecutive recoveries before a full reset.
		// Example: 3.
		MaxAttempts *int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
		// ClockSkew is tolerated on token expiry. Example: "30s".
		ClockSkew *string `json:"clock_skew,omitempty" yaml:"clock_skew,omitempty"`
		// EmptyResult is "cleanup" or "none".
		EmptyResult *string `json:"empty_result,omitempty" yaml:"empty_result,omitempty"`
	}

	// CacheFileConfig selects the fallback cache.
	CacheFileConfig struct {
		// Backend is one of ristretto, otter, redis. Example: "ristretto".
		Backend *string `json:"backend,omitempty" yaml:"backend,omitempty"`
		// TTL is the entry lifetime. Example: "10m".
		TTL *string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
		// MaxSize is the maximum number of entries. Example: 10000.
		MaxSize *int `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	}

	// RedisConfig locates the Redis server backing the persistent store.
	RedisConfig struct {
		Addr     string `json:"addr" yaml:"addr"`
		Password string `json:"password,omitempty" yaml:"password,omitempty"`
		Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
		DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	}

	// NotifyConfig configures escalation delivery.
	NotifyConfig struct {
		// WebhookURL receives escalation events as JSON.
		WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
		// Timeout bounds one delivery. Example: "5s".
		Timeout *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	}
)

// LoadConfig reads a JSON or YAML configuration file, chosen by extension.
// Environment variables in the file are expanded before decoding. The whole
// configuration is validated eagerly so errors surface at load time.
//
// Duration values are parsed using [time.ParseDuration].
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reqguard: read config: %w", err)
	}

	cfg, err := ParseConfig(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("reqguard: %s: %w", path, err)
	}

	return cfg, nil
}

// ParseConfig decodes and validates configuration data. ext selects the
// format: ".yaml" and ".yml" are YAML, anything else JSON.
func ParseConfig(data []byte, ext string) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := BuildOptions(c); err != nil {
		return err
	}

	if _, err := c.MonitorOptions(); err != nil {
		return err
	}

	if _, err := c.ValidatorOptions(); err != nil {
		return err
	}

	if _, err := c.CacheTTL(); err != nil {
		return err
	}

	if _, err := c.NotifyTimeout(); err != nil {
		return err
	}

	if c.Cache != nil && c.Cache.Backend != nil {
		switch *c.Cache.Backend {
		case "ristretto", "otter":
		case "redis":
			if c.Redis == nil || c.Redis.Addr == "" {
				return fmt.Errorf("cache.backend redis: redis.addr is required")
			}
		default:
			return fmt.Errorf("cache.backend: unknown backend %q", *c.Cache.Backend)
		}
	}

	return nil
}

// BuildOptions converts a [Config] into client options for [NewClient].
func BuildOptions(c *Config) ([]Option, error) {
	var opts []Option

	if c.Name != nil {
		opts = append(opts, WithName(*c.Name))
	}

	if c.Retry != nil {
		rc, err := c.Retry.build()
		if err != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}

		opts = append(opts, WithRetryConfig(rc))
	}

	if c.CircuitBreaker != nil {
		cbOpts, err := c.CircuitBreaker.build()
		if err != nil {
			return nil, fmt.Errorf("circuit_breaker: %w", err)
		}

		opts = append(opts, WithBreakerOptions(cbOpts...))
	}

	if c.Limits != nil {
		if c.Limits.RatePerSecond != nil {
			burst := 1
			if c.Limits.Burst != nil {
				burst = *c.Limits.Burst
			}

			opts = append(opts, WithRateLimit(*c.Limits.RatePerSecond, burst))
		}

		if c.Limits.MaxInFlight != nil {
			opts = append(opts, WithMaxConcurrency(*c.Limits.MaxInFlight))
		}
	}

	if c.Recovery != nil {
		if c.Recovery.MaxRounds != nil {
			opts = append(opts, WithMaxRecoveryRounds(*c.Recovery.MaxRounds))
		}

		if c.Recovery.RetryDelay != nil {
			d, err := time.ParseDuration(*c.Recovery.RetryDelay)
			if err != nil {
				return nil, fmt.Errorf("recovery.retry_delay: %w", err)
			}

			opts = append(opts, WithRecoveryRetryDelay(d))
		}
	}

	return opts, nil
}

func (r *RetryFileConfig) build() (RetryConfig, error) {
	var (
		rc  RetryConfig
		err error
	)

	if r.MaxAttempts != nil {
		rc.MaxAttempts = *r.MaxAttempts
	}

	if r.Multiplier != nil {
		rc.BackoffMultiplier = *r.Multiplier
	}

	if rc.BaseDelay, err = optionalDuration("base_delay", r.BaseDelay); err != nil {
		return rc, err
	}

	if rc.MaxDelay, err = optionalDuration("max_delay", r.MaxDelay); err != nil {
		return rc, err
	}

	if rc.Timeout, err = optionalDuration("timeout", r.Timeout); err != nil {
		return rc, err
	}

	if r.RetryableKinds != nil {
		if rc.RetryableKinds, err = parseKinds(r.RetryableKinds); err != nil {
			return rc, fmt.Errorf("retryable_kinds: %w", err)
		}
	}

	return rc, nil
}

func (cb *CircuitBreakerConfig) build() ([]CircuitBreakerOption, error) {
	var opts []CircuitBreakerOption

	if cb.FailureThreshold != nil {
		opts = append(opts, FailureThreshold(*cb.FailureThreshold))
	}

	if cb.SuccessThreshold != nil {
		opts = append(opts, SuccessThreshold(*cb.SuccessThreshold))
	}

	if cb.RecoveryTimeout != nil {
		d, err := time.ParseDuration(*cb.RecoveryTimeout)
		if err != nil {
			return nil, fmt.Errorf("recovery_timeout: %w", err)
		}

		opts = append(opts, RecoveryTimeout(d))
	}

	if cb.HalfOpenTimeout != nil {
		d, err := time.ParseDuration(*cb.HalfOpenTimeout)
		if err != nil {
			return nil, fmt.Errorf("half_open_timeout: %w", err)
		}

		opts = append(opts, HalfOpenTimeout(d))
	}

	if cb.TripOn != nil {
		kinds, err := parseKinds(cb.TripOn)
		if err != nil {
			return nil, fmt.Errorf("trip_on: %w", err)
		}

		opts = append(opts, TripOn(kinds...))
	}

	return opts, nil
}

// MonitorOptions converts the monitor section into [MonitorOption]s.
func (c *Config) MonitorOptions() ([]MonitorOption, error) {
	if c.Monitor == nil {
		return nil, nil
	}

	var opts []MonitorOption

	if c.Monitor.Capacity != nil {
		opts = append(opts, WithMonitorCapacity(*c.Monitor.Capacity))
	}

	if len(c.Monitor.Rules) == 0 {
		return opts, nil
	}

	rules := make([]EscalationRule, 0, len(c.Monitor.Rules))

	for i, rc := range c.Monitor.Rules {
		rule, err := rc.build()
		if err != nil {
			return nil, fmt.Errorf("monitor.rules[%d]: %w", i, err)
		}

		rules = append(rules, rule)
	}

	return append(opts, WithEscalationRules(rules...)), nil
}

// NotifyQueueSize returns the configured notification queue size, or 0 for
// the default.
func (c *Config) NotifyQueueSize() int {
	if c.Monitor == nil || c.Monitor.NotifyQueue == nil {
		return 0
	}

	return *c.Monitor.NotifyQueue
}

func (rc EscalationRuleConfig) build() (EscalationRule, error) {
	if rc.Name == "" {
		return EscalationRule{}, fmt.Errorf("name is required")
	}

	sev, ok := ParseSeverity(rc.MinSeverity)
	if !ok {
		return EscalationRule{}, fmt.Errorf("min_severity: unknown severity %q", rc.MinSeverity)
	}

	if rc.Count <= 0 {
		return EscalationRule{}, fmt.Errorf("count must be positive")
	}

	window, err := time.ParseDuration(rc.Window)
	if err != nil {
		return EscalationRule{}, fmt.Errorf("window: %w", err)
	}

	cooldown := window
	if rc.Cooldown != "" {
		if cooldown, err = time.ParseDuration(rc.Cooldown); err != nil {
			return EscalationRule{}, fmt.Errorf("cooldown: %w", err)
		}
	}

	return EscalationRule{
		Name:        rc.Name,
		MinSeverity: sev,
		Count:       rc.Count,
		Window:      window,
		Cooldown:    cooldown,
	}, nil
}

// ValidatorOptions converts the auth_state section into [ValidatorOption]s.
func (c *Config) ValidatorOptions() ([]ValidatorOption, error) {
	if c.AuthState == nil {
		return nil, nil
	}

	var opts []ValidatorOption

	if c.AuthState.MaxPayloadBytes != nil {
		opts = append(opts, WithMaxPayloadBytes(*c.AuthState.MaxPayloadBytes))
	}

	if c.AuthState.ClockSkew != nil {
		d, err := time.ParseDuration(*c.AuthState.ClockSkew)
		if err != nil {
			return nil, fmt.Errorf("auth_state.clock_skew: %w", err)
		}

		opts = append(opts, WithClockSkew(d))
	}

	if c.AuthState.EmptyResult != nil {
		switch *c.AuthState.EmptyResult {
		case "cleanup":
			opts = append(opts, WithEmptyResultPolicy(EmptyCleanup))
		case "none":
			opts = append(opts, WithEmptyResultPolicy(EmptyNoAction))
		default:
			return nil, fmt.Errorf("auth_state.empty_result: unknown policy %q", *c.AuthState.EmptyResult)
		}
	}

	return opts, nil
}

// StateAttempts returns the configured recovery attempt budget, or 0 for the
// default.
func (c *Config) StateAttempts() int {
	if c.AuthState == nil || c.AuthState.MaxAttempts == nil {
		return 0
	}

	return *c.AuthState.MaxAttempts
}

// CacheTTL returns the configured cache entry lifetime, or 0.
func (c *Config) CacheTTL() (time.Duration, error) {
	if c.Cache == nil {
		return 0, nil
	}

	return optionalDuration("cache.ttl", c.Cache.TTL)
}

// NotifyTimeout returns the configured delivery timeout, or 0.
func (c *Config) NotifyTimeout() (time.Duration, error) {
	if c.Notify == nil {
		return 0, nil
	}

	return optionalDuration("notify.timeout", c.Notify.Timeout)
}

func optionalDuration(field string, s *string) (time.Duration, error) {
	if s == nil {
		return 0, nil
	}

	d, err := time.ParseDuration(*s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}

	return d, nil
}

func parseKinds(names []string) ([]ErrorKind, error) {
	kinds := make([]ErrorKind, 0, len(names))

	for _, n := range names {
		k := ErrorKind(strings.ToUpper(n))
		if !k.Valid() {
			return nil, fmt.Errorf("unknown error kind %q", n)
		}

		kinds = append(kinds, k)
	}

	return kinds, nil
}
