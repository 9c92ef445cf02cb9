package reqguard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadConfigJSON(t *testing.T) {
	t.Setenv("REQGUARD_TEST_NAME", "catalog-api")

	path := writeConfig(t, "reqguard.json", `{
		"name": "${REQGUARD_TEST_NAME}",
		"retry": {
			"max_attempts": 4,
			"base_delay": "200ms",
			"retryable_kinds": ["network", "TIMEOUT"]
		},
		"circuit_breaker": {"failure_threshold": 2, "trip_on": ["server"]},
		"limits": {"rate_per_second": 5, "max_in_flight": 2},
		"recovery": {"max_rounds": 0, "retry_delay": "250ms"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	opts, err := BuildOptions(cfg)
	require.NoError(t, err)

	c := NewClient(script(respond(200, ``)), opts...)

	assert.Equal(t, "catalog-api", c.Name())
	assert.Equal(t, 4, c.retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, c.retry.BaseDelay)
	assert.Equal(t, 30*time.Second, c.retry.MaxDelay, "unset fields keep defaults")
	assert.Equal(t, []ErrorKind{KindNetwork, KindTimeout}, c.retry.RetryableKinds)
	assert.Equal(t, 2, c.breaker.cfg.failureThreshold)
	assert.True(t, c.breaker.Trips(KindServer))
	assert.False(t, c.breaker.Trips(KindNetwork))
	require.NotNil(t, c.limiter)
	assert.Equal(t, fixedPointScale, c.limiter.capacity, "burst defaults to one")
	require.NotNil(t, c.bulkhead)
	assert.Equal(t, int64(2), c.bulkhead.maxConcurrent)
	assert.Zero(t, c.maxRounds)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "reqguard.yaml", `
name: feed
limits:
  rate_per_second: 10
  burst: 4
monitor:
  capacity: 50
  notify_queue: 8
  rules:
    - name: server-storm
      min_severity: HIGH
      count: 4
      window: 2m
    - name: any
      min_severity: LOW
      count: 1
      window: 1m
      cooldown: 10s
auth_state:
  max_payload_bytes: 4096
  max_attempts: 5
  clock_skew: 30s
  empty_result: none
cache:
  backend: otter
  ttl: 5m
  max_size: 100
notify:
  webhook_url: http://hooks.local/escalations
  timeout: 2s
log_level: debug
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	opts, err := BuildOptions(cfg)
	require.NoError(t, err)

	c := NewClient(script(respond(200, ``)), opts...)
	assert.Equal(t, "feed", c.Name())
	assert.Equal(t, 4*fixedPointScale, c.limiter.capacity)

	monOpts, err := cfg.MonitorOptions()
	require.NoError(t, err)

	m := NewMonitor(monOpts...)
	assert.Len(t, m.buf, 50)
	assert.Equal(t, []EscalationRule{
		{Name: "server-storm", MinSeverity: SeverityHigh, Count: 4, Window: 2 * time.Minute, Cooldown: 2 * time.Minute},
		{Name: "any", MinSeverity: SeverityLow, Count: 1, Window: time.Minute, Cooldown: 10 * time.Second},
	}, m.rules)
	assert.Equal(t, 8, cfg.NotifyQueueSize())

	valOpts, err := cfg.ValidatorOptions()
	require.NoError(t, err)

	v := NewStateValidator(valOpts...)
	assert.Equal(t, 4096, v.maxPayload)
	assert.Equal(t, 30*time.Second, v.clockSkew)
	assert.Equal(t, EmptyNoAction, v.emptyPolicy)
	assert.Equal(t, 5, cfg.StateAttempts())

	ttl, err := cfg.CacheTTL()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ttl)

	timeout, err := cfg.NotifyTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, timeout)
	assert.Equal(t, "http://hooks.local/escalations", cfg.Notify.WebhookURL)
	assert.Equal(t, "debug", *cfg.LogLevel)
}

func TestEmptyConfigKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{}`), ".json")
	require.NoError(t, err)

	opts, err := BuildOptions(cfg)
	require.NoError(t, err)
	assert.Empty(t, opts)

	assert.Zero(t, cfg.NotifyQueueSize())
	assert.Zero(t, cfg.StateAttempts())
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "malformed json", body: `{"name":`, wantErr: "parse config"},
		{name: "base delay", body: `{"retry":{"base_delay":"soon"}}`, wantErr: "retry: base_delay"},
		{name: "retry kind", body: `{"retry":{"retryable_kinds":["DISK"]}}`, wantErr: `unknown error kind "DISK"`},
		{name: "trip on", body: `{"circuit_breaker":{"trip_on":["nope"]}}`, wantErr: "circuit_breaker: trip_on"},
		{name: "recovery timeout", body: `{"circuit_breaker":{"recovery_timeout":"1 minute"}}`, wantErr: "recovery_timeout"},
		{name: "retry delay", body: `{"recovery":{"retry_delay":"x"}}`, wantErr: "recovery.retry_delay"},
		{
			name:    "severity",
			body:    `{"monitor":{"rules":[{"name":"r","min_severity":"huge","count":1,"window":"1m"}]}}`,
			wantErr: "monitor.rules[0]: min_severity",
		},
		{
			name:    "rule count",
			body:    `{"monitor":{"rules":[{"name":"r","min_severity":"LOW","count":0,"window":"1m"}]}}`,
			wantErr: "count must be positive",
		},
		{
			name:    "rule name",
			body:    `{"monitor":{"rules":[{"min_severity":"LOW","count":1,"window":"1m"}]}}`,
			wantErr: "name is required",
		},
		{name: "clock skew", body: `{"auth_state":{"clock_skew":"later"}}`, wantErr: "auth_state.clock_skew"},
		{name: "empty result", body: `{"auth_state":{"empty_result":"panic"}}`, wantErr: "unknown policy"},
		{name: "cache ttl", body: `{"cache":{"ttl":"forever"}}`, wantErr: "cache.ttl"},
		{name: "cache backend", body: `{"cache":{"backend":"memcached"}}`, wantErr: "unknown backend"},
		{name: "redis cache", body: `{"cache":{"backend":"redis"}}`, wantErr: "redis.addr is required"},
		{name: "notify timeout", body: `{"notify":{"timeout":"1"}}`, wantErr: "notify.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.body), ".json")
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
