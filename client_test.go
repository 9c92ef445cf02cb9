package reqguard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const itemsURL = "https://api.example.com/items?page=1"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(rt Runtime, clk Clock, opts ...Option) *Client {
	base := []Option{
		WithClock(clk),
		WithRetryConfig(fastRetry(3)),
		WithLogger(quietLogger()),
	}

	return NewClient(rt, append(base, opts...)...)
}

func TestClientExecuteSuccessCaches(t *testing.T) {
	rt := script(respond(http.StatusOK, `[1,2]`))
	cache := newTestCache(t, nil)
	c := newTestClient(rt, newManualClock(), WithResponseCache(cache))

	resp, err := c.Execute(context.Background(), &Request{URL: itemsURL})

	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(resp.Body))
	assert.False(t, resp.FromFallback)

	req := rt.request(0)
	assert.Equal(t, http.MethodGet, req.Method)

	body, ok := cache.Load(context.Background(), "GET "+itemsURL)
	require.True(t, ok)
	assert.Equal(t, `[1,2]`, string(body))

	assert.Equal(t, CircuitClosed, c.CircuitState(http.MethodGet, "/items").State)
	assert.Zero(t, c.Metrics().Total)
}

func TestClientDoesNotCacheWrites(t *testing.T) {
	rt := script(respond(http.StatusCreated, `{"id":1}`))
	cache := newTestCache(t, nil)
	c := newTestClient(rt, newManualClock(), WithResponseCache(cache))

	_, err := c.Execute(context.Background(), &Request{Method: "post", URL: itemsURL})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, rt.request(0).Method)
	_, ok := cache.Load(context.Background(), "POST "+itemsURL)
	assert.False(t, ok)
}

func TestClientInjectsBearerToken(t *testing.T) {
	rt := script(respond(http.StatusOK, `{}`))
	creds := &fakeCredentials{token: "t0"}
	c := newTestClient(rt, newManualClock(), WithCredentials(creds))

	header := http.Header{"X-Trace": []string{"abc"}}
	_, err := c.Execute(context.Background(), &Request{URL: itemsURL, Header: header})

	require.NoError(t, err)
	assert.Equal(t, "Bearer t0", rt.request(0).Header.Get("Authorization"))
	assert.Equal(t, "abc", rt.request(0).Header.Get("X-Trace"))
	assert.Empty(t, header.Get("Authorization"), "caller headers are not mutated")
}

func TestClientRefreshesAfterUnauthorized(t *testing.T) {
	rt := script(respond(http.StatusUnauthorized, ``), respond(http.StatusOK, `{"ok":true}`))
	creds := &fakeCredentials{token: "t0"}

	var refreshed []bool

	c := newTestClient(rt, newManualClock(),
		WithCredentials(creds),
		WithHooks(Hooks{OnTokenRefresh: func(shared bool, err error) {
			assert.NoError(t, err)
			refreshed = append(refreshed, shared)
		}}),
	)

	resp, err := c.Execute(context.Background(), &Request{URL: itemsURL})

	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	require.Equal(t, 2, rt.calls())
	assert.Equal(t, "Bearer t0", rt.request(0).Header.Get("Authorization"))
	assert.Equal(t, "Bearer token-1", rt.request(1).Header.Get("Authorization"))
	assert.Equal(t, []bool{false}, refreshed)

	metrics := c.Metrics()
	assert.Equal(t, 1, metrics.ByKind[KindAuth])
}

func TestClientFailedRefreshRequiresSignIn(t *testing.T) {
	rt := script(respond(http.StatusUnauthorized, ``))
	creds := &fakeCredentials{token: "t0", refreshErr: errors.New("revoked")}
	c := newTestClient(rt, newManualClock(), WithCredentials(creds))

	_, err := c.Execute(context.Background(), &Request{URL: itemsURL})

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindAuth, execErr.Err.Kind)
	assert.True(t, execErr.Recovery.RequiresUserAction)
	assert.Equal(t, "Your session has expired. Please sign in again.", execErr.UserMessage())
	assert.Equal(t, 1, rt.calls())

	_, invalidated := creds.counts()
	assert.Equal(t, 1, invalidated)
}

func TestClientServesCachedFallback(t *testing.T) {
	rt := script(respond(http.StatusOK, `[1,2]`), respond(http.StatusServiceUnavailable, ``))

	var served []string

	c := newTestClient(rt, newManualClock(),
		WithResponseCache(newTestCache(t, nil)),
		WithMaxRecoveryRounds(0),
		WithHooks(Hooks{OnFallbackServed: func(key string) { served = append(served, key) }}),
	)

	_, err := c.Execute(context.Background(), &Request{URL: itemsURL})
	require.NoError(t, err)

	resp, err := c.Execute(context.Background(), &Request{URL: itemsURL})

	require.NoError(t, err)
	assert.True(t, resp.FromFallback)
	assert.Equal(t, `[1,2]`, string(resp.Body))
	assert.NotEmpty(t, resp.UserMessage)
	require.NotNil(t, resp.Recovery)
	assert.Equal(t, RecoveryCached, resp.Recovery.RecoveryType)
	assert.Equal(t, 4, rt.calls())
	assert.Equal(t, []string{"GET /items"}, served)
	assert.Equal(t, 1, c.Metrics().ByKind[KindServer])
}

func TestClientTransientFailureUsesExactlyMaxAttempts(t *testing.T) {
	rt := script(respond(http.StatusServiceUnavailable, ``))
	c := newTestClient(rt, newManualClock(),
		WithBreakerOptions(FailureThreshold(100)),
		WithMaxRecoveryRounds(3),
	)

	_, err := c.Execute(context.Background(), &Request{URL: itemsURL})

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, rt.calls(), "recovery does not start a second retry budget")
	assert.Equal(t, 2, execErr.Err.Context.RetryCount)
	assert.False(t, execErr.Recovery.ShouldRetry)
	assert.True(t, execErr.Recovery.RequiresUserAction)
}

func TestClientCircuitOpensWithinAttemptBudget(t *testing.T) {
	rt := script(respond(http.StatusBadGateway, ``))
	c := newTestClient(rt, newManualClock(), WithBreakerOptions(FailureThreshold(3)))

	_, err := c.Execute(context.Background(), &Request{URL: itemsURL})

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, rt.calls())
	assert.Equal(t, CircuitOpen, c.CircuitState(http.MethodGet, "/items").State)

	// The open circuit rejects without calling the runtime.
	_, err = c.Execute(context.Background(), &Request{URL: itemsURL})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, rt.calls())

	metrics := c.Metrics()
	assert.Equal(t, 1, metrics.ByKind[KindServer], "rejections are not server failures")
	assert.Equal(t, 1, metrics.CircuitRejections)

	health := c.HealthStatus()
	assert.False(t, health.Healthy)
	assert.Equal(t, []string{"GET /items"}, health.OpenCircuits)
}

func TestClientUnrecoverableError(t *testing.T) {
	rt := script(respond(http.StatusNotFound, `missing`))
	c := newTestClient(rt, newManualClock())

	_, err := c.Execute(context.Background(), &Request{URL: itemsURL, Component: "catalog"})

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindValidation, execErr.Err.Kind)
	assert.Equal(t, http.StatusNotFound, execErr.Err.StatusCode)
	assert.Equal(t, "catalog", execErr.Err.Context.Component)
	assert.True(t, execErr.Recovery.RequiresUserAction)
	assert.NotContains(t, execErr.UserMessage(), "missing")
	assert.Equal(t, 1, rt.calls())
	assert.Equal(t, map[string]int{"/items": 1}, c.Metrics().ByEndpoint)
}

func TestClientWithoutRecovery(t *testing.T) {
	rt := script(respond(http.StatusServiceUnavailable, ``))
	c := newTestClient(rt, newManualClock(), WithResponseCache(newTestCache(t, map[string]string{
		"GET " + itemsURL: `[1]`,
	})))

	_, err := c.Execute(context.Background(), &Request{URL: itemsURL}, WithoutRecovery())

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, RecoveryResponse{}, execErr.Recovery)
	assert.Equal(t, 3, rt.calls())
	assert.Equal(t, 1, c.Metrics().Total)
}

func TestClientCancellationSkipsRecoveryAndMonitoring(t *testing.T) {
	rt := script(hang())
	c := newTestClient(rt, newManualClock())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Execute(ctx, &Request{URL: itemsURL})

	require.ErrorIs(t, err, context.Canceled)

	var execErr *ExecuteError
	assert.False(t, errors.As(err, &execErr))
	assert.Zero(t, c.Metrics().Total)
	assert.Equal(t, CircuitClosed, c.CircuitState(http.MethodGet, "/items").State)
}

type itemStats struct {
	Total int `json:"total"`
}

func TestExecuteJSON(t *testing.T) {
	rt := script(respond(http.StatusOK, `{"total":7}`))
	c := newTestClient(rt, newManualClock())

	got, resp, err := ExecuteJSON[itemStats](context.Background(), c, &Request{URL: itemsURL})

	require.NoError(t, err)
	assert.Equal(t, itemStats{Total: 7}, got)
	assert.False(t, resp.FromFallback)
}

func TestExecuteJSONMalformedServesCache(t *testing.T) {
	rt := script(respond(http.StatusOK, `{"total":`))
	c := newTestClient(rt, newManualClock(), WithResponseCache(newTestCache(t, map[string]string{
		"stats": `{"total":3}`,
	})))

	got, resp, err := ExecuteJSON[itemStats](context.Background(), c,
		&Request{URL: itemsURL}, WithCacheKey("stats"))

	require.NoError(t, err)
	assert.Equal(t, itemStats{Total: 3}, got)
	assert.True(t, resp.FromFallback)
	assert.Equal(t, 1, rt.calls(), "malformed bodies are never retried")
	assert.Equal(t, 1, c.Metrics().ByKind[KindParsing])
}

func TestExecuteJSONMalformedWithoutData(t *testing.T) {
	rt := script(respond(http.StatusOK, `<html>`))
	c := newTestClient(rt, newManualClock())

	got, resp, err := ExecuteJSON[itemStats](context.Background(), c, &Request{URL: itemsURL})

	require.NoError(t, err)
	assert.Zero(t, got)
	assert.True(t, resp.FromFallback)
	assert.Empty(t, resp.Body)
	assert.NotEmpty(t, resp.UserMessage)
}

func TestExecuteJSONUsesDefaults(t *testing.T) {
	rt := script(respond(http.StatusOK, `nope`))
	c := newTestClient(rt, newManualClock(), WithDefaults(func(key string) ([]byte, bool) {
		return []byte(`{"total":0}`), key == "GET "+itemsURL
	}))

	got, resp, err := ExecuteJSON[itemStats](context.Background(), c, &Request{URL: itemsURL})

	require.NoError(t, err)
	assert.Equal(t, itemStats{}, got)
	assert.Equal(t, RecoveryFallback, resp.Recovery.RecoveryType)
}

func TestClientFlagsCorruptedState(t *testing.T) {
	ctx := context.Background()
	persistent := NewMemoryStore()
	require.NoError(t, persistent.Set(ctx, "auth_user", `{"id":`))
	require.NoError(t, persistent.Set(ctx, "auth_token", "t0"))

	creds := &fakeCredentials{token: "t0"}
	recoverer := NewStateRecoverer(persistent, NewMemoryStore(),
		WithRecoveryCredentials(creds),
		WithStateLogger(quietLogger()),
	)
	source := func(ctx context.Context) (AuthStateSnapshot, error) {
		return CaptureSnapshot(ctx, persistent, DefaultAuthKeys(), nil)
	}

	rt := script(respond(http.StatusUnauthorized, ``))
	c := newTestClient(rt, newManualClock(), WithCredentials(creds), WithStateRecovery(recoverer, source))

	_, err := c.Execute(ctx, &Request{URL: itemsURL})

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, RecoveryStateReset, execErr.Recovery.RecoveryType)
	assert.True(t, execErr.Recovery.RequiresUserAction)
	assert.Empty(t, persistent.Keys())

	recent := c.Monitor().Recent(1)
	require.Len(t, recent, 1)
	flagged, _ := recent[0].Meta(MetaCorruptedState)
	assert.Equal(t, true, flagged)

	refreshes, invalidated := creds.counts()
	assert.Zero(t, refreshes, "corrupted state takes precedence over refresh")
	assert.Equal(t, 1, invalidated)
}

func TestClientDetectAndRecover(t *testing.T) {
	c := newTestClient(script(respond(http.StatusOK, ``)), newManualClock())

	_, err := c.DetectAndRecover(context.Background(), AuthStateSnapshot{})
	require.Error(t, err)

	store := NewMemoryStore()
	c = newTestClient(script(respond(http.StatusOK, ``)), newManualClock(),
		WithStateRecovery(NewStateRecoverer(store, NewMemoryStore()), nil))

	res, err := c.DetectAndRecover(context.Background(), AuthStateSnapshot{})
	require.NoError(t, err)
	assert.True(t, res.Validation.IsValid)
}

func TestClientBulkheadRejects(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	rt := RuntimeFunc(func(_ context.Context, req *Request) (*Response, error) {
		if req.Endpoint == "/slow" {
			close(started)
			<-release
		}

		return &Response{Status: http.StatusOK}, nil
	})

	var rejected []string

	c := newTestClient(rt, newManualClock(),
		WithMaxConcurrency(1),
		WithHooks(Hooks{OnBulkheadFull: func(key string) { rejected = append(rejected, key) }}),
	)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		_, err := c.Execute(context.Background(), &Request{URL: itemsURL, Endpoint: "/slow"})
		assert.NoError(t, err)
	}()

	<-started

	_, err := c.Execute(context.Background(), &Request{URL: itemsURL, Endpoint: "/fast"})

	require.ErrorIs(t, err, ErrBulkheadFull)

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindRateLimit, execErr.Err.Kind)
	assert.Equal(t, []string{"GET /fast"}, rejected)

	close(release)
	wg.Wait()

	_, err = c.Execute(context.Background(), &Request{URL: itemsURL, Endpoint: "/fast"})
	require.NoError(t, err)
}

func TestClientRateLimitPacesAttempts(t *testing.T) {
	clk := newManualClock()
	start := clk.Now()
	rt := script(respond(http.StatusOK, `{}`))
	c := newTestClient(rt, clk, WithRateLimit(1, 1))

	for range 3 {
		_, err := c.Execute(context.Background(), &Request{URL: itemsURL})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, rt.calls())
	assert.Equal(t, 2*time.Second, clk.Now().Sub(start))
}

func TestClientRegistersAndCloses(t *testing.T) {
	reg := NewRegistry()
	c := newTestClient(script(respond(http.StatusOK, ``)), newManualClock(), WithName("catalog"), WithRegistry(reg))

	assert.Equal(t, "catalog", c.Name())
	assert.True(t, reg.CheckReadiness().Ready)
	assert.Equal(t, 1, reg.Len())
	require.NoError(t, c.Close(context.Background()))
	assert.Zero(t, reg.Len(), "closed clients leave the registry")

	shared := NewMonitor()
	c = newTestClient(script(respond(http.StatusOK, ``)), newManualClock(), WithMonitor(shared))
	assert.Same(t, shared, c.Monitor())
	require.NoError(t, c.Close(context.Background()))
}

func TestExecuteJSONIgnoresAbandonedAttempt(t *testing.T) {
	release := make(chan struct{})

	// The first attempt ignores its deadline and answers only once the
	// retry is already running.
	stale := func(context.Context, *Request) (*Response, error) {
		<-release
		return &Response{Status: http.StatusOK, Body: []byte(`{"total":1}`)}, nil
	}
	fresh := func(context.Context, *Request) (*Response, error) {
		close(release)
		time.Sleep(5 * time.Millisecond)

		return &Response{Status: http.StatusOK, Body: []byte(`{"total":2}`)}, nil
	}

	rt := script(stale, fresh)
	c := newTestClient(rt, newManualClock())

	got, resp, err := ExecuteJSON[itemStats](context.Background(), c, &Request{URL: itemsURL},
		WithRetry(RetryConfig{Timeout: 50 * time.Millisecond}))

	require.NoError(t, err)
	assert.Equal(t, itemStats{Total: 2}, got, "a timed-out attempt never writes the result")
	assert.False(t, resp.FromFallback)
	assert.Equal(t, 2, rt.calls())
}
