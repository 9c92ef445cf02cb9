package reqguard

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, entries map[string]string) ResponseCache {
	t.Helper()

	c := NewStoreResponseCache(NewMemoryStore(), "fallback:")
	for k, v := range entries {
		c.Store(context.Background(), k, []byte(v))
	}

	return c
}

func TestNetworkRecoveryRetriesWithinBudget(t *testing.T) {
	s := NewNetworkRecovery(nil, time.Second)

	resp, err := s.Recover(context.Background(), serverError(),
		&RecoveryContext{RetryBudget: 1, Attempts: 1, MaxAttempts: 3})

	require.NoError(t, err)
	assert.True(t, resp.ShouldRetry)
	assert.True(t, resp.Handled)
	assert.Equal(t, RecoveryRetry, resp.RecoveryType)
	assert.Equal(t, time.Second, resp.RetryAfter)
	assert.NotEmpty(t, resp.UserMessage)
}

func TestNetworkRecoveryStopsWhenAttemptsAreSpent(t *testing.T) {
	s := NewNetworkRecovery(newTestCache(t, map[string]string{"GET /items": `[1]`}), time.Second)

	resp, err := s.Recover(context.Background(), serverError(),
		&RecoveryContext{CacheKey: "GET /items", RetryBudget: 1, Attempts: 3, MaxAttempts: 3})

	require.NoError(t, err)
	assert.False(t, resp.ShouldRetry)
	assert.Equal(t, RecoveryCached, resp.RecoveryType)

	resp, err = s.Recover(context.Background(), serverError(),
		&RecoveryContext{RetryBudget: 1, Attempts: 3, MaxAttempts: 3})

	require.NoError(t, err)
	assert.False(t, resp.ShouldRetry)
	assert.True(t, resp.RequiresUserAction)
}

func TestNetworkRecoveryUsesRetryAfter(t *testing.T) {
	s := NewNetworkRecovery(nil, time.Second)
	ce := Classify(&StatusError{
		Status: http.StatusTooManyRequests,
		Header: http.Header{"Retry-After": []string{"30"}},
	}, 0, nil)

	resp, err := s.Recover(context.Background(), ce,
		&RecoveryContext{RetryBudget: 1, Attempts: 1, MaxAttempts: 3})

	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, resp.RetryAfter)
}

func TestNetworkRecoveryFallsBackToCache(t *testing.T) {
	s := NewNetworkRecovery(newTestCache(t, map[string]string{"GET /items": `[1]`}), time.Second)

	resp, err := s.Recover(context.Background(), serverError(), &RecoveryContext{CacheKey: "GET /items"})

	require.NoError(t, err)
	assert.False(t, resp.ShouldRetry)
	assert.Equal(t, RecoveryCached, resp.RecoveryType)
	assert.Equal(t, `[1]`, string(resp.FallbackData))

	resp, err = s.Recover(context.Background(), serverError(), &RecoveryContext{CacheKey: "GET /other"})

	require.NoError(t, err)
	assert.True(t, resp.RequiresUserAction)
	assert.Equal(t, serverError().UserMessage, resp.UserMessage)
}

func TestNetworkRecoveryDeclinesCircuitRejections(t *testing.T) {
	s := NewNetworkRecovery(nil, time.Second)

	assert.False(t, s.CanRecover(circuitOpenError(testRC(), itemsKey)))
	assert.True(t, s.CanRecover(serverError()))
	assert.True(t, s.CanRecover(Classify(context.DeadlineExceeded, 0, nil)))
	assert.False(t, s.CanRecover(Classify(&StatusError{Status: 404}, 0, nil)))
}

func TestAuthRecoveryRefreshes(t *testing.T) {
	creds := &fakeCredentials{token: "stale"}
	s := NewAuthRecovery(NewRefresher(creds, nil, nil))
	ce := Classify(&StatusError{Status: http.StatusUnauthorized}, 0, nil)

	require.True(t, s.CanRecover(ce))
	assert.False(t, s.CanRecover(Classify(&StatusError{Status: http.StatusForbidden}, 0, nil)))

	resp, err := s.Recover(context.Background(), ce, &RecoveryContext{Token: "stale", RetryBudget: 1})

	require.NoError(t, err)
	assert.True(t, resp.ShouldRetry)
	assert.Equal(t, RecoveryRefresh, resp.RecoveryType)

	refreshes, _ := creds.counts()
	assert.Equal(t, 1, refreshes)
}

func TestAuthRecoveryFailedRefreshRequiresSignIn(t *testing.T) {
	creds := &fakeCredentials{token: "stale", refreshErr: errors.New("refresh token revoked")}
	s := NewAuthRecovery(NewRefresher(creds, nil, nil))
	ce := Classify(&StatusError{Status: http.StatusUnauthorized}, 0, nil)

	resp, err := s.Recover(context.Background(), ce, &RecoveryContext{Token: "stale", RetryBudget: 1})

	require.NoError(t, err)
	assert.True(t, resp.RequiresUserAction)
	assert.False(t, resp.ShouldRetry)
	assert.NotContains(t, resp.UserMessage, "revoked")

	_, invalidated := creds.counts()
	assert.Equal(t, 1, invalidated)
}

func TestParsingRecoveryServesCachedStats(t *testing.T) {
	cache := newTestCache(t, map[string]string{"GET /stats": `{"total":3}`})
	s := NewParsingRecovery(cache, nil)
	ce := Classify(&ParseError{Err: errors.New("unexpected end of JSON input")}, 0, nil)

	require.True(t, s.CanRecover(ce))

	resp, err := s.Recover(context.Background(), ce, &RecoveryContext{CacheKey: "GET /stats", RetryBudget: 1})

	require.NoError(t, err)
	assert.True(t, resp.Handled)
	assert.False(t, resp.ShouldRetry)
	assert.Equal(t, RecoveryCached, resp.RecoveryType)
	assert.Equal(t, `{"total":3}`, string(resp.FallbackData))
}

func TestParsingRecoveryDefaultsThenEmpty(t *testing.T) {
	defaults := func(key string) ([]byte, bool) {
		if key == "GET /settings" {
			return []byte(`{"theme":"light"}`), true
		}

		return nil, false
	}

	s := NewParsingRecovery(nil, defaults)
	ce := Classify(&ParseError{Err: errors.New("bad")}, 0, nil)

	resp, err := s.Recover(context.Background(), ce, &RecoveryContext{CacheKey: "GET /settings"})
	require.NoError(t, err)
	assert.Equal(t, RecoveryFallback, resp.RecoveryType)
	assert.Equal(t, `{"theme":"light"}`, string(resp.FallbackData))

	resp, err = s.Recover(context.Background(), ce, &RecoveryContext{CacheKey: "GET /feed"})
	require.NoError(t, err)
	assert.True(t, resp.Handled)
	assert.Nil(t, resp.FallbackData)
	assert.NotEmpty(t, resp.UserMessage)
}

func TestCorruptedStateRecovery(t *testing.T) {
	persistent := NewMemoryStore()
	session := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, persistent.Set(ctx, "auth_user", `{"id":"u1","email":"a@b.c"}`))
	require.NoError(t, persistent.Set(ctx, "auth_token", "not-a-jwt"))

	rec := NewStateRecoverer(persistent, session)
	source := func(ctx context.Context) (AuthStateSnapshot, error) {
		return CaptureSnapshot(ctx, persistent, DefaultAuthKeys(), nil)
	}

	s := NewCorruptedStateRecovery(rec, source)
	ce := Classify(&StatusError{Status: http.StatusUnauthorized}, 0, nil)

	assert.False(t, s.CanRecover(ce))

	flagged := ce.With(MetaCorruptedState, true)
	require.True(t, s.CanRecover(flagged))

	resp, err := s.Recover(ctx, flagged, &RecoveryContext{RetryBudget: 1})

	require.NoError(t, err)
	assert.True(t, resp.ShouldRetry)
	assert.Equal(t, RecoveryStateReset, resp.RecoveryType)

	mode, ok, _ := persistent.Get(ctx, "auth_persistence_mode")
	require.True(t, ok)
	assert.Equal(t, "session_only", mode)

	user, ok, _ := session.Get(ctx, "auth_user")
	require.True(t, ok)
	assert.Contains(t, user, "u1")
}

func TestCorruptedStateRecoveryRequiresSignInAfterReset(t *testing.T) {
	persistent := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, persistent.Set(ctx, "auth_user", `{not json`))

	creds := &fakeCredentials{token: "t"}
	rec := NewStateRecoverer(persistent, NewMemoryStore(), WithRecoveryCredentials(creds))
	s := NewCorruptedStateRecovery(rec, func(ctx context.Context) (AuthStateSnapshot, error) {
		return CaptureSnapshot(ctx, persistent, DefaultAuthKeys(), nil)
	})

	resp, err := s.Recover(ctx, serverError().With(MetaCorruptedState, true), &RecoveryContext{RetryBudget: 1})

	require.NoError(t, err)
	assert.True(t, resp.RequiresUserAction)
	assert.False(t, resp.ShouldRetry)
	assert.Empty(t, persistent.Keys())

	_, invalidated := creds.counts()
	assert.Equal(t, 1, invalidated)
}

func TestCorruptedStateRecoverySourceFailure(t *testing.T) {
	s := NewCorruptedStateRecovery(NewStateRecoverer(NewMemoryStore(), NewMemoryStore()),
		func(context.Context) (AuthStateSnapshot, error) { return AuthStateSnapshot{}, errors.New("disk") })

	_, err := s.Recover(context.Background(), serverError(), &RecoveryContext{})
	require.ErrorContains(t, err, "disk")
}

func TestRefresherSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	creds := &fakeCredentials{token: "stale", gate: gate}
	r := NewRefresher(creds, nil, nil)

	const callers = 8

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens = make(map[string]int)
	)

	started := make(chan struct{}, callers)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			started <- struct{}{}

			token, _, err := r.Refresh(context.Background(), "stale")
			assert.NoError(t, err)

			mu.Lock()
			tokens[token]++
			mu.Unlock()
		}()
	}

	for range callers {
		<-started
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	refreshes, _ := creds.counts()
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, map[string]int{"token-1": callers}, tokens)

	token, shared, err := r.Refresh(context.Background(), "stale")
	require.NoError(t, err)
	assert.True(t, shared, "a caller holding the stale token gets the newer one")
	assert.Equal(t, "token-1", token)

	refreshes, _ = creds.counts()
	assert.Equal(t, 1, refreshes)
}

func TestRefresherCallerCancellation(t *testing.T) {
	gate := make(chan struct{})
	creds := &fakeCredentials{gate: gate}
	r := NewRefresher(creds, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := r.Refresh(ctx, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.Eventually(t, func() bool {
		refreshes, _ := creds.counts()
		return refreshes == 1
	}, time.Second, time.Millisecond)
}
