package reqguard

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// manualClock: settable clock whose timers fire at once
// ---------------------------------------------------------------------------

// manualClock only moves when told to. Timers fire immediately and advance
// the clock by their duration, so backoff waits are both instant and
// observable.
type manualClock struct {
	now    time.Time
	sleeps []time.Duration
	mu     sync.Mutex
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	t := &firedTimer{ch: make(chan time.Time, 1)}
	t.ch <- now

	return t
}

func (c *manualClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)

	return out
}

type firedTimer struct {
	ch chan time.Time
}

func (t *firedTimer) C() <-chan time.Time { return t.ch }
func (t *firedTimer) Stop() bool          { return false }

// ---------------------------------------------------------------------------
// scriptedRuntime: replays canned outcomes
// ---------------------------------------------------------------------------

type step func(ctx context.Context, req *Request) (*Response, error)

// scriptedRuntime plays steps in order; the last step repeats once the
// script runs out.
type scriptedRuntime struct {
	steps    []step
	requests []Request
	mu       sync.Mutex
}

func script(steps ...step) *scriptedRuntime {
	return &scriptedRuntime{steps: steps}
}

func (r *scriptedRuntime) Do(ctx context.Context, req *Request) (*Response, error) {
	r.mu.Lock()
	i := min(len(r.requests), len(r.steps)-1)
	r.requests = append(r.requests, *req)
	s := r.steps[i]
	r.mu.Unlock()

	return s(ctx, req)
}

func (r *scriptedRuntime) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.requests)
}

func (r *scriptedRuntime) request(i int) Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.requests[i]
}

func respond(status int, body string) step {
	return func(context.Context, *Request) (*Response, error) {
		return &Response{Status: status, Body: []byte(body), Header: make(http.Header)}, nil
	}
}

func fail(err error) step {
	return func(context.Context, *Request) (*Response, error) {
		return nil, err
	}
}

// hang blocks until the attempt's context is done.
func hang() step {
	return func(ctx context.Context, _ *Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// fastRetry is the default retry policy with tiny delays and no attempt
// timeout.
func fastRetry(attempts int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = attempts
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond
	cfg.Timeout = 0

	return cfg
}

// ---------------------------------------------------------------------------
// Credential store fake
// ---------------------------------------------------------------------------

type fakeCredentials struct {
	refreshErr  error
	token       string
	refreshes   int
	invalidated int
	gate        chan struct{}
	mu          sync.Mutex
}

func (f *fakeCredentials) ValidToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.token, nil
}

func (f *fakeCredentials) RefreshToken(context.Context) (string, error) {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}

	f.token = "token-" + string(rune('0'+f.refreshes))

	return f.token, nil
}

func (f *fakeCredentials) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.invalidated++
	f.token = ""

	return nil
}

func (f *fakeCredentials) counts() (refreshes, invalidated int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refreshes, f.invalidated
}
