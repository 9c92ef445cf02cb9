package reqguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ---------------------------------------------------------------------------
// Transport contract
// ---------------------------------------------------------------------------.

type (
	// Runtime performs a single network call. It reports transport failures
	// as errors and returns every received response, whatever its status.
	// It must abandon the call when ctx is done.
	Runtime interface {
		Do(ctx context.Context, req *Request) (*Response, error)
	}

	// RuntimeFunc adapts a function to [Runtime].
	RuntimeFunc func(ctx context.Context, req *Request) (*Response, error)

	// Request describes one logical API call.
	Request struct {
		Header http.Header
		// Method defaults to GET.
		Method string
		// URL is the absolute target.
		URL string
		// Endpoint names the API route for circuit keys, metrics and
		// monitoring; defaults to the URL path.
		Endpoint string
		// Component names the calling feature in error reports.
		Component string
		Body      []byte
	}

	// Response is a received or recovered response.
	Response struct {
		Header http.Header
		// Recovery is the verdict that produced this response when it was
		// recovered instead of received.
		Recovery *RecoveryResponse
		// UserMessage explains a recovered response to the end user.
		UserMessage string
		Body        []byte
		Status      int
		// FromFallback is set when Body comes from cache or defaults rather
		// than from the network.
		FromFallback bool

		// decoded is the value the attempt that produced this response
		// decoded from Body, if the call asked for decoding.
		decoded any
	}

	// ExecuteError is returned when a request failed and recovery could not
	// produce a response.
	ExecuteError struct {
		Err      *ClassifiedError
		Recovery RecoveryResponse
	}
)

// Do implements [Runtime].
func (f RuntimeFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}

	return strings.ToUpper(r.Method)
}

func (r *Request) endpoint() string {
	if r.Endpoint != "" {
		return r.Endpoint
	}

	if u, err := url.Parse(r.URL); err == nil && u.Path != "" {
		return u.Path
	}

	return "/"
}

// Error implements error.
func (e *ExecuteError) Error() string { return e.Err.Error() }

// Unwrap returns the classified error.
func (e *ExecuteError) Unwrap() error { return e.Err }

// UserMessage returns the message to show the end user.
func (e *ExecuteError) UserMessage() string {
	if e.Recovery.UserMessage != "" {
		return e.Recovery.UserMessage
	}

	return e.Err.UserMessage
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------.

type (
	// Option configures a [Client].
	Option func(*clientSetup)

	clientSetup struct {
		breaker     *CircuitBreaker
		registry    *Registry
		credentials CredentialStore
		cache       ResponseCache
		monitor     *Monitor
		recoverer   *StateRecoverer
		snapshots   SnapshotSource
		defaults    DefaultsFunc
		logger      *slog.Logger
		name        string
		clock       Clock
		jitter      JitterFunc
		breakerOpts []CircuitBreakerOption
		strategies  []RecoveryStrategy
		hooks       Hooks
		retry       RetryConfig
		retryDelay  time.Duration
		rate        float64
		maxRounds   int
		burst       int
		maxInFlight int
		noBuiltins  bool
	}

	// ExecuteOption adjusts a single [Client.Execute] call.
	ExecuteOption func(*executeSettings)

	executeSettings struct {
		decode       func([]byte) (any, error)
		cacheKey     string
		retry        RetryConfig
		skipRecovery bool
		noCache      bool
	}
)

const (
	defaultClientName        = "reqguard"
	defaultMaxRecoveryRounds = 1
	defaultRecoveryDelay     = time.Second
)

// WithName names the client in health reports.
func WithName(name string) Option {
	return func(s *clientSetup) { s.name = name }
}

// WithRegistry registers the client with reg for readiness checks.
func WithRegistry(reg *Registry) Option {
	return func(s *clientSetup) { s.registry = reg }
}

// WithCredentials attaches bearer credentials to every request and enables
// single-flight refresh after a 401.
func WithCredentials(store CredentialStore) Option {
	return func(s *clientSetup) { s.credentials = store }
}

// WithCircuitBreaker shares an existing breaker.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(s *clientSetup) { s.breaker = cb }
}

// WithBreakerOptions configures the client's own breaker.
func WithBreakerOptions(opts ...CircuitBreakerOption) Option {
	return func(s *clientSetup) { s.breakerOpts = append(s.breakerOpts, opts...) }
}

// WithRateLimit paces outbound attempts to rate per second with bursts of
// up to burst. Waiting for a token counts against the attempt timeout.
func WithRateLimit(rate float64, burst int) Option {
	return func(s *clientSetup) {
		s.rate = rate
		s.burst = burst
	}
}

// WithMaxConcurrency caps the number of calls in flight. Calls beyond the cap
// fail fast with a RATE_LIMIT error wrapping [ErrBulkheadFull] and may still
// be served from the fallback cache.
func WithMaxConcurrency(n int) Option {
	return func(s *clientSetup) { s.maxInFlight = n }
}

// WithRetryConfig overrides fields of [DefaultRetryConfig].
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *clientSetup) { s.retry = s.retry.Merge(cfg) }
}

// WithResponseCache keeps successful GET bodies as fallback data.
func WithResponseCache(c ResponseCache) Option {
	return func(s *clientSetup) { s.cache = c }
}

// WithMonitor records failures to m instead of a client-owned monitor. The
// caller keeps ownership: [Client.Close] does not close m.
func WithMonitor(m *Monitor) Option {
	return func(s *clientSetup) { s.monitor = m }
}

// WithStateRecovery enables corrupted-state detection on auth failures and
// the corrupted-state recovery strategy.
func WithStateRecovery(r *StateRecoverer, source SnapshotSource) Option {
	return func(s *clientSetup) {
		s.recoverer = r
		s.snapshots = source
	}
}

// WithDefaults supplies synthetic fallback data for malformed responses.
func WithDefaults(fn DefaultsFunc) Option {
	return func(s *clientSetup) { s.defaults = fn }
}

// WithStrategies registers additional recovery strategies.
func WithStrategies(strategies ...RecoveryStrategy) Option {
	return func(s *clientSetup) { s.strategies = append(s.strategies, strategies...) }
}

// WithoutBuiltinStrategies registers only the strategies given with
// [WithStrategies].
func WithoutBuiltinStrategies() Option {
	return func(s *clientSetup) { s.noBuiltins = true }
}

// WithMaxRecoveryRounds bounds how often a recovery verdict may re-enter the
// retry pipeline for one call.
func WithMaxRecoveryRounds(n int) Option {
	return func(s *clientSetup) {
		if n >= 0 {
			s.maxRounds = n
		}
	}
}

// WithRecoveryRetryDelay sets the wait before a recovery-driven retry.
func WithRecoveryRetryDelay(d time.Duration) Option {
	return func(s *clientSetup) { s.retryDelay = d }
}

// WithHooks merges h into the client's hooks.
func WithHooks(h Hooks) Option {
	return func(s *clientSetup) { s.hooks = s.hooks.Merge(h) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *clientSetup) { s.logger = l }
}

// WithClock sets the clock used for timing and backoff.
func WithClock(c Clock) Option {
	return func(s *clientSetup) { s.clock = c }
}

// WithJitter sets the backoff jitter source.
func WithJitter(j JitterFunc) Option {
	return func(s *clientSetup) { s.jitter = j }
}

// WithRetry overrides the client's retry configuration for one call.
func WithRetry(cfg RetryConfig) ExecuteOption {
	return func(s *executeSettings) { s.retry = s.retry.Merge(cfg) }
}

// WithCacheKey sets the fallback cache key; it defaults to method and URL.
func WithCacheKey(key string) ExecuteOption {
	return func(s *executeSettings) { s.cacheKey = key }
}

// WithoutRecovery surfaces failures without consulting recovery strategies.
func WithoutRecovery() ExecuteOption {
	return func(s *executeSettings) { s.skipRecovery = true }
}

// WithoutCache neither reads nor writes the fallback cache.
func WithoutCache() ExecuteOption {
	return func(s *executeSettings) { s.noCache = true }
}

// withDecoder decodes the body inside the attempt so that malformed
// responses classify as PARSING. The decoded value travels on the attempt's
// own [Response].
func withDecoder(fn func([]byte) (any, error)) ExecuteOption {
	return func(s *executeSettings) { s.decode = fn }
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------.

// Client is the single entry point for resilient API calls: it gates each
// request on the endpoint's circuit, retries transient failures, classifies
// what remains, asks the recovery strategies for a verdict and records every
// terminal failure to the monitor.
type Client struct {
	rt           Runtime
	name         string
	breaker      *CircuitBreaker
	retrier      *Retrier
	dispatcher   *RecoveryDispatcher
	limiter      *RateLimiter
	bulkhead     *Bulkhead
	monitor      *Monitor
	registry     *Registry
	recoverer    *StateRecoverer
	snapshots    SnapshotSource
	credentials  CredentialStore
	cache        ResponseCache
	hooks        *Hooks
	logger       *slog.Logger
	clock        Clock
	retry        RetryConfig
	maxRounds    int
	monitorOwned bool
}

// NewClient creates a client performing calls with rt.
func NewClient(rt Runtime, opts ...Option) *Client {
	s := clientSetup{
		name:       defaultClientName,
		retry:      DefaultRetryConfig(),
		retryDelay: defaultRecoveryDelay,
		maxRounds:  defaultMaxRecoveryRounds,
	}

	for _, o := range opts {
		o(&s)
	}

	if s.clock == nil {
		s.clock = RealClock{}
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	hooks := &s.hooks

	if s.breaker == nil {
		s.breaker = NewCircuitBreaker(s.clock, hooks, s.breakerOpts...)
	}

	monitorOwned := s.monitor == nil
	if monitorOwned {
		s.monitor = NewMonitor(
			WithMonitorClock(s.clock),
			WithMonitorHooks(hooks),
			WithMonitorLogger(s.logger),
		)
	}

	c := &Client{
		rt:           rt,
		name:         s.name,
		breaker:      s.breaker,
		retrier:      NewRetrier(s.breaker, s.clock, hooks, s.logger, s.jitter),
		monitor:      s.monitor,
		registry:     s.registry,
		recoverer:    s.recoverer,
		snapshots:    s.snapshots,
		credentials:  s.credentials,
		cache:        s.cache,
		hooks:        hooks,
		logger:       s.logger,
		clock:        s.clock,
		retry:        s.retry,
		maxRounds:    s.maxRounds,
		monitorOwned: monitorOwned,
	}

	if s.rate > 0 {
		c.limiter = NewRateLimiter(s.rate, s.burst, s.clock)
	}

	if s.maxInFlight > 0 {
		c.bulkhead = NewBulkhead(s.maxInFlight, hooks)
	}

	c.dispatcher = NewRecoveryDispatcher(hooks, s.logger, c.strategies(&s)...)

	if s.registry != nil {
		s.registry.Register(c)
	}

	return c
}

func (c *Client) strategies(s *clientSetup) []RecoveryStrategy {
	if s.noBuiltins {
		return s.strategies
	}

	out := []RecoveryStrategy{
		NewNetworkRecovery(s.cache, s.retryDelay),
		NewParsingRecovery(s.cache, s.defaults),
	}

	if s.credentials != nil {
		out = append(out, NewAuthRecovery(NewRefresher(s.credentials, c.hooks, s.logger)))
	}

	if s.recoverer != nil && s.snapshots != nil {
		out = append(out, NewCorruptedStateRecovery(s.recoverer, s.snapshots))
	}

	return append(out, s.strategies...)
}

// Execute performs req. On failure the error is classified and handed to the
// recovery strategies: a recovered response carries FromFallback and a user
// message, otherwise an [*ExecuteError] is returned. A circuit rejection is
// never retried. Cancellation of ctx returns the context error without
// recovery or monitoring.
func (c *Client) Execute(ctx context.Context, req *Request, opts ...ExecuteOption) (*Response, error) {
	s := executeSettings{retry: c.retry}
	for _, o := range opts {
		o(&s)
	}

	method := req.method()
	endpoint := req.endpoint()
	key := Key(method, endpoint)

	if s.cacheKey == "" {
		s.cacheKey = method + " " + req.URL
	}

	cache := c.cache
	if s.noCache {
		cache, s.cacheKey = nil, ""
	}

	rc := NewRequestContext(method, endpoint, req.Component, c.clock.Now())
	maxAttempts := max(s.retry.MaxAttempts, 1)
	attempts := 0

	for round := 0; ; round++ {
		// Recovery rounds draw on what the earlier rounds left of the
		// attempt budget, keeping at least one attempt for a refreshed
		// credential or repaired state.
		roundCfg := s.retry
		roundCfg.MaxAttempts = max(maxAttempts-attempts, 1)

		token, err := c.bearer(ctx, rc)
		if err != nil {
			return nil, err
		}

		resp, err := c.run(ctx, rc, key, roundCfg, func(ctx context.Context) (*Response, error) {
			return c.attempt(ctx, req, method, token, s.decode)
		})
		if err == nil {
			if cache != nil && method == http.MethodGet {
				cache.Store(ctx, s.cacheKey, resp.Body)
			}

			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err() //nolint:wrapcheck // preserving context error identity
		}

		ce, ok := AsClassified(err)
		if !ok {
			ce = Classify(err, 0, rc)
		}

		if n, isInt := attemptsOf(ce); isInt {
			attempts += n
		}

		ce = c.flagCorruptedState(ctx, ce)
		c.monitor.Record(ce)

		if s.skipRecovery {
			return nil, &ExecuteError{Err: ce}
		}

		rec, recErr := c.dispatcher.Recover(ctx, ce, &RecoveryContext{
			Request:     rc,
			CacheKey:    s.cacheKey,
			Token:       token,
			RetryBudget: c.maxRounds - round,
			Attempts:    attempts,
			MaxAttempts: maxAttempts,
		})

		switch {
		case recErr != nil && ctx.Err() != nil:
			return nil, ctx.Err() //nolint:wrapcheck // preserving context error identity
		case rec.ShouldRetry && round < c.maxRounds:
			if err := sleep(ctx, c.clock, rec.RetryAfter); err != nil {
				return nil, err
			}

			continue
		case rec.FallbackData != nil || (rec.Handled && !rec.RequiresUserAction):
			c.hooks.emitFallbackServed(key)

			return &Response{
				Body:         rec.FallbackData,
				Status:       http.StatusOK,
				FromFallback: true,
				UserMessage:  rec.UserMessage,
				Recovery:     &rec,
			}, nil
		}

		return nil, &ExecuteError{Err: ce, Recovery: rec}
	}
}

// attemptsOf returns how many attempts the retry controller made before
// giving up with ce. Rejections made before any attempt report none.
func attemptsOf(ce *ClassifiedError) (int, bool) {
	v, ok := ce.Meta(MetaAttempts)
	if !ok {
		return 0, false
	}

	n, isInt := v.(int)

	return n, isInt
}

// run executes one retried round inside the client's bulkhead.
func (c *Client) run(
	ctx context.Context,
	rc *RequestContext,
	key string,
	cfg RetryConfig,
	fn func(context.Context) (*Response, error),
) (*Response, error) {
	if c.bulkhead != nil {
		if err := c.bulkhead.Acquire(key); err != nil {
			return nil, bulkheadFullError(rc)
		}
		defer c.bulkhead.Release()
	}

	return Retry(ctx, c.retrier, rc, key, cfg, fn)
}

// attempt performs one network call and turns error statuses and undecodable
// bodies into errors.
func (c *Client) attempt(
	ctx context.Context,
	req *Request,
	method, token string,
	decode func([]byte) (any, error),
) (*Response, error) {
	out := *req
	out.Method = method
	out.Header = req.Header.Clone()

	if token != "" {
		if out.Header == nil {
			out.Header = make(http.Header)
		}

		out.Header.Set("Authorization", "Bearer "+token)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.rt.Do(ctx, &out)
	if err != nil {
		return nil, err
	}

	if resp.Status >= http.StatusBadRequest {
		return nil, &StatusError{Status: resp.Status, Header: resp.Header, Body: resp.Body}
	}

	if decode == nil {
		return resp, nil
	}

	v, err := decode(resp.Body)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	decoded := *resp
	decoded.decoded = v

	return &decoded, nil
}

// bearer returns the current credential, or "" when none is configured.
func (c *Client) bearer(ctx context.Context, rc *RequestContext) (string, error) {
	if c.credentials == nil {
		return "", nil
	}

	token, err := c.credentials.ValidToken(ctx)
	if err == nil {
		return token, nil
	}

	if ctx.Err() != nil {
		return "", ctx.Err() //nolint:wrapcheck // preserving context error identity
	}

	ce := &ClassifiedError{
		cause:       err,
		Context:     *rc,
		Message:     "obtain credential: " + err.Error(),
		UserMessage: UserMessage(KindAuth, 0),
		Kind:        KindAuth,
		Severity:    SeverityHigh,
	}
	c.monitor.Record(ce)

	return "", &ExecuteError{
		Err: ce,
		Recovery: RecoveryResponse{
			RequiresUserAction: true,
			RecoveryType:       RecoveryUserAction,
			UserMessage:        ce.UserMessage,
		},
	}
}

// flagCorruptedState validates the persisted auth state after an auth failure
// and marks ce when it is corrupted.
func (c *Client) flagCorruptedState(ctx context.Context, ce *ClassifiedError) *ClassifiedError {
	if ce.Kind != KindAuth || c.snapshots == nil || c.recoverer == nil {
		return ce
	}

	snap, err := c.snapshots(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "capture auth state failed", "error", err)
		return ce
	}

	if res := c.recoverer.Validator().Validate(snap); !res.IsValid {
		return ce.With(MetaCorruptedState, true)
	}

	return ce
}

// ExecuteJSON performs req and decodes the JSON body into T. A body that does
// not decode is classified as PARSING and recovered like any other failure;
// a recovered response without data yields the zero T.
//
//nolint:ireturn // generic type parameter T, not an interface
func ExecuteJSON[T any](ctx context.Context, c *Client, req *Request, opts ...ExecuteOption) (T, *Response, error) {
	decode := func(body []byte) (any, error) {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}

		return v, nil
	}

	resp, err := c.Execute(ctx, req, append(opts, withDecoder(decode))...)
	if err != nil {
		var zero T
		return zero, nil, err
	}

	if !resp.FromFallback {
		out, _ := resp.decoded.(T)
		return out, resp, nil
	}

	var fallback T
	if len(resp.Body) == 0 {
		return fallback, resp, nil
	}

	if err := json.Unmarshal(resp.Body, &fallback); err != nil {
		rc := NewRequestContext(req.method(), req.endpoint(), req.Component, c.clock.Now())
		return fallback, resp, &ExecuteError{Err: Classify(&ParseError{Err: err}, 0, rc)}
	}

	return fallback, resp, nil
}

// ---------------------------------------------------------------------------
// Introspection and lifecycle
// ---------------------------------------------------------------------------.

// CircuitState returns the circuit state of an endpoint. Endpoints that never
// failed report CLOSED.
func (c *Client) CircuitState(method, path string) CircuitState {
	if s, ok := c.breaker.State(Key(method, path)); ok {
		return s
	}

	return CircuitState{State: CircuitClosed}
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Monitor returns the monitor failures are recorded to.
func (c *Client) Monitor() *Monitor { return c.monitor }

// Metrics returns the monitor's aggregate error counters.
func (c *Client) Metrics() ErrorMetrics { return c.monitor.Metrics() }

// DetectAndRecover validates snap and repairs the persisted auth state.
func (c *Client) DetectAndRecover(ctx context.Context, snap AuthStateSnapshot) (RecoveryResult, error) {
	if c.recoverer == nil {
		return RecoveryResult{}, errors.New("state recovery is not configured")
	}

	return c.recoverer.DetectAndRecover(ctx, snap)
}

// Close removes the client from its registry and flushes pending escalation
// notifications of a client-owned monitor.
func (c *Client) Close(ctx context.Context) error {
	if c.registry != nil {
		c.registry.Unregister(c.name)
	}

	if !c.monitorOwned {
		return nil
	}

	return c.monitor.Close(ctx)
}
