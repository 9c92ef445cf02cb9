package reqguard

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// ---------------------------------------------------------------------------
// RetryConfig
// ---------------------------------------------------------------------------.

// RetryConfig controls one logical operation's attempts. It is a value
// object: per-call overrides are merged onto client-wide defaults with
// [RetryConfig.Merge].
type RetryConfig struct {
	// RetryableKinds lists the kinds that may be retried. Only recoverable
	// errors of these kinds are retried.
	RetryableKinds    []ErrorKind
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// Timeout is the wall-clock limit of a single attempt; 0 disables it.
	Timeout time.Duration
}

// DefaultRetryConfig returns the client-wide retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		RetryableKinds:    []ErrorKind{KindNetwork, KindTimeout, KindServer, KindRateLimit},
		Timeout:           10 * time.Second,
	}
}

// Merge returns c with every non-zero field of override applied.
func (c RetryConfig) Merge(override RetryConfig) RetryConfig {
	if override.MaxAttempts > 0 {
		c.MaxAttempts = override.MaxAttempts
	}

	if override.BaseDelay > 0 {
		c.BaseDelay = override.BaseDelay
	}

	if override.MaxDelay > 0 {
		c.MaxDelay = override.MaxDelay
	}

	if override.BackoffMultiplier > 0 {
		c.BackoffMultiplier = override.BackoffMultiplier
	}

	if override.RetryableKinds != nil {
		c.RetryableKinds = slices.Clone(override.RetryableKinds)
	}

	if override.Timeout > 0 {
		c.Timeout = override.Timeout
	}

	return c
}

// Retryable reports whether ce may be retried under c, ignoring the attempt
// budget and the circuit.
func (c RetryConfig) Retryable(ce *ClassifiedError) bool {
	return ce.Recoverable && slices.Contains(c.RetryableKinds, ce.Kind)
}

// ---------------------------------------------------------------------------
// Retrier
// ---------------------------------------------------------------------------.

// Retrier holds the collaborators shared by every retried operation. It keeps
// no per-call state: backoff progress lives on the stack of [Retry] and the
// only cross-call state is the shared [CircuitBreaker].
type Retrier struct {
	breaker *CircuitBreaker
	clock   Clock
	hooks   *Hooks
	logger  *slog.Logger
	jitter  JitterFunc
}

// NewRetrier builds a retry controller. breaker may be nil to disable
// circuit checks; a nil jitter uses math/rand/v2.
func NewRetrier(breaker *CircuitBreaker, clock Clock, hooks *Hooks, logger *slog.Logger, jitter JitterFunc) *Retrier {
	if clock == nil {
		clock = RealClock{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Retrier{
		breaker: breaker,
		clock:   clock,
		hooks:   hooks,
		logger:  logger,
		jitter:  jitter,
	}
}

// Retry runs fn under cfg. Each attempt is gated by the circuit for key and
// bounded by cfg.Timeout. Failed attempts are classified; recoverable errors
// of a retryable kind are retried after an exponential backoff wait while
// attempts remain and the circuit stays closed. rc.RetryCount is incremented
// before every retry and left at its final value.
//
// A circuit rejection is returned immediately as a [ClassifiedError] wrapping
// [ErrCircuitOpen]. Cancellation of ctx aborts any pending wait or attempt and
// is returned unclassified.
//
//nolint:ireturn // generic type parameter T, not an interface
func Retry[T any](
	ctx context.Context,
	r *Retrier,
	rc *RequestContext,
	key string,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T

	maxAttempts := max(cfg.MaxAttempts, 1)
	backoff := ExponentialBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.BackoffMultiplier, r.jitter)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err //nolint:wrapcheck // preserving context error identity
		}

		if r.breaker != nil {
			if err := r.breaker.Allow(key); err != nil {
				return zero, circuitOpenError(rc, key)
			}
		}

		start := r.clock.Now()
		val, err := doTimeout(ctx, cfg.Timeout, fn)
		r.hooks.emitAttempt(key, r.clock.Now().Sub(start), err)

		if err == nil {
			if r.breaker != nil {
				r.breaker.RecordSuccess(key)
			}

			return val, nil
		}

		if ctx.Err() != nil {
			return zero, ctx.Err() //nolint:wrapcheck // preserving context error identity
		}

		ce := Classify(err, 0, rc).With(MetaAttempts, attempt)
		if ce.Kind == KindTimeout {
			ce = ce.With(MetaTimeout, cfg.Timeout.Milliseconds())
			r.hooks.emitTimeout(key, cfg.Timeout)
		}

		if r.breaker != nil && r.breaker.Trips(ce.Kind) {
			r.breaker.RecordFailure(key)
		}

		if !cfg.Retryable(ce) {
			return zero, ce
		}

		if attempt >= maxAttempts {
			return zero, ce.exhausted()
		}

		if r.breaker != nil && r.breaker.IsOpen(key) {
			return zero, ce
		}

		delay := backoff.Delay(attempt - 1)
		if ra, ok := ce.Meta(MetaRetryAfter); ok {
			if d, isDur := ra.(time.Duration); isDur && d > delay {
				delay = d
			}
		}

		rc.incRetry()
		r.hooks.emitRetry(*rc, attempt, ce)
		r.logger.DebugContext(ctx, "retrying request",
			"endpoint", rc.Endpoint,
			"method", rc.Method,
			"kind", ce.Kind,
			"attempt", attempt,
			"delay", delay,
		)

		if err := sleep(ctx, r.clock, delay); err != nil {
			return zero, err
		}
	}
}

func circuitOpenError(rc *RequestContext, key string) *ClassifiedError {
	ce := &ClassifiedError{
		cause:       ErrCircuitOpen,
		Kind:        KindServer,
		Severity:    SeverityHigh,
		Recoverable: false,
		Message:     "circuit breaker is open for " + key,
		UserMessage: "This service is temporarily unavailable. Please try again in a minute.",
		metadata:    map[string]any{MetaCircuitState: string(CircuitOpen)},
	}

	if rc != nil {
		ce.Context = *rc
	}

	return ce
}
