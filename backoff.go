package reqguard

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy determines the delay between retry attempts.
type BackoffStrategy interface {
	// Delay returns the duration to wait before the given retry (0-indexed:
	// retry 0 is the wait after the first failed attempt).
	Delay(retry int) time.Duration
}

// ---------------------------------------------------------------------------
// BackoffFunc
// ---------------------------------------------------------------------------

// BackoffFunc adapts an ordinary function into a [BackoffStrategy].
type BackoffFunc func(retry int) time.Duration

// Delay calls the underlying function.
func (f BackoffFunc) Delay(retry int) time.Duration { return f(retry) }

// ---------------------------------------------------------------------------
// ConstantBackoff
// ---------------------------------------------------------------------------

type constantBackoff struct {
	d time.Duration
}

func (b *constantBackoff) Delay(int) time.Duration { return b.d }

// ConstantBackoff returns a [BackoffStrategy] that always waits d.
func ConstantBackoff(d time.Duration) BackoffStrategy {
	return &constantBackoff{d: d}
}

// ---------------------------------------------------------------------------
// ExponentialBackoff
// ---------------------------------------------------------------------------

// exponentialBackoff waits min(max, base * multiplier^retry) plus up to 50%
// jitter, clamped so the result never exceeds max.
type exponentialBackoff struct {
	jitter     func(n int64) int64
	base       time.Duration
	max        time.Duration
	multiplier float64
}

// JitterFunc returns a uniformly distributed value in [0, n).
type JitterFunc func(n int64) int64

// ExponentialBackoff returns the retry controller's backoff: the delay grows
// by multiplier per retry, is capped at maxDelay, and receives random jitter
// of at most half the computed delay to desynchronise clients. A nil jitter
// uses math/rand/v2; [NoJitter] disables it.
func ExponentialBackoff(base, maxDelay time.Duration, multiplier float64, jitter JitterFunc) BackoffStrategy {
	if multiplier < 1 {
		multiplier = 1
	}

	if jitter == nil {
		jitter = rand.Int64N
	}

	return &exponentialBackoff{
		base:       base,
		max:        maxDelay,
		multiplier: multiplier,
		jitter:     jitter,
	}
}

// NoJitter is a [JitterFunc] that always returns zero.
func NoJitter(int64) int64 { return 0 }

func (b *exponentialBackoff) Delay(retry int) time.Duration {
	raw := float64(b.base) * math.Pow(b.multiplier, float64(retry))

	capped := raw
	if b.max > 0 && capped > float64(b.max) {
		capped = float64(b.max)
	}

	delay := time.Duration(capped)

	if half := int64(delay) / 2; half > 0 {
		delay += time.Duration(b.jitter(half + 1))
	}

	if b.max > 0 && delay > b.max {
		delay = b.max
	}

	return delay
}
