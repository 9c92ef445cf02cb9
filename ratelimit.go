package reqguard

import (
	"context"
	"sync/atomic"
	"time"
)

// fixedPointScale converts fractional tokens to fixed-point integers; 1e9
// gives nanosecond precision since the refill rate is per second.
const fixedPointScale int64 = 1_000_000_000

// pacingStep is how long a waiting caller sleeps between refill checks.
const pacingStep = time.Millisecond

// RateLimiter paces outbound attempts with a token bucket holding up to burst
// tokens, refilled at rate tokens per second. Token acquisition and refill are
// lock-free.
type RateLimiter struct {
	clock    Clock
	rate     float64
	capacity int64
	tokens   atomic.Int64
	lastNano atomic.Int64
}

// NewRateLimiter creates a limiter admitting rate attempts per second with
// bursts of up to burst. A burst below one is raised to one.
func NewRateLimiter(rate float64, burst int, clock Clock) *RateLimiter {
	if clock == nil {
		clock = RealClock{}
	}

	rl := &RateLimiter{
		clock:    clock,
		rate:     rate,
		capacity: int64(max(burst, 1)) * fixedPointScale,
	}

	rl.tokens.Store(rl.capacity)
	rl.lastNano.Store(clock.Now().UnixNano())

	return rl
}

// refill adds the tokens earned since the last refill. Claiming the elapsed
// window through lastNano guarantees each nanosecond is credited once.
func (rl *RateLimiter) refill() {
	for {
		last := rl.lastNano.Load()
		now := rl.clock.Now().UnixNano()

		elapsed := now - last
		if elapsed <= 0 {
			return
		}

		if !rl.lastNano.CompareAndSwap(last, now) {
			continue
		}

		add := int64(float64(elapsed) * rl.rate)
		if add <= 0 {
			return
		}

		for {
			cur := rl.tokens.Load()
			if rl.tokens.CompareAndSwap(cur, min(cur+add, rl.capacity)) {
				return
			}
		}
	}
}

func (rl *RateLimiter) tryAcquire() bool {
	for {
		cur := rl.tokens.Load()
		if cur < fixedPointScale {
			return false
		}

		if rl.tokens.CompareAndSwap(cur, cur-fixedPointScale) {
			return true
		}
	}
}

// TryAcquire takes a token without waiting.
func (rl *RateLimiter) TryAcquire() bool {
	rl.refill()
	return rl.tryAcquire()
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.TryAcquire() {
			return nil
		}

		if err := sleep(ctx, rl.clock, pacingStep); err != nil {
			return err
		}
	}
}

// Saturated reports whether the bucket is empty.
func (rl *RateLimiter) Saturated() bool {
	rl.refill()
	return rl.tokens.Load() < fixedPointScale
}
