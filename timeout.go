package reqguard

import (
	"context"
	"fmt"
	"time"
)

// doTimeout runs fn with a per-attempt deadline. When the deadline passes
// first, fn's context is cancelled so the in-flight call is torn down, and an
// error wrapping [ErrTimeout] is returned whose message names the limit in
// milliseconds. Cancellation of the parent context is reported as the
// parent's own error.
//
//nolint:ireturn // generic type parameter T, not an interface
func doTimeout[T any](
	ctx context.Context,
	timeout time.Duration,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err //nolint:wrapcheck // preserving context error identity
	}

	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}

	ch := make(chan result, 1)

	go func() {
		v, err := fn(attemptCtx)
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			// fn noticed the deadline before we did.
			return zero, timeoutError(timeout)
		}

		return r.val, r.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err //nolint:wrapcheck // preserving context error identity
		}

		return zero, timeoutError(timeout)
	}
}

func timeoutError(timeout time.Duration) error {
	return fmt.Errorf("request timed out after %dms: %w", timeout.Milliseconds(), ErrTimeout)
}
