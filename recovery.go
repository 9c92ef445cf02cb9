package reqguard

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------.

type (
	// RecoveryType names what a recovery strategy decided to do.
	RecoveryType string

	// RecoveryResponse is the verdict of one recovery attempt. It is terminal:
	// the [Client] acts on it and discards it.
	RecoveryResponse struct {
		// FallbackData is cached or synthetic data to serve instead of a live
		// response; nil when none is available.
		FallbackData []byte
		// UserMessage is always non-empty and never contains raw error text.
		UserMessage  string
		RecoveryType RecoveryType
		// RetryAfter is how long to wait before retrying, when ShouldRetry is
		// set.
		RetryAfter         time.Duration
		Handled            bool
		ShouldRetry        bool
		RequiresUserAction bool
	}

	// RecoveryContext carries what strategies need to know about the failed
	// request beyond the error itself.
	RecoveryContext struct {
		Request *RequestContext
		// CacheKey identifies the request in the [ResponseCache].
		CacheKey string
		// Token is the credential the request was sent with, if any.
		Token string
		// RetryBudget is how many more recovery-driven retries the caller will
		// honour.
		RetryBudget int
		// Attempts is how many network attempts the request has made so far.
		Attempts int
		// MaxAttempts is the request's total attempt budget, shared by the
		// retry controller and recovery-driven retries.
		MaxAttempts int
	}

	// RecoveryStrategy decides how to recover from one family of errors.
	RecoveryStrategy interface {
		// Name identifies the strategy in logs and metrics.
		Name() string
		// Priority orders strategies: lower values are consulted first.
		Priority() int
		// CanRecover reports whether the strategy handles err.
		CanRecover(err *ClassifiedError) bool
		// Recover produces a verdict for err.
		Recover(ctx context.Context, err *ClassifiedError, rctx *RecoveryContext) (RecoveryResponse, error)
	}

	// RecoveryDispatcher consults strategies in declared priority order and
	// returns the first verdict.
	RecoveryDispatcher struct {
		hooks      *Hooks
		logger     *slog.Logger
		strategies []RecoveryStrategy
		mu         sync.RWMutex
	}
)

// Recovery types.
const (
	RecoveryRetry      RecoveryType = "retry"
	RecoveryFallback   RecoveryType = "fallback"
	RecoveryCached     RecoveryType = "cached"
	RecoveryUserAction RecoveryType = "user_action"
	RecoveryRefresh    RecoveryType = "refresh"
	RecoveryStateReset RecoveryType = "state_reset"
)

// Strategy priorities used by the built-in strategies.
const (
	PriorityCorruptedState = 10
	PriorityAuth           = 20
	PriorityParsing        = 30
	PriorityNetwork        = 40
)

// NewRecoveryDispatcher creates a dispatcher holding strategies.
func NewRecoveryDispatcher(hooks *Hooks, logger *slog.Logger, strategies ...RecoveryStrategy) *RecoveryDispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &RecoveryDispatcher{hooks: hooks, logger: logger}
	for _, s := range strategies {
		d.Register(s)
	}

	return d
}

// Register adds s. Strategies are kept sorted by Priority; strategies with
// equal priority keep their registration order.
func (d *RecoveryDispatcher) Register(s RecoveryStrategy) {
	d.mu.Lock()
	defer d.mu.Unlock()

	updated := append(slices.Clone(d.strategies), s)
	slices.SortStableFunc(updated, func(a, b RecoveryStrategy) int {
		return a.Priority() - b.Priority()
	})
	d.strategies = updated
}

// Strategies returns the strategy names in consultation order.
func (d *RecoveryDispatcher) Strategies() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.strategies))
	for _, s := range d.strategies {
		names = append(names, s.Name())
	}

	return names
}

// Recover returns the verdict of the first strategy that accepts err. A
// strategy that fails, panics or omits the user message is skipped. When no
// strategy produces a verdict, a response requiring user action is returned
// together with [ErrNoStrategy].
func (d *RecoveryDispatcher) Recover(
	ctx context.Context,
	err *ClassifiedError,
	rctx *RecoveryContext,
) (RecoveryResponse, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return RecoveryResponse{}, ctxErr //nolint:wrapcheck // preserving context error identity
	}

	d.mu.RLock()
	strategies := d.strategies
	d.mu.RUnlock()

	for _, s := range strategies {
		if !d.accepts(s, err) {
			continue
		}

		resp, recErr := d.run(ctx, s, err, rctx)
		if recErr == nil && resp.UserMessage == "" {
			recErr = ErrMissingUserMessage
		}

		if recErr != nil {
			d.hooks.emitStrategySkipped(s.Name(), recErr)
			d.logger.WarnContext(ctx, "recovery strategy skipped",
				"strategy", s.Name(),
				"kind", err.Kind,
				"error", recErr,
			)

			continue
		}

		d.hooks.emitRecovery(err, resp)
		d.logger.InfoContext(ctx, "recovery decided",
			"strategy", s.Name(),
			"kind", err.Kind,
			"endpoint", err.Context.Endpoint,
			"recovery_type", resp.RecoveryType,
			"should_retry", resp.ShouldRetry,
			"requires_user_action", resp.RequiresUserAction,
		)

		return resp, nil
	}

	resp := RecoveryResponse{
		RequiresUserAction: true,
		UserMessage:        err.UserMessage,
		RecoveryType:       RecoveryUserAction,
	}
	if resp.UserMessage == "" {
		resp.UserMessage = UserMessage(err.Kind, err.StatusCode)
	}

	return resp, ErrNoStrategy
}

func (d *RecoveryDispatcher) accepts(s RecoveryStrategy, err *ClassifiedError) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.hooks.emitStrategySkipped(s.Name(), fmt.Errorf("CanRecover panicked: %v", r))
			ok = false
		}
	}()

	return s.CanRecover(err)
}

func (d *RecoveryDispatcher) run(
	ctx context.Context,
	s RecoveryStrategy,
	err *ClassifiedError,
	rctx *RecoveryContext,
) (resp RecoveryResponse, recErr error) {
	defer func() {
		if r := recover(); r != nil {
			recErr = fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
		}
	}()

	return s.Recover(ctx, err, rctx)
}
