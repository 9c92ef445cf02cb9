package reqguard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// NetworkRecovery: NETWORK, SERVER, TIMEOUT, RATE_LIMIT
// ---------------------------------------------------------------------------

// NetworkRecovery handles transient transport and server failures: it asks
// for one more retry while both the recovery budget and the request's attempt
// budget allow, then falls back to cached data, then to user action. Once the
// retry controller has spent every attempt it never retries again.
type NetworkRecovery struct {
	cache      ResponseCache
	retryDelay time.Duration
}

// NewNetworkRecovery creates the transient-failure strategy. cache may be nil.
func NewNetworkRecovery(cache ResponseCache, retryDelay time.Duration) *NetworkRecovery {
	return &NetworkRecovery{cache: cache, retryDelay: retryDelay}
}

// Name implements [RecoveryStrategy].
func (*NetworkRecovery) Name() string { return "network" }

// Priority implements [RecoveryStrategy].
func (*NetworkRecovery) Priority() int { return PriorityNetwork }

// CanRecover implements [RecoveryStrategy]. Circuit rejections are never
// accepted.
func (*NetworkRecovery) CanRecover(err *ClassifiedError) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	switch err.Kind {
	case KindNetwork, KindServer, KindTimeout, KindRateLimit:
		return true
	default:
		return false
	}
}

// Recover implements [RecoveryStrategy].
func (s *NetworkRecovery) Recover(ctx context.Context, err *ClassifiedError, rctx *RecoveryContext) (RecoveryResponse, error) {
	if err.Recoverable && rctx.RetryBudget > 0 && rctx.Attempts < rctx.MaxAttempts {
		delay := s.retryDelay
		if ra, ok := err.Meta(MetaRetryAfter); ok {
			if d, isDur := ra.(time.Duration); isDur && d > delay {
				delay = d
			}
		}

		return RecoveryResponse{
			Handled:      true,
			ShouldRetry:  true,
			RetryAfter:   delay,
			RecoveryType: RecoveryRetry,
			UserMessage:  "We are having trouble reaching the server. Retrying...",
		}, nil
	}

	if body, ok := loadFallback(ctx, s.cache, rctx.CacheKey); ok {
		return RecoveryResponse{
			Handled:      true,
			FallbackData: body,
			RecoveryType: RecoveryCached,
			UserMessage:  "The server is unavailable, so you are seeing cached data.",
		}, nil
	}

	return RecoveryResponse{
		RequiresUserAction: true,
		RecoveryType:       RecoveryUserAction,
		UserMessage:        err.UserMessage,
	}, nil
}

// ---------------------------------------------------------------------------
// AuthRecovery: AUTH 401
// ---------------------------------------------------------------------------

// AuthRecovery refreshes the credential once after a 401. A failed refresh
// invalidates the credential and asks the user to sign in.
type AuthRecovery struct {
	refresher *Refresher
}

// NewAuthRecovery creates the credential-refresh strategy.
func NewAuthRecovery(refresher *Refresher) *AuthRecovery {
	return &AuthRecovery{refresher: refresher}
}

// Name implements [RecoveryStrategy].
func (*AuthRecovery) Name() string { return "auth" }

// Priority implements [RecoveryStrategy].
func (*AuthRecovery) Priority() int { return PriorityAuth }

// CanRecover implements [RecoveryStrategy].
func (*AuthRecovery) CanRecover(err *ClassifiedError) bool {
	return err.Kind == KindAuth && err.StatusCode == 401
}

// Recover implements [RecoveryStrategy].
func (s *AuthRecovery) Recover(ctx context.Context, _ *ClassifiedError, rctx *RecoveryContext) (RecoveryResponse, error) {
	if _, _, err := s.refresher.Refresh(ctx, rctx.Token); err != nil {
		if ctx.Err() != nil {
			return RecoveryResponse{}, fmt.Errorf("auth recovery: %w", ctx.Err())
		}

		//nolint:errcheck // invalidation is best effort; the user must sign in anyway
		_ = s.refresher.Store().Invalidate(ctx)
		s.refresher.Forget()

		return RecoveryResponse{
			RequiresUserAction: true,
			RecoveryType:       RecoveryUserAction,
			UserMessage:        "Your session has expired. Please sign in again.",
		}, nil
	}

	return RecoveryResponse{
		Handled:      true,
		ShouldRetry:  rctx.RetryBudget > 0,
		RecoveryType: RecoveryRefresh,
		UserMessage:  "Your session was refreshed.",
	}, nil
}

// ---------------------------------------------------------------------------
// ParsingRecovery: PARSING
// ---------------------------------------------------------------------------

// DefaultsFunc returns synthetic default data for a cache key.
type DefaultsFunc func(key string) ([]byte, bool)

// ParsingRecovery never retries a malformed response. It serves cached data,
// then synthetic defaults, and otherwise completes with no data.
type ParsingRecovery struct {
	cache    ResponseCache
	defaults DefaultsFunc
}

// NewParsingRecovery creates the malformed-response strategy. Both arguments
// may be nil.
func NewParsingRecovery(cache ResponseCache, defaults DefaultsFunc) *ParsingRecovery {
	return &ParsingRecovery{cache: cache, defaults: defaults}
}

// Name implements [RecoveryStrategy].
func (*ParsingRecovery) Name() string { return "parsing" }

// Priority implements [RecoveryStrategy].
func (*ParsingRecovery) Priority() int { return PriorityParsing }

// CanRecover implements [RecoveryStrategy].
func (*ParsingRecovery) CanRecover(err *ClassifiedError) bool {
	return err.Kind == KindParsing
}

// Recover implements [RecoveryStrategy].
func (s *ParsingRecovery) Recover(ctx context.Context, _ *ClassifiedError, rctx *RecoveryContext) (RecoveryResponse, error) {
	if body, ok := loadFallback(ctx, s.cache, rctx.CacheKey); ok {
		return RecoveryResponse{
			Handled:      true,
			FallbackData: body,
			RecoveryType: RecoveryCached,
			UserMessage:  "The latest data could not be read, so cached data is shown instead.",
		}, nil
	}

	if s.defaults != nil {
		if body, ok := s.defaults(rctx.CacheKey); ok {
			return RecoveryResponse{
				Handled:      true,
				FallbackData: body,
				RecoveryType: RecoveryFallback,
				UserMessage:  "The latest data could not be read, so default fallback values are shown.",
			}, nil
		}
	}

	return RecoveryResponse{
		Handled:      true,
		RecoveryType: RecoveryFallback,
		UserMessage:  "The latest data could not be read. Some content may be unavailable.",
	}, nil
}

// ---------------------------------------------------------------------------
// CorruptedStateRecovery
// ---------------------------------------------------------------------------

// CorruptedStateRecovery repairs persisted authentication state for errors
// flagged with [MetaCorruptedState]. Once the recoverer's attempt budget is
// spent, or a full reset was needed, the user must sign in again.
type CorruptedStateRecovery struct {
	recoverer *StateRecoverer
	source    SnapshotSource
}

// NewCorruptedStateRecovery creates the corrupted-state strategy.
func NewCorruptedStateRecovery(recoverer *StateRecoverer, source SnapshotSource) *CorruptedStateRecovery {
	return &CorruptedStateRecovery{recoverer: recoverer, source: source}
}

// Name implements [RecoveryStrategy].
func (*CorruptedStateRecovery) Name() string { return "corrupted_state" }

// Priority implements [RecoveryStrategy].
func (*CorruptedStateRecovery) Priority() int { return PriorityCorruptedState }

// CanRecover implements [RecoveryStrategy].
func (*CorruptedStateRecovery) CanRecover(err *ClassifiedError) bool {
	v, ok := err.Meta(MetaCorruptedState)
	flagged, isBool := v.(bool)

	return ok && isBool && flagged
}

// Recover implements [RecoveryStrategy].
func (s *CorruptedStateRecovery) Recover(ctx context.Context, _ *ClassifiedError, rctx *RecoveryContext) (RecoveryResponse, error) {
	snap, err := s.source(ctx)
	if err != nil {
		return RecoveryResponse{}, fmt.Errorf("capture auth state: %w", err)
	}

	res, err := s.recoverer.DetectAndRecover(ctx, snap)
	if err != nil {
		return RecoveryResponse{}, err
	}

	if res.RequiresReauth || res.Escalated {
		return RecoveryResponse{
			Handled:            true,
			RequiresUserAction: true,
			RecoveryType:       RecoveryStateReset,
			UserMessage:        "Your saved session was damaged and has been reset. Please sign in again.",
		}, nil
	}

	return RecoveryResponse{
		Handled:      true,
		ShouldRetry:  rctx.RetryBudget > 0,
		RecoveryType: RecoveryStateReset,
		UserMessage:  "Your saved session data was repaired.",
	}, nil
}

func loadFallback(ctx context.Context, cache ResponseCache, key string) ([]byte, bool) {
	if cache == nil || key == "" {
		return nil, false
	}

	return cache.Load(ctx, key)
}
