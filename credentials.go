package reqguard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CredentialStore issues and refreshes the bearer credential attached to
// requests. Issuing credentials is outside the core; it only asks for the
// current token, a refreshed one after a 401, or invalidation after an
// unrecoverable authentication failure.
type CredentialStore interface {
	ValidToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// Refresher serializes credential refreshes across concurrent requests: N
// simultaneous 401s trigger at most one RefreshToken call and every waiter
// observes the same new token.
type Refresher struct {
	store   CredentialStore
	hooks   *Hooks
	logger  *slog.Logger
	group   singleflight.Group
	current string
	mu      sync.Mutex
}

const refreshFlightKey = "credential-refresh"

// NewRefresher wraps store with single-flight refresh.
func NewRefresher(store CredentialStore, hooks *Hooks, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Refresher{store: store, hooks: hooks, logger: logger}
}

// Store returns the wrapped credential store.
func (r *Refresher) Store() CredentialStore { return r.store }

// Refresh obtains a fresh token. staleToken is the token the failed request
// was sent with; when a newer token has already been obtained since, it is
// returned without another refresh. The refresh itself is detached from ctx
// so that one caller giving up does not fail the others; ctx only bounds how
// long this caller waits.
func (r *Refresher) Refresh(ctx context.Context, staleToken string) (string, bool, error) {
	r.mu.Lock()
	current := r.current
	r.mu.Unlock()

	if current != "" && staleToken != "" && current != staleToken {
		r.hooks.emitTokenRefresh(true, nil)
		return current, true, nil
	}

	ch := r.group.DoChan(refreshFlightKey, func() (any, error) {
		token, err := r.store.RefreshToken(context.WithoutCancel(ctx))
		if err != nil {
			return "", fmt.Errorf("refresh credential: %w", err)
		}

		r.mu.Lock()
		r.current = token
		r.mu.Unlock()

		return token, nil
	})

	select {
	case res := <-ch:
		r.hooks.emitTokenRefresh(res.Shared, res.Err)

		if res.Err != nil {
			r.logger.WarnContext(ctx, "credential refresh failed", "error", res.Err, "shared", res.Shared)
			return "", res.Shared, res.Err
		}

		r.logger.DebugContext(ctx, "credential refreshed", "shared", res.Shared)

		token, _ := res.Val.(string)

		return token, res.Shared, nil
	case <-ctx.Done():
		return "", false, ctx.Err() //nolint:wrapcheck // preserving context error identity
	}
}

// Forget drops the remembered token, e.g. after invalidation.
func (r *Refresher) Forget() {
	r.mu.Lock()
	r.current = ""
	r.mu.Unlock()
}
