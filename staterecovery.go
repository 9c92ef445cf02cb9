package reqguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

type (
	// SnapshotSource captures the current authentication state on demand.
	SnapshotSource func(ctx context.Context) (AuthStateSnapshot, error)

	// RecoveryResult reports what [StateRecoverer.DetectAndRecover] did.
	RecoveryResult struct {
		Strategy    StateRecoveryStrategy `json:"strategy"`
		ClearedKeys []string              `json:"cleared_keys,omitempty"`
		Validation  StateValidationResult `json:"validation"`
		Attempt     int                   `json:"attempt"`
		// Escalated is set when the attempt budget forced a full reset
		// regardless of the validator's proposal.
		Escalated bool `json:"escalated"`
		// RequiresReauth is set when credentials were discarded.
		RequiresReauth bool `json:"requires_reauth"`
	}

	// StateRecoverer repairs corrupted authentication state in the persistent
	// and session stores. Recoveries are serialized; a bounded attempt counter
	// guarantees that repeated corruption escalates to a full reset instead of
	// looping.
	StateRecoverer struct {
		persistent  KVStore
		session     KVStore
		credentials CredentialStore
		validator   *StateValidator
		hooks       *Hooks
		logger      *slog.Logger
		maxAttempts int
		attempts    int
		mu          sync.Mutex
	}

	// StateRecovererOption configures a [StateRecoverer].
	StateRecovererOption func(*StateRecoverer)
)

const defaultStateRecoveryAttempts = 3

// WithStateValidator sets the validator used to inspect snapshots.
func WithStateValidator(v *StateValidator) StateRecovererOption {
	return func(r *StateRecoverer) { r.validator = v }
}

// WithMaxStateAttempts bounds consecutive recoveries before escalation.
func WithMaxStateAttempts(n int) StateRecovererOption {
	return func(r *StateRecoverer) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRecoveryCredentials sets the credential store invalidated on full reset.
func WithRecoveryCredentials(c CredentialStore) StateRecovererOption {
	return func(r *StateRecoverer) { r.credentials = c }
}

// WithStateHooks sets lifecycle hooks.
func WithStateHooks(h *Hooks) StateRecovererOption {
	return func(r *StateRecoverer) { r.hooks = h }
}

// WithStateLogger sets the logger.
func WithStateLogger(l *slog.Logger) StateRecovererOption {
	return func(r *StateRecoverer) { r.logger = l }
}

// NewStateRecoverer creates a recoverer over the persistent and session
// stores.
func NewStateRecoverer(persistent, session KVStore, opts ...StateRecovererOption) *StateRecoverer {
	r := &StateRecoverer{
		persistent:  persistent,
		session:     session,
		maxAttempts: defaultStateRecoveryAttempts,
		logger:      slog.Default(),
	}

	for _, o := range opts {
		o(r)
	}

	if r.validator == nil {
		r.validator = NewStateValidator()
	}

	return r
}

// Validator returns the validator in use.
func (r *StateRecoverer) Validator() *StateValidator { return r.validator }

// Attempts returns the number of consecutive recoveries since the last clean
// snapshot.
func (r *StateRecoverer) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.attempts
}

// Exhausted reports whether the attempt budget is spent.
func (r *StateRecoverer) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.attempts >= r.maxAttempts
}

// ResetAttempts clears the attempt counter.
func (r *StateRecoverer) ResetAttempts() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// DetectAndRecover validates snap and executes the proposed tier: cleanup
// clears the offending keys, session_only moves surviving authentication data
// to the session store, full_reset clears everything and invalidates the
// credential. Executing the same tier twice has no further effect.
//
// A clean snapshot resets the attempt counter. After the configured number of
// consecutive recoveries a full reset is forced.
func (r *StateRecoverer) DetectAndRecover(ctx context.Context, snap AuthStateSnapshot) (RecoveryResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	validation := r.validator.Validate(snap)
	res := RecoveryResult{
		Strategy:   validation.RecoveryStrategy,
		Validation: validation,
	}

	if validation.IsValid {
		r.attempts = 0
	} else {
		r.attempts++
		if r.attempts > r.maxAttempts {
			res.Strategy = StateFullReset
			res.Escalated = true
		}
	}

	res.Attempt = r.attempts

	var err error

	switch res.Strategy {
	case StateNoAction:
	case StateCleanup:
		res.ClearedKeys, err = r.cleanup(ctx, validation.CorruptedFields)
	case StateSessionOnly:
		res.ClearedKeys, err = r.sessionOnly(ctx, snap, validation.CorruptedFields)
	case StateFullReset:
		res.ClearedKeys, err = r.fullReset(ctx)
		res.RequiresReauth = true
	}

	r.hooks.emitStateRecovery(res)

	if err != nil {
		r.logger.ErrorContext(ctx, "auth state recovery failed",
			"strategy", res.Strategy,
			"attempt", res.Attempt,
			"error", err,
		)

		return res, fmt.Errorf("recover auth state (%s): %w", res.Strategy, err)
	}

	if !validation.IsValid {
		r.logger.WarnContext(ctx, "auth state recovered",
			"strategy", res.Strategy,
			"attempt", res.Attempt,
			"escalated", res.Escalated,
			"corrupted_fields", validation.CorruptedFields,
		)
	}

	return res, nil
}

func (r *StateRecoverer) cleanup(ctx context.Context, fields []string) ([]string, error) {
	keys := r.persistedKeys(fields)
	if len(keys) == 0 {
		return nil, nil
	}

	err := errors.Join(
		r.persistent.Remove(ctx, keys...),
		r.session.Remove(ctx, keys...),
	)

	return keys, err
}

func (r *StateRecoverer) sessionOnly(ctx context.Context, snap AuthStateSnapshot, fields []string) ([]string, error) {
	keys := r.validator.Keys()
	corrupted := r.persistedKeys(fields)

	var errs []error

	for _, k := range keys.All() {
		if slices.Contains(corrupted, k) {
			continue
		}

		if v, ok := snap.Persisted[k]; ok {
			errs = append(errs, r.session.Set(ctx, k, v))
		}
	}

	errs = append(errs,
		r.session.Remove(ctx, corrupted...),
		r.persistent.Remove(ctx, keys.All()...),
		r.persistent.Set(ctx, keys.Mode, string(StateSessionOnly)),
	)

	return keys.All(), errors.Join(errs...)
}

func (r *StateRecoverer) fullReset(ctx context.Context) ([]string, error) {
	keys := r.validator.Keys()
	all := append(keys.All(), keys.Mode)

	errs := []error{
		r.persistent.Remove(ctx, all...),
		r.session.Remove(ctx, all...),
	}

	if r.credentials != nil {
		errs = append(errs, r.credentials.Invalidate(ctx))
	}

	return all, errors.Join(errs...)
}

// persistedKeys filters validation field names down to persisted keys.
func (r *StateRecoverer) persistedKeys(fields []string) []string {
	keys := r.validator.Keys()
	known := append(keys.All(), keys.Mode)

	var out []string

	for _, f := range fields {
		if slices.Contains(known, f) {
			out = append(out, f)
		}
	}

	return out
}

// CaptureSnapshot reads the persisted authentication keys from store. The
// caller fills in the in-memory fields.
func CaptureSnapshot(ctx context.Context, store KVStore, keys AuthKeys, clock Clock) (AuthStateSnapshot, error) {
	if clock == nil {
		clock = RealClock{}
	}

	snap := AuthStateSnapshot{
		CapturedAt: clock.Now(),
		Persisted:  make(map[string]string),
	}

	for _, k := range keys.All() {
		v, ok, err := store.Get(ctx, k)
		if err != nil {
			return AuthStateSnapshot{}, fmt.Errorf("read %s: %w", k, err)
		}

		if ok {
			snap.Persisted[k] = v
		}
	}

	if v, ok := snap.Persisted[keys.TokenState]; ok {
		snap.TokenState = TokenState(v)
	}

	return snap, nil
}
