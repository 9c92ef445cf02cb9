package reqguard

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------.

type (
	circuitBreakerConfig struct {
		tripOn           map[ErrorKind]bool
		failureThreshold int
		successThreshold int
		recoveryTimeout  time.Duration
		halfOpenTimeout  time.Duration
	}

	// CircuitBreakerOption configures a circuit breaker.
	CircuitBreakerOption func(*circuitBreakerConfig)

	// CircuitStatus is the state of one circuit.
	CircuitStatus string

	// CircuitState is a point-in-time copy of one circuit's bookkeeping.
	CircuitState struct {
		LastFailureTime time.Time     `json:"last_failure_time"`
		NextAttemptTime time.Time     `json:"next_attempt_time"`
		State           CircuitStatus `json:"state"`
		FailureCount    int           `json:"failure_count"`
		SuccessCount    int           `json:"success_count"`
	}

	// CircuitBreaker guards calls per key (method + path). Entries are created
	// lazily on the first recorded failure and live until reset.
	//
	// All transitions for all keys are serialized by one mutex, so a caller
	// can never observe a stale CLOSED state for a circuit that another
	// goroutine has just opened.
	CircuitBreaker struct {
		clock   Clock
		hooks   *Hooks
		entries map[string]*circuitEntry
		cfg     circuitBreakerConfig
		mu      sync.Mutex
	}

	circuitEntry struct {
		lastFailure  time.Time
		nextAttempt  time.Time
		state        CircuitStatus
		failureCount int
		successCount int
		trials       int
	}
)

// Circuit states.
const (
	CircuitClosed   CircuitStatus = "CLOSED"
	CircuitOpen     CircuitStatus = "OPEN"
	CircuitHalfOpen CircuitStatus = "HALF_OPEN"
)

func defaultCircuitBreakerConfig() circuitBreakerConfig {
	return circuitBreakerConfig{
		failureThreshold: 5,
		successThreshold: 3,
		recoveryTimeout:  60 * time.Second,
		halfOpenTimeout:  30 * time.Second,
		tripOn: map[ErrorKind]bool{
			KindNetwork:   true,
			KindTimeout:   true,
			KindServer:    true,
			KindRateLimit: true,
		},
	}
}

// FailureThreshold sets the number of failures that opens a closed circuit.
// Non-positive values are ignored.
func FailureThreshold(n int) CircuitBreakerOption {
	return func(cfg *circuitBreakerConfig) {
		if n > 0 {
			cfg.failureThreshold = n
		}
	}
}

// SuccessThreshold sets the number of half-open successes needed to close the
// circuit. It also bounds how many trial calls a half-open circuit admits.
func SuccessThreshold(n int) CircuitBreakerOption {
	return func(cfg *circuitBreakerConfig) {
		if n > 0 {
			cfg.successThreshold = n
		}
	}
}

// RecoveryTimeout sets how long an open circuit rejects calls.
func RecoveryTimeout(d time.Duration) CircuitBreakerOption {
	return func(cfg *circuitBreakerConfig) {
		if d > 0 {
			cfg.recoveryTimeout = d
		}
	}
}

// HalfOpenTimeout sets the probation window of a half-open circuit. When it
// lapses without a verdict the trial counters are reset.
func HalfOpenTimeout(d time.Duration) CircuitBreakerOption {
	return func(cfg *circuitBreakerConfig) {
		if d > 0 {
			cfg.halfOpenTimeout = d
		}
	}
}

// TripOn replaces the set of error kinds that count as circuit failures.
func TripOn(kinds ...ErrorKind) CircuitBreakerOption {
	return func(cfg *circuitBreakerConfig) {
		cfg.tripOn = make(map[ErrorKind]bool, len(kinds))
		for _, k := range kinds {
			cfg.tripOn[k] = true
		}
	}
}

// Key builds the circuit key for a method and a request path. Query strings
// and fragments are dropped so that all calls to one endpoint share a circuit.
func Key(method, path string) string {
	if u, err := url.Parse(path); err == nil && u.Path != "" {
		path = u.Path
	} else if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	return strings.ToUpper(method) + " " + path
}

// NewCircuitBreaker creates a keyed circuit breaker.
func NewCircuitBreaker(clock Clock, hooks *Hooks, opts ...CircuitBreakerOption) *CircuitBreaker {
	cfg := defaultCircuitBreakerConfig()
	for _, o := range opts {
		o(&cfg)
	}

	if clock == nil {
		clock = RealClock{}
	}

	return &CircuitBreaker{
		clock:   clock,
		hooks:   hooks,
		cfg:     cfg,
		entries: make(map[string]*circuitEntry),
	}
}

// Trips reports whether failures of kind count toward opening a circuit.
func (cb *CircuitBreaker) Trips(kind ErrorKind) bool {
	return cb.cfg.tripOn[kind]
}

// Allow checks whether a call on key may be attempted. It returns
// [ErrCircuitOpen] while the circuit is open or while a half-open circuit has
// no trial slots left. Rejections do not count as failures.
func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[key]
	if !ok {
		return nil
	}

	now := cb.clock.Now()

	switch e.state {
	case CircuitOpen:
		if now.Before(e.nextAttempt) {
			cb.hooks.emitCircuitRejected(key)
			return ErrCircuitOpen
		}

		e.state = CircuitHalfOpen
		e.successCount = 0
		e.trials = 0
		e.nextAttempt = now.Add(cb.cfg.halfOpenTimeout)
		cb.hooks.emitCircuitHalfOpen(key)

		return cb.admitTrial(key, e, now)

	case CircuitHalfOpen:
		return cb.admitTrial(key, e, now)

	default:
		return nil
	}
}

func (cb *CircuitBreaker) admitTrial(key string, e *circuitEntry, now time.Time) error {
	if !now.Before(e.nextAttempt) {
		// Probation lapsed without a verdict; start a fresh trial round.
		e.trials = 0
		e.successCount = 0
		e.nextAttempt = now.Add(cb.cfg.halfOpenTimeout)
	}

	if e.trials >= cb.cfg.successThreshold {
		cb.hooks.emitCircuitRejected(key)
		return ErrCircuitOpen
	}

	e.trials++

	return nil
}

// IsOpen reports whether key is open and still inside its recovery timeout.
// It never changes state.
func (cb *CircuitBreaker) IsOpen(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[key]

	return ok && e.state == CircuitOpen && cb.clock.Now().Before(e.nextAttempt)
}

// RecordSuccess records a successful call on key.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[key]
	if !ok {
		return
	}

	switch e.state {
	case CircuitClosed:
		if e.failureCount > 0 {
			e.failureCount--
		}

	case CircuitHalfOpen:
		e.successCount++
		if e.successCount < cb.cfg.successThreshold {
			return
		}

		e.state = CircuitClosed
		e.failureCount = 0
		e.successCount = 0
		e.trials = 0
		e.nextAttempt = time.Time{}
		cb.hooks.emitCircuitClose(key)

	default:
		// A late success from a call admitted before the circuit opened.
	}
}

// RecordFailure records a failed call on key, creating the circuit on first
// use.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()

	e, ok := cb.entries[key]
	if !ok {
		e = &circuitEntry{state: CircuitClosed}
		cb.entries[key] = e
	}

	e.lastFailure = now
	e.failureCount++

	switch e.state {
	case CircuitClosed:
		if e.failureCount < cb.cfg.failureThreshold {
			return
		}

		cb.open(key, e, now)

	case CircuitHalfOpen:
		cb.open(key, e, now)

	default:
		// Already open; the recovery deadline is not extended.
	}
}

func (cb *CircuitBreaker) open(key string, e *circuitEntry, now time.Time) {
	e.state = CircuitOpen
	e.successCount = 0
	e.trials = 0
	e.nextAttempt = now.Add(cb.cfg.recoveryTimeout)
	cb.hooks.emitCircuitOpen(key)
}

// State returns a copy of key's circuit, or false when no failure has been
// recorded for key yet.
func (cb *CircuitBreaker) State(key string) (CircuitState, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[key]
	if !ok {
		return CircuitState{}, false
	}

	return e.snapshot(), true
}

// Snapshot returns copies of every known circuit.
func (cb *CircuitBreaker) Snapshot() map[string]CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[string]CircuitState, len(cb.entries))
	for k, e := range cb.entries {
		out[k] = e.snapshot()
	}

	return out
}

// Reset administratively closes key's circuit and clears its counters.
func (cb *CircuitBreaker) Reset(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if e, ok := cb.entries[key]; ok {
		wasClosed := e.state == CircuitClosed
		*e = circuitEntry{state: CircuitClosed}

		if !wasClosed {
			cb.hooks.emitCircuitClose(key)
		}
	}
}

// ResetAll closes every circuit.
func (cb *CircuitBreaker) ResetAll() {
	cb.mu.Lock()
	keys := make([]string, 0, len(cb.entries))
	for k := range cb.entries {
		keys = append(keys, k)
	}
	cb.mu.Unlock()

	for _, k := range keys {
		cb.Reset(k)
	}
}

func (e *circuitEntry) snapshot() CircuitState {
	return CircuitState{
		State:           e.state,
		FailureCount:    e.failureCount,
		SuccessCount:    e.successCount,
		LastFailureTime: e.lastFailure,
		NextAttemptTime: e.nextAttempt,
	}
}
