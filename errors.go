package reqguard

import (
	"errors"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"
)

// ---------------------------------------------------------------------------
// Taxonomy
// ---------------------------------------------------------------------------.

type (
	// ErrorKind is the closed set of failure categories every error maps to.
	ErrorKind string

	// Severity ranks how urgently a failure needs attention.
	Severity int
)

// Error kinds.
const (
	KindNetwork    ErrorKind = "NETWORK"
	KindAuth       ErrorKind = "AUTH"
	KindParsing    ErrorKind = "PARSING"
	KindValidation ErrorKind = "VALIDATION"
	KindServer     ErrorKind = "SERVER"
	KindTimeout    ErrorKind = "TIMEOUT"
	KindRateLimit  ErrorKind = "RATE_LIMIT"
	KindUnknown    ErrorKind = "UNKNOWN"
)

// Severities, ordered so that comparisons like s >= SeverityHigh work.
const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// AllKinds lists every [ErrorKind] in a stable order.
func AllKinds() []ErrorKind {
	return []ErrorKind{
		KindNetwork, KindAuth, KindParsing, KindValidation,
		KindServer, KindTimeout, KindRateLimit, KindUnknown,
	}
}

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	return slices.Contains(AllKinds(), k)
}

// String returns the upper-case severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNSPECIFIED"
	}
}

// ParseSeverity maps a severity name back to its value. Matching is exact on
// the upper-case form returned by [Severity.String].
func ParseSeverity(s string) (Severity, bool) {
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if sev.String() == s {
			return sev, true
		}
	}

	return 0, false
}

// ---------------------------------------------------------------------------
// Request context
// ---------------------------------------------------------------------------.

// RequestContext describes one logical request. It is created once per
// request and threaded by reference through every attempt; only RetryCount
// changes after creation.
type RequestContext struct {
	Timestamp  time.Time
	Endpoint   string
	Method     string
	Component  string
	RetryCount int
}

// NewRequestContext creates a context for a request issued at now.
func NewRequestContext(method, endpoint, component string, now time.Time) *RequestContext {
	return &RequestContext{
		Timestamp: now,
		Endpoint:  endpoint,
		Method:    method,
		Component: component,
	}
}

func (rc *RequestContext) incRetry() { rc.RetryCount++ }

// ---------------------------------------------------------------------------
// ClassifiedError
// ---------------------------------------------------------------------------.

// ClassifiedError is the typed form of every failure seen by the core. It is
// immutable once produced: derived copies are made with [ClassifiedError.With].
type ClassifiedError struct {
	cause    error
	metadata map[string]any

	// Context is a copy of the request context taken at classification time.
	Context RequestContext
	// Message is a diagnostic description; it may contain raw error text and
	// must not be shown to end users.
	Message string
	// UserMessage is a sanitized, user-facing explanation.
	UserMessage string
	Kind        ErrorKind
	Severity    Severity
	// StatusCode is the transport status, or 0 when none was received.
	StatusCode  int
	Recoverable bool
}

// Error implements error.
func (e *ClassifiedError) Error() string {
	if e.StatusCode != 0 {
		return string(e.Kind) + " (" + strconv.Itoa(e.StatusCode) + "): " + e.Message
	}

	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *ClassifiedError) Unwrap() error { return e.cause }

// Metadata returns a copy of the error's metadata.
func (e *ClassifiedError) Metadata() map[string]any {
	return maps.Clone(e.metadata)
}

// Meta returns a single metadata value.
func (e *ClassifiedError) Meta(key string) (any, bool) {
	v, ok := e.metadata[key]
	return v, ok
}

// With returns a copy of e carrying an additional metadata entry.
func (e *ClassifiedError) With(key string, value any) *ClassifiedError {
	cp := *e
	cp.metadata = maps.Clone(e.metadata)

	if cp.metadata == nil {
		cp.metadata = make(map[string]any, 1)
	}

	cp.metadata[key] = value

	return &cp
}

// exhausted returns a copy of e whose cause also matches
// [ErrRetriesExhausted].
func (e *ClassifiedError) exhausted() *ClassifiedError {
	cp := *e
	cp.cause = errors.Join(e.cause, ErrRetriesExhausted)

	return &cp
}

// AsClassified extracts a [ClassifiedError] from err's chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}

	return nil, false
}

// Well-known metadata keys.
const (
	MetaRetryAfter     = "retry_after"
	MetaCircuitState   = "circuit_state"
	MetaCorruptedState = "corrupted_state"
	MetaAttempts       = "attempts"
	MetaTimeout        = "timeout_ms"
)

// ---------------------------------------------------------------------------
// Raw failure shapes understood by the classifier
// ---------------------------------------------------------------------------.

type (
	// StatusCoder is implemented by errors that carry a transport status.
	StatusCoder interface {
		StatusCode() int
	}

	// StatusError reports a non-2xx response from the HTTP runtime.
	StatusError struct {
		Header http.Header
		Body   []byte
		Status int
	}

	// ParseError reports a response body that could not be decoded.
	ParseError struct {
		Err error
	}
)

// Error implements error.
func (e *StatusError) Error() string {
	return "http status " + strconv.Itoa(e.Status)
}

// StatusCode implements [StatusCoder].
func (e *StatusError) StatusCode() int { return e.Status }

// Error implements error.
func (e *ParseError) Error() string { return "malformed response body: " + e.Err.Error() }

// Unwrap returns the decoder error.
func (e *ParseError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Resilience-layer errors
// ---------------------------------------------------------------------------.

type (
	// ResilienceError identifies errors produced by the resilience layer
	// itself, as opposed to errors from the remote API.
	//nolint:iface // exported for consumer error classification.
	ResilienceError interface {
		error
		// IsResilience reports whether this error originates from the
		// resilience layer.
		IsResilience() bool
	}

	resilienceError string
)

// Sentinel resilience errors.
var (
	// ErrCircuitOpen is the cause of rejections issued while a circuit is open.
	ErrCircuitOpen error = resilienceError("circuit breaker is open")
	// ErrTimeout is the cause of an attempt that exceeded its deadline.
	ErrTimeout error = resilienceError("timeout")
	// ErrRetriesExhausted is attached to the final error once all attempts
	// have been used.
	ErrRetriesExhausted error = resilienceError("retries exhausted")
	// ErrMissingUserMessage marks a recovery strategy that broke the
	// non-empty user message contract.
	ErrMissingUserMessage error = resilienceError("recovery response without user message")
	// ErrNoStrategy is reported when no recovery strategy accepted an error.
	ErrNoStrategy error = resilienceError("no recovery strategy applies")
	// ErrEscalationNotFound is returned for an unknown escalation event ID.
	ErrEscalationNotFound error = resilienceError("escalation event not found")
	// ErrInvalidTransition is returned when an escalation event cannot move to
	// the requested status.
	ErrInvalidTransition error = resilienceError("invalid escalation status transition")
	// ErrBulkheadFull is the cause of rejections issued while a client has
	// its maximum number of requests in flight.
	ErrBulkheadFull error = resilienceError("bulkhead is full")
)

func (e resilienceError) Error() string { return string(e) }

// IsResilience reports whether the error is a resilience infrastructure error.
func (resilienceError) IsResilience() bool { return true }
