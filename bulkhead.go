package reqguard

import "sync/atomic"

// Bulkhead caps the number of requests a client has in flight.
// Slot acquisition is lock-free.
type Bulkhead struct {
	hooks         *Hooks
	maxConcurrent int64
	current       atomic.Int64
}

// NewBulkhead creates a bulkhead admitting at most maxConcurrent requests.
func NewBulkhead(maxConcurrent int, hooks *Hooks) *Bulkhead {
	return &Bulkhead{
		maxConcurrent: int64(max(maxConcurrent, 1)),
		hooks:         hooks,
	}
}

// Acquire takes a slot for key, returning [ErrBulkheadFull] at capacity.
func (b *Bulkhead) Acquire(key string) error {
	for {
		cur := b.current.Load()
		if cur >= b.maxConcurrent {
			b.hooks.emitBulkheadFull(key)
			return ErrBulkheadFull
		}

		if b.current.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release returns a slot.
func (b *Bulkhead) Release() {
	b.current.Add(-1)
}

// InFlight returns the number of slots in use.
func (b *Bulkhead) InFlight() int {
	return int(b.current.Load())
}

// Full reports whether every slot is in use.
func (b *Bulkhead) Full() bool {
	return b.current.Load() >= b.maxConcurrent
}

func bulkheadFullError(rc *RequestContext) *ClassifiedError {
	ce := &ClassifiedError{
		cause:       ErrBulkheadFull,
		Kind:        KindRateLimit,
		Severity:    SeverityMedium,
		Recoverable: false,
		Message:     "too many requests in flight",
		UserMessage: "Too many requests are in progress. Please try again shortly.",
	}

	if rc != nil {
		ce.Context = *rc
	}

	return ce
}
