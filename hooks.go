package reqguard

import "time"

// Hooks holds optional callbacks for lifecycle events of the request core.
// All fields are nil by default; callers set only the hooks they care about.
// Once handed to a component a Hooks value must not be mutated: emit methods
// read the function fields without synchronisation.
//
// Hooks are invoked synchronously on the goroutine that produced the event,
// sometimes while internal locks are held, so they must not call back into
// the component that emitted them.
type Hooks struct {
	OnAttempt         func(key string, latency time.Duration, err error)
	OnRetry           func(rc RequestContext, attempt int, err *ClassifiedError)
	OnTimeout         func(key string, timeout time.Duration)
	OnCircuitOpen     func(key string)
	OnCircuitHalfOpen func(key string)
	OnCircuitClose    func(key string)
	OnCircuitRejected func(key string)
	OnBulkheadFull    func(key string)
	OnRecovery        func(err *ClassifiedError, resp RecoveryResponse)
	OnStrategySkipped func(strategy string, err error)
	OnFallbackServed  func(key string)
	OnTokenRefresh    func(shared bool, err error)
	OnEscalation      func(ev EscalationEvent)
	OnStateRecovery   func(res RecoveryResult)
}

func (h *Hooks) emitAttempt(key string, latency time.Duration, err error) {
	if h != nil && h.OnAttempt != nil {
		h.OnAttempt(key, latency, err)
	}
}

func (h *Hooks) emitRetry(rc RequestContext, attempt int, err *ClassifiedError) {
	if h != nil && h.OnRetry != nil {
		h.OnRetry(rc, attempt, err)
	}
}

func (h *Hooks) emitTimeout(key string, d time.Duration) {
	if h != nil && h.OnTimeout != nil {
		h.OnTimeout(key, d)
	}
}

func (h *Hooks) emitCircuitOpen(key string) {
	if h != nil && h.OnCircuitOpen != nil {
		h.OnCircuitOpen(key)
	}
}

func (h *Hooks) emitCircuitHalfOpen(key string) {
	if h != nil && h.OnCircuitHalfOpen != nil {
		h.OnCircuitHalfOpen(key)
	}
}

func (h *Hooks) emitCircuitClose(key string) {
	if h != nil && h.OnCircuitClose != nil {
		h.OnCircuitClose(key)
	}
}

func (h *Hooks) emitCircuitRejected(key string) {
	if h != nil && h.OnCircuitRejected != nil {
		h.OnCircuitRejected(key)
	}
}

func (h *Hooks) emitBulkheadFull(key string) {
	if h != nil && h.OnBulkheadFull != nil {
		h.OnBulkheadFull(key)
	}
}

func (h *Hooks) emitRecovery(err *ClassifiedError, resp RecoveryResponse) {
	if h != nil && h.OnRecovery != nil {
		h.OnRecovery(err, resp)
	}
}

func (h *Hooks) emitStrategySkipped(strategy string, err error) {
	if h != nil && h.OnStrategySkipped != nil {
		h.OnStrategySkipped(strategy, err)
	}
}

func (h *Hooks) emitFallbackServed(key string) {
	if h != nil && h.OnFallbackServed != nil {
		h.OnFallbackServed(key)
	}
}

func (h *Hooks) emitTokenRefresh(shared bool, err error) {
	if h != nil && h.OnTokenRefresh != nil {
		h.OnTokenRefresh(shared, err)
	}
}

func (h *Hooks) emitEscalation(ev EscalationEvent) {
	if h != nil && h.OnEscalation != nil {
		h.OnEscalation(ev)
	}
}

func (h *Hooks) emitStateRecovery(res RecoveryResult) {
	if h != nil && h.OnStateRecovery != nil {
		h.OnStateRecovery(res)
	}
}

// Merge returns hooks that call h's callbacks followed by other's.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnAttempt: func(key string, latency time.Duration, err error) {
			h.emitAttempt(key, latency, err)
			other.emitAttempt(key, latency, err)
		},
		OnRetry: func(rc RequestContext, attempt int, err *ClassifiedError) {
			h.emitRetry(rc, attempt, err)
			other.emitRetry(rc, attempt, err)
		},
		OnTimeout: func(key string, d time.Duration) {
			h.emitTimeout(key, d)
			other.emitTimeout(key, d)
		},
		OnCircuitOpen: func(key string) {
			h.emitCircuitOpen(key)
			other.emitCircuitOpen(key)
		},
		OnCircuitHalfOpen: func(key string) {
			h.emitCircuitHalfOpen(key)
			other.emitCircuitHalfOpen(key)
		},
		OnCircuitClose: func(key string) {
			h.emitCircuitClose(key)
			other.emitCircuitClose(key)
		},
		OnCircuitRejected: func(key string) {
			h.emitCircuitRejected(key)
			other.emitCircuitRejected(key)
		},
		OnBulkheadFull: func(key string) {
			h.emitBulkheadFull(key)
			other.emitBulkheadFull(key)
		},
		OnRecovery: func(err *ClassifiedError, resp RecoveryResponse) {
			h.emitRecovery(err, resp)
			other.emitRecovery(err, resp)
		},
		OnStrategySkipped: func(strategy string, err error) {
			h.emitStrategySkipped(strategy, err)
			other.emitStrategySkipped(strategy, err)
		},
		OnFallbackServed: func(key string) {
			h.emitFallbackServed(key)
			other.emitFallbackServed(key)
		},
		OnTokenRefresh: func(shared bool, err error) {
			h.emitTokenRefresh(shared, err)
			other.emitTokenRefresh(shared, err)
		},
		OnEscalation: func(ev EscalationEvent) {
			h.emitEscalation(ev)
			other.emitEscalation(ev)
		},
		OnStateRecovery: func(res RecoveryResult) {
			h.emitStateRecovery(res)
			other.emitStateRecovery(res)
		},
	}
}
