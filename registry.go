package reqguard

import (
	"slices"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Readiness across registered clients
// ---------------------------------------------------------------------------.

type (
	// ReadinessStatus is the result of checking all registered reporters.
	ReadinessStatus struct {
		Clients []HealthStatus `json:"clients"`
		// Degraded names the reporters that still serve but are impaired.
		Degraded []string `json:"degraded,omitempty"`
		// PendingEscalations is the sum over every reporter.
		PendingEscalations int  `json:"pending_escalations"`
		Ready              bool `json:"ready"`
	}

	// Registry tracks [HealthReporter]s by name and derives readiness from
	// them. Registering a second reporter under a taken name replaces the
	// first, so a client rebuilt after a config reload does not linger.
	//
	// Reads never lock: the reporter list is swapped copy-on-write.
	Registry struct {
		reporters atomic.Pointer[[]HealthReporter]
		mu        sync.Mutex
	}
)

//nolint:gochecknoglobals // singleton via sync.OnceValue
var defaultRegistry = sync.OnceValue(NewRegistry)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}

	var empty []HealthReporter

	r.reporters.Store(&empty)

	return r
}

// Register adds hr, replacing any reporter with the same name.
func (r *Registry) Register(hr HealthReporter) {
	r.update(func(old []HealthReporter) []HealthReporter {
		name := hr.Name()

		if i := slices.IndexFunc(old, func(e HealthReporter) bool { return e.Name() == name }); i >= 0 {
			old[i] = hr
			return old
		}

		return append(old, hr)
	})
}

// Unregister removes the reporter registered under name, if any.
func (r *Registry) Unregister(name string) {
	r.update(func(old []HealthReporter) []HealthReporter {
		return slices.DeleteFunc(old, func(e HealthReporter) bool { return e.Name() == name })
	})
}

// update applies fn to a private copy of the reporter list and publishes it.
func (r *Registry) update(fn func([]HealthReporter) []HealthReporter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	updated := fn(slices.Clone(*r.reporters.Load()))
	r.reporters.Store(&updated)
}

// Len returns the number of registered reporters.
func (r *Registry) Len() int {
	return len(*r.reporters.Load())
}

// CheckReadiness builds a ReadinessStatus from every registered reporter.
// Ready is false if any reporter is critical and unhealthy.
func (r *Registry) CheckReadiness() ReadinessStatus {
	reporters := *r.reporters.Load()

	status := ReadinessStatus{
		Ready:   true,
		Clients: make([]HealthStatus, 0, len(reporters)),
	}

	for _, hr := range reporters {
		hs := hr.HealthStatus()
		status.Clients = append(status.Clients, hs)
		status.PendingEscalations += hs.PendingEscalations

		switch {
		case hs.Criticality == CriticalityCritical && !hs.Healthy:
			status.Ready = false
		case hs.Criticality == CriticalityDegraded:
			status.Degraded = append(status.Degraded, hs.Name)
		}
	}

	return status
}

// DefaultRegistry returns the process-wide registry used by clients built
// with [WithRegistry](DefaultRegistry()).
func DefaultRegistry() *Registry {
	return defaultRegistry()
}
