package reqguard

import "slices"

// ---------------------------------------------------------------------------
// HealthReporter interface
// ---------------------------------------------------------------------------.

type (
	// HealthReporter is implemented by [Client]. Readiness checks depend on
	// this interface only, so fakes and other components can take part.
	HealthReporter interface {
		// Name returns the reporter's name.
		Name() string
		// HealthStatus returns the current health state.
		HealthStatus() HealthStatus
	}

	// Criticality represents how an unhealthy state affects readiness.
	Criticality int

	// HealthStatus is the current health of a client.
	HealthStatus struct {
		Name  string `json:"name"`
		State string `json:"state"`
		// OpenCircuits lists the keys of circuits currently OPEN.
		OpenCircuits []string `json:"open_circuits,omitempty"`
		// HalfOpenCircuits lists the keys of circuits on probation.
		HalfOpenCircuits   []string    `json:"half_open_circuits,omitempty"`
		PendingEscalations int         `json:"pending_escalations"`
		Criticality        Criticality `json:"criticality"`
		Healthy            bool        `json:"healthy"`
	}
)

const (
	// CriticalityNone means nothing is impaired.
	CriticalityNone Criticality = iota
	// CriticalityDegraded means the client can still serve but is impaired.
	CriticalityDegraded
	// CriticalityCritical means the client cannot reliably serve requests.
	CriticalityCritical
)

// String returns the criticality level as a human-readable string.
func (c Criticality) String() string {
	switch c {
	case CriticalityDegraded:
		return "degraded"
	case CriticalityCritical:
		return "critical"
	default:
		return "none"
	}
}

// ---------------------------------------------------------------------------
// HealthStatus on Client
// ---------------------------------------------------------------------------.

// Name returns the client's name.
func (c *Client) Name() string { return c.name }

// HealthStatus derives the client's health from its circuits and its
// monitor. An open circuit is critical; pending escalations degrade.
func (c *Client) HealthStatus() HealthStatus {
	status := HealthStatus{
		Name:    c.name,
		Healthy: true,
		State:   "healthy",
	}

	for key, s := range c.breaker.Snapshot() {
		switch s.State {
		case CircuitOpen:
			status.OpenCircuits = append(status.OpenCircuits, key)
		case CircuitHalfOpen:
			status.HalfOpenCircuits = append(status.HalfOpenCircuits, key)
		case CircuitClosed:
		}
	}

	slices.Sort(status.OpenCircuits)
	slices.Sort(status.HalfOpenCircuits)

	// Circuit breaker: critical
	if len(status.OpenCircuits) > 0 {
		status.Healthy = false
		status.Criticality = CriticalityCritical
		status.State = "circuit_open"
	} else if len(status.HalfOpenCircuits) > 0 {
		// half open is recovering, not unhealthy
		status.State = "circuit_half_open"
	}

	// Escalations: degraded (only if not already critical)
	status.PendingEscalations = c.monitor.PendingEscalations()
	if status.PendingEscalations > 0 {
		if status.Criticality < CriticalityDegraded {
			status.Criticality = CriticalityDegraded
		}

		if status.State == "healthy" {
			status.State = "escalated"
		}
	}

	return status
}
