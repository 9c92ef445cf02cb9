package reqguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------.

type (
	// EscalationStatus is the operator-driven lifecycle state of an
	// [EscalationEvent].
	EscalationStatus string

	// EscalationRule converts repeated errors into an alert: it fires when at
	// least Count errors of MinSeverity or above were recorded within Window.
	// A rule does not fire again until Cooldown has passed since it last fired.
	EscalationRule struct {
		Name        string        `json:"name"`
		MinSeverity Severity      `json:"min_severity"`
		Count       int           `json:"count"`
		Window      time.Duration `json:"window"`
		Cooldown    time.Duration `json:"cooldown"`
	}

	// EscalationEvent is raised when an [EscalationRule] is satisfied.
	EscalationEvent struct {
		TriggeredAt    time.Time          `json:"triggered_at"`
		AcknowledgedAt time.Time          `json:"acknowledged_at,omitzero"`
		ResolvedAt     time.Time          `json:"resolved_at,omitzero"`
		ID             string             `json:"id"`
		Rule           string             `json:"rule"`
		Status         EscalationStatus   `json:"status"`
		Errors         []*ClassifiedError `json:"-"`
	}

	// ErrorMetrics aggregates every error recorded since the monitor was
	// created or reset.
	ErrorMetrics struct {
		LastErrorAt time.Time         `json:"last_error_at,omitzero"`
		ByKind      map[ErrorKind]int `json:"by_kind"`
		BySeverity  map[string]int    `json:"by_severity"`
		ByEndpoint  map[string]int    `json:"by_endpoint"`
		ByComponent map[string]int    `json:"by_component"`
		Total       int               `json:"total"`
		// CircuitRejections counts calls refused by an open circuit. They
		// stay out of the history and the other counters, which would
		// otherwise count one outage once per rejected call.
		CircuitRejections int `json:"circuit_rejections"`
	}

	// Pattern is a repeated-failure shape detected in the recent history.
	Pattern struct {
		Name        string    `json:"name"`
		Description string    `json:"description"`
		Endpoint    string    `json:"endpoint,omitempty"`
		Kind        ErrorKind `json:"kind,omitempty"`
		Severity    Severity  `json:"severity"`
		Count       int       `json:"count"`
	}

	// Notifier delivers escalation events to an external sink. Delivery is
	// fire-and-forget from the monitor's point of view.
	Notifier interface {
		Notify(ctx context.Context, ev EscalationEvent) error
	}

	// NotifierFunc adapts a function to [Notifier].
	NotifierFunc func(ctx context.Context, ev EscalationEvent) error

	// MonitorOption configures a [Monitor].
	MonitorOption func(*Monitor)

	// Monitor observes classified errors. It keeps a bounded history with
	// the oldest entries evicted first, aggregate counters, escalation events
	// and repeated-failure patterns. It is safe for concurrent use.
	//
	// A monitor with a [Notifier] owns a delivery goroutine and must be shut
	// down with [Monitor.Close].
	Monitor struct {
		clock    Clock
		notifier Notifier
		hooks    *Hooks
		logger   *slog.Logger
		lastFire map[string]time.Time
		events   map[string]*EscalationEvent
		queue    chan EscalationEvent
		done     chan struct{}
		metrics  ErrorMetrics
		rules    []EscalationRule
		order    []string
		buf      []monitorEntry
		next     int
		size     int

		maxEvents     int
		notifyTimeout time.Duration
		closeOnce     sync.Once
		mu            sync.Mutex
		closed        bool
	}

	monitorEntry struct {
		at  time.Time
		err *ClassifiedError
	}
)

// Escalation statuses.
const (
	EscalationPending      EscalationStatus = "pending"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationResolved     EscalationStatus = "resolved"
)

// Pattern names.
const (
	PatternEndpointFailures = "endpoint_failures"
	PatternAuthFailures     = "auth_failures"
	PatternTimeoutCluster   = "timeout_cluster"
)

const (
	defaultMonitorCapacity = 1000
	defaultMaxEvents       = 100
	defaultNotifyQueue     = 64
	defaultNotifyTimeout   = 5 * time.Second

	patternHorizon       = time.Hour
	endpointFailureCount = 5
	authFailureCount     = 10
	timeoutClusterCount  = 3
	timeoutClusterSpan   = 5 * time.Minute
)

// Notify implements [Notifier].
func (f NotifierFunc) Notify(ctx context.Context, ev EscalationEvent) error {
	return f(ctx, ev)
}

// DefaultEscalationRules returns the built-in rules: three CRITICAL errors in
// five minutes, or ten HIGH-or-worse errors in fifteen minutes.
func DefaultEscalationRules() []EscalationRule {
	return []EscalationRule{
		{
			Name:        "critical-burst",
			MinSeverity: SeverityCritical,
			Count:       3,
			Window:      5 * time.Minute,
			Cooldown:    5 * time.Minute,
		},
		{
			Name:        "high-burst",
			MinSeverity: SeverityHigh,
			Count:       10,
			Window:      15 * time.Minute,
			Cooldown:    15 * time.Minute,
		},
	}
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------.

// WithMonitorCapacity sets the history size.
func WithMonitorCapacity(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.buf = make([]monitorEntry, n)
		}
	}
}

// WithEscalationRules replaces the default rules.
func WithEscalationRules(rules ...EscalationRule) MonitorOption {
	return func(m *Monitor) { m.rules = slices.Clone(rules) }
}

// WithNotifier sets the sink escalation events are delivered to. queueSize
// bounds pending deliveries; events beyond it are dropped and logged.
func WithNotifier(n Notifier, queueSize int) MonitorOption {
	return func(m *Monitor) {
		if queueSize <= 0 {
			queueSize = defaultNotifyQueue
		}

		m.notifier = n
		m.queue = make(chan EscalationEvent, queueSize)
	}
}

// WithNotifyTimeout bounds a single delivery.
func WithNotifyTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.notifyTimeout = d }
}

// WithMonitorClock sets the clock.
func WithMonitorClock(c Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// WithMonitorHooks sets lifecycle hooks.
func WithMonitorHooks(h *Hooks) MonitorOption {
	return func(m *Monitor) { m.hooks = h }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a monitor with the default escalation rules.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		clock:         RealClock{},
		logger:        slog.Default(),
		buf:           make([]monitorEntry, defaultMonitorCapacity),
		rules:         DefaultEscalationRules(),
		events:        make(map[string]*EscalationEvent),
		lastFire:      make(map[string]time.Time),
		maxEvents:     defaultMaxEvents,
		notifyTimeout: defaultNotifyTimeout,
		metrics:       newErrorMetrics(),
		done:          make(chan struct{}),
	}

	for _, o := range opts {
		o(m)
	}

	if m.notifier != nil {
		go m.deliver()
	} else {
		close(m.done)
	}

	return m
}

func newErrorMetrics() ErrorMetrics {
	return ErrorMetrics{
		ByKind:      make(map[ErrorKind]int),
		BySeverity:  make(map[string]int),
		ByEndpoint:  make(map[string]int),
		ByComponent: make(map[string]int),
	}
}

// ---------------------------------------------------------------------------
// Recording
// ---------------------------------------------------------------------------.

// Record adds err to the history, updates the aggregate counters and
// evaluates the escalation rules. It returns the events raised by this
// insert, if any. Open-circuit rejections are only counted in
// [ErrorMetrics.CircuitRejections].
func (m *Monitor) Record(err *ClassifiedError) []EscalationEvent {
	if err == nil {
		return nil
	}

	m.mu.Lock()

	if errors.Is(err, ErrCircuitOpen) {
		m.metrics.CircuitRejections++
		m.mu.Unlock()

		return nil
	}

	now := m.clock.Now()
	m.buf[m.next] = monitorEntry{at: now, err: err}
	m.next = (m.next + 1) % len(m.buf)
	m.size = min(m.size+1, len(m.buf))

	m.metrics.Total++
	m.metrics.LastErrorAt = now
	m.metrics.ByKind[err.Kind]++
	m.metrics.BySeverity[err.Severity.String()]++

	if err.Context.Endpoint != "" {
		m.metrics.ByEndpoint[err.Context.Endpoint]++
	}

	if err.Context.Component != "" {
		m.metrics.ByComponent[err.Context.Component]++
	}

	raised := m.evaluate(now)
	for _, ev := range raised {
		m.enqueue(ev)
	}

	m.mu.Unlock()

	for _, ev := range raised {
		m.hooks.emitEscalation(ev)
		m.logger.Error("error escalation raised",
			"id", ev.ID,
			"rule", ev.Rule,
			"errors", len(ev.Errors),
		)
	}

	return raised
}

// evaluate must be called with m.mu held.
func (m *Monitor) evaluate(now time.Time) []EscalationEvent {
	var raised []EscalationEvent

	for _, rule := range m.rules {
		if last, fired := m.lastFire[rule.Name]; fired && now.Sub(last) < rule.Cooldown {
			continue
		}

		var matched []*ClassifiedError

		m.each(func(e monitorEntry) {
			if e.err.Severity >= rule.MinSeverity && now.Sub(e.at) <= rule.Window {
				matched = append(matched, e.err)
			}
		})

		if len(matched) < max(rule.Count, 1) {
			continue
		}

		ev := &EscalationEvent{
			ID:          uuid.NewString(),
			Rule:        rule.Name,
			TriggeredAt: now,
			Status:      EscalationPending,
			Errors:      matched,
		}

		m.lastFire[rule.Name] = now
		m.events[ev.ID] = ev
		m.order = append(m.order, ev.ID)
		m.trimEvents()

		raised = append(raised, *ev)
	}

	return raised
}

// trimEvents drops the oldest events beyond maxEvents, resolved first.
func (m *Monitor) trimEvents() {
	for len(m.order) > m.maxEvents {
		idx := slices.IndexFunc(m.order, func(id string) bool {
			return m.events[id].Status == EscalationResolved
		})
		if idx < 0 {
			idx = 0
		}

		delete(m.events, m.order[idx])
		m.order = slices.Delete(m.order, idx, idx+1)
	}
}

// each visits the history oldest first. It must be called with m.mu held.
func (m *Monitor) each(fn func(monitorEntry)) {
	start := (m.next - m.size + len(m.buf)) % len(m.buf)
	for i := range m.size {
		fn(m.buf[(start+i)%len(m.buf)])
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------.

// Metrics returns a copy of the aggregate counters.
func (m *Monitor) Metrics() ErrorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ErrorMetrics{
		Total:       m.metrics.Total,
		LastErrorAt: m.metrics.LastErrorAt,
		ByKind:      maps.Clone(m.metrics.ByKind),
		BySeverity:  maps.Clone(m.metrics.BySeverity),
		ByEndpoint:  maps.Clone(m.metrics.ByEndpoint),
		ByComponent: maps.Clone(m.metrics.ByComponent),

		CircuitRejections: m.metrics.CircuitRejections,
	}
}

// Recent returns up to n of the most recently recorded errors, newest first.
func (m *Monitor) Recent(n int) []*ClassifiedError {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ClassifiedError, 0, min(n, m.size))
	m.each(func(e monitorEntry) { out = append(out, e.err) })
	slices.Reverse(out)

	if len(out) > n {
		out = out[:n]
	}

	return out
}

// Len returns the number of errors currently held in the history.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.size
}

// Reset clears the history, counters, events and rule cooldowns.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.buf)
	m.next, m.size = 0, 0
	m.metrics = newErrorMetrics()
	m.events = make(map[string]*EscalationEvent)
	m.lastFire = make(map[string]time.Time)
	m.order = nil
}

// Events returns escalation events in the order they were raised. With no
// statuses every event is returned.
func (m *Monitor) Events(statuses ...EscalationStatus) []EscalationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EscalationEvent

	for _, id := range m.order {
		ev := m.events[id]
		if len(statuses) == 0 || slices.Contains(statuses, ev.Status) {
			out = append(out, *ev)
		}
	}

	return out
}

// PendingEscalations returns the number of events not yet acknowledged.
func (m *Monitor) PendingEscalations() int {
	return len(m.Events(EscalationPending))
}

// Acknowledge moves a pending event to acknowledged.
func (m *Monitor) Acknowledge(id string) error {
	return m.transition(id, EscalationAcknowledged, EscalationPending)
}

// Resolve moves a pending or acknowledged event to resolved.
func (m *Monitor) Resolve(id string) error {
	return m.transition(id, EscalationResolved, EscalationPending, EscalationAcknowledged)
}

func (m *Monitor) transition(id string, to EscalationStatus, from ...EscalationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEscalationNotFound, id)
	}

	if !slices.Contains(from, ev.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ev.Status, to)
	}

	now := m.clock.Now()
	ev.Status = to

	switch to {
	case EscalationAcknowledged:
		ev.AcknowledgedAt = now
	case EscalationResolved:
		ev.ResolvedAt = now
	case EscalationPending:
	}

	return nil
}

// Patterns returns the repeated-failure patterns visible at now: an endpoint
// failing at least five times in the trailing hour, at least ten AUTH errors
// in the trailing hour, and at least three TIMEOUT errors within five minutes
// of each other.
func (m *Monitor) Patterns(now time.Time) []Pattern {
	m.mu.Lock()

	byEndpoint := make(map[string]int)
	auth := 0

	var timeouts []time.Time

	m.each(func(e monitorEntry) {
		if e.at.After(now) || now.Sub(e.at) > patternHorizon {
			return
		}

		if e.err.Context.Endpoint != "" {
			byEndpoint[e.err.Context.Endpoint]++
		}

		switch e.err.Kind {
		case KindAuth:
			auth++
		case KindTimeout:
			timeouts = append(timeouts, e.at)
		case KindNetwork, KindParsing, KindValidation, KindServer, KindRateLimit, KindUnknown:
		}
	})

	m.mu.Unlock()

	var out []Pattern

	for _, ep := range slices.Sorted(maps.Keys(byEndpoint)) {
		if n := byEndpoint[ep]; n >= endpointFailureCount {
			out = append(out, Pattern{
				Name:        PatternEndpointFailures,
				Description: fmt.Sprintf("%d errors from %s in the last hour", n, ep),
				Endpoint:    ep,
				Severity:    SeverityHigh,
				Count:       n,
			})
		}
	}

	if auth >= authFailureCount {
		out = append(out, Pattern{
			Name:        PatternAuthFailures,
			Description: fmt.Sprintf("%d authentication errors in the last hour", auth),
			Kind:        KindAuth,
			Severity:    SeverityHigh,
			Count:       auth,
		})
	}

	if n := densestCluster(timeouts, timeoutClusterSpan); n >= timeoutClusterCount {
		out = append(out, Pattern{
			Name:        PatternTimeoutCluster,
			Description: fmt.Sprintf("%d timeouts within %s", n, timeoutClusterSpan),
			Kind:        KindTimeout,
			Severity:    SeverityMedium,
			Count:       n,
		})
	}

	return out
}

// densestCluster returns the largest number of ascending times that fit in
// any span-long window.
func densestCluster(times []time.Time, span time.Duration) int {
	best, lo := 0, 0

	for hi := range times {
		for times[hi].Sub(times[lo]) > span {
			lo++
		}

		best = max(best, hi-lo+1)
	}

	return best
}

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------.

// enqueue must be called with m.mu held.
func (m *Monitor) enqueue(ev EscalationEvent) {
	if m.queue == nil || m.closed {
		return
	}

	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("escalation notification dropped: queue full",
			"id", ev.ID,
			"rule", ev.Rule,
		)
	}
}

func (m *Monitor) deliver() {
	defer close(m.done)

	for ev := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.notifyTimeout)

		if err := m.notifier.Notify(ctx, ev); err != nil {
			m.logger.Warn("escalation notification failed",
				"id", ev.ID,
				"rule", ev.Rule,
				"error", err,
			)
		}

		cancel()
	}
}

// Close stops accepting notifications and waits until queued events are
// delivered or ctx is done. Recording keeps working after Close.
func (m *Monitor) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true

		if m.queue != nil {
			close(m.queue)
		}

		m.mu.Unlock()
	})

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush escalation notifications: %w", ctx.Err())
	}
}
