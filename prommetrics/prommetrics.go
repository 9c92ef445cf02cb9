// Package prommetrics exports reqguard lifecycle events as Prometheus
// metrics. Wire it in with reqguard.WithHooks(m.Hooks()).
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/byte4ever/reqguard"
)

// DefaultNamespace prefixes metric names when none is given.
const DefaultNamespace = "reqguard"

// Metrics holds the collectors fed by reqguard hooks.
type Metrics struct {
	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	Retries         *prometheus.CounterVec
	Timeouts        *prometheus.CounterVec
	CircuitEvents   *prometheus.CounterVec
	BulkheadFull    *prometheus.CounterVec
	Recoveries      *prometheus.CounterVec
	StrategySkips   *prometheus.CounterVec
	FallbacksServed *prometheus.CounterVec
	TokenRefreshes  *prometheus.CounterVec
	Escalations     *prometheus.CounterVec
	StateRecoveries *prometheus.CounterVec
}

// New registers the collectors with reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	f := promauto.With(reg)

	return &Metrics{
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of network attempts",
			},
			[]string{"key", "outcome"},
		),
		AttemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of network attempts in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"key"},
		),
		Retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retries by error kind",
			},
			[]string{"endpoint", "kind"},
		),
		Timeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Total number of attempts that exceeded their timeout",
			},
			[]string{"key"},
		),
		CircuitEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_events_total",
				Help:      "Circuit transitions and rejections",
			},
			[]string{"key", "event"},
		),
		BulkheadFull: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulkhead_rejections_total",
				Help:      "Calls rejected because too many were in flight",
			},
			[]string{"key"},
		),
		Recoveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Recovery verdicts by error kind and recovery type",
			},
			[]string{"kind", "type"},
		),
		StrategySkips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_skips_total",
				Help:      "Recovery strategies skipped after failing",
			},
			[]string{"strategy"},
		),
		FallbacksServed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_served_total",
				Help:      "Responses served from cache or defaults",
			},
			[]string{"key"},
		),
		TokenRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Credential refresh outcomes",
			},
			[]string{"outcome", "shared"},
		),
		Escalations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Escalation events raised by rule",
			},
			[]string{"rule"},
		),
		StateRecoveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_recoveries_total",
				Help:      "Auth state recoveries by strategy",
			},
			[]string{"strategy", "escalated"},
		),
	}
}

// Hooks returns reqguard hooks that feed the collectors.
func (m *Metrics) Hooks() reqguard.Hooks {
	return reqguard.Hooks{
		OnAttempt: func(key string, latency time.Duration, err error) {
			m.Attempts.WithLabelValues(key, outcome(err)).Inc()
			m.AttemptDuration.WithLabelValues(key).Observe(latency.Seconds())
		},
		OnRetry: func(rc reqguard.RequestContext, _ int, err *reqguard.ClassifiedError) {
			m.Retries.WithLabelValues(rc.Endpoint, string(err.Kind)).Inc()
		},
		OnTimeout: func(key string, _ time.Duration) {
			m.Timeouts.WithLabelValues(key).Inc()
		},
		OnCircuitOpen: func(key string) {
			m.CircuitEvents.WithLabelValues(key, "open").Inc()
		},
		OnCircuitHalfOpen: func(key string) {
			m.CircuitEvents.WithLabelValues(key, "half_open").Inc()
		},
		OnCircuitClose: func(key string) {
			m.CircuitEvents.WithLabelValues(key, "close").Inc()
		},
		OnCircuitRejected: func(key string) {
			m.CircuitEvents.WithLabelValues(key, "rejected").Inc()
		},
		OnBulkheadFull: func(key string) {
			m.BulkheadFull.WithLabelValues(key).Inc()
		},
		OnRecovery: func(err *reqguard.ClassifiedError, resp reqguard.RecoveryResponse) {
			m.Recoveries.WithLabelValues(string(err.Kind), string(resp.RecoveryType)).Inc()
		},
		OnStrategySkipped: func(strategy string, _ error) {
			m.StrategySkips.WithLabelValues(strategy).Inc()
		},
		OnFallbackServed: func(key string) {
			m.FallbacksServed.WithLabelValues(key).Inc()
		},
		OnTokenRefresh: func(shared bool, err error) {
			m.TokenRefreshes.WithLabelValues(outcome(err), strconv.FormatBool(shared)).Inc()
		},
		OnEscalation: func(ev reqguard.EscalationEvent) {
			m.Escalations.WithLabelValues(ev.Rule).Inc()
		},
		OnStateRecovery: func(res reqguard.RecoveryResult) {
			m.StateRecoveries.WithLabelValues(string(res.Strategy), strconv.FormatBool(res.Escalated)).Inc()
		},
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
