// Package reqguard is the resilient request-execution core that sits between
// a client application and a remote HTTP API.
//
// The central type is [Client], which runs every request through a per-endpoint
// [CircuitBreaker] and a retry controller with exponential backoff and
// per-attempt timeouts. Outbound calls can be paced by a [RateLimiter] and
// capped by a [Bulkhead]. Failures are mapped onto a closed taxonomy by
// [Classify]; terminal failures are handed to a [RecoveryDispatcher] that may
// retry, serve cached fallback data, or ask for user action. Every terminal
// failure is recorded by the [Monitor], which keeps rolling metrics, detects
// repeated-failure patterns and raises escalation events.
//
// Authentication state persisted by the application can be inspected with
// [ValidateAuthState] and repaired with a [StateRecoverer].
//
// Subpackages provide the pluggable parts: httpx (net/http [Runtime]),
// ristretto and otter (in-memory fallback caches), redisstore (Redis
// [KVStore]), notify (escalation notifiers) and prommetrics (Prometheus
// hooks).
package reqguard
