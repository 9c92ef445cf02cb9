package reqguard

import "time"

// Each preset is a ready-made option bundle for a common calling pattern.

// InteractiveClient returns options for calls a user is waiting on: 5s
// attempt timeout, 2 attempts with 500ms exponential backoff capped at 5s,
// and circuits that open after 3 failures for 30s.
func InteractiveClient() []Option {
	return []Option{
		WithRetryConfig(RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Timeout:     5 * time.Second,
		}),
		WithBreakerOptions(
			FailureThreshold(3),
			RecoveryTimeout(30*time.Second),
		),
	}
}

// BackgroundClient returns options for sync and prefetch jobs: 30s attempt
// timeout, 5 attempts with 2s exponential backoff capped at 60s, and two
// recovery rounds.
func BackgroundClient() []Option {
	return []Option{
		WithRetryConfig(RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
			Timeout:     30 * time.Second,
		}),
		WithMaxRecoveryRounds(2),
	}
}

// FragileEndpoint returns options for an endpoint known to flap: circuits
// open after 2 failures, stay open for 2 minutes and close after a single
// successful trial.
func FragileEndpoint() []Option {
	return []Option{
		WithBreakerOptions(
			FailureThreshold(2),
			SuccessThreshold(1),
			RecoveryTimeout(2*time.Minute),
		),
	}
}
