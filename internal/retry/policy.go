// Package retry decides whether and when a failed execution attempt is tried
// again. Pure computation; the scheduler loop owns the actual timers.
package retry

import (
	"math"
	"time"

	"flowsched/internal/domain"
)

// Decision is the outcome of consulting the policy after a failed attempt.
// Delay is only meaningful when Retry is true.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide is called with the 1-based number of the attempt that just failed.
// The trigger is retried while failedAttempt <= max_retries, so a schedule
// makes at most 1+max_retries attempts per logical trigger. The Nth retry
// waits retry_delay_seconds * retry_backoff_base^(N-1), rounded to whole
// seconds.
func Decide(cfg domain.RetryConfig, failedAttempt int) Decision {
	if failedAttempt < 1 || failedAttempt > cfg.MaxRetries {
		return Decision{}
	}
	secs := float64(cfg.RetryDelaySeconds) * math.Pow(cfg.RetryBackoffBase, float64(failedAttempt-1))
	return Decision{
		Retry: true,
		Delay: time.Duration(math.Round(secs)) * time.Second,
	}
}

// Timeout returns the per-attempt execution deadline window.
func Timeout(cfg domain.RetryConfig) time.Duration {
	return time.Duration(cfg.TimeoutSeconds) * time.Second
}
