// Package trigger computes fire times for workflow schedules. It is pure:
// no clock access, no I/O — callers pass the reference time explicitly.
package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"flowsched/internal/domain"
)

// Retry config bounds accepted at create/replace time.
const (
	maxRetriesLimit      = 10
	maxRetryDelaySeconds = 3600
	minTimeoutSeconds    = 60
	maxTimeoutSeconds    = 86400
)

// Validate rejects bad schedule definitions before they are stored, so the
// scheduler loop never sees an unparseable cron expression or a zero interval.
// All failures wrap domain.ErrInvalidScheduleConfig.
func Validate(s domain.WorkflowSchedule) error {
	if s.WorkflowID == "" {
		return fmt.Errorf("%w: workflow_id is required", domain.ErrInvalidScheduleConfig)
	}

	switch s.Type {
	case domain.TypeCron:
		if s.CronExpression == "" {
			return fmt.Errorf("%w: cron_expression is required for cron schedules", domain.ErrInvalidScheduleConfig)
		}
		if s.IntervalSeconds != 0 || s.EventTrigger != "" {
			return fmt.Errorf("%w: cron schedules must not set interval_seconds or event_trigger", domain.ErrInvalidScheduleConfig)
		}
		sched, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidScheduleConfig, err)
		}
		// The parser accepts impossible day/month combinations (e.g. Feb 30);
		// Next reports them as the zero time within its search horizon.
		if sched.Next(time.Now()).IsZero() {
			return fmt.Errorf("%w: cron expression %q never fires", domain.ErrInvalidScheduleConfig, s.CronExpression)
		}
	case domain.TypeInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval_seconds must be positive", domain.ErrInvalidScheduleConfig)
		}
		if s.CronExpression != "" || s.EventTrigger != "" {
			return fmt.Errorf("%w: interval schedules must not set cron_expression or event_trigger", domain.ErrInvalidScheduleConfig)
		}
	case domain.TypeEvent:
		if s.EventTrigger == "" {
			return fmt.Errorf("%w: event_trigger is required for event schedules", domain.ErrInvalidScheduleConfig)
		}
		if s.CronExpression != "" || s.IntervalSeconds != 0 {
			return fmt.Errorf("%w: event schedules must not set cron_expression or interval_seconds", domain.ErrInvalidScheduleConfig)
		}
	default:
		return fmt.Errorf("%w: unknown schedule_type %q", domain.ErrInvalidScheduleConfig, s.Type)
	}

	return validateRetry(s.Retry)
}

func validateRetry(r domain.RetryConfig) error {
	if r.MaxRetries < 0 || r.MaxRetries > maxRetriesLimit {
		return fmt.Errorf("%w: max_retries must be 0-%d", domain.ErrInvalidScheduleConfig, maxRetriesLimit)
	}
	if r.RetryDelaySeconds < 0 || r.RetryDelaySeconds > maxRetryDelaySeconds {
		return fmt.Errorf("%w: retry_delay_seconds must be 0-%d", domain.ErrInvalidScheduleConfig, maxRetryDelaySeconds)
	}
	if r.RetryBackoffBase < 1 {
		return fmt.Errorf("%w: retry_backoff_base must be >= 1", domain.ErrInvalidScheduleConfig)
	}
	if r.TimeoutSeconds < minTimeoutSeconds || r.TimeoutSeconds > maxTimeoutSeconds {
		return fmt.Errorf("%w: timeout_seconds must be %d-%d", domain.ErrInvalidScheduleConfig, minTimeoutSeconds, maxTimeoutSeconds)
	}
	return nil
}

// NextFireTime returns the earliest fire time strictly after from, or nil for
// event-type schedules, which fire only on an external signal. Interval
// schedules are chained from the previous scheduled fire time by the caller,
// so the result is from+interval with no reference to the wall clock.
func NextFireTime(s domain.WorkflowSchedule, from time.Time) (*time.Time, error) {
	switch s.Type {
	case domain.TypeCron:
		sched, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidScheduleConfig, err)
		}
		next := sched.Next(from)
		if next.IsZero() {
			return nil, fmt.Errorf("%w: cron expression %q never fires", domain.ErrInvalidScheduleConfig, s.CronExpression)
		}
		return &next, nil
	case domain.TypeInterval:
		next := from.Add(time.Duration(s.IntervalSeconds) * time.Second)
		return &next, nil
	case domain.TypeEvent:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown schedule_type %q", domain.ErrInvalidScheduleConfig, s.Type)
	}
}

// InitialNextRun computes next_run_at for a schedule entering the active
// state (create, replace, resume). Schedules that are disabled, paused, or
// event-typed carry no next_run_at.
func InitialNextRun(s domain.WorkflowSchedule, now time.Time) (*time.Time, error) {
	if s.State() != domain.StateActive || s.Type == domain.TypeEvent {
		return nil, nil
	}
	return NextFireTime(s, now)
}

// Advance chains next_run_at from the fire time that was just claimed, keeping
// a stable cadence regardless of processing delay. If the schedule fell more
// than one period behind (downtime), it realigns from now instead of burning
// through every missed slot.
func Advance(s domain.WorkflowSchedule, scheduledAt, now time.Time) (*time.Time, error) {
	next, err := NextFireTime(s, scheduledAt)
	if err != nil || next == nil {
		return next, err
	}
	if !next.After(now) {
		return NextFireTime(s, now)
	}
	return next, nil
}
