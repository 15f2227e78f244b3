package domain

import "time"

// ScheduleType selects how a schedule decides its fire times. The type is
// immutable for the life of a schedule; changing it requires delete+recreate.
type ScheduleType string

const (
	TypeCron     ScheduleType = "cron"
	TypeInterval ScheduleType = "interval"
	TypeEvent    ScheduleType = "event"
)

// ScheduleState is the flattened view of the enabled/paused flag pair. The two
// flags stay independently settable on the API, but internally everything that
// gates firing consults this single enum.
type ScheduleState string

const (
	StateDisabled ScheduleState = "disabled"
	StatePaused   ScheduleState = "paused"
	StateActive   ScheduleState = "active"
)

// RetryConfig bounds automatic retries of a single logical trigger.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries"`
	RetryDelaySeconds int     `json:"retry_delay_seconds"`
	RetryBackoffBase  float64 `json:"retry_backoff_base"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
}

// WorkflowSchedule binds one workflow definition to a recurring trigger.
// Exactly one of CronExpression / IntervalSeconds / EventTrigger is populated,
// matching Type.
type WorkflowSchedule struct {
	ID              string       `json:"schedule_id"`
	WorkflowID      string       `json:"workflow_id"`
	Type            ScheduleType `json:"schedule_type"`
	CronExpression  string       `json:"cron_expression,omitempty"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	EventTrigger    string       `json:"event_trigger,omitempty"`
	Enabled         bool         `json:"enabled"`
	Paused          bool         `json:"paused"`
	Retry           RetryConfig  `json:"retry_config"`
	// NextRunAt is nil for event-type schedules and for schedules that are
	// not in the active state.
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// State collapses the enabled/paused pair. Disabled wins over paused.
func (s *WorkflowSchedule) State() ScheduleState {
	switch {
	case !s.Enabled:
		return StateDisabled
	case s.Paused:
		return StatePaused
	default:
		return StateActive
	}
}

// ExecutionStatus is the lifecycle of a single attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ScheduleExecution is one attempt record. Attempt numbers are 1-based and
// reset on each new logical trigger; only automatic retries of the same
// trigger increment them.
type ScheduleExecution struct {
	ID            string          `json:"execution_id"`
	ScheduleID    string          `json:"schedule_id"`
	Status        ExecutionStatus `json:"status"`
	AttemptNumber int             `json:"attempt_number"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMs    *int64          `json:"duration_ms,omitempty"`
	Error         *string         `json:"error,omitempty"`
	// Closed is set when the owning schedule is deleted; history is kept for
	// audit but no longer belongs to a live schedule.
	Closed bool `json:"closed,omitempty"`
}

// ScheduleStatistics is derived from the execution history on demand.
type ScheduleStatistics struct {
	ScheduleID             string              `json:"schedule_id"`
	TotalExecutions        int                 `json:"total_executions"`
	SuccessfulExecutions   int                 `json:"successful_executions"`
	FailedExecutions       int                 `json:"failed_executions"`
	SuccessRate            float64             `json:"success_rate"`
	AverageExecutionTimeMs float64             `json:"average_execution_time_ms"`
	LastExecutionStatus    ExecutionStatus     `json:"last_execution_status,omitempty"`
	LastExecutionAt        *time.Time          `json:"last_execution_at,omitempty"`
	RecentExecutions       []ScheduleExecution `json:"recent_executions"`
}
