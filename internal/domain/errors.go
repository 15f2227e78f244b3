package domain

import "errors"

var (
	// ErrInvalidScheduleConfig rejects bad cron/interval/type combinations at
	// create/replace time; it never reaches the scheduler loop.
	ErrInvalidScheduleConfig = errors.New("invalid schedule config")

	// ErrScheduleNotFound is returned for lookups of unknown schedule IDs.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrAlreadyRunning rejects a manual trigger while the schedule has an
	// execution in flight or waiting out a retry delay.
	ErrAlreadyRunning = errors.New("schedule execution already in progress")

	// ErrExecutionTimeout marks an attempt that exceeded timeout_seconds.
	ErrExecutionTimeout = errors.New("execution timed out")
)
