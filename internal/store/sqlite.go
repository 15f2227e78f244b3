// Package store persists workflow schedules and their execution history in
// SQLite. Schedules are one row per schedule; executions are append-only, one
// row per attempt.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowsched/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  workflow_id TEXT NOT NULL,
  schedule_type TEXT NOT NULL CHECK(schedule_type IN ('cron','interval','event')),
  cron_expression TEXT,
  interval_seconds INTEGER,
  event_trigger TEXT,
  enabled INTEGER NOT NULL DEFAULT 1,
  paused INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  retry_delay_seconds INTEGER NOT NULL DEFAULT 60,
  retry_backoff_base REAL NOT NULL DEFAULT 2,
  timeout_seconds INTEGER NOT NULL DEFAULT 3600,
  next_run_at DATETIME,
  last_run_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, paused, next_run_at);
CREATE INDEX IF NOT EXISTS idx_schedules_event ON schedules(event_trigger) WHERE event_trigger IS NOT NULL;
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed')) DEFAULT 'pending',
  attempt_number INTEGER NOT NULL DEFAULT 1,
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  completed_at DATETIME,
  duration_ms INTEGER,
  error TEXT,
  closed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_open ON executions(status) WHERE status IN ('pending','running');
`
	_, err := db.Exec(schema)
	return err
}

// ExecutionTotals are the unbounded aggregate counts behind ScheduleStatistics.
type ExecutionTotals struct {
	Total         int
	Succeeded     int
	Failed        int
	AvgDurationMs float64
}

// Store is the persistence contract for schedules and execution history.
//
// Per-schedule mutations are linearized by SQLite's single-writer connection;
// ClaimDue is the optimistic set-with-expected-state operation that makes a
// firing exclusive even with multiple scheduler instances on one database.
type Store interface {
	CreateSchedule(ctx context.Context, s domain.WorkflowSchedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.WorkflowSchedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]domain.WorkflowSchedule, error)
	// ReplaceSchedule is a whole-record update; the schedule type is immutable.
	ReplaceSchedule(ctx context.Context, s domain.WorkflowSchedule) error
	// DeleteSchedule removes the schedule row and cascades a closed flag onto
	// its open executions; history is never hard-deleted.
	DeleteSchedule(ctx context.Context, id string) error
	SetPaused(ctx context.Context, id string, paused bool, nextRun *time.Time) error
	DueSchedules(ctx context.Context, now time.Time) ([]domain.WorkflowSchedule, error)
	EventSchedules(ctx context.Context, event string) ([]domain.WorkflowSchedule, error)
	// ClaimDue atomically takes ownership of a due firing: it advances
	// next_run_at and stamps last_run_at only if the schedule is still active
	// and still due. Returns false when another instance won the claim or the
	// schedule changed state underneath us.
	ClaimDue(ctx context.Context, id string, now time.Time, nextRun *time.Time) (bool, error)
	// TouchLastRun stamps last_run_at for manual and event-driven firings,
	// which bypass the time gate and leave next_run_at alone.
	TouchLastRun(ctx context.Context, id string, lastRun time.Time) error

	InsertExecution(ctx context.Context, e domain.ScheduleExecution) (string, error)
	// FinalizeExecution completes an attempt, guarded on status='running' so a
	// late dispatcher result after a timeout cannot double-count. Returns
	// false when the row was already finalized.
	FinalizeExecution(ctx context.Context, id string, status domain.ExecutionStatus, completedAt time.Time, durationMs int64, errMsg *string) (bool, error)
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]domain.ScheduleExecution, error)
	ExecutionTotals(ctx context.Context, scheduleID string) (ExecutionTotals, error)
	// RecoverStaleExecutions fails attempts still marked running past their
	// schedule's timeout; run at startup to reconcile attempts orphaned by a
	// crash. Live attempts are bounded by the loop's cooperative timeout.
	RecoverStaleExecutions(ctx context.Context) (int, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const scheduleColumns = `id,workflow_id,schedule_type,cron_expression,interval_seconds,event_trigger,enabled,paused,max_retries,retry_delay_seconds,retry_backoff_base,timeout_seconds,next_run_at,last_run_at,created_at,updated_at`

func (r *sqliteStore) CreateSchedule(ctx context.Context, s domain.WorkflowSchedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,workflow_id,schedule_type,cron_expression,interval_seconds,event_trigger,enabled,paused,max_retries,retry_delay_seconds,retry_backoff_base,timeout_seconds,next_run_at,last_run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,NULL,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.WorkflowID, string(s.Type),
		nullString(s.CronExpression), nullInt(s.IntervalSeconds), nullString(s.EventTrigger),
		s.Enabled, s.Paused,
		s.Retry.MaxRetries, s.Retry.RetryDelaySeconds, s.Retry.RetryBackoffBase, s.Retry.TimeoutSeconds,
		nullTime(s.NextRunAt))
	return id, err
}

func (r *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.WorkflowSchedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowSchedule{}, domain.ErrScheduleNotFound
	}
	return s, err
}

func (r *sqliteStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]domain.WorkflowSchedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	if enabledOnly {
		q += ` WHERE enabled=1`
	}
	q += ` ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (r *sqliteStore) ReplaceSchedule(ctx context.Context, s domain.WorkflowSchedule) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingType string
	err = tx.QueryRowContext(ctx, `SELECT schedule_type FROM schedules WHERE id=?`, s.ID).Scan(&existingType)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrScheduleNotFound
	}
	if err != nil {
		return err
	}
	if existingType != string(s.Type) {
		return fmt.Errorf("%w: schedule_type is immutable (%s -> %s)", domain.ErrInvalidScheduleConfig, existingType, s.Type)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE schedules SET workflow_id=?,cron_expression=?,interval_seconds=?,event_trigger=?,enabled=?,paused=?,
  max_retries=?,retry_delay_seconds=?,retry_backoff_base=?,timeout_seconds=?,next_run_at=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`,
		s.WorkflowID,
		nullString(s.CronExpression), nullInt(s.IntervalSeconds), nullString(s.EventTrigger),
		s.Enabled, s.Paused,
		s.Retry.MaxRetries, s.Retry.RetryDelaySeconds, s.Retry.RetryBackoffBase, s.Retry.TimeoutSeconds,
		nullTime(s.NextRunAt), s.ID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrScheduleNotFound
	}
	_, err = tx.ExecContext(ctx, `
UPDATE executions SET closed=1 WHERE schedule_id=? AND status IN ('pending','running')`, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteStore) SetPaused(ctx context.Context, id string, paused bool, nextRun *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET paused=?, next_run_at=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		paused, nullTime(nextRun), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (r *sqliteStore) DueSchedules(ctx context.Context, now time.Time) ([]domain.WorkflowSchedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleColumns+` FROM schedules
WHERE enabled=1 AND paused=0 AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (r *sqliteStore) EventSchedules(ctx context.Context, event string) ([]domain.WorkflowSchedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleColumns+` FROM schedules
WHERE enabled=1 AND paused=0 AND schedule_type='event' AND event_trigger=?
ORDER BY created_at`, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (r *sqliteStore) ClaimDue(ctx context.Context, id string, now time.Time, nextRun *time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run_at=?, next_run_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND enabled=1 AND paused=0 AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		now.UTC(), nullTime(nextRun), id, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *sqliteStore) TouchLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run_at=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun.UTC(), id)
	return err
}

func (r *sqliteStore) InsertExecution(ctx context.Context, e domain.ScheduleExecution) (string, error) {
	id := e.ID
	if id == "" {
		id = "exe_" + uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.ExecutionRunning
	}
	if e.AttemptNumber == 0 {
		e.AttemptNumber = 1
	}
	started := e.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO executions (id,schedule_id,status,attempt_number,started_at,completed_at,duration_ms,error,closed)
VALUES (?,?,?,?,?,NULL,NULL,NULL,0)`,
		id, e.ScheduleID, string(e.Status), e.AttemptNumber, started.UTC())
	return id, err
}

func (r *sqliteStore) FinalizeExecution(ctx context.Context, id string, status domain.ExecutionStatus, completedAt time.Time, durationMs int64, errMsg *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE executions SET status=?, completed_at=?, duration_ms=?, error=?
WHERE id=? AND status IN ('pending','running')`,
		string(status), completedAt.UTC(), durationMs, errMsg, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *sqliteStore) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]domain.ScheduleExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,schedule_id,status,attempt_number,started_at,completed_at,duration_ms,error,closed
FROM executions WHERE schedule_id=? ORDER BY started_at DESC, id DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.ScheduleExecution
	for rows.Next() {
		var e domain.ScheduleExecution
		var status string
		var completed sql.NullTime
		var duration sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.ScheduleID, &status, &e.AttemptNumber, &e.StartedAt, &completed, &duration, &errMsg, &e.Closed); err != nil {
			return nil, err
		}
		e.Status = domain.ExecutionStatus(status)
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMs = &d
		}
		if errMsg.Valid {
			m := errMsg.String
			e.Error = &m
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (r *sqliteStore) ExecutionTotals(ctx context.Context, scheduleID string) (ExecutionTotals, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0),
       COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),0),
       COALESCE(AVG(CASE WHEN status='completed' THEN duration_ms END),0)
FROM executions WHERE schedule_id=?`, scheduleID)
	var t ExecutionTotals
	if err := row.Scan(&t.Total, &t.Succeeded, &t.Failed, &t.AvgDurationMs); err != nil {
		return ExecutionTotals{}, err
	}
	return t, nil
}

const staleExecutionError = "execution timed out: attempt exceeded timeout_seconds"

// The age comparison happens in Go: the driver stores timestamps in a format
// SQLite's date functions do not parse, so an SQL-side strftime predicate
// would silently match nothing.
func (r *sqliteStore) RecoverStaleExecutions(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT e.id, e.started_at, s.timeout_seconds
FROM executions e JOIN schedules s ON s.id = e.schedule_id
WHERE e.status IN ('pending','running') AND e.closed=0`)
	if err != nil {
		return 0, err
	}

	type candidate struct {
		id       string
		started  time.Time
		deadline time.Time
	}
	var stale []candidate
	now := time.Now()
	for rows.Next() {
		var id string
		var started time.Time
		var timeoutSecs int
		if err := rows.Scan(&id, &started, &timeoutSecs); err != nil {
			rows.Close()
			return 0, err
		}
		deadline := started.Add(time.Duration(timeoutSecs) * time.Second)
		if now.After(deadline) {
			stale = append(stale, candidate{id: id, started: started, deadline: deadline})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	// Release the connection before writing; the store runs on a single conn.
	rows.Close()

	recovered := 0
	msg := staleExecutionError
	for _, c := range stale {
		ok, err := r.FinalizeExecution(ctx, c.id, domain.ExecutionFailed, c.deadline, c.deadline.Sub(c.started).Milliseconds(), &msg)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func scanSchedule(row *sql.Row) (domain.WorkflowSchedule, error) {
	var s domain.WorkflowSchedule
	var typ string
	var cronExpr, eventTrigger sql.NullString
	var interval sql.NullInt64
	var nextRun, lastRun sql.NullTime
	err := row.Scan(&s.ID, &s.WorkflowID, &typ, &cronExpr, &interval, &eventTrigger,
		&s.Enabled, &s.Paused,
		&s.Retry.MaxRetries, &s.Retry.RetryDelaySeconds, &s.Retry.RetryBackoffBase, &s.Retry.TimeoutSeconds,
		&nextRun, &lastRun, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.WorkflowSchedule{}, err
	}
	applyNullables(&s, typ, cronExpr, interval, eventTrigger, nextRun, lastRun)
	return s, nil
}

func scanSchedules(rows *sql.Rows) ([]domain.WorkflowSchedule, error) {
	var schedules []domain.WorkflowSchedule
	for rows.Next() {
		var s domain.WorkflowSchedule
		var typ string
		var cronExpr, eventTrigger sql.NullString
		var interval sql.NullInt64
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&s.ID, &s.WorkflowID, &typ, &cronExpr, &interval, &eventTrigger,
			&s.Enabled, &s.Paused,
			&s.Retry.MaxRetries, &s.Retry.RetryDelaySeconds, &s.Retry.RetryBackoffBase, &s.Retry.TimeoutSeconds,
			&nextRun, &lastRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		applyNullables(&s, typ, cronExpr, interval, eventTrigger, nextRun, lastRun)
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func applyNullables(s *domain.WorkflowSchedule, typ string, cronExpr sql.NullString, interval sql.NullInt64, eventTrigger sql.NullString, nextRun, lastRun sql.NullTime) {
	s.Type = domain.ScheduleType(typ)
	if cronExpr.Valid {
		s.CronExpression = cronExpr.String
	}
	if interval.Valid {
		s.IntervalSeconds = int(interval.Int64)
	}
	if eventTrigger.Valid {
		s.EventTrigger = eventTrigger.String
	}
	if nextRun.Valid {
		t := nextRun.Time
		s.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRunAt = &t
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
