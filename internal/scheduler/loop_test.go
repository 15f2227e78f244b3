package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"flowsched/internal/dispatch"
	"flowsched/internal/domain"
	"flowsched/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store.NewSQLiteStore(db)
}

func newTestLoop(t *testing.T, d dispatch.Dispatcher) (*Loop, store.Store) {
	t.Helper()
	st := newTestStore(t)
	l := NewLoop(st, d, Options{TickInterval: 10 * time.Millisecond, MaxConcurrent: 4})
	return l, st
}

func createIntervalSchedule(t *testing.T, st store.Store, nextRun *time.Time, retry domain.RetryConfig) string {
	t.Helper()
	id, err := st.CreateSchedule(context.Background(), domain.WorkflowSchedule{
		WorkflowID:      "wf_1",
		Type:            domain.TypeInterval,
		IntervalSeconds: 3600,
		Enabled:         true,
		Retry:           retry,
		NextRunAt:       nextRun,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return id
}

func defaultRetryCfg() domain.RetryConfig {
	return domain.RetryConfig{MaxRetries: 3, RetryDelaySeconds: 60, RetryBackoffBase: 2, TimeoutSeconds: 3600}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// waitForWithTicks drives the loop manually while waiting, standing in for
// the real ticker.
func waitForWithTicks(t *testing.T, l *Loop, timeout time.Duration, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		l.tick(ctx, time.Now())
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func execCount(t *testing.T, st store.Store, scheduleID string) int {
	t.Helper()
	execs, err := st.ListExecutions(context.Background(), scheduleID, 100)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	return len(execs)
}

func TestManualTriggerMutualExclusion(t *testing.T) {
	release := make(chan struct{})
	d := dispatch.Func(func(ctx context.Context, wf string, params json.RawMessage) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	l, st := newTestLoop(t, d)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	id := createIntervalSchedule(t, st, &past, defaultRetryCfg())

	execID, err := l.Trigger(ctx, id, nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !strings.HasPrefix(execID, "exe_") {
		t.Fatalf("unexpected execution id %q", execID)
	}

	// A second trigger while the first is still firing is rejected.
	if _, err := l.Trigger(ctx, id, nil); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	// A scheduled fire for the same schedule is also gated: the schedule is
	// overdue but busy, so the tick must not start a second execution.
	l.tick(ctx, time.Now())
	time.Sleep(30 * time.Millisecond)
	if n := execCount(t, st, id); n != 1 {
		t.Fatalf("mutual exclusion violated: %d executions", n)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return !l.Busy(id) })

	execs, _ := st.ListExecutions(ctx, id, 10)
	if len(execs) != 1 || execs[0].Status != domain.ExecutionCompleted {
		t.Fatalf("expected one completed execution, got %+v", execs)
	}
	if execs[0].AttemptNumber != 1 {
		t.Fatalf("manual trigger starts at attempt 1, got %d", execs[0].AttemptNumber)
	}

	sched, _ := st.GetSchedule(ctx, id)
	if sched.LastRunAt == nil {
		t.Fatal("manual trigger must stamp last_run_at")
	}
}

func TestTriggerUnknownSchedule(t *testing.T) {
	l, _ := newTestLoop(t, dispatch.Func(func(context.Context, string, json.RawMessage) error { return nil }))
	if _, err := l.Trigger(context.Background(), "sch_missing", nil); !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
}

func TestScheduledFireKeepsCadence(t *testing.T) {
	var calls atomic.Int32
	d := dispatch.Func(func(context.Context, string, json.RawMessage) error {
		calls.Add(1)
		return nil
	})
	l, st := newTestLoop(t, d)
	ctx := context.Background()

	origNext := time.Now().Add(-30 * time.Second).UTC().Truncate(time.Second)
	id := createIntervalSchedule(t, st, &origNext, defaultRetryCfg())

	l.tick(ctx, time.Now())
	waitFor(t, 2*time.Second, func() bool { return !l.Busy(id) && execCount(t, st, id) == 1 })

	if calls.Load() != 1 {
		t.Fatalf("dispatcher called %d times, want 1", calls.Load())
	}
	execs, _ := st.ListExecutions(ctx, id, 10)
	if execs[0].Status != domain.ExecutionCompleted || execs[0].AttemptNumber != 1 {
		t.Fatalf("unexpected execution: %+v", execs[0])
	}
	if execs[0].DurationMs == nil {
		t.Fatal("completed execution must record duration_ms")
	}

	// next_run_at advances from the original scheduled time, not from
	// completion time: the cadence stays anchored.
	sched, _ := st.GetSchedule(ctx, id)
	want := origNext.Add(time.Hour)
	if sched.NextRunAt == nil || !sched.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", sched.NextRunAt, want)
	}
	if sched.LastRunAt == nil {
		t.Fatal("scheduled fire must stamp last_run_at")
	}
}

func TestRetryUntilTerminalFailure(t *testing.T) {
	d := dispatch.Func(func(context.Context, string, json.RawMessage) error {
		return fmt.Errorf("engine rejected run")
	})
	l, st := newTestLoop(t, d)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	// Zero delay so retries are due on the next tick.
	cfg := domain.RetryConfig{MaxRetries: 2, RetryDelaySeconds: 0, RetryBackoffBase: 2, TimeoutSeconds: 3600}
	id := createIntervalSchedule(t, st, &past, cfg)

	waitForWithTicks(t, l, 3*time.Second, func() bool {
		return execCount(t, st, id) == 3 && !l.Busy(id)
	})

	execs, _ := st.ListExecutions(ctx, id, 10)
	// Most-recent-first: attempts 3, 2, 1.
	for i, e := range execs {
		if e.Status != domain.ExecutionFailed {
			t.Fatalf("execution %d not failed: %+v", i, e)
		}
		if want := 3 - i; e.AttemptNumber != want {
			t.Fatalf("execution %d attempt = %d, want %d", i, e.AttemptNumber, want)
		}
		if e.Error == nil || !strings.Contains(*e.Error, "engine rejected run") {
			t.Fatalf("execution %d error = %v", i, e.Error)
		}
	}

	// A terminal failure does not suspend future scheduled runs.
	sched, _ := st.GetSchedule(ctx, id)
	if sched.NextRunAt == nil || !sched.NextRunAt.After(time.Now()) {
		t.Fatalf("next_run_at must remain governed by the trigger calculator, got %v", sched.NextRunAt)
	}

	// A fresh trigger starts a new logical trigger at attempt 1.
	execID, err := l.Trigger(ctx, id, nil)
	if err != nil {
		t.Fatalf("trigger after terminal failure: %v", err)
	}
	waitForWithTicks(t, l, 3*time.Second, func() bool { return !l.Busy(id) })
	execs, _ = st.ListExecutions(ctx, id, 10)
	for _, e := range execs {
		if e.ID == execID && e.AttemptNumber != 1 {
			t.Fatalf("new logical trigger must reset attempt_number, got %d", e.AttemptNumber)
		}
	}
}

func TestRetryWaitsOutBackoffDelay(t *testing.T) {
	d := dispatch.Func(func(context.Context, string, json.RawMessage) error {
		return fmt.Errorf("engine rejected run")
	})
	l, st := newTestLoop(t, d)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	cfg := domain.RetryConfig{MaxRetries: 3, RetryDelaySeconds: 60, RetryBackoffBase: 2, TimeoutSeconds: 3600}
	id := createIntervalSchedule(t, st, &past, cfg)

	parked := func() bool {
		l.mu.Lock()
		rs := l.active[id]
		ok := rs != nil && !rs.inFlight && !rs.retryAt.IsZero()
		l.mu.Unlock()
		return ok
	}

	l.tick(ctx, time.Now())
	waitFor(t, 2*time.Second, func() bool { return execCount(t, st, id) == 1 && parked() })

	// Attempt 1 failed; the schedule is parked in the Retrying state. A tick
	// before the 60s backoff elapses must not start attempt 2.
	l.tick(ctx, time.Now())
	time.Sleep(30 * time.Millisecond)
	if n := execCount(t, st, id); n != 1 {
		t.Fatalf("retry fired before its delay: %d executions", n)
	}

	// A tick with the clock past the backoff deadline fires attempt 2.
	l.tick(ctx, time.Now().Add(61*time.Second))
	waitFor(t, 2*time.Second, func() bool { return execCount(t, st, id) == 2 })
}

func TestAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	d := dispatch.Func(func(ctx context.Context, wf string, params json.RawMessage) error {
		<-release // ignores ctx: simulates an engine call that outlives its deadline
		return nil
	})
	l, st := newTestLoop(t, d)
	l.attemptTimeout = func(domain.RetryConfig) time.Duration { return 50 * time.Millisecond }
	ctx := context.Background()

	cfg := domain.RetryConfig{MaxRetries: 0, RetryDelaySeconds: 0, RetryBackoffBase: 2, TimeoutSeconds: 3600}
	id := createIntervalSchedule(t, st, nil, cfg)

	if _, err := l.Trigger(ctx, id, nil); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !l.Busy(id) })

	execs, _ := st.ListExecutions(ctx, id, 10)
	if len(execs) != 1 || execs[0].Status != domain.ExecutionFailed {
		t.Fatalf("expected one failed execution, got %+v", execs)
	}
	if execs[0].Error == nil || !strings.Contains(*execs[0].Error, "timed out") {
		t.Fatalf("error = %v, want timeout", execs[0].Error)
	}

	// The late dispatcher result is reconciled without double-counting: the
	// execution stays failed and no new row appears.
	close(release)
	time.Sleep(50 * time.Millisecond)
	execs, _ = st.ListExecutions(ctx, id, 10)
	if len(execs) != 1 || execs[0].Status != domain.ExecutionFailed {
		t.Fatalf("late result must be discarded, got %+v", execs)
	}
}

// The attempt deadline is anchored at the execution's started_at, so time
// spent queued behind the dispatch semaphore counts against timeout_seconds.
func TestAttemptTimeoutCountsQueueWait(t *testing.T) {
	release := make(chan struct{})
	d := dispatch.Func(func(ctx context.Context, wf string, params json.RawMessage) error {
		if wf == "wf_slow" {
			<-release
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	})
	st := newTestStore(t)
	l := NewLoop(st, d, Options{TickInterval: 10 * time.Millisecond, MaxConcurrent: 1})
	l.attemptTimeout = func(domain.RetryConfig) time.Duration { return 50 * time.Millisecond }
	ctx := context.Background()

	slowID, err := st.CreateSchedule(ctx, domain.WorkflowSchedule{
		WorkflowID: "wf_slow", Type: domain.TypeInterval, IntervalSeconds: 3600,
		Enabled: true, Retry: defaultRetryCfg(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cfg := domain.RetryConfig{MaxRetries: 0, RetryDelaySeconds: 0, RetryBackoffBase: 2, TimeoutSeconds: 3600}
	queuedID := createIntervalSchedule(t, st, nil, cfg)

	if _, err := l.Trigger(ctx, slowID, nil); err != nil {
		t.Fatalf("trigger slow: %v", err)
	}
	if _, err := l.Trigger(ctx, queuedID, nil); err != nil {
		t.Fatalf("trigger queued: %v", err)
	}

	// The queued attempt's deadline expires while it is still waiting for the
	// only semaphore slot.
	time.Sleep(100 * time.Millisecond)
	close(release)
	waitFor(t, 2*time.Second, func() bool { return !l.Busy(queuedID) && !l.Busy(slowID) })

	execs, _ := st.ListExecutions(ctx, queuedID, 10)
	if len(execs) != 1 || execs[0].Status != domain.ExecutionFailed {
		t.Fatalf("queued attempt must fail on its original deadline, got %+v", execs)
	}
	if execs[0].Error == nil || !strings.Contains(*execs[0].Error, "timed out") {
		t.Fatalf("error = %v, want timeout", execs[0].Error)
	}
}

func TestNotifyEvent(t *testing.T) {
	var calls atomic.Int32
	d := dispatch.Func(func(context.Context, string, json.RawMessage) error {
		calls.Add(1)
		return nil
	})
	l, st := newTestLoop(t, d)
	ctx := context.Background()

	mkEvent := func(event string, paused bool) string {
		id, err := st.CreateSchedule(ctx, domain.WorkflowSchedule{
			WorkflowID: "wf_ev", Type: domain.TypeEvent, EventTrigger: event,
			Enabled: true, Paused: paused, Retry: defaultRetryCfg(),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return id
	}
	active := mkEvent("deploy", false)
	pausedID := mkEvent("deploy", true)
	other := mkEvent("release", false)

	started, skipped, err := l.NotifyEvent(ctx, "deploy")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(started) != 1 {
		t.Fatalf("started %d executions, want 1", len(started))
	}
	if len(skipped) != 0 {
		t.Fatalf("nothing was busy, skipped %v", skipped)
	}
	waitFor(t, 2*time.Second, func() bool { return !l.Busy(active) })

	if n := execCount(t, st, active); n != 1 {
		t.Fatalf("active schedule executions = %d, want 1", n)
	}
	if n := execCount(t, st, pausedID); n != 0 {
		t.Fatalf("paused schedule must not fire on event, got %d", n)
	}
	if n := execCount(t, st, other); n != 0 {
		t.Fatalf("unrelated event schedule must not fire, got %d", n)
	}
}

func TestNotifyEventSkipsBusySchedule(t *testing.T) {
	release := make(chan struct{})
	d := dispatch.Func(func(ctx context.Context, wf string, params json.RawMessage) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	l, st := newTestLoop(t, d)
	ctx := context.Background()

	id, err := st.CreateSchedule(ctx, domain.WorkflowSchedule{
		WorkflowID: "wf_ev", Type: domain.TypeEvent, EventTrigger: "deploy",
		Enabled: true, Retry: defaultRetryCfg(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := l.NotifyEvent(ctx, "deploy"); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	started, skipped, err := l.NotifyEvent(ctx, "deploy")
	if err != nil {
		t.Fatalf("second notify: %v", err)
	}
	if len(started) != 0 {
		t.Fatalf("busy schedule must be skipped, started %v", started)
	}
	if len(skipped) != 1 || skipped[0] != id {
		t.Fatalf("skipped = %v, want [%s]", skipped, id)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return !l.Busy(id) })
	if n := execCount(t, st, id); n != 1 {
		t.Fatalf("executions = %d, want 1", n)
	}
}

func TestPausePreventsOverdueFire(t *testing.T) {
	var calls atomic.Int32
	d := dispatch.Func(func(context.Context, string, json.RawMessage) error {
		calls.Add(1)
		return nil
	})
	l, st := newTestLoop(t, d)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	id := createIntervalSchedule(t, st, &past, defaultRetryCfg())
	if err := st.SetPaused(ctx, id, true, nil); err != nil {
		t.Fatalf("pause: %v", err)
	}

	l.tick(ctx, time.Now())
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 0 || execCount(t, st, id) != 0 {
		t.Fatal("paused schedule with overdue next_run_at must not fire")
	}
}

// flakyStore fails execution inserts to exercise the persistence retry path.
type flakyStore struct {
	store.Store
	insertErr error
}

func (f *flakyStore) InsertExecution(ctx context.Context, e domain.ScheduleExecution) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	return f.Store.InsertExecution(ctx, e)
}

func TestPersistenceFailureSurfacesAndReleasesGate(t *testing.T) {
	base := newTestStore(t)
	fs := &flakyStore{Store: base, insertErr: fmt.Errorf("disk on fire")}
	l := NewLoop(fs, dispatch.Func(func(context.Context, string, json.RawMessage) error { return nil }), Options{})
	ctx := context.Background()

	id := createIntervalSchedule(t, base, nil, defaultRetryCfg())

	if _, err := l.Trigger(ctx, id, nil); err == nil {
		t.Fatal("expected persistence error to surface")
	}
	if l.Busy(id) {
		t.Fatal("failed start must release the schedule gate")
	}

	// Once the store recovers, the schedule is triggerable again.
	fs.insertErr = nil
	if _, err := l.Trigger(ctx, id, nil); err != nil {
		t.Fatalf("trigger after recovery: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !l.Busy(id) })
}
