// Package scheduler runs the firing loop: it scans due schedules, fans out
// workflow dispatches, applies the retry policy, and records every attempt in
// the execution history.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"flowsched/internal/dispatch"
	"flowsched/internal/domain"
	"flowsched/internal/retry"
	"flowsched/internal/store"
	"flowsched/internal/trigger"
)

// Store/tracker writes are infrastructure, not workflow failures: they get a
// few quick retries and then an operational alert, never silent loss.
const (
	persistAttempts   = 3
	persistRetryDelay = 200 * time.Millisecond
)

// Options tune the loop. Zero values fall back to sane defaults.
type Options struct {
	TickInterval  time.Duration
	MaxConcurrent int
	// RatePerSec caps dispatches to the workflow engine; 0 means unlimited.
	RatePerSec float64
}

// runState tracks one in-flight logical trigger. While a schedule has a
// runState it is in the Firing (inFlight) or Retrying (retryAt set) state and
// no second execution may start: this is the mutual exclusion gate.
type runState struct {
	executionID string
	attempt     int
	inFlight    bool
	retryAt     time.Time
	params      json.RawMessage
	manual      bool
}

type Loop struct {
	store      store.Store
	dispatcher dispatch.Dispatcher
	limiter    *rate.Limiter
	tickEvery  time.Duration
	sem        chan struct{}

	nowFn          func() time.Time
	attemptTimeout func(domain.RetryConfig) time.Duration

	mu      sync.Mutex
	active  map[string]*runState
	baseCtx context.Context

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewLoop(st store.Store, d dispatch.Dispatcher, opts Options) *Loop {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.MaxConcurrent)
	}
	return &Loop{
		store:          st,
		dispatcher:     d,
		limiter:        limiter,
		tickEvery:      opts.TickInterval,
		sem:            make(chan struct{}, opts.MaxConcurrent),
		nowFn:          time.Now,
		attemptTimeout: retry.Timeout,
		active:         make(map[string]*runState),
		baseCtx:        context.Background(),
		stop:           make(chan struct{}),
	}
}

// Run blocks until ctx is canceled or Stop is called, then waits for in-flight
// dispatches to drain.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	l.baseCtx = ctx
	l.mu.Unlock()

	if n, err := l.store.RecoverStaleExecutions(ctx); err != nil {
		log.Error().Err(err).Bool("alert", true).Msg("stale execution recovery failed")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale executions")
	}

	t := time.NewTicker(l.tickEvery)
	defer t.Stop()
	log.Info().Dur("tick", l.tickEvery).Msg("scheduler loop started")

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return
		case <-l.stop:
			l.wg.Wait()
			return
		case now := <-t.C:
			l.tick(ctx, now)
		}
	}
}

func (l *Loop) Stop() { close(l.stop) }

func (l *Loop) tick(ctx context.Context, now time.Time) {
	l.fireDue(ctx, now)
	l.fireRetries(ctx, now)
}

func (l *Loop) fireDue(ctx context.Context, now time.Time) {
	due, err := l.store.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan due schedules")
		return
	}
	for _, s := range due {
		s := s
		rs, ok := l.tryAcquire(s.ID)
		if !ok {
			// Still firing or retrying a previous trigger; the cadence is
			// preserved because next_run_at was advanced at claim time.
			continue
		}
		if s.NextRunAt == nil {
			l.release(s.ID)
			continue
		}
		next, err := trigger.Advance(s, *s.NextRunAt, now)
		if err != nil {
			l.release(s.ID)
			log.Error().Err(err).Str("schedule_id", s.ID).Msg("failed to advance next_run_at")
			continue
		}
		claimed, err := l.store.ClaimDue(ctx, s.ID, now, next)
		if err != nil || !claimed {
			l.release(s.ID)
			if err != nil {
				log.Error().Err(err).Str("schedule_id", s.ID).Msg("failed to claim due schedule")
			}
			continue
		}
		if _, err := l.startAttempt(ctx, s, rs, now); err != nil {
			log.Error().Err(err).Str("schedule_id", s.ID).Msg("failed to start scheduled execution")
		}
	}
}

func (l *Loop) fireRetries(ctx context.Context, now time.Time) {
	l.mu.Lock()
	var ready []string
	for id, rs := range l.active {
		if !rs.inFlight && !rs.retryAt.IsZero() && !now.Before(rs.retryAt) {
			rs.inFlight = true // reserve before unlocking
			ready = append(ready, id)
		}
	}
	l.mu.Unlock()

	for _, id := range ready {
		s, err := l.store.GetSchedule(ctx, id)
		if err != nil {
			// Schedule deleted while waiting out the backoff: abandon.
			l.release(id)
			if !errors.Is(err, domain.ErrScheduleNotFound) {
				log.Error().Err(err).Str("schedule_id", id).Msg("failed to reload schedule for retry")
			}
			continue
		}
		l.mu.Lock()
		rs := l.active[id]
		l.mu.Unlock()
		if rs == nil {
			continue
		}
		if _, err := l.startAttempt(ctx, s, rs, now); err != nil {
			log.Error().Err(err).Str("schedule_id", id).Msg("failed to start retry execution")
		}
	}
}

// Trigger starts a manual execution immediately, bypassing the time gate but
// going through the same firing path and retry policy as scheduled runs. It
// returns the execution id it created, or ErrAlreadyRunning while a previous
// trigger for the same schedule is still firing or retrying.
func (l *Loop) Trigger(ctx context.Context, scheduleID string, params json.RawMessage) (string, error) {
	s, err := l.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	rs, ok := l.tryAcquire(scheduleID)
	if !ok {
		return "", domain.ErrAlreadyRunning
	}
	rs.manual = true
	rs.params = params

	now := l.nowFn()
	if err := l.store.TouchLastRun(ctx, scheduleID, now); err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("failed to stamp last_run_at")
	}
	execID, err := l.startAttempt(ctx, s, rs, now)
	if err != nil {
		return "", err
	}
	log.Info().Str("schedule_id", scheduleID).Str("execution_id", execID).Msg("manual trigger accepted")
	return execID, nil
}

// NotifyEvent fires every enabled, non-paused event-type schedule whose
// event_trigger matches name. Busy schedules are skipped: the mutual exclusion
// gate wins over the event. Returns the execution ids that were started and
// the schedule ids that were skipped.
func (l *Loop) NotifyEvent(ctx context.Context, name string) (started, skipped []string, err error) {
	schedules, err := l.store.EventSchedules(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	now := l.nowFn()
	for _, s := range schedules {
		s := s
		rs, ok := l.tryAcquire(s.ID)
		if !ok {
			log.Warn().Str("schedule_id", s.ID).Str("event", name).Msg("event skipped: execution in progress")
			skipped = append(skipped, s.ID)
			continue
		}
		if err := l.store.TouchLastRun(ctx, s.ID, now); err != nil {
			log.Error().Err(err).Str("schedule_id", s.ID).Msg("failed to stamp last_run_at")
		}
		execID, err := l.startAttempt(ctx, s, rs, now)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", s.ID).Str("event", name).Msg("failed to start event execution")
			continue
		}
		started = append(started, execID)
	}
	return started, skipped, nil
}

// Busy reports whether the schedule is in the Firing or Retrying state.
func (l *Loop) Busy(scheduleID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[scheduleID]
	return ok
}

func (l *Loop) tryAcquire(scheduleID string) (*runState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.active[scheduleID]; ok {
		return nil, false
	}
	rs := &runState{attempt: 1}
	l.active[scheduleID] = rs
	return rs, true
}

func (l *Loop) release(scheduleID string) {
	l.mu.Lock()
	delete(l.active, scheduleID)
	l.mu.Unlock()
}

// startAttempt records the attempt as running and spawns the dispatch
// goroutine. The execution row must exist before anything is dispatched so a
// crash can never leave an invisible run.
func (l *Loop) startAttempt(ctx context.Context, s domain.WorkflowSchedule, rs *runState, now time.Time) (string, error) {
	var execID string
	err := l.persist("insert execution", s.ID, func() error {
		var err error
		execID, err = l.store.InsertExecution(ctx, domain.ScheduleExecution{
			ScheduleID:    s.ID,
			Status:        domain.ExecutionRunning,
			AttemptNumber: rs.attempt,
			StartedAt:     now,
		})
		return err
	})
	if err != nil {
		l.release(s.ID)
		return "", fmt.Errorf("record execution start: %w", err)
	}

	l.mu.Lock()
	rs.executionID = execID
	rs.inFlight = true
	rs.retryAt = time.Time{}
	// The attempt outlives the caller: a trigger request returning must not
	// cancel the dispatch, only loop shutdown may.
	runCtx := l.baseCtx
	l.mu.Unlock()

	l.wg.Add(1)
	go l.runAttempt(runCtx, s, rs, execID, now)
	return execID, nil
}

func (l *Loop) runAttempt(ctx context.Context, s domain.WorkflowSchedule, rs *runState, execID string, startedAt time.Time) {
	defer l.wg.Done()

	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-ctx.Done():
		l.finishAttempt(s, rs, execID, startedAt, fmt.Errorf("dispatch aborted: %w", ctx.Err()), false)
		return
	}

	// Deadline anchored at startedAt: time spent queued behind the semaphore
	// counts against timeout_seconds.
	attemptCtx, cancel := context.WithDeadline(ctx, startedAt.Add(l.attemptTimeout(s.Retry)))
	defer cancel()

	if l.limiter != nil {
		if err := l.limiter.Wait(attemptCtx); err != nil {
			l.finishAttempt(s, rs, execID, startedAt, fmt.Errorf("dispatch aborted: %w", err), errors.Is(err, context.DeadlineExceeded))
			return
		}
	}

	log.Debug().Str("schedule_id", s.ID).Str("execution_id", execID).Int("attempt", rs.attempt).Msg("dispatching workflow")

	done := make(chan error, 1)
	go func() { done <- l.dispatcher.RunWorkflow(attemptCtx, s.WorkflowID, rs.params) }()

	select {
	case err := <-done:
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		l.finishAttempt(s, rs, execID, startedAt, err, timedOut)
	case <-attemptCtx.Done():
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		var err error
		if timedOut {
			err = domain.ErrExecutionTimeout
		} else {
			err = fmt.Errorf("dispatch aborted: %w", attemptCtx.Err())
		}
		l.finishAttempt(s, rs, execID, startedAt, err, timedOut)
		// Reconcile the late result without double-counting: the execution is
		// already finalized, so the outcome is only logged.
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			lateErr := <-done
			log.Debug().Str("execution_id", execID).AnErr("late_result", lateErr).Msg("discarded dispatcher result after timeout")
		}()
	}
}

// finishAttempt records the outcome and either releases the schedule (Idle)
// or parks it in the Retrying state.
func (l *Loop) finishAttempt(s domain.WorkflowSchedule, rs *runState, execID string, startedAt time.Time, runErr error, timedOut bool) {
	now := l.nowFn()
	durationMs := now.Sub(startedAt).Milliseconds()
	ctx := context.Background() // outcome recording must survive loop shutdown

	if runErr == nil {
		_ = l.persist("finalize execution", s.ID, func() error {
			_, err := l.store.FinalizeExecution(ctx, execID, domain.ExecutionCompleted, now, durationMs, nil)
			return err
		})
		log.Info().Str("schedule_id", s.ID).Str("execution_id", execID).Int("attempt", rs.attempt).Int64("duration_ms", durationMs).Msg("execution completed")
		l.release(s.ID)
		return
	}

	msg := runErr.Error()
	if timedOut && !errors.Is(runErr, domain.ErrExecutionTimeout) {
		msg = domain.ErrExecutionTimeout.Error() + ": " + msg
	}
	_ = l.persist("finalize execution", s.ID, func() error {
		_, err := l.store.FinalizeExecution(ctx, execID, domain.ExecutionFailed, now, durationMs, &msg)
		return err
	})

	decision := retry.Decide(s.Retry, rs.attempt)
	if !decision.Retry {
		log.Warn().Str("schedule_id", s.ID).Str("execution_id", execID).Int("attempt", rs.attempt).Str("error", msg).Msg("execution failed terminally")
		l.release(s.ID)
		return
	}

	l.mu.Lock()
	rs.attempt++
	rs.inFlight = false
	rs.retryAt = now.Add(decision.Delay)
	l.mu.Unlock()
	log.Warn().Str("schedule_id", s.ID).Str("execution_id", execID).Int("next_attempt", rs.attempt).Dur("delay", decision.Delay).Str("error", msg).Msg("execution failed, retry scheduled")
}

func (l *Loop) persist(op, scheduleID string, fn func() error) error {
	var err error
	for i := 0; i < persistAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(persistRetryDelay)
	}
	log.Error().Err(err).Str("op", op).Str("schedule_id", scheduleID).Bool("alert", true).Msg("persistence failure after retries")
	return err
}
