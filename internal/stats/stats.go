// Package stats derives schedule statistics from the execution history. Pure
// reads; nothing here mutates the store.
package stats

import (
	"context"

	"flowsched/internal/domain"
	"flowsched/internal/store"
)

const defaultRecentWindow = 20

type Aggregator struct {
	store        store.Store
	recentWindow int
}

func NewAggregator(st store.Store, recentWindow int) *Aggregator {
	if recentWindow <= 0 {
		recentWindow = defaultRecentWindow
	}
	return &Aggregator{store: st, recentWindow: recentWindow}
}

// Statistics scans the schedule's execution records: aggregate counts over the
// full history, plus a bounded most-recent-first window. A schedule with no
// executions yields zeros, not an error.
func (a *Aggregator) Statistics(ctx context.Context, scheduleID string) (domain.ScheduleStatistics, error) {
	totals, err := a.store.ExecutionTotals(ctx, scheduleID)
	if err != nil {
		return domain.ScheduleStatistics{}, err
	}
	recent, err := a.store.ListExecutions(ctx, scheduleID, a.recentWindow)
	if err != nil {
		return domain.ScheduleStatistics{}, err
	}

	st := domain.ScheduleStatistics{
		ScheduleID:             scheduleID,
		TotalExecutions:        totals.Total,
		SuccessfulExecutions:   totals.Succeeded,
		FailedExecutions:       totals.Failed,
		AverageExecutionTimeMs: totals.AvgDurationMs,
		RecentExecutions:       recent,
	}
	if totals.Total > 0 {
		st.SuccessRate = float64(totals.Succeeded) / float64(totals.Total) * 100
	}
	if len(recent) > 0 {
		st.LastExecutionStatus = recent[0].Status
		t := recent[0].StartedAt
		st.LastExecutionAt = &t
	}
	return st, nil
}
