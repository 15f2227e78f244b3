// Package api exposes the console-facing REST surface: schedule CRUD,
// pause/resume, manual trigger, event notification, execution history and
// statistics.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flowsched/internal/domain"
	"flowsched/internal/scheduler"
	"flowsched/internal/stats"
	"flowsched/internal/store"
	"flowsched/internal/trigger"
)

// Default retry config applied when a create request omits retry_config.
var defaultRetry = domain.RetryConfig{
	MaxRetries:        3,
	RetryDelaySeconds: 60,
	RetryBackoffBase:  2,
	TimeoutSeconds:    3600,
}

type Server struct {
	r     *chi.Mux
	store store.Store
	loop  *scheduler.Loop
	stats *stats.Aggregator
}

func NewServer(st store.Store, loop *scheduler.Loop, agg *stats.Aggregator) http.Handler {
	return NewServerWithDebug(st, loop, agg, false)
}

func NewServerWithDebug(st store.Store, loop *scheduler.Loop, agg *stats.Aggregator, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, loop: loop, stats: agg}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.replaceSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)
	r.Post("/api/schedules/{id}/pause", s.pauseSchedule)
	r.Post("/api/schedules/{id}/resume", s.resumeSchedule)
	r.Post("/api/schedules/{id}/trigger", s.triggerSchedule)
	r.Get("/api/schedules/{id}/executions", s.listExecutions)
	r.Get("/api/schedules/{id}/stats", s.scheduleStats)

	r.Post("/api/events/{name}", s.notifyEvent)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("flowsched_up 1\n"))
}

type scheduleReq struct {
	WorkflowID      string              `json:"workflow_id"`
	Type            domain.ScheduleType `json:"schedule_type"`
	CronExpression  string              `json:"cron_expression"`
	IntervalSeconds int                 `json:"interval_seconds"`
	EventTrigger    string              `json:"event_trigger"`
	Enabled         *bool               `json:"enabled"`
	Paused          bool                `json:"paused"`
	Retry           *domain.RetryConfig `json:"retry_config"`
}

func (req scheduleReq) toDomain(id string) domain.WorkflowSchedule {
	s := domain.WorkflowSchedule{
		ID:              id,
		WorkflowID:      req.WorkflowID,
		Type:            req.Type,
		CronExpression:  req.CronExpression,
		IntervalSeconds: req.IntervalSeconds,
		EventTrigger:    req.EventTrigger,
		Enabled:         true,
		Paused:          req.Paused,
		Retry:           defaultRetry,
	}
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if req.Retry != nil {
		s.Retry = *req.Retry
	}
	return s
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sched := req.toDomain("")
	if err := trigger.Validate(sched); err != nil {
		writeErr(w, err)
		return
	}
	next, err := trigger.InitialNextRun(sched, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	sched.NextRunAt = next

	id, err := s.store.CreateSchedule(r.Context(), sched)
	if err != nil {
		writeErr(w, err)
		return
	}
	created, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly, _ := strconv.ParseBool(r.URL.Query().Get("enabled_only"))
	schedules, err := s.store.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	if schedules == nil {
		schedules = []domain.WorkflowSchedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// replaceSchedule is a whole-record update. The console historically updated
// via delete+recreate; replace-in-place keeps schedule_id stable while still
// avoiding partial-patch races. Type changes are rejected.
func (s *Server) replaceSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sched := req.toDomain(id)
	if err := trigger.Validate(sched); err != nil {
		writeErr(w, err)
		return
	}
	next, err := trigger.InitialNextRun(sched, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	sched.NextRunAt = next

	if err := s.store.ReplaceSchedule(r.Context(), sched); err != nil {
		writeErr(w, err)
		return
	}
	updated, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pauseSchedule suspends automatic firing without touching the enabled flag.
// An in-flight execution is not canceled; only the next trigger is prevented.
func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSchedule(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.SetPaused(r.Context(), id, true, nil); err != nil {
		writeErr(w, err)
		return
	}
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	sched.Paused = false
	// Recomputed from now so a schedule that was overdue while paused fires
	// strictly after resume time, never retroactively.
	next, err := trigger.InitialNextRun(sched, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.SetPaused(r.Context(), id, false, next); err != nil {
		writeErr(w, err)
		return
	}
	updated, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type triggerResp struct {
	ExecutionID string `json:"execution_id"`
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	params, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	execID, err := s.loop.Trigger(r.Context(), id, params)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResp{ExecutionID: execID})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSchedule(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	execs, err := s.store.ListExecutions(r.Context(), id, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if execs == nil {
		execs = []domain.ScheduleExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) scheduleStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSchedule(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	st, err := s.stats.Statistics(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type notifyResp struct {
	Executions []string `json:"executions"`
	// Skipped lists schedules that matched the event but were busy firing or
	// retrying; the event is not queued for them.
	Skipped []string `json:"skipped,omitempty"`
}

func (s *Server) notifyEvent(w http.ResponseWriter, r *http.Request) {
	started, skipped, err := s.loop.NotifyEvent(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if started == nil {
		started = []string{}
	}
	writeJSON(w, http.StatusAccepted, notifyResp{Executions: started, Skipped: skipped})
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrScheduleNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidScheduleConfig):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
