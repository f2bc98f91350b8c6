package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
	"github.com/emeeran/yt-clipper-sub003/internal/journal"
	"github.com/emeeran/yt-clipper-sub003/internal/pool"
	"github.com/emeeran/yt-clipper-sub003/internal/schedule"
)

// Facade is the task surface the server exposes over HTTP.
type Facade interface {
	Submit(ctx context.Context, spec domain.TaskSpec) (*pool.Handle, error)
	Run(ctx context.Context, spec domain.TaskSpec) (json.RawMessage, error)
	Cancel(id string) bool
	Metrics() domain.Metrics
	Workers() []domain.WorkerInfo
}

// Store is the journal surface the server reads and the schedule CRUD it
// writes.
type Store interface {
	Get(ctx context.Context, id string) (journal.OutcomeRecord, error)
	ListRecent(ctx context.Context, limit int) ([]journal.OutcomeRecord, error)
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

type Server struct {
	facade Facade
	store  Store
}

func NewServer(facade Facade, store Store) http.Handler {
	return NewServerWithDebug(facade, store, false)
}

func NewServerWithDebug(facade Facade, store Store, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{facade: facade, store: store}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Delete("/api/tasks/{id}", s.cancelTask)
	r.Get("/api/workers", s.workers)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

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
	m := s.facade.Metrics()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "clipper_workers_total %d\n", m.TotalWorkers)
	fmt.Fprintf(w, "clipper_workers_active %d\n", m.ActiveWorkers)
	fmt.Fprintf(w, "clipper_workers_busy %d\n", m.BusyWorkers)
	fmt.Fprintf(w, "clipper_tasks_queued %d\n", m.QueuedTasks)
	fmt.Fprintf(w, "clipper_tasks_in_flight %d\n", m.InFlightTasks)
	fmt.Fprintf(w, "clipper_tasks_completed_total %d\n", m.CompletedTasks)
	fmt.Fprintf(w, "clipper_tasks_failed_total %d\n", m.FailedTasks)
	fmt.Fprintf(w, "clipper_tasks_cancelled_total %d\n", m.CancelledTasks)
	fmt.Fprintf(w, "clipper_task_duration_avg_ms %d\n", m.AverageTaskTime.Milliseconds())
	fmt.Fprintf(w, "clipper_worker_utilization %g\n", m.Utilization)
}

type submitReq struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  string          `json:"priority"`
	TimeoutMs int             `json:"timeout_ms"`
	Wait      bool            `json:"wait"`
}

type submitResp struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", 400)
		return
	}
	prio, err := domain.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	spec := domain.TaskSpec{
		Type:     req.Type,
		Payload:  req.Payload,
		Priority: prio,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
	}

	h, err := s.facade.Submit(r.Context(), spec)
	if err != nil {
		code := 500
		if errors.Is(err, pool.ErrUnknownTaskType) {
			code = 400
		} else if errors.Is(err, pool.ErrQueueFull) {
			code = 429
		}
		http.Error(w, err.Error(), code)
		return
	}

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, submitResp{ID: h.ID()})
		return
	}

	result, err := h.Wait(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, submitResp{ID: h.ID(), Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, submitResp{ID: h.ID(), Result: result})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, rec)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	recs, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, recs)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.facade.Cancel(id) {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, map[string]bool{"cancelled": true})
}

func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.facade.Workers())
}

type scheduleReq struct {
	Name     string          `json:"name"`
	CronExpr string          `json:"cron_expr"`
	TaskType string          `json:"task_type"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority"`
	Enabled  bool            `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.CronExpr == "" || req.TaskType == "" {
		http.Error(w, "name, cron_expr, and task_type are required", 400)
		return
	}
	if err := schedule.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	prio, err := domain.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	nextRun, err := schedule.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	id, err := s.store.CreateSchedule(r.Context(), domain.Schedule{
		Name:     req.Name,
		CronExpr: req.CronExpr,
		TaskType: req.TaskType,
		Payload:  req.Payload,
		Priority: prio,
		Enabled:  req.Enabled,
		NextRun:  nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, sched)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		sched.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := schedule.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		sched.CronExpr = req.CronExpr
		nextRun, err := schedule.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		sched.NextRun = nextRun
	}
	if req.TaskType != "" {
		sched.TaskType = req.TaskType
	}
	if req.Payload != nil {
		sched.Payload = req.Payload
	}
	if req.Priority != "" {
		prio, err := domain.ParsePriority(req.Priority)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		sched.Priority = prio
	}
	sched.Enabled = req.Enabled

	if err := s.store.UpdateSchedule(r.Context(), sched); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
