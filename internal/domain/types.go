package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders tasks in the pending queue. Higher values dispatch first;
// ties are broken by submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// TaskSpec is what callers hand to the facade. Everything else on Task is
// filled in by the pool.
type TaskSpec struct {
	Type     string
	Payload  json.RawMessage
	Priority Priority
	Timeout  time.Duration // 0 means the pool default applies

	// OnProgress, when set, receives progress fractions reported by the
	// handler. Invoked on its own goroutine; delivery is best effort.
	OnProgress func(fraction float64)
}

// Task is an immutable description of one unit of work. The retry path never
// mutates a task in place; it derives a new value with Retries+1. The ID is
// stable across retries, so it doubles as the attempt lineage.
type Task struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Priority    Priority
	Timeout     time.Duration
	Retries     int
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// WorkerInfo is a read-only view of one worker's state.
type WorkerInfo struct {
	ID             string    `json:"id"`
	Alive          bool      `json:"alive"`
	Busy           bool      `json:"busy"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	TaskCount      int       `json:"task_count"`
	ErrorCount     int       `json:"error_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Metrics is a point-in-time snapshot recomputed on demand.
type Metrics struct {
	TotalWorkers    int           `json:"total_workers"`
	ActiveWorkers   int           `json:"active_workers"`
	BusyWorkers     int           `json:"busy_workers"`
	QueuedTasks     int           `json:"queued_tasks"`
	InFlightTasks   int           `json:"in_flight_tasks"`
	CompletedTasks  uint64        `json:"completed_tasks"`
	FailedTasks     uint64        `json:"failed_tasks"`
	CancelledTasks  uint64        `json:"cancelled_tasks"`
	AverageTaskTime time.Duration `json:"average_task_time"`
	Utilization     float64       `json:"utilization"`
}

// Config sizes and paces the pool. Zero values fall back to defaults.
type Config struct {
	MinSize          int
	MaxSize          int
	MaxTaskTime      time.Duration // default per-task deadline
	WorkerTimeout    time.Duration // silence threshold before eviction
	RestartThreshold int           // worker error budget before restart
	ScaleInterval    time.Duration
	HealthInterval   time.Duration
	QueueLimit       int // pending-queue bound, submit fails fast beyond it
}

func (c Config) Normalized() Config {
	if c.MinSize <= 0 {
		c.MinSize = 1
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.MaxTaskTime <= 0 {
		c.MaxTaskTime = 60 * time.Second
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = 30 * time.Second
	}
	if c.RestartThreshold <= 0 {
		c.RestartThreshold = 5
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 1024
	}
	return c
}

// Outcome statuses recorded in the journal.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Outcome is the terminal record of a task, emitted exactly once.
type Outcome struct {
	Task     Task
	Status   string
	Error    string
	Duration time.Duration
}

// Schedule describes a recurring submission: a cron expression plus the task
// it enqueues when due.
type Schedule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cron_expr"`
	TaskType  string          `json:"task_type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  Priority        `json:"priority"`
	Enabled   bool            `json:"enabled"`
	LastRun   *time.Time      `json:"last_run,omitempty"`
	NextRun   time.Time       `json:"next_run"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
