// Package journal persists terminal task outcomes and recurring-submission
// schedules to SQLite. It is observational only: the pool never consults it
// for scheduling decisions, so coordinator state stays entirely in memory.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS task_outcomes (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 1,
  retries INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('succeeded','failed','cancelled')),
  error TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  completed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_completed ON task_outcomes(completed_at DESC);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 1,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// OutcomeRecord is a journal row for one finished task.
type OutcomeRecord struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    domain.Priority `json:"priority"`
	Retries     int             `json:"retries"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// RecordOutcome upserts the task's terminal record. A retried task keeps its
// id, so a late duplicate just overwrites with identical data.
func (s *Store) RecordOutcome(ctx context.Context, o domain.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_outcomes (id,type,priority,retries,status,error,duration_ms,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  retries=excluded.retries, status=excluded.status, error=excluded.error,
  duration_ms=excluded.duration_ms, completed_at=excluded.completed_at
`, o.Task.ID, o.Task.Type, int(o.Task.Priority), o.Task.Retries, o.Status, o.Error,
		o.Duration.Milliseconds(), o.Task.CreatedAt, o.Task.CompletedAt)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (OutcomeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,type,priority,retries,status,error,duration_ms,created_at,completed_at
FROM task_outcomes WHERE id=?`, id)
	rec, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OutcomeRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,type,priority,retries,status,error,duration_ms,created_at,completed_at
FROM task_outcomes ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanOutcome(row scanner) (OutcomeRecord, error) {
	var rec OutcomeRecord
	var prio int
	var durMs int64
	if err := row.Scan(&rec.ID, &rec.Type, &prio, &rec.Retries, &rec.Status, &rec.Error, &durMs, &rec.CreatedAt, &rec.CompletedAt); err != nil {
		return OutcomeRecord{}, err
	}
	rec.Priority = domain.Priority(prio)
	rec.Duration = time.Duration(durMs) * time.Millisecond
	return rec, nil
}

// ---- schedules ------------------------------------------------------------

func (s *Store) CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error) {
	id := sc.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,task_type,payload,priority,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, sc.Name, sc.CronExpr, sc.TaskType, []byte(sc.Payload), int(sc.Priority), sc.Enabled, sc.LastRun, sc.NextRun)
	return id, err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,name,cron_expr,task_type,payload,priority,enabled,last_run,next_run,created_at,updated_at
FROM schedules WHERE id=?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, `
SELECT id,name,cron_expr,task_type,payload,priority,enabled,last_run,next_run,created_at,updated_at
FROM schedules ORDER BY name`)
}

func (s *Store) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, `
SELECT id,name,cron_expr,task_type,payload,priority,enabled,last_run,next_run,created_at,updated_at
FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
}

func (s *Store) querySchedules(ctx context.Context, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var sc domain.Schedule
	var prio int
	var payload []byte
	var lastRun sql.NullTime
	if err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.TaskType, &payload, &prio, &sc.Enabled, &lastRun, &sc.NextRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	sc.Priority = domain.Priority(prio)
	sc.Payload = payload
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRun = &t
	}
	return sc, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sc domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,task_type=?,payload=?,priority=?,enabled=?,next_run=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, sc.Name, sc.CronExpr, sc.TaskType, []byte(sc.Payload), int(sc.Priority), sc.Enabled, sc.NextRun, sc.ID)
	return err
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (s *Store) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun, nextRun, id)
	return err
}
