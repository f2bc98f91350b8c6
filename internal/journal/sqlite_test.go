package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	return NewStore(db)
}

func outcomeFor(id string, status string, retries int) domain.Outcome {
	now := time.Now().UTC()
	return domain.Outcome{
		Task: domain.Task{
			ID:          id,
			Type:        "transcode",
			Priority:    domain.PriorityHigh,
			Retries:     retries,
			CreatedAt:   now.Add(-time.Minute),
			CompletedAt: now,
		},
		Status:   status,
		Error:    "",
		Duration: 250 * time.Millisecond,
	}
}

func TestRecordAndGetOutcome(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordOutcome(ctx, outcomeFor("tsk_1", domain.StatusSucceeded, 2)))

	rec, err := s.Get(ctx, "tsk_1")
	require.NoError(t, err)
	assert.Equal(t, "tsk_1", rec.ID)
	assert.Equal(t, "transcode", rec.Type)
	assert.Equal(t, domain.PriorityHigh, rec.Priority)
	assert.Equal(t, 2, rec.Retries)
	assert.Equal(t, domain.StatusSucceeded, rec.Status)
	assert.Equal(t, 250*time.Millisecond, rec.Duration)
}

func TestGetMissingOutcome(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), "tsk_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordOutcomeUpsertsSameID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordOutcome(ctx, outcomeFor("tsk_1", domain.StatusFailed, 3)))
	require.NoError(t, s.RecordOutcome(ctx, outcomeFor("tsk_1", domain.StatusFailed, 3)))

	recs, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StatusFailed, recs[0].Status)
}

func TestListRecentOrdersByCompletion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	older := outcomeFor("tsk_old", domain.StatusSucceeded, 0)
	older.Task.CompletedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.RecordOutcome(ctx, older))
	require.NoError(t, s.RecordOutcome(ctx, outcomeFor("tsk_new", domain.StatusSucceeded, 0)))

	recs, err := s.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tsk_new", recs[0].ID)
}

func TestScheduleCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour)
	id, err := s.CreateSchedule(ctx, domain.Schedule{
		Name:     "nightly-compress",
		CronExpr: "0 3 * * *",
		TaskType: "compress",
		Payload:  json.RawMessage(`{"quality":"high"}`),
		Priority: domain.PriorityLow,
		Enabled:  true,
		NextRun:  next,
	})
	require.NoError(t, err)
	assert.Contains(t, id, "sch_")

	sc, err := s.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "nightly-compress", sc.Name)
	assert.Equal(t, "compress", sc.TaskType)
	assert.True(t, sc.Enabled)
	assert.Nil(t, sc.LastRun)

	sc.Name = "nightly-compress-v2"
	require.NoError(t, s.UpdateSchedule(ctx, sc))
	got, err := s.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "nightly-compress-v2", got.Name)

	all, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteSchedule(ctx, id))
	_, err = s.GetSchedule(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDueSchedules(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dueID, err := s.CreateSchedule(ctx, domain.Schedule{
		Name: "due", CronExpr: "* * * * *", TaskType: "compress",
		Payload: json.RawMessage(`{}`), Enabled: true, NextRun: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	_, err = s.CreateSchedule(ctx, domain.Schedule{
		Name: "future", CronExpr: "* * * * *", TaskType: "compress",
		Payload: json.RawMessage(`{}`), Enabled: true, NextRun: now.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = s.CreateSchedule(ctx, domain.Schedule{
		Name: "disabled", CronExpr: "* * * * *", TaskType: "compress",
		Payload: json.RawMessage(`{}`), Enabled: false, NextRun: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	due, err := s.GetDueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueID, due[0].ID)

	nextRun := now.Add(time.Minute)
	require.NoError(t, s.UpdateScheduleLastRun(ctx, dueID, now, nextRun))
	due, err = s.GetDueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}
