package facade

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
	"github.com/emeeran/yt-clipper-sub003/internal/pool"
	"github.com/emeeran/yt-clipper-sub003/internal/unit"
)

func newService(t *testing.T, handlers unit.Registry) *Service {
	t.Helper()
	p := pool.New(domain.Config{
		MinSize: 1, MaxSize: 2,
		ScaleInterval: time.Hour, HealthInterval: time.Hour,
	}, handlers)
	t.Cleanup(p.Close)
	return New(p, zerolog.Nop())
}

func echo() unit.Handler {
	return unit.HandlerFunc(func(_ context.Context, p json.RawMessage, _ unit.Progress) (json.RawMessage, error) {
		return p, nil
	})
}

func TestRunReturnsResult(t *testing.T) {
	svc := newService(t, unit.Registry{"echo": echo()})

	out, err := svc.Run(context.Background(), domain.TaskSpec{Type: "echo", Payload: json.RawMessage(`{"v":42}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":42}`, string(out))
}

func TestSubmitRejectsCancelledContext(t *testing.T) {
	svc := newService(t, unit.Registry{"echo": echo()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Submit(ctx, domain.TaskSpec{Type: "echo"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitUnknownType(t *testing.T) {
	svc := newService(t, unit.Registry{"echo": echo()})

	_, err := svc.Submit(context.Background(), domain.TaskSpec{Type: "mystery"})
	assert.ErrorIs(t, err, pool.ErrUnknownTaskType)
}

func TestRunCancelsOnContextExpiry(t *testing.T) {
	started := make(chan struct{}, 1)
	hold := unit.HandlerFunc(func(ctx context.Context, _ json.RawMessage, _ unit.Progress) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svc := newService(t, unit.Registry{"hold": hold})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := svc.Run(ctx, domain.TaskSpec{Type: "hold"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the abandoned task is cancelled, not left occupying a worker
	require.Eventually(t, func() bool {
		m := svc.Metrics()
		return m.CancelledTasks == 1 && m.InFlightTasks == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCancelUnknownTask(t *testing.T) {
	svc := newService(t, unit.Registry{"echo": echo()})
	assert.False(t, svc.Cancel("tsk_missing"))
}

func TestWorkersReportsRegistry(t *testing.T) {
	svc := newService(t, unit.Registry{"echo": echo()})

	infos := svc.Workers()
	require.Len(t, infos, 1)
	assert.NotEmpty(t, infos[0].ID)
}
