package pool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
)

// Handle is the caller's side of a submitted task. Done is closed exactly
// once, after which Result and Task return the final outcome.
type Handle struct {
	id   string
	done chan struct{}

	// written by the coordinator loop before done is closed
	resolved bool
	result   json.RawMessage
	err      error
	task     domain.Task

	onProgress func(fraction float64)
}

func newHandle(id string, onProgress func(float64)) *Handle {
	return &Handle{id: id, done: make(chan struct{}), onProgress: onProgress}
}

func (h *Handle) ID() string { return h.id }

// Done is closed when the task reaches a terminal state: success, exhausted
// retries, cancellation, or pool shutdown.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the task's outcome. Valid only after Done is closed.
func (h *Handle) Result() (json.RawMessage, error) { return h.result, h.err }

// Task returns the final task value, including the retry count at resolution
// time. Valid only after Done is closed.
func (h *Handle) Task() domain.Task { return h.task }

// Wait blocks until the task resolves or ctx expires. A ctx expiry does not
// cancel the task; use Pool.Cancel for that.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

// resolve is called by the coordinator loop only. The resolved guard makes
// double resolution (e.g. timeout racing a late error) a no-op.
func (h *Handle) resolve(t domain.Task, result json.RawMessage, err error) {
	if h.resolved {
		return
	}
	h.resolved = true
	h.task = t
	h.result = result
	h.err = err
	close(h.done)
}

func (h *Handle) notifyProgress(fraction float64) {
	if h.onProgress != nil {
		go h.onProgress(fraction)
	}
}

// pendingTask is one queue entry. seq is the submission sequence number used
// to break priority ties; a retried task keeps the seq of its first attempt.
type pendingTask struct {
	task   domain.Task
	handle *Handle
	seq    uint64
}

// inflightEntry tracks a task assigned to a worker. attempt tags the entry so
// the timeout timer and health eviction stay idempotent against each other:
// a stale timer for an earlier attempt never touches a requeued task.
type inflightEntry struct {
	task      domain.Task
	handle    *Handle
	workerID  string
	seq       uint64
	attempt   int
	startedAt time.Time
	timer     *time.Timer
}

// retryOf derives the next attempt of a failed task: a fresh value, never an
// in-place mutation.
func retryOf(t domain.Task) domain.Task {
	next := t
	next.Retries++
	next.StartedAt = time.Time{}
	return next
}
