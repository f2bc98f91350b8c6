package pool

import (
	"fmt"
	"time"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
	"github.com/emeeran/yt-clipper-sub003/internal/unit"
)

const unitInboxSize = 32

// worker is the coordinator-side wrapper around one execution unit. All
// fields are owned by the coordinator loop; the unit only ever sees Request
// values through its inbox.
type worker struct {
	id     string
	gen    int    // bumped on every restart
	unitID string // id "#" gen; tags replies from this unit instance
	inbox  chan unit.Request

	alive         bool // set on the first pong from the current unit
	busy          bool
	currentTaskID string
	taskCount     int
	errorCount    int
	restarts      int
	startedAt     time.Time
	lastActivity  time.Time
}

func newWorker(id string, handlers unit.Registry, outbox chan<- unit.Reply) *worker {
	now := time.Now()
	w := &worker{id: id, startedAt: now, lastActivity: now}
	w.spawn(handlers, outbox)
	return w
}

// spawn starts a fresh execution unit for this worker and probes it. The
// worker stays !alive until the pong arrives; readiness is never assumed.
func (w *worker) spawn(handlers unit.Registry, outbox chan<- unit.Reply) {
	w.unitID = fmt.Sprintf("%s#%d", w.id, w.gen)
	w.inbox = make(chan unit.Request, unitInboxSize)
	w.alive = false
	w.busy = false
	w.currentTaskID = ""
	w.lastActivity = time.Now()
	go unit.Run(w.unitID, handlers, w.inbox, outbox)
	w.send(unit.Request{Kind: unit.KindPing})
}

// send never blocks: a wedged unit must not stall the coordinator. A full
// inbox simply means the next health tick will see the silence.
func (w *worker) send(req unit.Request) bool {
	req.Timestamp = time.Now()
	select {
	case w.inbox <- req:
		return true
	default:
		return false
	}
}

func (w *worker) idle() bool { return w.alive && !w.busy }

// startTask hands a task to the unit. Calling it on a busy worker is a
// dispatch bug, not a runtime condition.
func (w *worker) startTask(t domain.Task) error {
	if w.busy {
		return fmt.Errorf("worker %s already busy with task %s", w.id, w.currentTaskID)
	}
	w.busy = true
	w.currentTaskID = t.ID
	w.taskCount++
	w.send(unit.Request{ID: t.ID, Kind: unit.KindTask, Type: t.Type, Payload: t.Payload, Timeout: t.Timeout})
	return nil
}

// finishTask frees the worker. Idempotent.
func (w *worker) finishTask() {
	w.busy = false
	w.currentTaskID = ""
}

// cancelTask tells the unit to abandon the current task, best effort with no
// ack, and frees the worker immediately.
func (w *worker) cancelTask() {
	if w.busy {
		w.send(unit.Request{ID: w.currentTaskID, Kind: unit.KindCancel})
	}
	w.finishTask()
}

// terminate stops the unit and marks the worker permanently dead.
func (w *worker) terminate() {
	w.send(unit.Request{Kind: unit.KindTerminate})
	w.alive = false
	w.finishTask()
}

// restart replaces the unit in place: same worker id, error budget reset,
// cumulative task counter kept for observability.
func (w *worker) restart(handlers unit.Registry, outbox chan<- unit.Reply) {
	w.terminate()
	w.gen++
	w.restarts++
	w.errorCount = 0
	w.spawn(handlers, outbox)
}

func (w *worker) info() domain.WorkerInfo {
	return domain.WorkerInfo{
		ID:             w.id,
		Alive:          w.alive,
		Busy:           w.busy,
		CurrentTaskID:  w.currentTaskID,
		TaskCount:      w.taskCount,
		ErrorCount:     w.errorCount,
		StartedAt:      w.startedAt,
		LastActivityAt: w.lastActivity,
	}
}
