// Package pool implements the task scheduling coordinator: a bounded,
// self-scaling set of isolated execution workers fed from a priority queue,
// with per-task timeouts, bounded retries, and health supervision.
//
// All coordinator state (pending queue, in-flight map, worker registry) is
// owned by a single goroutine. External calls post closures onto the ops
// channel; worker replies and timer expiries funnel into the same loop, so
// every mutation is serialized without locks.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
	"github.com/emeeran/yt-clipper-sub003/internal/unit"
)

var (
	ErrPoolClosed      = errors.New("pool is closed")
	ErrQueueFull       = errors.New("task queue is full")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrTaskCancelled   = errors.New("task cancelled")
)

const (
	// maxRetries bounds re-enqueues per task: a task runs at most
	// maxRetries+1 times before its failure is delivered.
	maxRetries = 3

	// scaleUpBurst caps workers added per scaling tick to avoid thrash.
	scaleUpBurst = 2
)

// Recorder receives terminal task outcomes. Implementations must be safe for
// concurrent use; the pool invokes it off the coordinator loop.
type Recorder interface {
	RecordOutcome(ctx context.Context, o domain.Outcome) error
}

type Option func(*Pool)

func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

func WithRecorder(r Recorder) Option { return func(p *Pool) { p.rec = r } }

// Pool is the coordinator. Construct with New and release with Close; there
// is no ambient singleton.
type Pool struct {
	cfg      domain.Config
	handlers unit.Registry
	log      zerolog.Logger
	rec      Recorder

	ops     chan func()
	replies chan unit.Reply
	done    chan struct{}
	closing sync.Once

	// everything below is owned by the run loop
	seq       uint64
	pending   []*pendingTask
	inflight  map[string]*inflightEntry
	workers   map[string]*worker // by worker id
	units     map[string]*worker // by unit instance id
	completed uint64
	failed    uint64
	cancelled uint64
	durations durationRing
}

// New builds a pool, spawns MinSize workers, and starts the coordinator
// loop. Workers become eligible for dispatch once their units pong.
func New(cfg domain.Config, handlers unit.Registry, opts ...Option) *Pool {
	p := &Pool{
		cfg:      cfg.Normalized(),
		handlers: handlers,
		log:      zerolog.Nop(),
		ops:      make(chan func(), 64),
		replies:  make(chan unit.Reply, 256),
		done:     make(chan struct{}),
		inflight: make(map[string]*inflightEntry),
		workers:  make(map[string]*worker),
		units:    make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < p.cfg.MinSize; i++ {
		p.addWorker()
	}
	go p.run()
	return p
}

func (p *Pool) run() {
	scale := time.NewTicker(p.cfg.ScaleInterval)
	defer scale.Stop()
	health := time.NewTicker(p.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-p.done:
			return
		case fn := <-p.ops:
			fn()
		case reply := <-p.replies:
			p.handleReply(reply)
		case <-scale.C:
			p.scale()
		case <-health.C:
			p.checkHealth()
			p.scale()
		}
	}
}

// do posts a closure for the loop to run. Ops posted after Close never run.
func (p *Pool) do(fn func()) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	case p.ops <- fn:
		return nil
	}
}

// doWait posts a closure and blocks until the loop has executed it.
func (p *Pool) doWait(fn func()) error {
	ran := make(chan struct{})
	if err := p.do(func() { fn(); close(ran) }); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-p.done:
		return ErrPoolClosed
	}
}

// Submit enqueues a task and returns its handle. Unknown task types fail
// immediately and are never enqueued; a full queue fails fast with
// ErrQueueFull.
func (p *Pool) Submit(spec domain.TaskSpec) (*Handle, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrUnknownTaskType)
	}
	if !p.handlers.Has(spec.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, spec.Type)
	}

	t := p.newTask(spec)
	h := newHandle(t.ID, spec.OnProgress)
	var submitErr error
	if err := p.doWait(func() {
		if len(p.pending) >= p.cfg.QueueLimit {
			submitErr = ErrQueueFull
			return
		}
		p.seq++
		p.pending = append(p.pending, &pendingTask{task: t, handle: h, seq: p.seq})
		p.log.Debug().Str("task_id", t.ID).Str("type", t.Type).Stringer("priority", t.Priority).Msg("task enqueued")
		p.dispatch()
	}); err != nil {
		return nil, err
	}
	if submitErr != nil {
		return nil, submitErr
	}
	return h, nil
}

func (p *Pool) newTask(spec domain.TaskSpec) domain.Task {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = p.cfg.MaxTaskTime
	}
	return domain.Task{
		ID:        "tsk_" + uuid.NewString(),
		Type:      spec.Type,
		Payload:   spec.Payload,
		Priority:  spec.Priority,
		Timeout:   timeout,
		CreatedAt: time.Now(),
	}
}

// Cancel removes a task wherever it currently lives. A queued task never
// reaches a worker; an in-flight task frees its worker immediately and any
// late reply from the unit is discarded as stale.
func (p *Pool) Cancel(id string) bool {
	var found bool
	_ = p.doWait(func() {
		now := time.Now()
		for i, pt := range p.pending {
			if pt.task.ID != id {
				continue
			}
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			t := pt.task
			t.CompletedAt = now
			p.cancelled++
			pt.handle.resolve(t, nil, ErrTaskCancelled)
			p.record(t, domain.StatusCancelled, ErrTaskCancelled.Error(), 0)
			p.log.Info().Str("task_id", id).Msg("queued task cancelled")
			found = true
			return
		}
		entry, ok := p.inflight[id]
		if !ok {
			return
		}
		delete(p.inflight, id)
		entry.timer.Stop()
		if w := p.workers[entry.workerID]; w != nil && w.currentTaskID == id {
			w.cancelTask()
		}
		t := entry.task
		t.CompletedAt = now
		p.cancelled++
		entry.handle.resolve(t, nil, ErrTaskCancelled)
		p.record(t, domain.StatusCancelled, ErrTaskCancelled.Error(), now.Sub(entry.startedAt))
		p.log.Info().Str("task_id", id).Str("worker_id", entry.workerID).Msg("in-flight task cancelled")
		found = true
		p.dispatch()
	})
	return found
}

// Metrics recomputes a snapshot from current state. Read-only.
func (p *Pool) Metrics() domain.Metrics {
	var m domain.Metrics
	_ = p.doWait(func() { m = p.snapshot() })
	return m
}

// Workers reports the current worker registry.
func (p *Pool) Workers() []domain.WorkerInfo {
	var infos []domain.WorkerInfo
	_ = p.doWait(func() {
		for _, w := range p.workers {
			infos = append(infos, w.info())
		}
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close terminates all workers, resolves every outstanding handle with
// ErrPoolClosed, and stops the loop. Idempotent; blocks until shutdown is
// complete.
func (p *Pool) Close() {
	p.closing.Do(func() {
		_ = p.do(func() {
			for _, w := range p.workers {
				w.terminate()
			}
			now := time.Now()
			for _, pt := range p.pending {
				t := pt.task
				t.CompletedAt = now
				pt.handle.resolve(t, nil, ErrPoolClosed)
			}
			for _, entry := range p.inflight {
				entry.timer.Stop()
				t := entry.task
				t.CompletedAt = now
				entry.handle.resolve(t, nil, ErrPoolClosed)
			}
			p.pending = nil
			p.inflight = map[string]*inflightEntry{}
			p.workers = map[string]*worker{}
			p.units = map[string]*worker{}
			p.log.Info().Msg("pool closed")
			close(p.done)
		})
	})
	<-p.done
}

// ---- loop internals -------------------------------------------------------

// dispatch pairs queued tasks with idle workers, highest priority first,
// submission order on ties. Runs after every enqueue, worker-free, and
// worker-ready event.
func (p *Pool) dispatch() {
	var idle []*worker
	for _, w := range p.workers {
		if w.idle() {
			idle = append(idle, w)
		}
	}
	if len(idle) == 0 || len(p.pending) == 0 {
		return
	}
	sort.SliceStable(p.pending, func(i, j int) bool {
		if p.pending[i].task.Priority != p.pending[j].task.Priority {
			return p.pending[i].task.Priority > p.pending[j].task.Priority
		}
		return p.pending[i].seq < p.pending[j].seq
	})
	for len(idle) > 0 && len(p.pending) > 0 {
		pt := p.pending[0]
		p.pending = p.pending[1:]
		w := idle[0]
		idle = idle[1:]
		p.assign(pt, w)
	}
}

func (p *Pool) assign(pt *pendingTask, w *worker) {
	t := pt.task
	t.StartedAt = time.Now()
	if err := w.startTask(t); err != nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Str("worker_id", w.id).Msg("dispatch to busy worker")
		p.pending = append(p.pending, pt)
		return
	}
	entry := &inflightEntry{
		task:      t,
		handle:    pt.handle,
		workerID:  w.id,
		seq:       pt.seq,
		attempt:   t.Retries,
		startedAt: t.StartedAt,
	}
	id, attempt := t.ID, t.Retries
	entry.timer = time.AfterFunc(t.Timeout, func() {
		_ = p.do(func() { p.handleTimeout(id, attempt) })
	})
	p.inflight[t.ID] = entry
	p.log.Debug().Str("task_id", t.ID).Str("worker_id", w.id).Int("attempt", attempt).Msg("task dispatched")
}

func (p *Pool) handleReply(reply unit.Reply) {
	w, ok := p.units[reply.WorkerID]
	if !ok {
		// reply from a terminated or replaced unit
		p.log.Debug().Str("unit", reply.WorkerID).Str("kind", string(reply.Kind)).Msg("stale reply discarded")
		return
	}
	w.lastActivity = time.Now()

	switch reply.Kind {
	case unit.KindPong:
		if !w.alive {
			w.alive = true
			p.log.Debug().Str("worker_id", w.id).Msg("worker ready")
			p.dispatch()
		}
	case unit.KindProgress:
		if entry, ok := p.inflight[reply.ID]; ok && entry.workerID == w.id {
			var body struct {
				Progress float64 `json:"progress"`
			}
			if err := json.Unmarshal(reply.Payload, &body); err == nil {
				entry.handle.notifyProgress(body.Progress)
			}
		}
	case unit.KindResult:
		entry, ok := p.inflight[reply.ID]
		if !ok || entry.workerID != w.id {
			// already timed out, cancelled, or requeued elsewhere
			return
		}
		p.completeTask(entry, w, reply.Payload)
	case unit.KindError:
		if entry, ok := p.inflight[reply.ID]; ok && entry.workerID == w.id {
			delete(p.inflight, reply.ID)
			entry.timer.Stop()
			w.finishTask()
			p.failAttempt(entry, errors.New(reply.Err))
		}
		// decide the worker's fate before handing it more work
		if reply.Crashed || reply.ID == "" {
			p.workerError(w)
		}
		p.dispatch()
	}
}

func (p *Pool) completeTask(entry *inflightEntry, w *worker, result json.RawMessage) {
	delete(p.inflight, entry.task.ID)
	entry.timer.Stop()
	w.finishTask()

	now := time.Now()
	t := entry.task
	t.CompletedAt = now
	d := now.Sub(entry.startedAt)
	p.durations.add(d)
	p.completed++
	entry.handle.resolve(t, result, nil)
	p.record(t, domain.StatusSucceeded, "", d)
	p.log.Info().Str("task_id", t.ID).Str("worker_id", w.id).Dur("duration", d).Int("retries", t.Retries).Msg("task completed")
	p.dispatch()
}

// failAttempt applies the retry policy to a task whose attempt just failed,
// whether by error or timeout. The caller has already removed the in-flight
// entry and freed the worker.
func (p *Pool) failAttempt(entry *inflightEntry, cause error) {
	t := entry.task
	if t.Retries < maxRetries {
		next := retryOf(t)
		p.pending = append(p.pending, &pendingTask{task: next, handle: entry.handle, seq: entry.seq})
		p.log.Warn().Err(cause).Str("task_id", t.ID).Int("retry", next.Retries).Msg("task attempt failed, requeued")
		return
	}
	now := time.Now()
	t.CompletedAt = now
	p.failed++
	entry.handle.resolve(t, nil, cause)
	p.record(t, domain.StatusFailed, cause.Error(), now.Sub(entry.startedAt))
	p.log.Error().Err(cause).Str("task_id", t.ID).Int("retries", t.Retries).Msg("task failed, retries exhausted")
}

// handleTimeout fires when an attempt's deadline passes with no result. The
// attempt tag keeps a stale timer from touching a requeued task.
func (p *Pool) handleTimeout(id string, attempt int) {
	entry, ok := p.inflight[id]
	if !ok || entry.attempt != attempt {
		return
	}
	delete(p.inflight, id)
	if w := p.workers[entry.workerID]; w != nil && w.currentTaskID == id {
		w.cancelTask()
	}
	p.failAttempt(entry, fmt.Errorf("task timed out after %s", entry.task.Timeout))
	p.dispatch()
}

// workerError spends one unit of the worker's error budget and restarts the
// worker once the budget is gone. Worker faults never reach a caller.
func (p *Pool) workerError(w *worker) {
	w.errorCount++
	p.log.Warn().Str("worker_id", w.id).Int("error_count", w.errorCount).Msg("worker error")
	if w.errorCount >= p.cfg.RestartThreshold {
		p.restartWorker(w)
	}
}

func (p *Pool) restartWorker(w *worker) {
	p.log.Warn().Str("worker_id", w.id).Int("restarts", w.restarts+1).Msg("restarting worker")
	// a task still assigned to this worker would otherwise dangle until its
	// timeout timer fires
	if entry, ok := p.inflight[w.currentTaskID]; ok && entry.workerID == w.id {
		delete(p.inflight, w.currentTaskID)
		entry.timer.Stop()
		p.failAttempt(entry, fmt.Errorf("worker %s restarted", w.id))
	}
	delete(p.units, w.unitID)
	w.restart(p.handlers, p.replies)
	p.units[w.unitID] = w
}

func (p *Pool) addWorker() *worker {
	w := newWorker("wrk_"+uuid.NewString(), p.handlers, p.replies)
	p.workers[w.id] = w
	p.units[w.unitID] = w
	p.log.Debug().Str("worker_id", w.id).Msg("worker starting")
	return w
}

// removeWorker terminates a worker and drops it from the registry.
func (p *Pool) removeWorker(w *worker) {
	delete(p.units, w.unitID)
	delete(p.workers, w.id)
	w.terminate()
}

func (p *Pool) record(t domain.Task, status, errMsg string, d time.Duration) {
	if p.rec == nil {
		return
	}
	o := domain.Outcome{Task: t, Status: status, Error: errMsg, Duration: d}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.rec.RecordOutcome(ctx, o); err != nil {
			p.log.Error().Err(err).Str("task_id", o.Task.ID).Msg("failed to record task outcome")
		}
	}()
}
