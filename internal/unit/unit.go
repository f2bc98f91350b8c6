// Package unit implements the isolated execution side of the pool: the
// goroutine that actually runs task payloads, and the message protocol it
// speaks with the coordinator. No memory is shared across the boundary;
// everything crosses as Request/Reply values on channels.
package unit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

// Coordinator -> unit message kinds.
const (
	KindTask      Kind = "task"
	KindCancel    Kind = "cancel"
	KindPing      Kind = "ping"
	KindTerminate Kind = "terminate"
)

// Unit -> coordinator message kinds.
const (
	KindResult   Kind = "result"
	KindError    Kind = "error"
	KindProgress Kind = "progress"
	KindPong     Kind = "pong"
)

// Request is a coordinator->unit message. For KindTask, Type/Payload/Timeout
// describe the work; the other kinds carry only an optional task ID.
type Request struct {
	ID        string
	Kind      Kind
	Type      string
	Payload   json.RawMessage
	Timeout   time.Duration
	Timestamp time.Time
}

// Reply is a unit->coordinator message. WorkerID identifies the unit
// instance, not just the worker slot, so replies from a replaced unit can be
// told apart from the live one. Crashed marks failures where the unit itself
// raised (handler panic) rather than the payload returning an error.
type Reply struct {
	ID        string
	Kind      Kind
	Payload   json.RawMessage
	Err       string
	Crashed   bool
	Timestamp time.Time
	WorkerID  string
}

// Progress reports a completion fraction in [0,1] back to the coordinator.
type Progress func(fraction float64)

// Handler executes one task type's payload. Implementations must honor ctx
// cancellation; report may be nil-safe via the wrapper the unit installs.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage, report Progress) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage, report Progress) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage, report Progress) (json.RawMessage, error) {
	return f(ctx, payload, report)
}

// Registry maps task type tags to their handlers.
type Registry map[string]Handler

func (r Registry) Has(taskType string) bool {
	_, ok := r[taskType]
	return ok
}

type runner struct {
	id       string
	handlers Registry
	inbox    <-chan Request
	outbox   chan<- Reply
	quit     chan struct{}

	// at most one task runs at a time
	current string
	cancel  context.CancelFunc
	done    chan Reply
}

// Run executes the unit loop until a terminate request arrives or the inbox
// closes. It replies to pings even while a task is running; the task itself
// executes on a nested goroutine so the loop stays responsive to cancel and
// ping. Run is meant to be spawned as `go unit.Run(...)` by the worker
// wrapper.
func Run(workerID string, handlers Registry, inbox <-chan Request, outbox chan<- Reply) {
	r := &runner{
		id:       workerID,
		handlers: handlers,
		inbox:    inbox,
		outbox:   outbox,
		quit:     make(chan struct{}),
		done:     make(chan Reply, 1),
	}
	r.loop()
}

func (r *runner) loop() {
	defer close(r.quit)
	for {
		select {
		case req, ok := <-r.inbox:
			if !ok {
				r.stopCurrent()
				return
			}
			switch req.Kind {
			case KindPing:
				r.emit(Reply{Kind: KindPong})
			case KindTask:
				r.startTask(req)
			case KindCancel:
				// The coordinator already considers the worker free; mirror
				// that here so a follow-up task can start while the abandoned
				// handler unwinds. Its late reply is stale by definition.
				if req.ID == r.current {
					r.stopCurrent()
					r.current = ""
					r.cancel = nil
				}
			case KindTerminate:
				r.stopCurrent()
				return
			}
		case reply := <-r.done:
			if reply.ID == r.current {
				r.current = ""
				r.cancel = nil
			}
			r.emit(reply)
		}
	}
}

func (r *runner) startTask(req Request) {
	if r.current != "" {
		r.emit(Reply{ID: req.ID, Kind: KindError, Err: fmt.Sprintf("worker busy with %s", r.current)})
		return
	}
	h, ok := r.handlers[req.Type]
	if !ok {
		r.emit(Reply{ID: req.ID, Kind: KindError, Err: fmt.Sprintf("no handler for type %q", req.Type)})
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	r.current = req.ID
	r.cancel = cancel

	report := func(fraction float64) {
		payload, _ := json.Marshal(map[string]float64{"progress": fraction})
		r.emit(Reply{ID: req.ID, Kind: KindProgress, Payload: payload})
	}

	go func() {
		defer cancel()
		reply := r.execute(ctx, h, req, report)
		select {
		case r.done <- reply:
		case <-r.quit:
		}
	}()
}

// execute runs the handler, converting panics into crash replies so a broken
// payload never takes the unit loop down with it.
func (r *runner) execute(ctx context.Context, h Handler, req Request, report Progress) (reply Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			reply = Reply{ID: req.ID, Kind: KindError, Err: fmt.Sprintf("handler panic: %v", rec), Crashed: true}
		}
	}()
	out, err := h.Handle(ctx, req.Payload, report)
	if err != nil {
		return Reply{ID: req.ID, Kind: KindError, Err: err.Error()}
	}
	return Reply{ID: req.ID, Kind: KindResult, Payload: out}
}

func (r *runner) stopCurrent() {
	if r.cancel != nil {
		r.cancel()
	}
}

// emit never blocks past unit shutdown; replies lost at teardown are
// tolerated by the coordinator's stale-reply handling.
func (r *runner) emit(reply Reply) {
	reply.WorkerID = r.id
	reply.Timestamp = time.Now()
	select {
	case r.outbox <- reply:
	case <-r.quit:
	}
}
