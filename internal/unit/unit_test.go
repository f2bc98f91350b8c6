package unit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startUnit(t *testing.T, handlers Registry) (chan Request, chan Reply) {
	t.Helper()
	inbox := make(chan Request, 16)
	outbox := make(chan Reply, 16)
	go Run("u#0", handlers, inbox, outbox)
	t.Cleanup(func() { inbox <- Request{Kind: KindTerminate} })
	return inbox, outbox
}

func nextReply(t *testing.T, outbox <-chan Reply) Reply {
	t.Helper()
	select {
	case r := <-outbox:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		panic("unreachable")
	}
}

func TestPingPong(t *testing.T) {
	inbox, outbox := startUnit(t, Registry{})
	inbox <- Request{Kind: KindPing}

	r := nextReply(t, outbox)
	assert.Equal(t, KindPong, r.Kind)
	assert.Equal(t, "u#0", r.WorkerID)
	assert.False(t, r.Timestamp.IsZero())
}

func TestTaskProducesResult(t *testing.T) {
	handlers := Registry{"echo": HandlerFunc(func(_ context.Context, p json.RawMessage, _ Progress) (json.RawMessage, error) {
		return p, nil
	})}
	inbox, outbox := startUnit(t, handlers)

	inbox <- Request{ID: "tsk_1", Kind: KindTask, Type: "echo", Payload: json.RawMessage(`{"n":1}`)}

	r := nextReply(t, outbox)
	require.Equal(t, KindResult, r.Kind)
	assert.Equal(t, "tsk_1", r.ID)
	assert.JSONEq(t, `{"n":1}`, string(r.Payload))
}

func TestTaskErrorReply(t *testing.T) {
	handlers := Registry{"bad": HandlerFunc(func(_ context.Context, _ json.RawMessage, _ Progress) (json.RawMessage, error) {
		return nil, errors.New("no such clip")
	})}
	inbox, outbox := startUnit(t, handlers)

	inbox <- Request{ID: "tsk_1", Kind: KindTask, Type: "bad"}

	r := nextReply(t, outbox)
	assert.Equal(t, KindError, r.Kind)
	assert.Equal(t, "no such clip", r.Err)
	assert.False(t, r.Crashed)
}

func TestMissingHandlerErrorReply(t *testing.T) {
	inbox, outbox := startUnit(t, Registry{})
	inbox <- Request{ID: "tsk_1", Kind: KindTask, Type: "nope"}

	r := nextReply(t, outbox)
	assert.Equal(t, KindError, r.Kind)
	assert.Contains(t, r.Err, "no handler")
}

func TestPanicIsReportedAsCrash(t *testing.T) {
	handlers := Registry{"boom": HandlerFunc(func(_ context.Context, _ json.RawMessage, _ Progress) (json.RawMessage, error) {
		panic("oom")
	})}
	inbox, outbox := startUnit(t, handlers)

	inbox <- Request{ID: "tsk_1", Kind: KindTask, Type: "boom"}

	r := nextReply(t, outbox)
	assert.Equal(t, KindError, r.Kind)
	assert.True(t, r.Crashed)
	assert.Contains(t, r.Err, "handler panic")
}

func TestCancelStopsRunningTask(t *testing.T) {
	handlers := Registry{"wait": HandlerFunc(func(ctx context.Context, _ json.RawMessage, _ Progress) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})}
	inbox, outbox := startUnit(t, handlers)

	inbox <- Request{ID: "tsk_1", Kind: KindTask, Type: "wait"}
	inbox <- Request{ID: "tsk_1", Kind: KindCancel}

	r := nextReply(t, outbox)
	assert.Equal(t, KindError, r.Kind)
	assert.Contains(t, r.Err, "context canceled")
}

func TestCancelFreesUnitForNextTask(t *testing.T) {
	release := make(chan struct{})
	handlers := Registry{
		"hold": HandlerFunc(func(ctx context.Context, _ json.RawMessage, _ Progress) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`"late"`), nil
		}),
		"echo": HandlerFunc(func(_ context.Context, p json.RawMessage, _ Progress) (json.RawMessage, error) {
			return p, nil
		}),
	}
	inbox, outbox := startUnit(t, handlers)

	inbox <- Request{ID: "tsk_1", Kind: KindTask, Type: "hold"}
	inbox <- Request{ID: "tsk_1", Kind: KindCancel}
	// abandoned handler is still running, but the unit accepts new work
	inbox <- Request{ID: "tsk_2", Kind: KindTask, Type: "echo", Payload: json.RawMessage(`2`)}

	r := nextReply(t, outbox)
	require.Equal(t, KindResult, r.Kind)
	assert.Equal(t, "tsk_2", r.ID)

	close(release)
	late := nextReply(t, outbox)
	assert.Equal(t, "tsk_1", late.ID, "stale reply surfaces for the coordinator to discard")
}

func TestTaskTimeoutCancelsContext(t *testing.T) {
	handlers := Registry{"wait": HandlerFunc(func(ctx context.Context, _ json.RawMessage, _ Progress) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})}
	inbox, outbox := startUnit(t, handlers)

	inbox <- Request{ID: "tsk_1", Kind: KindTask, Type: "wait", Timeout: 30 * time.Millisecond}

	r := nextReply(t, outbox)
	assert.Equal(t, KindError, r.Kind)
	assert.Contains(t, r.Err, "deadline exceeded")
}

func TestProgressReplies(t *testing.T) {
	handlers := Registry{"steps": HandlerFunc(func(_ context.Context, _ json.RawMessage, report Progress) (json.RawMessage, error) {
		report(0.25)
		report(0.75)
		return json.RawMessage(`"done"`), nil
	})}
	inbox, outbox := startUnit(t, handlers)

	inbox <- Request{ID: "tsk_1", Kind: KindTask, Type: "steps"}

	var fractions []float64
	for {
		r := nextReply(t, outbox)
		if r.Kind == KindResult {
			break
		}
		require.Equal(t, KindProgress, r.Kind)
		var body struct {
			Progress float64 `json:"progress"`
		}
		require.NoError(t, json.Unmarshal(r.Payload, &body))
		fractions = append(fractions, body.Progress)
	}
	assert.Equal(t, []float64{0.25, 0.75}, fractions)
}

func TestBusyUnitRejectsSecondTask(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	handlers := Registry{"hold": HandlerFunc(func(_ context.Context, _ json.RawMessage, _ Progress) (json.RawMessage, error) {
		<-release
		return nil, nil
	})}
	inbox, outbox := startUnit(t, handlers)

	inbox <- Request{ID: "tsk_1", Kind: KindTask, Type: "hold"}
	inbox <- Request{ID: "tsk_2", Kind: KindTask, Type: "hold"}

	r := nextReply(t, outbox)
	assert.Equal(t, KindError, r.Kind)
	assert.Equal(t, "tsk_2", r.ID)
	assert.Contains(t, r.Err, "busy")
}
