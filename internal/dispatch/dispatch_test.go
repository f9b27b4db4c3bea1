package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/value"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// outcomes collects delivered outcomes keyed by dispatch ID.
type outcomes struct {
	mu  sync.Mutex
	got map[engine.DispatchID][]engine.Outcome
	ch  chan engine.Outcome
}

func newOutcomes() *outcomes {
	return &outcomes{
		got: make(map[engine.DispatchID][]engine.Outcome),
		ch:  make(chan engine.Outcome, 64),
	}
}

// done returns a callback recording outcomes for the ID stored in *id once
// Submit has returned it.
func (o *outcomes) done(id *engine.DispatchID, ready <-chan struct{}) func(engine.Outcome) {
	return func(out engine.Outcome) {
		<-ready
		o.mu.Lock()
		o.got[*id] = append(o.got[*id], out)
		o.mu.Unlock()
		o.ch <- out
	}
}

func (o *outcomes) next(t *testing.T) engine.Outcome {
	t.Helper()
	select {
	case out := <-o.ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return engine.Outcome{}
	}
}

func (o *outcomes) count(id engine.DispatchID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got[id])
}

func submit(t *testing.T, d *Local, o *outcomes, op string, input value.Object) engine.DispatchID {
	t.Helper()
	var id engine.DispatchID
	ready := make(chan struct{})
	got, err := d.Submit(context.Background(), engine.TaskDescription{
		NodeID:    "n-" + op,
		Operation: op,
		Input:     input,
		Attempt:   1,
	}, o.done(&id, ready))
	require.NoError(t, err)
	id = got
	close(ready)
	return id
}

func TestSubmit_RunsHandler(t *testing.T) {
	d := New(Builtins(), WithLogger(quietLogger()))
	d.Start(context.Background())
	defer d.Close()

	o := newOutcomes()
	id := submit(t, d, o, "echo", value.Object{"amount": value.Int(42)})

	out := o.next(t)
	require.NoError(t, out.Err)
	assert.False(t, out.Cancelled)
	assert.Equal(t, value.Object{"amount": value.Int(42)}, out.Result)
	assert.Equal(t, 1, o.count(id))
}

func TestSubmit_UnknownOperation(t *testing.T) {
	d := New(Builtins(), WithLogger(quietLogger()))
	defer d.Close()

	called := false
	_, err := d.Submit(context.Background(), engine.TaskDescription{Operation: "ship"}, func(engine.Outcome) {
		called = true
	})

	var uerr *UnknownOperationError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "ship", uerr.Operation)
	assert.Equal(t, 0, d.Pending())
	assert.False(t, called)
}

func TestSubmit_Fallback(t *testing.T) {
	d := New(map[string]Handler{"noop": Noop}, WithFallback(Echo), WithLogger(quietLogger()))
	d.Start(context.Background())
	defer d.Close()

	o := newOutcomes()
	submit(t, d, o, "shipping.dispatch", value.Object{"to": value.String("berlin")})

	out := o.next(t)
	require.NoError(t, out.Err)
	assert.Equal(t, value.Object{"to": value.String("berlin")}, out.Result)
	assert.Equal(t, []string{"noop"}, d.Operations())
}

func TestSubmit_DefaultIDsAreUUIDv7(t *testing.T) {
	d := New(Builtins(), WithLogger(quietLogger()))
	defer d.Close()

	o := newOutcomes()
	id := submit(t, d, o, "noop", nil)

	u, err := uuid.Parse(string(id))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
}

func TestCancel_QueuedTask(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	handlers := map[string]Handler{
		"block": func(ctx context.Context, _ Task) (value.Object, error) {
			started <- struct{}{}
			<-release
			return value.Object{}, nil
		},
		"noop": Noop,
	}
	d := New(handlers, WithLogger(quietLogger()), WithWorkers(1),
		WithIDGenerator(&SequenceGenerator{Prefix: "task"}))
	d.Start(context.Background())
	defer d.Close()

	o := newOutcomes()
	running := submit(t, d, o, "block", nil)
	<-started

	queued := submit(t, d, o, "noop", nil)
	assert.Equal(t, engine.DispatchID("task-1"), running)
	assert.Equal(t, engine.DispatchID("task-2"), queued)
	assert.Equal(t, 1, d.Pending())

	require.True(t, d.Cancel(queued))
	out := o.next(t)
	assert.True(t, out.Cancelled)

	assert.False(t, d.Cancel(queued), "a task is cancelled once")
	assert.False(t, d.Cancel(running), "running tasks are not aborted")
	assert.False(t, d.Cancel("task-99"))

	close(release)
	out = o.next(t)
	assert.False(t, out.Cancelled)
	require.NoError(t, out.Err)

	assert.Equal(t, 1, o.count(queued))
	assert.Equal(t, 1, o.count(running))
}

func TestHandlerErrors(t *testing.T) {
	boom := errors.New("boom")
	handlers := map[string]Handler{
		"fail":  func(context.Context, Task) (value.Object, error) { return nil, boom },
		"flaky": func(context.Context, Task) (value.Object, error) { return nil, Retryable(boom) },
		"panic": func(context.Context, Task) (value.Object, error) { panic("oh no") },
	}

	tests := []struct {
		op        string
		wantRetry bool
		wantErr   string
	}{
		{op: "fail", wantErr: "boom"},
		{op: "flaky", wantRetry: true, wantErr: "boom"},
		{op: "panic", wantErr: "handler panicked: oh no"},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			d := New(handlers, WithLogger(quietLogger()))
			d.Start(context.Background())
			defer d.Close()

			o := newOutcomes()
			submit(t, d, o, tt.op, nil)

			out := o.next(t)
			require.Error(t, out.Err)
			assert.EqualError(t, out.Err, tt.wantErr)
			assert.Equal(t, tt.wantRetry, out.Retry)
			assert.Nil(t, out.Result)
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.NoError(t, Retryable(nil))

	base := errors.New("connection reset")
	err := Retryable(base)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.True(t, IsRetryable(errors.Join(errors.New("ctx"), err)))
	assert.False(t, IsRetryable(base))
}

func TestTaskTimeout(t *testing.T) {
	d := New(Builtins(), WithLogger(quietLogger()), WithTaskTimeout(10*time.Millisecond))
	d.Start(context.Background())
	defer d.Close()

	o := newOutcomes()
	submit(t, d, o, "sleep", value.Object{"duration": value.String("1m")})

	out := o.next(t)
	require.Error(t, out.Err)
	assert.True(t, out.Retry)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestSleep_BadDuration(t *testing.T) {
	_, err := Sleep(context.Background(), Task{})
	assert.Error(t, err)

	_, err = Sleep(context.Background(), Task{TaskDescription: engine.TaskDescription{
		Input: value.Object{"duration": value.String("soon")},
	}})
	assert.Error(t, err)
}

func TestClose_CancelsQueuedAndWaitsForRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var finished bool
	handlers := map[string]Handler{
		"block": func(context.Context, Task) (value.Object, error) {
			started <- struct{}{}
			<-release
			finished = true
			return value.Object{}, nil
		},
		"noop": Noop,
	}
	d := New(handlers, WithLogger(quietLogger()), WithWorkers(1))
	d.Start(context.Background())

	o := newOutcomes()
	submit(t, d, o, "block", nil)
	<-started
	queued := submit(t, d, o, "noop", nil)

	closed := make(chan struct{})
	go func() {
		_ = d.Close()
		close(closed)
	}()

	out := o.next(t)
	assert.True(t, out.Cancelled)
	assert.Equal(t, 1, o.count(queued))

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-closed
	assert.True(t, finished)

	_, err := d.Submit(context.Background(), engine.TaskDescription{Operation: "noop"}, func(engine.Outcome) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_WithoutStart(t *testing.T) {
	d := New(Builtins(), WithLogger(quietLogger()))

	o := newOutcomes()
	submit(t, d, o, "noop", nil)

	require.NoError(t, d.Close())
	assert.True(t, o.next(t).Cancelled)
}

func TestOperations(t *testing.T) {
	d := New(Builtins())
	assert.Equal(t, []string{"echo", "noop", "sleep"}, d.Operations())
}

func TestQueue_FIFOAndRemove(t *testing.T) {
	q := newJobQueue()
	for _, id := range []engine.DispatchID{"a", "b", "c"} {
		require.True(t, q.Enqueue(&job{task: Task{ID: id}}))
	}
	assert.Equal(t, 3, q.Len())

	j, ok := q.Remove("b")
	require.True(t, ok)
	assert.Equal(t, engine.DispatchID("b"), j.task.ID)

	_, ok = q.Remove("b")
	assert.False(t, ok)

	j, ok = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, engine.DispatchID("a"), j.task.ID)

	q.Close()
	assert.False(t, q.Enqueue(&job{}))
	assert.False(t, q.Done(), "closed but not empty")

	j, ok = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, engine.DispatchID("c"), j.task.ID)
	assert.True(t, q.Done())

	_, ok = q.TryDequeue()
	assert.False(t, ok)
}
