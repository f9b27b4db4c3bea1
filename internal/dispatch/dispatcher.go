package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/value"
)

// DefaultWorkers is the number of workers used when WithWorkers is not given.
const DefaultWorkers = 4

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// Task is a task handed to a Handler.
type Task struct {
	engine.TaskDescription

	ID engine.DispatchID
}

// Handler performs the tasks of one operation. A returned error fails the
// task; wrap it with Retryable to have the engine retry it later.
type Handler func(ctx context.Context, task Task) (value.Object, error)

// UnknownOperationError is returned by Submit for an operation with no
// registered handler and no fallback.
type UnknownOperationError struct {
	Operation string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("no handler for operation %q", e.Operation)
}

// Local runs tasks in-process on a fixed pool of workers.
type Local struct {
	handlers map[string]Handler
	fallback Handler
	queue    *jobQueue
	ids      IDGenerator
	logger   *slog.Logger
	workers  int
	timeout  time.Duration

	// deliveries tracks outcome callbacks started outside the workers.
	deliveries sync.WaitGroup
	group      *errgroup.Group
	cancel     context.CancelFunc
	startOnce  sync.Once
	closeOnce  sync.Once
}

// Option configures a Local dispatcher.
type Option func(*Local)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(d *Local) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Local) {
		d.logger = l
	}
}

// WithIDGenerator sets the generator used for dispatch IDs.
func WithIDGenerator(g IDGenerator) Option {
	return func(d *Local) {
		d.ids = g
	}
}

// WithFallback sets the handler for operations with no registered handler.
func WithFallback(h Handler) Option {
	return func(d *Local) {
		d.fallback = h
	}
}

// WithTaskTimeout bounds the time a handler may run. Zero means no limit.
func WithTaskTimeout(t time.Duration) Option {
	return func(d *Local) {
		d.timeout = t
	}
}

// New returns a dispatcher routing tasks to handlers by operation name. The
// handler set is fixed at construction. Call Start to begin running tasks.
func New(handlers map[string]Handler, opts ...Option) *Local {
	d := &Local{
		handlers: make(map[string]Handler, len(handlers)),
		queue:    newJobQueue(),
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
		workers:  DefaultWorkers,
	}
	for op, h := range handlers {
		d.handlers[op] = h
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Operations returns the registered operation names, sorted.
func (d *Local) Operations() []string {
	ops := make([]string, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Start launches the workers. Handlers run with a context derived from ctx.
// Calling Start more than once has no effect.
func (d *Local) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		d.group, ctx = errgroup.WithContext(ctx)
		for i := 0; i < d.workers; i++ {
			d.group.Go(func() error {
				d.work(ctx)
				return nil
			})
		}
		d.logger.Debug("dispatcher started", "workers", d.workers)
	})
}

// Submit queues a task for its operation's handler.
func (d *Local) Submit(_ context.Context, task engine.TaskDescription, done func(engine.Outcome)) (engine.DispatchID, error) {
	if d.handler(task.Operation) == nil {
		return "", &UnknownOperationError{Operation: task.Operation}
	}

	j := &job{
		task: Task{TaskDescription: task, ID: engine.DispatchID(d.ids.Generate())},
		done: done,
	}
	if !d.queue.Enqueue(j) {
		return "", ErrClosed
	}

	d.logger.Debug("task queued",
		"dispatch", j.task.ID,
		"operation", task.Operation,
		"node", task.NodeID,
		"attempt", task.Attempt,
	)
	return j.task.ID, nil
}

// Cancel withdraws a queued task. Its cancelled outcome is delivered
// asynchronously. Tasks already taken by a worker run to completion.
func (d *Local) Cancel(id engine.DispatchID) bool {
	j, ok := d.queue.Remove(id)
	if !ok {
		return false
	}
	d.logger.Debug("task cancelled", "dispatch", id)
	d.deliver(j, engine.Outcome{Cancelled: true})
	return true
}

// Pending returns the number of queued tasks not yet taken by a worker.
func (d *Local) Pending() int {
	return d.queue.Len()
}

// Close stops accepting tasks, cancels those still queued and waits for
// running handlers and outcome callbacks to return.
func (d *Local) Close() error {
	d.closeOnce.Do(func() {
		d.queue.Close()
		for _, j := range d.queue.Drain() {
			d.deliver(j, engine.Outcome{Cancelled: true})
		}
		if d.group != nil {
			_ = d.group.Wait()
			d.cancel()
		}
		d.deliveries.Wait()
	})
	return nil
}

func (d *Local) deliver(j *job, o engine.Outcome) {
	d.deliveries.Add(1)
	go func() {
		defer d.deliveries.Done()
		j.done(o)
	}()
}

func (d *Local) work(ctx context.Context) {
	for {
		if j, ok := d.queue.TryDequeue(); ok {
			j.done(d.run(ctx, j))
			continue
		}
		if d.queue.Done() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-d.queue.Wait():
		}
	}
}

func (d *Local) handler(op string) Handler {
	if h, ok := d.handlers[op]; ok {
		return h
	}
	return d.fallback
}

func (d *Local) run(ctx context.Context, j *job) (o engine.Outcome) {
	h := d.handler(j.task.Operation)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"dispatch", j.task.ID,
				"operation", j.task.Operation,
				"panic", r,
			)
			o = engine.Outcome{Err: fmt.Errorf("handler panicked: %v", r)}
		}
	}()

	start := time.Now()
	result, err := h(ctx, j.task)
	if err != nil {
		d.logger.Warn("task failed",
			"dispatch", j.task.ID,
			"operation", j.task.Operation,
			"retry", IsRetryable(err),
			"error", err,
		)
		return engine.Outcome{Err: err, Retry: IsRetryable(err)}
	}

	d.logger.Debug("task done",
		"dispatch", j.task.ID,
		"operation", j.task.Operation,
		"elapsed", time.Since(start),
	)
	return engine.Outcome{Result: result}
}

var _ engine.Dispatcher = (*Local)(nil)
