package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"

	"github.com/roach88/procflow/internal/model"
	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/value"
)

// DefaultRetryBackoff is the delay strategy used to schedule a retry after a
// failed dispatch.
var DefaultRetryBackoff backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(time.Second),
	linger.FullJitter,
	linger.Limiter(100*time.Millisecond, 5*time.Minute),
)

// DefaultSweepParallelism is the number of instances swept concurrently.
const DefaultSweepParallelism = 8

// Engine runs process instances.
//
// Thread-safety model:
//   - every exported method is safe for concurrent use
//   - mutations of one process instance are serialized by its lock
//   - different process instances proceed in parallel
//
// The engine keeps the set of active instances in memory. Call Recover after
// construction to rebuild it from the store.
type Engine struct {
	db         *store.DB
	dispatcher Dispatcher
	listener   Listener
	logger     *slog.Logger
	now        func() time.Time
	backoff    backoff.Strategy

	sweepParallelism int
	redispatch       bool

	models    *store.Entities[*model.Model]
	instances *store.Entities[*ProcessInstance]
	nodes     *store.Entities[*NodeInstance]

	locks  *instanceLocks
	closed atomic.Bool

	m      sync.RWMutex
	active map[store.Handle]struct{}
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithListener registers the listener notified of retired and cancelled
// instances.
func WithListener(l Listener) EngineOption {
	return func(e *Engine) {
		e.listener = l
	}
}

// WithClock replaces the wall clock used for timestamps and retry schedules.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRetryBackoff sets the strategy that computes how long a node instance
// stays in FailRetry before a sweep retries it.
//
// Default: DefaultRetryBackoff
func WithRetryBackoff(s backoff.Strategy) EngineOption {
	return func(e *Engine) {
		e.backoff = s
	}
}

// WithSweepParallelism bounds the number of instances swept concurrently.
//
// Default: DefaultSweepParallelism
func WithSweepParallelism(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.sweepParallelism = n
		}
	}
}

// WithRedispatchOnRecover makes Recover move tasks that were in flight when
// the engine stopped to FailRetry, so that the next sweep dispatches them
// again.
func WithRedispatchOnRecover(enabled bool) EngineOption {
	return func(e *Engine) {
		e.redispatch = enabled
	}
}

// New creates an Engine that persists through db and hands tasks to d.
//
// db's backend must provide the tables in Schema.
func New(db *store.DB, d Dispatcher, opts ...EngineOption) *Engine {
	nodes := store.NewEntities[*NodeInstance](nodeMapper{})

	e := &Engine{
		db:               db,
		dispatcher:       d,
		listener:         nopListener{},
		logger:           slog.Default(),
		now:              time.Now,
		backoff:          DefaultRetryBackoff,
		sweepParallelism: DefaultSweepParallelism,
		models:           store.NewEntities[*model.Model](modelMapper{}),
		instances:        store.NewEntities[*ProcessInstance](&instanceMapper{nodes: nodes}),
		nodes:            nodes,
		locks:            newInstanceLocks(),
		active:           map[store.Handle]struct{}{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Close stops the engine from accepting dispatch outcomes. It does not close
// the store or the dispatcher.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// DeployModel persists m and returns its handle. Deploying a model that
// already has a handle returns that handle.
func (e *Engine) DeployModel(ctx context.Context, m *model.Model) (store.Handle, error) {
	if m.Handle().Valid() {
		return m.Handle(), nil
	}

	var h store.Handle
	err := e.db.Update(ctx, func(txn *store.Txn) error {
		var err error
		h, err = e.models.Put(txn, m)
		return err
	})
	if err != nil {
		return store.NoHandle, fmt.Errorf("deploy model %s: %w", m, err)
	}

	e.logger.Info("model deployed",
		"model", m.String(),
		"handle", h,
	)
	return h, nil
}

// Model returns the deployed model with handle h.
func (e *Engine) Model(ctx context.Context, h store.Handle) (*model.Model, error) {
	var m *model.Model
	err := e.db.View(ctx, func(txn *store.Txn) error {
		var err error
		m, err = e.models.Get(txn, h)
		return err
	})
	return m, err
}

// Models returns every deployed model in handle order.
func (e *Engine) Models(ctx context.Context) ([]*model.Model, error) {
	var all []*model.Model
	err := e.db.View(ctx, func(txn *store.Txn) error {
		var err error
		all, err = e.models.All(txn)
		return err
	})
	return all, err
}

// StartProcess starts a new instance of the model with handle modelHandle on
// behalf of principal. payload becomes the instance's initial process data.
//
// Start nodes are created and their tasks dispatched before StartProcess
// returns. A task that cannot be dispatched is left in FailRetry; it does not
// fail the start.
func (e *Engine) StartProcess(
	ctx context.Context,
	modelHandle store.Handle,
	principal string,
	payload value.Object,
) (store.Handle, error) {
	if e.closed.Load() {
		return store.NoHandle, &RuntimeError{Code: ErrCodeEngineClosed, Message: "engine is closed"}
	}

	o := &op{e: e, ctx: ctx, now: e.now()}
	err := e.db.Update(ctx, func(txn *store.Txn) error {
		m, err := e.models.Get(txn, modelHandle)
		if err != nil {
			return err
		}

		data := payload.Clone()
		if data == nil {
			data = value.Object{}
		}

		inst := &ProcessInstance{
			Handle:    store.NoHandle,
			Model:     modelHandle,
			Principal: principal,
			Data:      data,
			Joins:     map[string]store.Handle{},
			Status:    StatusActive,
			Created:   o.now,
			Updated:   o.now,
		}
		h, err := e.instances.Put(txn, inst)
		if err != nil {
			return err
		}

		// Backends serialize writable transactions, so outcomes for the start
		// nodes' tasks are applied only after this one commits.
		e.activate(txn, h)

		o.txn, o.inst, o.model = txn, inst, m
		if err := o.start(); err != nil {
			return err
		}
		return o.finish()
	})
	if err != nil {
		return store.NoHandle, fmt.Errorf("start process: %w", err)
	}

	e.logger.Info("process started",
		"instance", o.inst.Handle,
		"model", o.model.String(),
		"principal", principal,
	)
	e.notify(ctx, o)

	return o.inst.Handle, nil
}

// UpdateTaskState moves a node instance to state s.
//
// Sent dispatches a Pending or FailRetry node instance, Cancelled cancels it
// and skips its successors, Failed and FailRetry record a failure. Complete is
// rejected; use FinishTask. An open join node instance only accepts Cancelled.
//
// It returns the resulting state. When the request is rejected the state is
// the one still stored, or zero if the node instance could not be loaded.
func (e *Engine) UpdateTaskState(ctx context.Context, h store.Handle, s State) (State, error) {
	return e.withNode(ctx, h, func(o *op, n *NodeInstance) error {
		if err := rejectJoin(n, s); err != nil {
			return err
		}
		switch s {
		case Sent:
			return o.send(n)
		case Taken, Started, Pending:
			return o.advance(n, s)
		case Cancelled:
			return o.cancelTask(n)
		case Failed:
			return o.failTask(n, "failed by request")
		case FailRetry:
			return o.failTaskCreation(n, "retry requested")
		case Complete:
			return &IllegalStateTransitionError{
				Node:   n.Handle,
				NodeID: n.NodeID,
				From:   n.State,
				To:     Complete,
				Reason: "tasks are completed by FinishTask",
			}
		default:
			return fmt.Errorf("unknown state %s", s)
		}
	})
}

// FinishTask completes a node instance with the task's result payload.
//
// The node's result extractors produce named values that are recorded on the
// node instance and merged into the process data before it is completed.
// Finishing a node instance that is already terminal is a no-op that returns
// its current state. Open joins cannot be finished.
func (e *Engine) FinishTask(ctx context.Context, h store.Handle, payload value.Object) (State, error) {
	return e.withNode(ctx, h, func(o *op, n *NodeInstance) error {
		if err := rejectJoin(n, Complete); err != nil {
			return err
		}
		return o.finishTask(n, payload)
	})
}

// FailTask marks a node instance Failed with the given cause. Open joins
// cannot be failed.
func (e *Engine) FailTask(ctx context.Context, h store.Handle, cause string) (State, error) {
	return e.withNode(ctx, h, func(o *op, n *NodeInstance) error {
		if err := rejectJoin(n, Failed); err != nil {
			return err
		}
		return o.failTask(n, cause)
	})
}

// Tickle dispatches a node instance again if it is Pending or FailRetry. It
// is a no-op in every other state.
func (e *Engine) Tickle(ctx context.Context, h store.Handle) (State, error) {
	return e.withNode(ctx, h, func(o *op, n *NodeInstance) error {
		return o.tickle(n)
	})
}

// Instance returns a snapshot of the process instance with handle h.
func (e *Engine) Instance(ctx context.Context, h store.Handle) (InstanceSnapshot, error) {
	unlock := e.locks.Lock(h)
	defer unlock()

	var snap InstanceSnapshot
	err := e.db.View(ctx, func(txn *store.Txn) error {
		p, err := e.instances.Get(txn, h)
		if err != nil {
			return err
		}
		snap = p.snapshot()
		return nil
	})
	return snap, err
}

// NodeInstance returns a snapshot of the node instance with handle h.
func (e *Engine) NodeInstance(ctx context.Context, h store.Handle) (NodeSnapshot, error) {
	proc, err := e.processOf(ctx, h)
	if err != nil {
		return NodeSnapshot{}, err
	}

	unlock := e.locks.Lock(proc)
	defer unlock()

	var snap NodeSnapshot
	err = e.db.View(ctx, func(txn *store.Txn) error {
		n, err := e.nodes.Get(txn, h)
		if err != nil {
			return err
		}
		snap = n.snapshot()
		return nil
	})
	return snap, err
}

// Threads returns snapshots of the unfinished node instances of the process
// instance with handle h.
func (e *Engine) Threads(ctx context.Context, h store.Handle) ([]NodeSnapshot, error) {
	unlock := e.locks.Lock(h)
	defer unlock()

	var snaps []NodeSnapshot
	err := e.db.View(ctx, func(txn *store.Txn) error {
		p, err := e.instances.Get(txn, h)
		if err != nil {
			return err
		}
		for _, t := range p.Threads {
			n, err := e.nodes.Get(txn, t)
			if err != nil {
				return err
			}
			snaps = append(snaps, n.snapshot())
		}
		return nil
	})
	return snaps, err
}

// Nodes returns snapshots of every node instance of the process instance with
// handle h, in creation order.
func (e *Engine) Nodes(ctx context.Context, h store.Handle) ([]NodeSnapshot, error) {
	unlock := e.locks.Lock(h)
	defer unlock()

	var snaps []NodeSnapshot
	err := e.db.View(ctx, func(txn *store.Txn) error {
		if _, err := e.instances.Get(txn, h); err != nil {
			return err
		}
		return e.nodes.Each(txn, func(n *NodeInstance) error {
			if n.Process == h {
				snaps = append(snaps, n.snapshot())
			}
			return nil
		})
	})
	return snaps, err
}

// ListActiveInstances returns the handles of the active process instances in
// ascending order.
func (e *Engine) ListActiveInstances() []store.Handle {
	e.m.RLock()
	defer e.m.RUnlock()

	handles := make([]store.Handle, 0, len(e.active))
	for h := range e.active {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	return handles
}

// ListInstances returns snapshots of the active process instances, or of
// every stored instance if all is true.
func (e *Engine) ListInstances(ctx context.Context, all bool) ([]InstanceSnapshot, error) {
	var handles []store.Handle
	if all {
		err := e.db.View(ctx, func(txn *store.Txn) error {
			return e.instances.Each(txn, func(p *ProcessInstance) error {
				handles = append(handles, p.Handle)
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	} else {
		handles = e.ListActiveInstances()
	}

	snaps := make([]InstanceSnapshot, 0, len(handles))
	for _, h := range handles {
		s, err := e.Instance(ctx, h)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

func (e *Engine) isActive(h store.Handle) bool {
	e.m.RLock()
	defer e.m.RUnlock()
	_, ok := e.active[h]
	return ok
}

// activate adds h to the active set immediately and removes it again if txn
// rolls back. Adding it before the commit keeps Purge from ever seeing a
// committed active instance that is missing from the set.
func (e *Engine) activate(txn *store.Txn, h store.Handle) {
	e.m.Lock()
	e.active[h] = struct{}{}
	e.m.Unlock()

	txn.OnRollback(func() {
		e.deactivate(h)
	})
}

func (e *Engine) deactivate(h store.Handle) {
	e.m.Lock()
	delete(e.active, h)
	e.m.Unlock()
}

// processOf returns the handle of the process instance that owns node
// instance h.
func (e *Engine) processOf(ctx context.Context, h store.Handle) (store.Handle, error) {
	var proc store.Handle
	err := e.db.View(ctx, func(txn *store.Txn) error {
		n, err := e.nodes.Get(txn, h)
		if err != nil {
			return err
		}
		proc = n.Process
		return nil
	})
	return proc, err
}

// withNode runs fn against node instance h under its process instance's
// lock and returns the node's resulting state. If fn fails, the state the
// node had before fn ran is returned with the error.
func (e *Engine) withNode(
	ctx context.Context,
	h store.Handle,
	fn func(*op, *NodeInstance) error,
) (State, error) {
	proc, err := e.processOf(ctx, h)
	if err != nil {
		return 0, err
	}
	return e.withProcessNode(ctx, proc, h, fn)
}

func (e *Engine) withProcessNode(
	ctx context.Context,
	proc, h store.Handle,
	fn func(*op, *NodeInstance) error,
) (State, error) {
	var before, state State

	o, err := e.withInstance(ctx, proc, func(o *op) error {
		n, err := e.nodes.Get(o.txn, h)
		if err != nil {
			return err
		}
		if n.Process != proc {
			return &store.NotFoundError{Table: TableNodeInstances, Handle: h}
		}
		o.target = n
		before = n.State
		if err := fn(o, n); err != nil {
			return err
		}
		state = n.State
		return nil
	})
	if err != nil {
		return before, err
	}

	if o.targetDispatchErr != nil {
		return state, o.targetDispatchErr
	}
	return state, nil
}

// withInstance runs fn in a single transaction under the lock of process
// instance h, then saves the instance. Listener notifications are delivered
// after the lock is released.
func (e *Engine) withInstance(ctx context.Context, h store.Handle, fn func(*op) error) (*op, error) {
	unlock := e.locks.Lock(h)

	o := &op{e: e, ctx: ctx, now: e.now()}
	err := e.db.Update(ctx, func(txn *store.Txn) error {
		inst, err := e.instances.Get(txn, h)
		if err != nil {
			return err
		}
		m, err := e.models.Get(txn, inst.Model)
		if err != nil {
			return err
		}

		o.txn, o.inst, o.model = txn, inst, m
		if err := fn(o); err != nil {
			return err
		}
		return o.finish()
	})

	unlock()

	if err != nil {
		return o, err
	}

	e.notify(ctx, o)
	return o, nil
}

func (e *Engine) notify(ctx context.Context, o *op) {
	if o.retired {
		e.logger.Info("process retired",
			"instance", o.inst.Handle,
			"model", o.model.String(),
		)
		e.listener.InstanceRetired(ctx, o.inst.snapshot())
	}
}

// outcome returns the callback handed to the dispatcher for a task of node
// instance node. Outcomes for an earlier attempt are ignored.
func (e *Engine) outcome(proc, node store.Handle, attempt int) func(Outcome) {
	return func(out Outcome) {
		if out.Cancelled || e.closed.Load() {
			return
		}

		ctx := context.Background()
		_, err := e.withProcessNode(ctx, proc, node, func(o *op, n *NodeInstance) error {
			if n.Attempts != attempt {
				e.logger.Debug("ignoring outcome of superseded dispatch",
					"node", n.Handle,
					"attempt", attempt,
					"current", n.Attempts,
				)
				return nil
			}
			switch {
			case out.Err != nil && out.Retry:
				return o.failTaskCreation(n, out.Err.Error())
			case out.Err != nil:
				return o.failTask(n, out.Err.Error())
			default:
				return o.finishTask(n, out.Result)
			}
		})
		if err != nil {
			e.logger.Error("dispatch outcome not applied",
				"instance", proc,
				"node", node,
				"error", err,
			)
		}
	}
}
