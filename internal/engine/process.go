package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/roach88/procflow/internal/model"
	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/value"
)

// op is one mutating operation on a process instance. It lives for a single
// transaction and is only used while the instance's lock is held.
type op struct {
	e     *Engine
	ctx   context.Context
	txn   *store.Txn
	inst  *ProcessInstance
	model *model.Model
	now   time.Time

	// target is the node instance the operation was requested for.
	target            *NodeInstance
	targetDispatchErr error

	// dirty is set once anything has been written.
	dirty     bool
	retired   bool
	cancelled bool
}

// finish saves the process instance if the operation changed anything.
func (o *op) finish() error {
	if !o.dirty {
		return nil
	}

	o.inst.Updated = o.now
	if err := o.e.instances.Update(o.txn, o.inst); err != nil {
		return err
	}
	if !o.inst.active() {
		h := o.inst.Handle
		o.txn.OnCommit(func() {
			o.e.deactivate(h)
		})
	}
	return nil
}

func (o *op) node(h store.Handle) (*NodeInstance, error) {
	return o.e.nodes.Get(o.txn, h)
}

func (o *op) save(n *NodeInstance) error {
	o.dirty = true
	n.Updated = o.now
	return o.e.nodes.Update(o.txn, n)
}

// transition moves n to state to without persisting it. Entering Sent from
// any other state starts a new attempt.
func (o *op) transition(n *NodeInstance, to State) error {
	if !n.State.CanTransitionTo(to) {
		return &IllegalStateTransitionError{
			Node:   n.Handle,
			NodeID: n.NodeID,
			From:   n.State,
			To:     to,
		}
	}
	if to == Sent && n.State != Sent {
		n.Attempts++
	}
	n.State = to
	return nil
}

// create persists a new node instance for the node with the given ID.
func (o *op) create(id string, preds []store.Handle, s State, cause string) (*NodeInstance, error) {
	n := &NodeInstance{
		Handle:       store.NoHandle,
		Process:      o.inst.Handle,
		NodeID:       id,
		Predecessors: preds,
		State:        s,
		Cause:        cause,
		Created:      o.now,
		Updated:      o.now,
	}
	if o.model.Kind(id) == model.Join {
		min, max := o.model.JoinThresholds(id)
		n.Join = &JoinState{
			Min:      min,
			Max:      max,
			Expected: len(o.model.Predecessors(id)),
		}
	}

	o.dirty = true
	if _, err := o.e.nodes.Put(o.txn, n); err != nil {
		return nil, err
	}
	return n, nil
}

// start starts every start node.
func (o *op) start() error {
	for _, id := range o.model.StartNodes() {
		if err := o.startNode(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// startNode creates an instance of a non-join node reached from preds. A node
// whose condition is false is cancelled and its successors skipped.
func (o *op) startNode(id string, preds []store.Handle) error {
	if !o.inst.active() {
		return nil
	}

	if j, ok := o.deadBranch(id); ok {
		_, err := o.create(id, preds, Cancelled, "join "+j+" already fired")
		return err
	}

	n, err := o.create(id, preds, Pending, "")
	if err != nil {
		return err
	}

	def, _ := o.model.Node(id)
	if def.Condition != "" {
		ok, err := model.EvalCondition(def.Condition, o.inst.Data)
		if err != nil {
			o.e.logger.Warn("condition evaluation failed",
				"instance", o.inst.Handle,
				"node", id,
				"error", err,
			)
			n.State = Failed
			n.Cause = err.Error()
			o.inst.addThread(n.Handle)
			return o.save(n)
		}
		if !ok {
			n.State = Cancelled
			n.Cause = "condition not met"
			if err := o.save(n); err != nil {
				return err
			}
			return o.skip(n)
		}
	}

	o.inst.addThread(n.Handle)
	return o.provideTask(n)
}

// deadBranch reports whether every path from node id leads through a join
// that has already fired.
func (o *op) deadBranch(id string) (string, bool) {
	for _, j := range o.inst.ClosedJoins {
		if o.model.Funnels(id, j) {
			return j, true
		}
	}
	return "", false
}

// provideTask dispatches n's task. Structural nodes have no task and are
// completed immediately.
//
// A dispatcher error moves n to FailRetry with a retry time; the operation
// itself still succeeds.
func (o *op) provideTask(n *NodeInstance) error {
	def, _ := o.model.Node(n.NodeID)

	if def.Kind.Structural() {
		if err := o.transition(n, Complete); err != nil {
			return err
		}
		if err := o.save(n); err != nil {
			return err
		}
		return o.finishThread(n)
	}

	if err := o.transition(n, Sent); err != nil {
		return err
	}

	task := TaskDescription{
		Node:      n.Handle,
		Process:   o.inst.Handle,
		Principal: o.inst.Principal,
		NodeID:    n.NodeID,
		Operation: def.Operation,
		Input:     o.input(def),
		Attempt:   n.Attempts,
	}

	id, err := o.e.dispatcher.Submit(o.ctx, task, o.e.outcome(o.inst.Handle, n.Handle, n.Attempts))
	if err != nil {
		derr := NewDispatchFailure(n.Handle, def.Operation, err)
		if n == o.target {
			o.targetDispatchErr = derr
		}
		o.e.logger.Warn("dispatch failed",
			"instance", o.inst.Handle,
			"node", n.Handle,
			"operation", def.Operation,
			"attempt", n.Attempts,
			"error", err,
		)
		return o.failTaskCreation(n, derr.Error())
	}

	// The task is already on its way; withdraw it if the transaction that
	// recorded it is rolled back.
	o.txn.OnRollback(func() {
		o.e.dispatcher.Cancel(id)
	})

	n.DispatchID = id
	n.Cause = ""
	n.RetryAt = time.Time{}

	o.e.logger.Debug("task dispatched",
		"instance", o.inst.Handle,
		"node", n.Handle,
		"operation", def.Operation,
		"dispatch_id", id,
		"attempt", n.Attempts,
	)
	return o.save(n)
}

// input builds an activity's task input from the process data. Without an
// input mapping the task receives the whole process data.
func (o *op) input(def model.Node) value.Object {
	if len(def.Input) == 0 {
		return o.inst.Data.Clone()
	}

	in := make(value.Object, len(def.Input))
	for arg, path := range def.Input {
		v, ok := value.Lookup(o.inst.Data, path)
		if !ok {
			v = value.Null{}
		}
		in[arg] = value.Clone(v)
	}
	return in
}

// finishThread removes a completed node instance from the active threads and
// starts its successors.
func (o *op) finishThread(n *NodeInstance) error {
	o.inst.removeThread(n.Handle)

	if o.model.Kind(n.NodeID) == model.End {
		o.inst.arriveEnd(n.NodeID)
		return o.retireIfDone()
	}

	for _, s := range o.model.Successors(n.NodeID) {
		var err error
		if o.model.Kind(s) == model.Join {
			err = o.arrive(s, n, true)
		} else {
			err = o.startNode(s, []store.Handle{n.Handle})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// skip propagates a cancelled node instance to its successors. Successors
// other than joins are created Cancelled and skipped in turn; joins count a
// skipped arrival. A skipped end node still counts as reached.
func (o *op) skip(n *NodeInstance) error {
	if o.model.Kind(n.NodeID) == model.End {
		o.inst.arriveEnd(n.NodeID)
		return o.retireIfDone()
	}

	for _, s := range o.model.Successors(n.NodeID) {
		if !o.inst.active() {
			return nil
		}

		if o.model.Kind(s) == model.Join {
			if err := o.arrive(s, n, false); err != nil {
				return err
			}
			continue
		}

		c, err := o.create(s, []store.Handle{n.Handle}, Cancelled, "skipped")
		if err != nil {
			return err
		}
		if err := o.skip(c); err != nil {
			return err
		}
	}
	return nil
}

// retireIfDone retires the instance once every end node has been reached.
// Remaining threads are withdrawn.
func (o *op) retireIfDone() error {
	if !o.inst.active() || len(o.inst.EndArrivals) < o.model.EndNodeCount() {
		return nil
	}

	if err := o.withdrawAll("process retired"); err != nil {
		return err
	}

	o.inst.Status = StatusRetired
	o.retired = true
	o.dirty = true
	return nil
}

// withdrawAll withdraws every thread and closes every open join.
func (o *op) withdrawAll(cause string) error {
	for _, h := range slices.Clone(o.inst.Threads) {
		n, err := o.node(h)
		if err != nil {
			return err
		}
		if err := o.withdraw(n, cause); err != nil {
			return err
		}
	}
	for id := range o.inst.Joins {
		o.inst.closeJoin(id)
	}
	return nil
}

// withdraw removes n from the active threads and cancels it without skipping
// its successors. A dispatched task is cancelled once the transaction
// commits.
func (o *op) withdraw(n *NodeInstance, cause string) error {
	o.inst.removeThread(n.Handle)
	if n.Join != nil {
		o.inst.closeJoin(n.NodeID)
	}

	if n.State.Terminal() {
		return nil
	}

	inFlight := n.State.InFlight()
	if err := o.transition(n, Cancelled); err != nil {
		return err
	}
	n.Cause = cause
	if err := o.save(n); err != nil {
		return err
	}

	if inFlight && n.DispatchID != "" {
		o.cancelDispatch(n.DispatchID)
	}

	o.e.logger.Debug("node withdrawn",
		"instance", o.inst.Handle,
		"node", n.Handle,
		"node_id", n.NodeID,
		"cause", cause,
	)
	return nil
}

func (o *op) cancelDispatch(id DispatchID) {
	o.txn.OnCommit(func() {
		o.e.dispatcher.Cancel(id)
	})
}

// rejectJoin refuses a caller's request to move an open join node instance n
// to state to. A join changes state only through its predecessors' arrivals,
// unless it is cancelled. Requests on a finished join are left to the usual
// rules.
func rejectJoin(n *NodeInstance, to State) error {
	if n.Join == nil || to == Cancelled || n.State.Terminal() {
		return nil
	}
	return &IllegalStateTransitionError{
		Node:   n.Handle,
		NodeID: n.NodeID,
		From:   n.State,
		To:     to,
		Reason: "joins are completed by their predecessors",
	}
}

// send handles a request to move n to Sent.
func (o *op) send(n *NodeInstance) error {
	switch {
	case n.State == Sent:
		return nil
	case n.State.Retryable():
		return o.provideTask(n)
	default:
		return o.transition(n, Sent)
	}
}

// advance records a worker's progress on n.
func (o *op) advance(n *NodeInstance, to State) error {
	if err := o.transition(n, to); err != nil {
		return err
	}
	return o.save(n)
}

// tickle dispatches n again if it is Pending or FailRetry. Joins are only
// ever completed by arrivals.
func (o *op) tickle(n *NodeInstance) error {
	if !n.State.Retryable() || n.Join != nil || !o.inst.hasThread(n.Handle) {
		return nil
	}
	return o.provideTask(n)
}

// finishTask completes n with a task result. Finishing a terminal node
// instance does nothing.
func (o *op) finishTask(n *NodeInstance, payload value.Object) error {
	if n.State.Terminal() {
		o.e.logger.Info("ignoring completion of finished node",
			"instance", o.inst.Handle,
			"node", n.Handle,
			"node_id", n.NodeID,
			"state", n.State,
		)
		return nil
	}

	if err := o.transition(n, Complete); err != nil {
		return err
	}

	def, _ := o.model.Node(n.NodeID)
	for _, r := range def.Results {
		v, ok := value.Lookup(payload, r.Path)
		if !ok {
			continue
		}
		v = value.Clone(v)
		n.Values = append(n.Values, NamedValue{Name: r.Name, Value: v})
		o.inst.Data[r.Name] = v
	}

	if err := o.save(n); err != nil {
		return err
	}

	o.e.logger.Debug("task finished",
		"instance", o.inst.Handle,
		"node", n.Handle,
		"node_id", n.NodeID,
		"values", len(n.Values),
	)
	return o.finishThread(n)
}

// cancelTask cancels n at a caller's request and skips its successors.
func (o *op) cancelTask(n *NodeInstance) error {
	inFlight := n.State.InFlight()
	if err := o.transition(n, Cancelled); err != nil {
		return err
	}
	n.Cause = "cancelled"
	if err := o.save(n); err != nil {
		return err
	}
	if inFlight && n.DispatchID != "" {
		o.cancelDispatch(n.DispatchID)
	}

	o.inst.removeThread(n.Handle)
	if n.Join != nil {
		o.inst.closeJoin(n.NodeID)
	}
	return o.skip(n)
}

// failTask marks n Failed. The node instance stays among the threads until
// a join fires over it or the instance ends.
func (o *op) failTask(n *NodeInstance, cause string) error {
	if err := o.transition(n, Failed); err != nil {
		return err
	}
	n.Cause = cause
	o.e.logger.Warn("task failed",
		"instance", o.inst.Handle,
		"node", n.Handle,
		"node_id", n.NodeID,
		"cause", cause,
	)
	return o.save(n)
}

// failTaskCreation moves n to FailRetry and schedules its retry.
func (o *op) failTaskCreation(n *NodeInstance, cause string) error {
	if err := o.transition(n, FailRetry); err != nil {
		return err
	}
	n.Cause = cause

	attempt := uint(0)
	if n.Attempts > 0 {
		attempt = uint(n.Attempts - 1)
	}
	n.RetryAt = o.now.Add(o.e.backoff(errors.New(cause), attempt))

	return o.save(n)
}
