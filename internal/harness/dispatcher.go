package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/procflow/internal/engine"
)

// pendingTask is a task the scenario has not reported on yet.
type pendingTask struct {
	id   engine.DispatchID
	desc engine.TaskDescription
	done func(engine.Outcome)
}

// recorder is the dispatcher scenarios run against. It never runs tasks;
// steps report their outcomes. Every submission and withdrawal is traced.
type recorder struct {
	mu      sync.Mutex
	result  *Result
	seq     int
	pending []*pendingTask
}

func newRecorder(r *Result) *recorder {
	return &recorder{result: r}
}

func (d *recorder) Submit(_ context.Context, task engine.TaskDescription, done func(engine.Outcome)) (engine.DispatchID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	t := &pendingTask{
		id:   engine.DispatchID(fmt.Sprintf("task-%d", d.seq)),
		desc: task,
		done: done,
	}
	d.pending = append(d.pending, t)

	d.result.record(TraceEvent{
		Type:      EventDispatch,
		Node:      task.NodeID,
		Operation: task.Operation,
		Attempt:   task.Attempt,
		Input:     task.Input.Clone(),
	})
	return t.id, nil
}

func (d *recorder) Cancel(id engine.DispatchID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, t := range d.pending {
		if t.id == id {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			d.result.record(TraceEvent{Type: EventWithdraw, Node: t.desc.NodeID})
			go t.done(engine.Outcome{Cancelled: true})
			return true
		}
	}
	return false
}

// take removes and returns the most recent pending task of the node.
func (d *recorder) take(nodeID string) (*pendingTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := len(d.pending) - 1; i >= 0; i-- {
		if t := d.pending[i]; t.desc.NodeID == nodeID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return t, true
		}
	}
	return nil, false
}

// traced records e and returns its index in the trace.
func (d *recorder) traced(e TraceEvent) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.result.record(e)
	return len(d.result.Trace) - 1
}

// amend updates the traced event at index i.
func (d *recorder) amend(i int, fn func(*TraceEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.result.Trace[i])
}
