package engine

import (
	"slices"

	"github.com/roach88/procflow/internal/store"
)

// JoinState is the synchronization state of a join node instance.
type JoinState struct {
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Min       int `json:"min"`
	Max       int `json:"max"`

	// Expected is the number of predecessors of the join node.
	Expected int `json:"expected"`

	// Arrived holds the IDs of the predecessor nodes already counted.
	Arrived []string `json:"arrived,omitempty"`
}

// arrive counts an arrival from pred. It returns false if pred was already
// counted.
func (j *JoinState) arrive(pred string, completed bool) bool {
	if slices.Contains(j.Arrived, pred) {
		return false
	}
	j.Arrived = append(j.Arrived, pred)
	if completed {
		j.Completed++
	} else {
		j.Skipped++
	}
	return true
}

// ready reports whether the join fires. outstandingActive reports whether a
// predecessor that has not arrived yet may still do so.
func (j *JoinState) ready(outstandingActive bool) bool {
	switch {
	case j.Completed+j.Skipped >= j.Expected:
		return true
	case j.Completed >= j.Max:
		return true
	case j.Completed >= j.Min:
		return !outstandingActive
	default:
		return false
	}
}

// outstanding returns the predecessors in preds that have not arrived.
func (j *JoinState) outstanding(preds []string) []string {
	var out []string
	for _, p := range preds {
		if !slices.Contains(j.Arrived, p) {
			out = append(out, p)
		}
	}
	return out
}

func (j *JoinState) clone() *JoinState {
	if j == nil {
		return nil
	}
	c := *j
	c.Arrived = slices.Clone(j.Arrived)
	return &c
}

// arrive reports pred's arrival at the join node joinID. completed is false
// for a skipped predecessor. Arrivals at a join that has already fired are
// ignored.
func (o *op) arrive(joinID string, pred *NodeInstance, completed bool) error {
	if !o.inst.active() {
		return nil
	}
	if slices.Contains(o.inst.ClosedJoins, joinID) {
		o.e.logger.Debug("ignoring arrival at closed join",
			"instance", o.inst.Handle,
			"join", joinID,
			"predecessor", pred.Handle,
		)
		return nil
	}

	j, err := o.joinInstance(joinID, pred.Handle)
	if err != nil {
		return err
	}

	if !j.Join.arrive(pred.NodeID, completed) {
		return nil
	}
	if !slices.Contains(j.Predecessors, pred.Handle) {
		j.Predecessors = append(j.Predecessors, pred.Handle)
	}

	outstanding := j.Join.outstanding(o.model.Predecessors(joinID))
	active, err := o.outstandingActive(j, outstanding)
	if err != nil {
		return err
	}
	if !j.Join.ready(active) {
		return o.save(j)
	}
	return o.fire(j, outstanding)
}

// joinInstance returns the open instance of join node id, creating it on the
// first arrival.
func (o *op) joinInstance(id string, pred store.Handle) (*NodeInstance, error) {
	if h, ok := o.inst.Joins[id]; ok {
		return o.node(h)
	}

	j, err := o.create(id, []store.Handle{pred}, Pending, "")
	if err != nil {
		return nil, err
	}
	o.inst.Joins[id] = j.Handle
	o.inst.addThread(j.Handle)
	return j, nil
}

// outstandingActive reports whether an outstanding predecessor of join j is
// still under construction: an instance of it exists but is Pending, for
// example a join that is itself waiting for arrivals. Branches with tasks in
// flight are not waited for; they are withdrawn when j fires.
func (o *op) outstandingActive(j *NodeInstance, outstanding []string) (bool, error) {
	if len(outstanding) == 0 {
		return false, nil
	}
	for _, h := range o.inst.Threads {
		if h == j.Handle {
			continue
		}
		t, err := o.node(h)
		if err != nil {
			return false, err
		}
		if t.State == Pending && slices.Contains(outstanding, t.NodeID) {
			return true, nil
		}
	}
	return false, nil
}

// feeds reports whether node id is, or is upstream of, any node in targets.
func (o *op) feeds(id string, targets []string) bool {
	for _, p := range targets {
		if id == p || o.model.Reaches(id, p) {
			return true
		}
	}
	return false
}

// fire completes join j. Threads that can only lead into j through a
// predecessor that has not arrived are withdrawn.
func (o *op) fire(j *NodeInstance, outstanding []string) error {
	o.e.logger.Debug("join fired",
		"instance", o.inst.Handle,
		"join", j.NodeID,
		"completed", j.Join.Completed,
		"skipped", j.Join.Skipped,
	)

	if len(outstanding) > 0 {
		for _, h := range slices.Clone(o.inst.Threads) {
			if h == j.Handle {
				continue
			}
			t, err := o.node(h)
			if err != nil {
				return err
			}
			if !o.feeds(t.NodeID, outstanding) || !o.model.Funnels(t.NodeID, j.NodeID) {
				continue
			}
			if err := o.withdraw(t, "join "+j.NodeID+" fired"); err != nil {
				return err
			}
		}
	}

	o.inst.closeJoin(j.NodeID)
	return o.provideTask(j)
}
