package engine

import (
	"slices"
	"time"

	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/value"
)

// NamedValue is a value produced by a completed activity.
type NamedValue struct {
	Name  string
	Value value.Value
}

// NodeInstance is the execution record of one node occurrence inside one
// process instance.
//
// Node instances refer to each other by handle only. Instances returned from
// the store are shared; they are mutated only by the engine while it holds the
// owning process instance's lock.
type NodeInstance struct {
	Handle  store.Handle
	Process store.Handle
	NodeID  string

	// Predecessors are the handles of the node instances whose completion (or
	// skip) created or reached this one, in arrival order.
	Predecessors []store.Handle

	State    State
	Attempts int
	Cause    string

	// DispatchID is the dispatcher's handle for the latest submission.
	DispatchID DispatchID

	// RetryAt is the earliest time a sweep retries a FailRetry node.
	RetryAt time.Time

	Values []NamedValue

	// Join is non-nil for join node instances.
	Join *JoinState

	Created time.Time
	Updated time.Time
}

func (n *NodeInstance) snapshot() NodeSnapshot {
	s := NodeSnapshot{
		Handle:       n.Handle,
		Process:      n.Process,
		NodeID:       n.NodeID,
		Predecessors: slices.Clone(n.Predecessors),
		State:        n.State,
		Attempts:     n.Attempts,
		Cause:        n.Cause,
		DispatchID:   n.DispatchID,
		Join:         n.Join.clone(),
		Created:      n.Created,
		Updated:      n.Updated,
	}
	if !n.RetryAt.IsZero() {
		t := n.RetryAt
		s.RetryAt = &t
	}
	if len(n.Values) > 0 {
		s.Values = make(value.Object, len(n.Values))
		for _, v := range n.Values {
			s.Values[v.Name] = value.Clone(v.Value)
		}
	}
	return s
}
