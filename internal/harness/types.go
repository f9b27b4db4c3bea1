package harness

import (
	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/value"
)

// Trace event types.
const (
	EventDispatch = "dispatch"
	EventWithdraw = "withdraw"
	EventOutcome  = "outcome"
	EventCall     = "call"
	EventRetired  = "retired"
)

// TraceEvent is one entry in a scenario trace.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`
	Node string `json:"node,omitempty"`

	// Call is the engine call for call events: finish, update or tickle.
	Call string `json:"call,omitempty"`

	Operation string       `json:"operation,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	Input     value.Object `json:"input,omitempty"`
	Result    value.Object `json:"result,omitempty"`
	State     string       `json:"state,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains the failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Instance is the final state of the process instance.
	Instance engine.InstanceSnapshot `json:"instance"`

	// Nodes holds every node instance in creation order.
	Nodes []engine.NodeSnapshot `json:"nodes"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// record appends e to the trace, numbering it.
func (r *Result) record(e TraceEvent) {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
}

// latest returns the most recently created instance of the node with the
// given ID.
func (r *Result) latest(nodeID string) (engine.NodeSnapshot, bool) {
	for i := len(r.Nodes) - 1; i >= 0; i-- {
		if r.Nodes[i].NodeID == nodeID {
			return r.Nodes[i], true
		}
	}
	return engine.NodeSnapshot{}, false
}
