package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/value"
)

func sampleResult() *Result {
	r := NewResult()
	r.record(TraceEvent{Type: EventDispatch, Node: "charge", Input: value.Object{"amount": value.Int(42)}})
	r.record(TraceEvent{Type: EventDispatch, Node: "ship"})
	r.record(TraceEvent{Type: EventOutcome, Node: "charge", Error: "declined"})
	r.record(TraceEvent{Type: EventDispatch, Node: "charge", Attempt: 2})
	r.record(TraceEvent{Type: EventWithdraw, Node: "ship"})

	r.Instance = engine.InstanceSnapshot{
		Status: engine.StatusActive,
		Data: value.Object{
			"order":   value.Object{"total": value.Int(42), "currency": value.String("EUR")},
			"receipt": value.String("rcpt-1"),
		},
	}
	r.Nodes = []engine.NodeSnapshot{
		{NodeID: "charge", State: engine.FailRetry, Cause: "declined"},
		{NodeID: "ship", State: engine.Cancelled, Cause: "join merge fired"},
		{NodeID: "charge", State: engine.Sent},
	}
	return r
}

func TestEvaluateAssertions(t *testing.T) {
	tests := []struct {
		name string
		a    Assertion
		pass bool
	}{
		{"contains dispatch", Assertion{Type: AssertTraceContains, Node: "ship"}, true},
		{"contains input subset", Assertion{Type: AssertTraceContains, Node: "charge", Input: map[string]any{"amount": 42}}, true},
		{"contains wrong input", Assertion{Type: AssertTraceContains, Node: "charge", Input: map[string]any{"amount": 7}}, false},
		{"contains withdraw", Assertion{Type: AssertTraceContains, Node: "ship", Event: EventWithdraw}, true},
		{"contains missing withdraw", Assertion{Type: AssertTraceContains, Node: "charge", Event: EventWithdraw}, false},
		{"order", Assertion{Type: AssertTraceOrder, Nodes: []string{"charge", "ship"}}, true},
		{"order reversed", Assertion{Type: AssertTraceOrder, Nodes: []string{"ship", "charge"}}, false},
		{"order missing", Assertion{Type: AssertTraceOrder, Nodes: []string{"charge", "merge"}}, false},
		{"count", Assertion{Type: AssertTraceCount, Node: "charge", Count: 2}, true},
		{"count wrong", Assertion{Type: AssertTraceCount, Node: "ship", Count: 2}, false},
		{"count zero", Assertion{Type: AssertTraceCount, Node: "merge", Count: 0}, true},
		{"latest state", Assertion{Type: AssertNodeState, Node: "charge", State: "sent"}, true},
		{"earlier state", Assertion{Type: AssertNodeState, Node: "charge", State: "failretry"}, false},
		{"cause", Assertion{Type: AssertNodeState, Node: "ship", State: "cancelled", Cause: "merge fired"}, true},
		{"wrong cause", Assertion{Type: AssertNodeState, Node: "ship", State: "cancelled", Cause: "skipped"}, false},
		{"never instantiated", Assertion{Type: AssertNodeState, Node: "merge", State: "pending"}, false},
		{"status", Assertion{Type: AssertInstanceStatus, Status: "active"}, true},
		{"wrong status", Assertion{Type: AssertInstanceStatus, Status: "retired"}, false},
		{"data nested subset", Assertion{Type: AssertData, Expect: map[string]any{"order": map[string]any{"total": 42}}}, true},
		{"data mismatch", Assertion{Type: AssertData, Expect: map[string]any{"receipt": "rcpt-2"}}, false},
		{"data missing key", Assertion{Type: AssertData, Expect: map[string]any{"refund": true}}, false},
		{"unknown type", Assertion{Type: "final_state"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.a})
			if tt.pass {
				assert.Empty(t, errs)
			} else {
				assert.Len(t, errs, 1)
			}
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	r := sampleResult()
	errs := EvaluateAssertions(r, []Assertion{{Type: AssertTraceCount, Node: "ship", Count: 3}})
	require.Len(t, errs, 1)

	assert.Contains(t, errs[0], "Assertion failed: trace_count")
	assert.Contains(t, errs[0], "Expected: 3 dispatches of ship")
	assert.Contains(t, errs[0], "Actual: 1 dispatches")
	assert.Contains(t, errs[0], `[3] outcome charge error="declined"`)
}

func TestSubset(t *testing.T) {
	got := value.Object{
		"a": value.Int(1),
		"b": value.Array{value.String("x")},
		"c": value.Object{"d": value.Bool(true), "e": value.Null{}},
	}

	assert.True(t, subset(got, value.Object{}))
	assert.True(t, subset(got, value.Object{"b": value.Array{value.String("x")}}))
	assert.True(t, subset(got, value.Object{"c": value.Object{"e": value.Null{}}}))
	assert.False(t, subset(got, value.Object{"b": value.Array{}}))
	assert.False(t, subset(got, value.Object{"c": value.Int(1)}))
	assert.False(t, subset(nil, value.Object{"a": value.Int(1)}))
}
