package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/engine"
)

const reviewModel = `
name: review
nodes:
  - {id: start, kind: start, next: [check]}
  - id: check
    kind: activity
    operation: review.check
    results:
      - {name: score, path: score}
    next: [gate]
  - {id: gate, kind: activity, operation: review.gate, condition: "score > 5", next: [end]}
  - {id: end, kind: end}
`

// writeModel writes a model source into a temp dir and returns its path.
func writeModel(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func run(t *testing.T, s *Scenario) *Result {
	t.Helper()
	r, err := Run(context.Background(), s)
	require.NoError(t, err)
	return r
}

func TestRun_ConditionSkipsNode(t *testing.T) {
	r := run(t, &Scenario{
		Name:  "condition",
		Model: writeModel(t, reviewModel),
		Steps: []Step{
			{Complete: "check", Result: map[string]any{"score": 3}},
		},
		Assertions: []Assertion{
			{Type: AssertNodeState, Node: "gate", State: "cancelled", Cause: "condition not met"},
			{Type: AssertTraceCount, Node: "gate", Count: 0},
			{Type: AssertInstanceStatus, Status: "retired"},
			{Type: AssertData, Expect: map[string]any{"score": 3}},
		},
	})

	assert.True(t, r.Pass, "errors: %v", r.Errors)
	assert.Equal(t, engine.StatusRetired, r.Instance.Status)
	assert.Len(t, r.Nodes, 4)
}

func TestRun_ConditionStartsNode(t *testing.T) {
	r := run(t, &Scenario{
		Name:  "condition",
		Model: writeModel(t, reviewModel),
		Steps: []Step{
			{Complete: "check", Result: map[string]any{"score": 9}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceOrder, Nodes: []string{"check", "gate"}},
			{Type: AssertNodeState, Node: "gate", State: "sent"},
			{Type: AssertInstanceStatus, Status: "active"},
		},
	})

	assert.True(t, r.Pass, "errors: %v", r.Errors)
}

func TestRun_FailedTaskKeepsInstanceActive(t *testing.T) {
	r := run(t, &Scenario{
		Name:  "failed",
		Model: writeModel(t, reviewModel),
		Steps: []Step{
			{Fail: "check", Error: "reviewer quit"},
			{Advance: 10 * time.Minute},
			{Sweep: true},
		},
		Assertions: []Assertion{
			{Type: AssertNodeState, Node: "check", State: "failed", Cause: "reviewer quit"},
			{Type: AssertTraceCount, Node: "check", Count: 1},
			{Type: AssertInstanceStatus, Status: "active"},
		},
	})

	assert.True(t, r.Pass, "errors: %v", r.Errors)
}

func TestRun_EngineCalls(t *testing.T) {
	r := run(t, &Scenario{
		Name:  "calls",
		Model: writeModel(t, reviewModel),
		Steps: []Step{
			{Update: "check", State: "taken", Expect: &StepExpect{State: "taken"}},
			{Update: "check", State: "started"},
			{Update: "check", State: "complete", Expect: &StepExpect{Error: "completed by FinishTask"}},
			{Update: "check", State: "failretry", Expect: &StepExpect{State: "failretry"}},
			{Tickle: "check", Expect: &StepExpect{State: "sent"}},
			{Finish: "check", Result: map[string]any{"score": 1}},
			{Finish: "check", Result: map[string]any{"score": 8}, Expect: &StepExpect{State: "complete"}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Node: "check", Count: 2},
			{Type: AssertData, Expect: map[string]any{"score": 1}},
			{Type: AssertInstanceStatus, Status: "retired"},
		},
	})

	assert.True(t, r.Pass, "errors: %v", r.Errors)

	var calls []string
	for _, ev := range r.Trace {
		if ev.Type == EventCall {
			calls = append(calls, ev.Call+":"+ev.State)
		}
	}
	assert.Equal(t, []string{
		"update:Taken",
		"update:Started",
		"update:",
		"update:FailRetry",
		"tickle:Sent",
		"finish:Complete",
		"finish:Complete",
	}, calls)
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	r := run(t, &Scenario{
		Name:  "failing",
		Model: writeModel(t, reviewModel),
		Steps: []Step{
			{Complete: "gate"},
			{Tickle: "nowhere"},
			{Update: "check", State: "taken", Expect: &StepExpect{State: "started"}},
		},
		Assertions: []Assertion{
			{Type: AssertInstanceStatus, Status: "retired"},
			{Type: AssertTraceContains, Node: "check", Input: map[string]any{"score": 1}},
		},
	})

	assert.False(t, r.Pass)
	require.Len(t, r.Errors, 5)
	assert.Contains(t, r.Errors[0], `no pending task for node "gate"`)
	assert.Contains(t, r.Errors[1], `no instance of node "nowhere"`)
	assert.Contains(t, r.Errors[2], "expected state Started")
	assert.True(t, strings.HasPrefix(r.Errors[3], "assertions[0]"))
	assert.True(t, strings.HasPrefix(r.Errors[4], "assertions[1]"))
}

func TestRun_UnknownProcess(t *testing.T) {
	_, err := Run(context.Background(), &Scenario{
		Name:    "missing",
		Model:   "testdata/models/order.yaml",
		Process: "refund",
	})
	assert.ErrorContains(t, err, `no model named "refund"`)
}

func TestRun_AmbiguousModel(t *testing.T) {
	_, err := Run(context.Background(), &Scenario{
		Name:  "ambiguous",
		Model: "testdata/models/order.yaml",
	})
	assert.ErrorContains(t, err, "defines 2 models")
}

func TestRun_InvalidPayload(t *testing.T) {
	_, err := Run(context.Background(), &Scenario{
		Name:    "payload",
		Model:   writeModel(t, reviewModel),
		Payload: map[string]any{"ratio": 0.5},
	})
	assert.ErrorContains(t, err, "invalid payload")
}
