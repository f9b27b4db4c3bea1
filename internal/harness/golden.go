package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/procflow/internal/value"
)

// Snapshot renders the parts of a result that golden files pin down: the
// trace, the instance status and the final state of every node instance.
// Keys are sorted and the output is indented, so snapshots diff cleanly.
func Snapshot(name string, r *Result) ([]byte, error) {
	trace := make(value.Array, len(r.Trace))
	for i, ev := range r.Trace {
		trace[i] = traceObject(ev)
	}

	nodes := make(value.Array, len(r.Nodes))
	for i, n := range r.Nodes {
		obj := value.Object{
			"node":     value.String(n.NodeID),
			"state":    value.String(n.State.String()),
			"attempts": value.Int(n.Attempts),
		}
		if n.Cause != "" {
			obj["cause"] = value.String(n.Cause)
		}
		nodes[i] = obj
	}

	snap := value.Object{
		"scenario": value.String(name),
		"status":   value.String(r.Instance.Status.String()),
		"trace":    trace,
		"nodes":    nodes,
	}

	raw, err := value.Marshal(snap)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func traceObject(ev TraceEvent) value.Object {
	obj := value.Object{
		"seq":  value.Int(ev.Seq),
		"type": value.String(ev.Type),
	}
	if ev.Node != "" {
		obj["node"] = value.String(ev.Node)
	}
	if ev.Call != "" {
		obj["call"] = value.String(ev.Call)
	}
	if ev.Operation != "" {
		obj["operation"] = value.String(ev.Operation)
	}
	if ev.Attempt != 0 {
		obj["attempt"] = value.Int(ev.Attempt)
	}
	if len(ev.Input) > 0 {
		obj["input"] = ev.Input
	}
	if len(ev.Result) > 0 {
		obj["result"] = ev.Result
	}
	if ev.State != "" {
		obj["state"] = value.String(ev.State)
	}
	if ev.Error != "" {
		obj["error"] = value.String(ev.Error)
	}
	return obj
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/<scenario name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	r, err := Run(context.Background(), s, opts...)
	if err != nil {
		return nil, err
	}
	return r, AssertGolden(t, s.Name, r)
}

// AssertGolden compares an existing result's snapshot against a golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, name string, r *Result) error {
	t.Helper()

	data, err := Snapshot(name, r)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
