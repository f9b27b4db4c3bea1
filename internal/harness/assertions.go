package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/value"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Type)
			if ev.Call != "" {
				fmt.Fprintf(&buf, " %s", ev.Call)
			}
			if ev.Node != "" {
				fmt.Fprintf(&buf, " %s", ev.Node)
			}
			if ev.Error != "" {
				fmt.Fprintf(&buf, " error=%q", ev.Error)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	want := a.Event
	if want == "" {
		want = EventDispatch
	}

	input, err := value.ObjectFrom(a.Input)
	if err != nil {
		return fmt.Errorf("trace_contains: invalid input: %w", err)
	}

	for _, ev := range trace {
		if ev.Type == want && ev.Node == a.Node && subset(ev.Input, input) {
			return nil
		}
	}

	expected := fmt.Sprintf("%s event for node %s", want, a.Node)
	if len(input) > 0 {
		expected += fmt.Sprintf(" with input %v", value.Plain(input))
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that nodes were first dispatched in the given
// order. Other dispatches may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int64)
	for _, ev := range trace {
		if ev.Type != EventDispatch {
			continue
		}
		if _, seen := positions[ev.Node]; !seen {
			positions[ev.Node] = ev.Seq
		}
	}

	for _, n := range a.Nodes {
		if _, ok := positions[n]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("dispatches of %v", a.Nodes),
				Actual:   fmt.Sprintf("%s was never dispatched", n),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Nodes); i++ {
		prev, curr := a.Nodes[i-1], a.Nodes[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("dispatch order %v", a.Nodes),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == EventDispatch && ev.Node == a.Node {
			count++
		}
	}

	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d dispatches of %s", a.Count, a.Node),
			Actual:   fmt.Sprintf("%d dispatches", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertNodeState(r *Result, a Assertion) error {
	want, err := engine.ParseState(a.State)
	if err != nil {
		return err
	}

	n, ok := r.latest(a.Node)
	if !ok {
		return &AssertionError{
			Type:     AssertNodeState,
			Expected: fmt.Sprintf("node %s in state %s", a.Node, want),
			Actual:   "node was never instantiated",
		}
	}

	if n.State != want {
		return &AssertionError{
			Type:     AssertNodeState,
			Expected: fmt.Sprintf("node %s in state %s", a.Node, want),
			Actual:   fmt.Sprintf("state %s (cause %q)", n.State, n.Cause),
		}
	}

	if a.Cause != "" && !strings.Contains(n.Cause, a.Cause) {
		return &AssertionError{
			Type:     AssertNodeState,
			Expected: fmt.Sprintf("node %s cause containing %q", a.Node, a.Cause),
			Actual:   fmt.Sprintf("cause %q", n.Cause),
		}
	}
	return nil
}

func assertInstanceStatus(r *Result, a Assertion) error {
	var want engine.Status
	if err := want.UnmarshalText([]byte(a.Status)); err != nil {
		return err
	}

	if r.Instance.Status != want {
		return &AssertionError{
			Type:     AssertInstanceStatus,
			Expected: fmt.Sprintf("instance %s", want),
			Actual:   fmt.Sprintf("instance %s", r.Instance.Status),
		}
	}
	return nil
}

func assertData(r *Result, a Assertion) error {
	want, err := value.ObjectFrom(a.Expect)
	if err != nil {
		return fmt.Errorf("data: invalid expect: %w", err)
	}

	if !subset(r.Instance.Data, want) {
		return &AssertionError{
			Type:     AssertData,
			Expected: fmt.Sprintf("data containing %v", value.Plain(want)),
			Actual:   fmt.Sprintf("%v", value.Plain(r.Instance.Data)),
		}
	}
	return nil
}

// subset reports whether every key of want is present in got with an equal
// value. Nested objects are matched as subsets too.
func subset(got, want value.Object) bool {
	for k, w := range want {
		g, ok := got[k]
		if !ok {
			return false
		}
		wo, wIsObj := w.(value.Object)
		gobj, gIsObj := g.(value.Object)
		if wIsObj && gIsObj {
			if !subset(gobj, wo) {
				return false
			}
			continue
		}
		if !equal(g, w) {
			return false
		}
	}
	return true
}

func equal(a, b value.Value) bool {
	ab, err := value.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := value.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// EvaluateAssertions checks every assertion against the result and returns
// the failure messages.
func EvaluateAssertions(r *Result, assertions []Assertion) []string {
	var errs []string

	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(r.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(r.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(r.Trace, a)
		case AssertNodeState:
			err = assertNodeState(r, a)
		case AssertInstanceStatus:
			err = assertInstanceStatus(r, a)
		case AssertData:
			err = assertData(r, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	return errs
}
