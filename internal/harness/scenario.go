package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/procflow/internal/engine"
)

// Scenario defines a process scenario: a model, the payload an instance is
// started with, the steps played against it and the assertions checked
// afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Model is the path of the model source, relative to the scenario file.
	Model string `yaml:"model"`

	// Process selects a model by name when the source defines several.
	Process string `yaml:"process,omitempty"`

	// Principal owns the started instance. Defaults to "harness".
	Principal string `yaml:"principal,omitempty"`

	Payload map[string]any `yaml:"payload,omitempty"`

	// RetryDelay is the constant delay before a FailRetry task is due.
	// Defaults to one second.
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action played against the running instance. Exactly one of
// Complete, Fail, Finish, Update, Tickle, Advance and Sweep is set.
type Step struct {
	// Complete reports success for the node's pending task.
	Complete string `yaml:"complete,omitempty"`

	// Fail reports Error for the node's pending task.
	Fail string `yaml:"fail,omitempty"`

	// Finish calls FinishTask on the node's latest instance.
	Finish string `yaml:"finish,omitempty"`

	// Update calls UpdateTaskState with State on the node's latest instance.
	Update string `yaml:"update,omitempty"`

	// Tickle calls Tickle on the node's latest instance.
	Tickle string `yaml:"tickle,omitempty"`

	Advance time.Duration `yaml:"advance,omitempty"`
	Sweep   bool          `yaml:"sweep,omitempty"`

	Result map[string]any `yaml:"result,omitempty"`
	Error  string         `yaml:"error,omitempty"`
	Retry  bool           `yaml:"retry,omitempty"`
	State  string         `yaml:"state,omitempty"`

	// Expect checks the outcome of an engine call. Without it any error fails
	// the scenario.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect describes the expected outcome of an engine call.
type StepExpect struct {
	// State is the node state the call should return.
	State string `yaml:"state,omitempty"`

	// Error is a substring of the error the call should fail with.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Node is the node ID (trace_contains, trace_count, node_state).
	Node string `yaml:"node,omitempty"`

	// Nodes is the expected dispatch order (trace_order).
	Nodes []string `yaml:"nodes,omitempty"`

	// Event is the trace event type (trace_contains). Defaults to dispatch.
	Event string `yaml:"event,omitempty"`

	// Input is matched against a dispatch's input as a subset
	// (trace_contains).
	Input map[string]any `yaml:"input,omitempty"`

	// Count is the expected number of dispatches (trace_count).
	Count int `yaml:"count,omitempty"`

	// State is the expected node state (node_state).
	State string `yaml:"state,omitempty"`

	// Cause is an optional substring of the node's cause (node_state).
	Cause string `yaml:"cause,omitempty"`

	// Status is the expected instance status (instance_status).
	Status string `yaml:"status,omitempty"`

	// Expect is matched against the process data as a subset (data).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertNodeState      = "node_state"
	AssertInstanceStatus = "instance_status"
	AssertData           = "data"
)

// LoadScenario reads and parses a scenario YAML file. The model path is
// resolved relative to the scenario file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if s.Model != "" && !filepath.IsAbs(s.Model) {
		s.Model = filepath.Join(filepath.Dir(path), s.Model)
	}

	if _, err := os.Stat(s.Model); err != nil {
		return nil, fmt.Errorf("invalid scenario: model file not found: %s", s.Model)
	}

	return s, nil
}

// ParseScenario parses and validates a scenario without touching the file
// system.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if s.Model == "" {
		return errors.New("model is required")
	}
	if s.RetryDelay < 0 {
		return errors.New("retry_delay must not be negative")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}

	return nil
}

func validateStep(s Step) error {
	actions := 0
	for _, set := range []bool{
		s.Complete != "",
		s.Fail != "",
		s.Finish != "",
		s.Update != "",
		s.Tickle != "",
		s.Advance != 0,
		s.Sweep,
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one of complete, fail, finish, update, tickle, advance, sweep is required (got %d)", actions)
	}

	switch {
	case s.Fail != "" && s.Error == "":
		return errors.New("fail requires error")
	case s.Update != "":
		if _, err := engine.ParseState(s.State); err != nil {
			return fmt.Errorf("update: %w", err)
		}
	case s.Advance < 0:
		return errors.New("advance must be positive")
	}

	if s.Expect != nil {
		if s.Complete != "" || s.Fail != "" || s.Advance != 0 || s.Sweep {
			return errors.New("expect applies only to finish, update and tickle")
		}
		if s.Expect.State != "" {
			if _, err := engine.ParseState(s.Expect.State); err != nil {
				return fmt.Errorf("expect: %w", err)
			}
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return errors.New("type is required")
	case AssertTraceContains:
		if a.Node == "" {
			return errors.New("node is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Nodes) == 0 {
			return errors.New("nodes list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Node == "" {
			return errors.New("node is required for trace_count")
		}
		if a.Count < 0 {
			return errors.New("count must be non-negative for trace_count")
		}
	case AssertNodeState:
		if a.Node == "" {
			return errors.New("node is required for node_state")
		}
		if _, err := engine.ParseState(a.State); err != nil {
			return fmt.Errorf("node_state: %w", err)
		}
	case AssertInstanceStatus:
		var st engine.Status
		if err := st.UnmarshalText([]byte(a.Status)); err != nil {
			return fmt.Errorf("instance_status: %w", err)
		}
	case AssertData:
		if len(a.Expect) == 0 {
			return errors.New("expect is required for data")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
