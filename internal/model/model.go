package model

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/procflow/internal/store"
)

// NodeKind is the kind of a node in a process model.
type NodeKind int

const (
	Start NodeKind = iota + 1
	Activity
	Split
	Join
	End
)

var kindNames = map[NodeKind]string{
	Start:    "start",
	Activity: "activity",
	Split:    "split",
	Join:     "join",
	End:      "end",
}

func (k NodeKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// ParseNodeKind parses the lower-case name of a node kind.
func ParseNodeKind(s string) (NodeKind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown node kind %q", s)
}

// Structural reports whether nodes of this kind complete without a task.
func (k NodeKind) Structural() bool {
	return k != Activity
}

// ResultExtractor produces a named value from an activity's result payload.
type ResultExtractor struct {
	// Name is the process data key the value is produced under.
	Name string

	// Path is a dot path into the result payload. An empty path selects the
	// whole payload.
	Path string
}

// Node is a single node definition.
type Node struct {
	ID   string
	Kind NodeKind

	// Operation is the task operation an activity is dispatched as.
	Operation string

	// Input maps task argument names to process data paths.
	Input map[string]string

	// Results extract produced values from an activity's result payload.
	Results []ResultExtractor

	// Condition is an optional CUE boolean expression evaluated against the
	// process data before the node is started. False skips the node.
	Condition string

	// Min and Max are the firing thresholds of a join. Zero Max means the
	// predecessor count; zero Min means Max.
	Min, Max int

	Predecessors []string
	Successors   []string
}

func (n Node) clone() Node {
	n.Input = maps.Clone(n.Input)
	n.Results = slices.Clone(n.Results)
	n.Predecessors = slices.Clone(n.Predecessors)
	n.Successors = slices.Clone(n.Successors)
	return n
}

// Model is a validated, immutable process model.
type Model struct {
	handle  store.Handle
	name    string
	version int

	nodes  []Node
	index  map[string]int
	reach  map[string]map[string]struct{}
	starts []string
	ends   []string
}

// New builds a model from node definitions.
//
// Edges must be declared on both ends: if a lists b as a successor, b must
// list a as a predecessor. Use Connect to derive predecessors from successor
// lists. New fails with an *IllegalModelError if the graph is malformed.
func New(name string, version int, nodes []Node) (*Model, error) {
	m := &Model{
		handle:  store.NoHandle,
		name:    name,
		version: version,
		index:   make(map[string]int, len(nodes)),
	}

	for _, n := range nodes {
		m.nodes = append(m.nodes, n.clone())
	}

	if vs := validate(m); len(vs) > 0 {
		return nil, &IllegalModelError{Model: name, Violations: vs}
	}

	for i, n := range m.nodes {
		switch n.Kind {
		case Start:
			m.starts = append(m.starts, n.ID)
		case End:
			m.ends = append(m.ends, n.ID)
		case Join:
			min, max := thresholds(n)
			m.nodes[i].Min, m.nodes[i].Max = min, max
		}
	}
	m.reach = closure(m.nodes)

	return m, nil
}

// Connect returns a copy of nodes with each node's Predecessors derived from
// the Successors of the other nodes, in declaration order.
func Connect(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	pos := map[string]int{}

	for i, n := range nodes {
		out[i] = n.clone()
		out[i].Predecessors = nil
		pos[n.ID] = i
	}

	for _, n := range nodes {
		for _, s := range n.Successors {
			if i, ok := pos[s]; ok {
				out[i].Predecessors = append(out[i].Predecessors, n.ID)
			}
		}
	}
	return out
}

// Handle returns the handle assigned when the model was deployed, or
// store.NoHandle.
func (m *Model) Handle() store.Handle { return m.handle }

// SetHandle records the handle assigned when the model is deployed.
func (m *Model) SetHandle(h store.Handle) { m.handle = h }

// Name returns the model's name.
func (m *Model) Name() string { return m.name }

// Version returns the model's version.
func (m *Model) Version() int { return m.version }

// Node returns a copy of the node with the given ID.
func (m *Model) Node(id string) (Node, bool) {
	i, ok := m.index[id]
	if !ok {
		return Node{}, false
	}
	return m.nodes[i].clone(), true
}

// Kind returns the kind of the node with the given ID, or zero.
func (m *Model) Kind(id string) NodeKind {
	if i, ok := m.index[id]; ok {
		return m.nodes[i].Kind
	}
	return 0
}

// Nodes returns copies of every node in declaration order.
func (m *Model) Nodes() []Node {
	out := make([]Node, len(m.nodes))
	for i, n := range m.nodes {
		out[i] = n.clone()
	}
	return out
}

// StartNodes returns the IDs of the start nodes.
func (m *Model) StartNodes() []string { return slices.Clone(m.starts) }

// EndNodes returns the IDs of the end nodes.
func (m *Model) EndNodes() []string { return slices.Clone(m.ends) }

// EndNodeCount returns the number of end nodes. An instance retires once
// this many distinct end nodes have been reached.
func (m *Model) EndNodeCount() int { return len(m.ends) }

// Successors returns the IDs of id's successors.
func (m *Model) Successors(id string) []string {
	if i, ok := m.index[id]; ok {
		return slices.Clone(m.nodes[i].Successors)
	}
	return nil
}

// Predecessors returns the IDs of id's predecessors.
func (m *Model) Predecessors(id string) []string {
	if i, ok := m.index[id]; ok {
		return slices.Clone(m.nodes[i].Predecessors)
	}
	return nil
}

// JoinThresholds returns the effective firing thresholds of a join node.
func (m *Model) JoinThresholds(id string) (min, max int) {
	if i, ok := m.index[id]; ok && m.nodes[i].Kind == Join {
		return m.nodes[i].Min, m.nodes[i].Max
	}
	return 0, 0
}

// Reaches reports whether there is a non-empty path from one node to another.
func (m *Model) Reaches(from, to string) bool {
	_, ok := m.reach[from][to]
	return ok
}

// Funnels reports whether every path from one node to an end node passes
// through another. A node funnels into itself.
func (m *Model) Funnels(from, through string) bool {
	seen := map[string]bool{}

	var visit func(string) bool
	visit = func(id string) bool {
		if id == through {
			return true
		}
		if r, ok := seen[id]; ok {
			return r
		}
		i, ok := m.index[id]
		if !ok || len(m.nodes[i].Successors) == 0 {
			seen[id] = false
			return false
		}
		r := true
		for _, s := range m.nodes[i].Successors {
			if !visit(s) {
				r = false
				break
			}
		}
		seen[id] = r
		return r
	}

	return visit(from)
}

// Revise returns a new, undeployed version of the model built from nodes.
func (m *Model) Revise(nodes []Node) (*Model, error) {
	return New(m.name, m.version+1, nodes)
}

func (m *Model) String() string {
	return fmt.Sprintf("%s@v%d", m.name, m.version)
}

// thresholds returns a join's firing thresholds with defaults applied.
func thresholds(n Node) (min, max int) {
	max = n.Max
	if max == 0 {
		max = len(n.Predecessors)
	}
	min = n.Min
	if min == 0 {
		min = max
	}
	return min, max
}
