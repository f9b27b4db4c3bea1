package model

import (
	"fmt"
	"slices"

	"cuelang.org/go/cue/parser"
)

// validate returns every violation found in m's nodes. It does not fail fast.
// On success it populates m.index.
func validate(m *Model) []Violation {
	var vs []Violation
	add := func(code, node, format string, args ...any) {
		vs = append(vs, Violation{Code: code, Node: node, Message: fmt.Sprintf(format, args...)})
	}

	if m.name == "" {
		add(ErrEmptyName, "", "model name is required")
	}

	for i, n := range m.nodes {
		if n.ID == "" {
			add(ErrEmptyName, "", "node %d has no ID", i)
			continue
		}
		if _, dup := m.index[n.ID]; dup {
			add(ErrDuplicateNode, n.ID, "node declared more than once")
			continue
		}
		m.index[n.ID] = i
	}

	var starts, ends int
	for _, n := range m.nodes {
		if n.ID == "" {
			continue
		}
		vs = append(vs, validateNode(m, n)...)

		switch n.Kind {
		case Start:
			starts++
		case End:
			ends++
		}
	}

	if starts == 0 {
		add(ErrNoStart, "", "model has no start node")
	}
	if ends == 0 {
		add(ErrNoEnd, "", "model has no end node")
	}

	// Cycle detection is only meaningful once every edge resolves.
	if len(vs) == 0 {
		for _, scc := range cycles(m.nodes) {
			add(ErrCycle, scc[0], "cycle through %v", scc)
		}
	}

	return vs
}

func validateNode(m *Model, n Node) []Violation {
	var vs []Violation
	add := func(code, format string, args ...any) {
		vs = append(vs, Violation{Code: code, Node: n.ID, Message: fmt.Sprintf(format, args...)})
	}

	if _, ok := kindNames[n.Kind]; !ok {
		add(ErrInvalidKind, "unknown node kind %d", int(n.Kind))
		return vs
	}

	// Edges must resolve and be declared on both ends.
	for _, p := range n.Predecessors {
		i, ok := m.index[p]
		if !ok {
			add(ErrUnknownNode, "predecessor %q is not declared", p)
		} else if !slices.Contains(m.nodes[i].Successors, n.ID) {
			add(ErrAsymmetricEdge, "predecessor %q does not list %q as a successor", p, n.ID)
		}
	}
	for _, s := range n.Successors {
		i, ok := m.index[s]
		if !ok {
			add(ErrUnknownNode, "successor %q is not declared", s)
		} else if !slices.Contains(m.nodes[i].Predecessors, n.ID) {
			add(ErrAsymmetricEdge, "successor %q does not list %q as a predecessor", s, n.ID)
		}
	}
	if hasDuplicates(n.Predecessors) || hasDuplicates(n.Successors) {
		add(ErrAsymmetricEdge, "edge declared more than once")
	}

	switch {
	case n.Kind == Start && len(n.Predecessors) > 0:
		add(ErrStartPredecessor, "start node must not have predecessors")
	case n.Kind != Start && len(n.Predecessors) == 0:
		add(ErrMissingPredecessor, "%s node must have a predecessor", n.Kind)
	case n.Kind != Join && len(n.Predecessors) > 1:
		add(ErrTooManyPredecessors, "only join nodes may have more than one predecessor")
	}

	switch {
	case n.Kind == End && len(n.Successors) > 0:
		add(ErrEndSuccessor, "end node must not have successors")
	case n.Kind != End && len(n.Successors) == 0:
		add(ErrMissingSuccessor, "%s node must have a successor", n.Kind)
	case n.Kind != Split && len(n.Successors) > 1:
		add(ErrTooManySuccessors, "only split nodes may have more than one successor")
	}

	if n.Kind == Activity {
		if n.Operation == "" {
			add(ErrMissingOperation, "activity must name an operation")
		}
		for _, r := range n.Results {
			if r.Name == "" {
				add(ErrInvalidResult, "result extractor for path %q has no name", r.Path)
			}
		}
	} else if n.Operation != "" || len(n.Input) > 0 || len(n.Results) > 0 {
		add(ErrMisplacedTaskField, "%s node must not declare an operation, input or results", n.Kind)
	}

	if n.Kind == Join {
		min, max := thresholds(n)
		if min <= 0 || min > max || max > len(n.Predecessors) || n.Min < 0 || n.Max < 0 {
			add(ErrInvalidThresholds,
				"thresholds must satisfy 0 < min <= max <= %d, got min=%d max=%d",
				len(n.Predecessors), min, max)
		}
	} else if n.Min != 0 || n.Max != 0 {
		add(ErrMisplacedThresholds, "only join nodes may declare min or max")
	}

	if n.Condition != "" {
		if n.Kind == Start {
			add(ErrInvalidCondition, "start nodes are unconditional")
		} else if _, err := parser.ParseExpr(n.ID, n.Condition); err != nil {
			add(ErrInvalidCondition, "condition does not parse: %v", err)
		}
	}

	return vs
}

func hasDuplicates(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}
