package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// document is the authoring and storage form of a model. Predecessors are not
// written; they are derived from each node's successor list.
type document struct {
	Name    string    `json:"name" yaml:"name"`
	Version int       `json:"version,omitempty" yaml:"version,omitempty"`
	Nodes   []nodeDoc `json:"nodes" yaml:"nodes"`
}

type nodeDoc struct {
	ID        string            `json:"id,omitempty" yaml:"id"`
	Kind      string            `json:"kind" yaml:"kind"`
	Operation string            `json:"operation,omitempty" yaml:"operation,omitempty"`
	Input     map[string]string `json:"input,omitempty" yaml:"input,omitempty"`
	Results   []resultDoc       `json:"results,omitempty" yaml:"results,omitempty"`
	Condition string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Min       int               `json:"min,omitempty" yaml:"min,omitempty"`
	Max       int               `json:"max,omitempty" yaml:"max,omitempty"`
	Next      []string          `json:"next,omitempty" yaml:"next,omitempty"`
}

type resultDoc struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

func (d nodeDoc) node() (Node, error) {
	k, err := ParseNodeKind(d.Kind)
	if err != nil {
		return Node{}, &IllegalModelError{
			Violations: []Violation{{Code: ErrInvalidKind, Node: d.ID, Message: err.Error()}},
		}
	}

	n := Node{
		ID:         d.ID,
		Kind:       k,
		Operation:  d.Operation,
		Input:      d.Input,
		Condition:  d.Condition,
		Min:        d.Min,
		Max:        d.Max,
		Successors: d.Next,
	}
	for _, r := range d.Results {
		n.Results = append(n.Results, ResultExtractor(r))
	}
	return n, nil
}

func (d document) build() (*Model, error) {
	version := d.Version
	if version == 0 {
		version = 1
	}

	var nodes []Node
	for _, nd := range d.Nodes {
		n, err := nd.node()
		if err != nil {
			if e, ok := err.(*IllegalModelError); ok {
				e.Model = d.Name
			}
			return nil, err
		}
		nodes = append(nodes, n)
	}

	return New(d.Name, version, Connect(nodes))
}

func toDocument(m *Model) document {
	d := document{Name: m.name, Version: m.version}
	for _, n := range m.nodes {
		nd := nodeDoc{
			ID:        n.ID,
			Kind:      n.Kind.String(),
			Operation: n.Operation,
			Input:     n.Input,
			Condition: n.Condition,
			Next:      n.Successors,
		}
		if n.Kind == Join {
			nd.Min, nd.Max = n.Min, n.Max
		}
		for _, r := range n.Results {
			nd.Results = append(nd.Results, resultDoc(r))
		}
		d.Nodes = append(d.Nodes, nd)
	}
	return d
}

// MarshalJSON encodes the model's definition. The handle is not included.
func (m *Model) MarshalJSON() ([]byte, error) {
	return json.Marshal(toDocument(m))
}

// Unmarshal decodes and validates a model encoded by MarshalJSON.
func Unmarshal(data []byte) (*Model, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var d document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return d.build()
}
