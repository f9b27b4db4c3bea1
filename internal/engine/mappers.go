package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/procflow/internal/model"
	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/value"
)

// Table names used by the engine.
const (
	TableModels           = "models"
	TableProcessInstances = "process_instances"
	TableNodeInstances    = "node_instances"
	TableNodePredecessors = "node_predecessors"
	TableNodeValues       = "node_values"
)

// Schema is the storage schema the engine requires of its backend.
var Schema = store.Schema{
	Tables: []store.TableSpec{
		{Name: TableModels},
		{Name: TableProcessInstances},
		{
			Name:     TableNodeInstances,
			Children: []string{TableNodePredecessors, TableNodeValues},
		},
	},
}

type modelMapper struct {
	store.NoHooks[*model.Model]
}

func (modelMapper) Table() string { return TableModels }
func (modelMapper) Handle(m *model.Model) store.Handle { return m.Handle() }
func (modelMapper) SetHandle(m *model.Model, h store.Handle) { m.SetHandle(h) }

func (modelMapper) Encode(m *model.Model) ([]byte, []byte, error) {
	fixed, err := m.MarshalJSON()
	return fixed, []byte("{}"), err
}

func (modelMapper) Decode(h store.Handle, fixed, _ []byte) (*model.Model, error) {
	m, err := model.Unmarshal(fixed)
	if err != nil {
		return nil, err
	}
	m.SetHandle(h)
	return m, nil
}

type instanceFixed struct {
	Model     store.Handle `json:"model"`
	Principal string       `json:"principal"`
	Created   time.Time    `json:"created"`
}

type instanceData struct {
	Status      Status                  `json:"status"`
	Data        value.Object            `json:"data"`
	Threads     []store.Handle          `json:"threads"`
	EndArrivals []string                `json:"end_arrivals"`
	Joins       map[string]store.Handle `json:"joins"`
	ClosedJoins []string                `json:"closed_joins"`
	Updated     time.Time               `json:"updated"`
}

// instanceMapper persists process instances. Removing an instance removes
// its node instances.
type instanceMapper struct {
	nodes *store.Entities[*NodeInstance]
}

func (*instanceMapper) Table() string { return TableProcessInstances }
func (*instanceMapper) Handle(p *ProcessInstance) store.Handle { return p.Handle }
func (*instanceMapper) SetHandle(p *ProcessInstance, h store.Handle) { p.Handle = h }

func (*instanceMapper) Encode(p *ProcessInstance) ([]byte, []byte, error) {
	fixed, err := json.Marshal(instanceFixed{
		Model:     p.Model,
		Principal: p.Principal,
		Created:   p.Created,
	})
	if err != nil {
		return nil, nil, err
	}

	data, err := json.Marshal(instanceData{
		Status:      p.Status,
		Data:        p.Data,
		Threads:     p.Threads,
		EndArrivals: p.EndArrivals,
		Joins:       p.Joins,
		ClosedJoins: p.ClosedJoins,
		Updated:     p.Updated,
	})
	return fixed, data, err
}

func (*instanceMapper) Decode(h store.Handle, fixed, data []byte) (*ProcessInstance, error) {
	var f instanceFixed
	if err := json.Unmarshal(fixed, &f); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	var d instanceData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}

	p := &ProcessInstance{
		Handle:      h,
		Model:       f.Model,
		Principal:   f.Principal,
		Data:        d.Data,
		Threads:     d.Threads,
		EndArrivals: d.EndArrivals,
		Joins:       d.Joins,
		ClosedJoins: d.ClosedJoins,
		Status:      d.Status,
		Created:     f.Created,
		Updated:     d.Updated,
	}
	if p.Data == nil {
		p.Data = value.Object{}
	}
	if p.Joins == nil {
		p.Joins = map[string]store.Handle{}
	}
	return p, nil
}

func (*instanceMapper) AfterLoad(*store.Txn, *ProcessInstance) error { return nil }
func (*instanceMapper) AfterWrite(*store.Txn, *ProcessInstance) error { return nil }

func (m *instanceMapper) BeforeDelete(txn *store.Txn, h store.Handle) error {
	_, err := m.nodes.Clear(txn, func(n *NodeInstance) bool {
		return n.Process == h
	})
	return err
}

type nodeFixed struct {
	Process store.Handle `json:"process"`
	NodeID  string       `json:"node"`
	Created time.Time    `json:"created"`
}

type nodeData struct {
	State      State      `json:"state"`
	Attempts   int        `json:"attempts"`
	Cause      string     `json:"cause,omitempty"`
	DispatchID DispatchID `json:"dispatch_id,omitempty"`
	RetryAt    *time.Time `json:"retry_at,omitempty"`
	Join       *JoinState `json:"join,omitempty"`
	Updated    time.Time  `json:"updated"`
}

// nodeMapper persists node instances. Predecessor handles and produced values
// are kept in child tables and rewritten on every write.
type nodeMapper struct{}

func (nodeMapper) Table() string { return TableNodeInstances }
func (nodeMapper) Handle(n *NodeInstance) store.Handle { return n.Handle }
func (nodeMapper) SetHandle(n *NodeInstance, h store.Handle) { n.Handle = h }

func (nodeMapper) Encode(n *NodeInstance) ([]byte, []byte, error) {
	fixed, err := json.Marshal(nodeFixed{
		Process: n.Process,
		NodeID:  n.NodeID,
		Created: n.Created,
	})
	if err != nil {
		return nil, nil, err
	}

	d := nodeData{
		State:      n.State,
		Attempts:   n.Attempts,
		Cause:      n.Cause,
		DispatchID: n.DispatchID,
		Join:       n.Join,
		Updated:    n.Updated,
	}
	if !n.RetryAt.IsZero() {
		d.RetryAt = &n.RetryAt
	}
	data, err := json.Marshal(d)
	return fixed, data, err
}

func (nodeMapper) Decode(h store.Handle, fixed, data []byte) (*NodeInstance, error) {
	var f nodeFixed
	if err := json.Unmarshal(fixed, &f); err != nil {
		return nil, fmt.Errorf("decode node instance: %w", err)
	}
	var d nodeData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode node instance: %w", err)
	}

	n := &NodeInstance{
		Handle:     h,
		Process:    f.Process,
		NodeID:     f.NodeID,
		State:      d.State,
		Attempts:   d.Attempts,
		Cause:      d.Cause,
		DispatchID: d.DispatchID,
		Join:       d.Join,
		Created:    f.Created,
		Updated:    d.Updated,
	}
	if d.RetryAt != nil {
		n.RetryAt = *d.RetryAt
	}
	return n, nil
}

func (nodeMapper) AfterLoad(txn *store.Txn, n *NodeInstance) error {
	preds, err := txn.Children(TableNodePredecessors, n.Handle)
	if err != nil {
		return err
	}
	for _, row := range preds {
		h, err := store.ParseHandle(string(row))
		if err != nil {
			return err
		}
		n.Predecessors = append(n.Predecessors, h)
	}

	values, err := txn.Children(TableNodeValues, n.Handle)
	if err != nil {
		return err
	}
	for _, row := range values {
		obj, err := value.UnmarshalObject(row)
		if err != nil {
			return fmt.Errorf("decode produced value: %w", err)
		}
		name, _ := obj["name"].(value.String)
		n.Values = append(n.Values, NamedValue{
			Name:  string(name),
			Value: obj["value"],
		})
	}
	return nil
}

func (nodeMapper) AfterWrite(txn *store.Txn, n *NodeInstance) error {
	preds := make([][]byte, len(n.Predecessors))
	for i, h := range n.Predecessors {
		preds[i] = []byte(h.String())
	}
	if err := txn.ReplaceChildren(TableNodePredecessors, n.Handle, preds); err != nil {
		return err
	}

	values := make([][]byte, len(n.Values))
	for i, v := range n.Values {
		row, err := value.Marshal(value.Object{
			"name":  value.String(v.Name),
			"value": v.Value,
		})
		if err != nil {
			return fmt.Errorf("encode produced value %q: %w", v.Name, err)
		}
		values[i] = row
	}
	return txn.ReplaceChildren(TableNodeValues, n.Handle, values)
}

func (nodeMapper) BeforeDelete(txn *store.Txn, h store.Handle) error {
	if err := txn.DeleteChildren(TableNodePredecessors, h); err != nil {
		return err
	}
	return txn.DeleteChildren(TableNodeValues, h)
}
