// Package memstore is an in-memory store.Backend for tests and ephemeral
// runs.
//
// Write transactions operate on a copy of the committed state and replace it
// on commit. Read transactions see the state as of Begin.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/procflow/internal/store"
)

// Backend is an in-memory store.Backend.
type Backend struct {
	schema store.Schema

	writer sync.Mutex // held for the lifetime of a write transaction

	m      sync.RWMutex
	state  *state
	fault  func(op, table string) error
	closed bool
}

// New returns an empty backend with the tables declared in schema.
func New(schema store.Schema) (*Backend, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Backend{
		schema: schema,
		state:  &state{tables: map[string]*table{}},
	}, nil
}

// InjectFault installs fn, which is consulted before every write operation.
// A non-nil error from fn fails the operation. Passing nil removes the fault.
func (b *Backend) InjectFault(fn func(op, table string) error) {
	b.m.Lock()
	b.fault = fn
	b.m.Unlock()
}

// Begin starts a transaction.
func (b *Backend) Begin(ctx context.Context, writable bool) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if writable {
		b.writer.Lock()
	}

	b.m.RLock()
	defer b.m.RUnlock()

	if b.closed {
		if writable {
			b.writer.Unlock()
		}
		return nil, fmt.Errorf("backend is closed")
	}

	tx := &tx{
		backend:  b,
		schema:   b.schema,
		writable: writable,
		fault:    b.fault,
	}
	if writable {
		tx.state = b.state.clone()
	} else {
		tx.state = b.state
	}
	return tx, nil
}

// Close marks the backend closed. Subsequent transactions fail.
func (b *Backend) Close() error {
	b.m.Lock()
	b.closed = true
	b.m.Unlock()
	return nil
}

type state struct {
	tables map[string]*table
}

type table struct {
	seq      store.Handle
	rows     map[store.Handle]store.Row
	children map[store.Handle][][]byte
}

func (s *state) clone() *state {
	c := &state{tables: make(map[string]*table, len(s.tables))}
	for name, t := range s.tables {
		ct := &table{
			seq:      t.seq,
			rows:     make(map[store.Handle]store.Row, len(t.rows)),
			children: make(map[store.Handle][][]byte, len(t.children)),
		}
		for h, r := range t.rows {
			ct.rows[h] = r
		}
		for h, rows := range t.children {
			ct.children[h] = rows
		}
		c.tables[name] = ct
	}
	return c
}
