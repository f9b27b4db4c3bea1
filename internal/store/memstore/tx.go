package memstore

import (
	"fmt"
	"slices"

	"github.com/roach88/procflow/internal/store"
)

type tx struct {
	backend  *Backend
	schema   store.Schema
	state    *state
	writable bool
	fault    func(op, table string) error
	done     bool
}

func (t *tx) Insert(name string, fixed, data []byte) (store.Handle, error) {
	tb, err := t.write("insert", name)
	if err != nil {
		return store.NoHandle, err
	}

	tb.seq++
	h := tb.seq
	tb.rows[h] = store.Row{
		Handle: h,
		Fixed:  slices.Clone(fixed),
		Data:   slices.Clone(data),
	}
	return h, nil
}

func (t *tx) Get(name string, h store.Handle) (store.Row, error) {
	tb, err := t.read(name)
	if err != nil {
		return store.Row{}, err
	}

	r, ok := tb.rows[h]
	if !ok {
		return store.Row{}, store.ErrNoRow
	}
	return r, nil
}

func (t *tx) Update(name string, h store.Handle, data []byte) error {
	tb, err := t.write("update", name)
	if err != nil {
		return err
	}

	r, ok := tb.rows[h]
	if !ok {
		return store.ErrNoRow
	}
	r.Data = slices.Clone(data)
	tb.rows[h] = r
	return nil
}

func (t *tx) Delete(name string, h store.Handle) error {
	tb, err := t.write("delete", name)
	if err != nil {
		return err
	}

	if _, ok := tb.rows[h]; !ok {
		return store.ErrNoRow
	}
	delete(tb.rows, h)
	return nil
}

func (t *tx) Scan(name string, fn func(store.Row) error) error {
	tb, err := t.read(name)
	if err != nil {
		return err
	}

	handles := make([]store.Handle, 0, len(tb.rows))
	for h := range tb.rows {
		handles = append(handles, h)
	}
	slices.Sort(handles)

	for _, h := range handles {
		if err := fn(tb.rows[h]); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) InsertChildren(name string, owner store.Handle, rows [][]byte) error {
	tb, err := t.write("insert children", name)
	if err != nil {
		return err
	}

	existing := tb.children[owner]
	next := make([][]byte, 0, len(existing)+len(rows))
	next = append(next, existing...)
	for _, r := range rows {
		next = append(next, slices.Clone(r))
	}
	tb.children[owner] = next
	return nil
}

func (t *tx) Children(name string, owner store.Handle) ([][]byte, error) {
	tb, err := t.read(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(tb.children[owner]), nil
}

func (t *tx) DeleteChildren(name string, owner store.Handle) error {
	tb, err := t.write("delete children", name)
	if err != nil {
		return err
	}
	delete(tb.children, owner)
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	if !t.writable {
		return nil
	}
	defer t.backend.writer.Unlock()

	if t.fault != nil {
		if err := t.fault("commit", ""); err != nil {
			return err
		}
	}

	t.backend.m.Lock()
	t.backend.state = t.state
	t.backend.m.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true

	if t.writable {
		t.backend.writer.Unlock()
	}
	return nil
}

func (t *tx) read(name string) (*table, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already finished")
	}
	if !t.schema.Has(name) {
		return nil, fmt.Errorf("unknown table %q", name)
	}

	if tb, ok := t.state.tables[name]; ok {
		return tb, nil
	}
	// Reads of a table that has never been written see an empty table.
	return &table{}, nil
}

func (t *tx) write(op, name string) (*table, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already finished")
	}
	if !t.writable {
		return nil, store.ErrReadOnly
	}
	if !t.schema.Has(name) {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	if t.fault != nil {
		if err := t.fault(op, name); err != nil {
			return nil, err
		}
	}

	tb, ok := t.state.tables[name]
	if !ok {
		tb = &table{
			rows:     map[store.Handle]store.Row{},
			children: map[store.Handle][][]byte{},
		}
		t.state.tables[name] = tb
	}
	return tb, nil
}
