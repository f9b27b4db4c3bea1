package store

import (
	"errors"
	"sort"
	"sync"
)

// Mapper adapts an entity type to a primary table.
//
// Decode is the entity factory. The hooks give the mapper a chance to manage
// auxiliary child rows inside the same transaction as the primary row.
type Mapper[T any] interface {
	// Table is the name of the primary table.
	Table() string

	// Handle returns v's handle, or NoHandle if v is transient.
	Handle(v T) Handle

	// SetHandle records the handle assigned to v on insert.
	SetHandle(v T, h Handle)

	// Encode returns the immutable and mutable columns of v.
	Encode(v T) (fixed, data []byte, err error)

	// Decode constructs an entity from its stored columns.
	Decode(h Handle, fixed, data []byte) (T, error)

	// AfterLoad runs after Decode, typically to load child rows.
	AfterLoad(txn *Txn, v T) error

	// AfterWrite runs after v's primary row is inserted or updated.
	AfterWrite(txn *Txn, v T) error

	// BeforeDelete runs before h's primary row is deleted.
	BeforeDelete(txn *Txn, h Handle) error
}

// NoHooks can be embedded in a Mapper whose entities have no child rows.
type NoHooks[T any] struct{}

// AfterLoad does nothing.
func (NoHooks[T]) AfterLoad(*Txn, T) error { return nil }

// AfterWrite does nothing.
func (NoHooks[T]) AfterWrite(*Txn, T) error { return nil }

// BeforeDelete does nothing.
func (NoHooks[T]) BeforeDelete(*Txn, Handle) error { return nil }

// Entities is a handle-indexed cache of entities of type T over one table.
//
// It is safe for concurrent use. The entities it returns are shared. See the
// package documentation for the rules that govern mutating them.
type Entities[T any] struct {
	mapper Mapper[T]

	m     sync.RWMutex
	cache map[Handle]T

	// changed records, per handle, the DB sequence number of the last
	// committed write, removal or rollback that touched it.
	changed map[Handle]uint64
}

// NewEntities returns an empty cache for the entities described by m.
func NewEntities[T any](m Mapper[T]) *Entities[T] {
	return &Entities[T]{
		mapper:  m,
		cache:   map[Handle]T{},
		changed: map[Handle]uint64{},
	}
}

// Table returns the name of the primary table.
func (s *Entities[T]) Table() string {
	return s.mapper.Table()
}

// Get returns the entity with handle h.
//
// It returns a *NotFoundError if there is no such entity.
func (s *Entities[T]) Get(txn *Txn, h Handle) (T, error) {
	if v, ok, err := s.lookup(txn, h); ok || err != nil {
		return v, err
	}

	row, err := txn.tx.Get(s.Table(), h)
	if err != nil {
		var zero T
		if errors.Is(err, ErrNoRow) {
			return zero, &NotFoundError{Table: s.Table(), Handle: h}
		}
		return zero, storageErr("get", s.Table(), err)
	}

	return s.load(txn, row)
}

// Put inserts v as a new entity and returns its handle.
func (s *Entities[T]) Put(txn *Txn, v T) (Handle, error) {
	if err := s.writable(txn, "put"); err != nil {
		return NoHandle, err
	}

	fixed, data, err := s.mapper.Encode(v)
	if err != nil {
		return NoHandle, storageErr("encode", s.Table(), err)
	}

	h, err := txn.tx.Insert(s.Table(), fixed, data)
	if err != nil {
		return NoHandle, storageErr("insert", s.Table(), err)
	}
	s.mapper.SetHandle(v, h)

	if err := s.mapper.AfterWrite(txn, v); err != nil {
		return NoHandle, storageErr("write children", s.Table(), err)
	}

	s.stage(txn, h, v, true)
	return h, nil
}

// Update writes v's mutable columns and replaces its child rows.
func (s *Entities[T]) Update(txn *Txn, v T) error {
	if err := s.writable(txn, "update"); err != nil {
		return err
	}

	h := s.mapper.Handle(v)
	if !h.Valid() {
		return &NotFoundError{Table: s.Table(), Handle: h}
	}

	_, data, err := s.mapper.Encode(v)
	if err != nil {
		return storageErr("encode", s.Table(), err)
	}

	s.stage(txn, h, v, true)

	if err := txn.tx.Update(s.Table(), h, data); err != nil {
		if errors.Is(err, ErrNoRow) {
			return &NotFoundError{Table: s.Table(), Handle: h}
		}
		return storageErr("update", s.Table(), err)
	}

	if err := s.mapper.AfterWrite(txn, v); err != nil {
		return storageErr("write children", s.Table(), err)
	}
	return nil
}

// Remove deletes the entity with handle h along with its child rows.
func (s *Entities[T]) Remove(txn *Txn, h Handle) error {
	if err := s.writable(txn, "remove"); err != nil {
		return err
	}

	if _, ok, _ := s.lookup(txn, h); !ok {
		if _, err := txn.tx.Get(s.Table(), h); err != nil {
			if errors.Is(err, ErrNoRow) {
				return &NotFoundError{Table: s.Table(), Handle: h}
			}
			return storageErr("get", s.Table(), err)
		}
	}

	if err := s.mapper.BeforeDelete(txn, h); err != nil {
		return storageErr("delete children", s.Table(), err)
	}

	if err := txn.tx.Delete(s.Table(), h); err != nil {
		if errors.Is(err, ErrNoRow) {
			return &NotFoundError{Table: s.Table(), Handle: h}
		}
		return storageErr("delete", s.Table(), err)
	}

	s.unstage(txn, h)
	return nil
}

// Clear removes every entity for which remove returns true. A nil remove
// removes every entity. It returns the number of entities removed.
func (s *Entities[T]) Clear(txn *Txn, remove func(T) bool) (int, error) {
	all, err := s.All(txn)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, v := range all {
		if remove != nil && !remove(v) {
			continue
		}
		if err := s.Remove(txn, s.mapper.Handle(v)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// All returns every stored entity in ascending handle order.
func (s *Entities[T]) All(txn *Txn) ([]T, error) {
	var all []T
	err := s.Each(txn, func(v T) error {
		all = append(all, v)
		return nil
	})
	return all, err
}

// Each calls fn for every stored entity in ascending handle order. Cached
// entities are reused.
func (s *Entities[T]) Each(txn *Txn, fn func(T) error) error {
	var rows []Row
	if err := txn.tx.Scan(s.Table(), func(r Row) error {
		rows = append(rows, r)
		return nil
	}); err != nil {
		return storageErr("scan", s.Table(), err)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Handle < rows[j].Handle
	})

	for _, r := range rows {
		v, ok, err := s.lookup(txn, r.Handle)
		if err != nil {
			// Removed earlier in this transaction.
			continue
		}
		if !ok {
			v, err = s.load(txn, r)
			if err != nil {
				return err
			}
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// Cached reports whether h is present in the shared cache.
func (s *Entities[T]) Cached(h Handle) bool {
	s.m.RLock()
	defer s.m.RUnlock()
	_, ok := s.cache[h]
	return ok
}

// Evict removes h from the shared cache.
func (s *Entities[T]) Evict(h Handle) {
	s.m.Lock()
	delete(s.cache, h)
	s.m.Unlock()
}

// Purge empties the shared cache.
func (s *Entities[T]) Purge() {
	s.m.Lock()
	s.cache = map[Handle]T{}
	s.m.Unlock()
}

// lookup finds h in the transaction's staging area or the shared cache. It
// returns a *NotFoundError if h was removed inside txn.
func (s *Entities[T]) lookup(txn *Txn, h Handle) (T, bool, error) {
	var zero T

	if e, ok := txn.staged[stageKey{s, h}]; ok {
		if e.removed {
			return zero, false, &NotFoundError{Table: s.Table(), Handle: h}
		}
		return e.value.(T), true, nil
	}

	s.m.RLock()
	v, ok := s.cache[h]
	s.m.RUnlock()

	if ok {
		s.stage(txn, h, v, false)
	}
	return v, ok, nil
}

func (s *Entities[T]) load(txn *Txn, r Row) (T, error) {
	v, err := s.mapper.Decode(r.Handle, r.Fixed, r.Data)
	if err != nil {
		var zero T
		return zero, storageErr("decode", s.Table(), err)
	}
	s.mapper.SetHandle(v, r.Handle)

	if err := s.mapper.AfterLoad(txn, v); err != nil {
		var zero T
		return zero, storageErr("load children", s.Table(), err)
	}

	s.stage(txn, r.Handle, v, false)
	return v, nil
}

// stage records v as the transaction's view of h. Staged entities are
// published to the shared cache on commit and evicted on rollback. Entities
// that were only loaded never replace a cache entry published by a concurrent
// writer.
func (s *Entities[T]) stage(txn *Txn, h Handle, v T, dirty bool) {
	k := stageKey{s, h}

	if e, ok := txn.staged[k]; ok {
		e.value = v
		e.removed = false
		e.dirty = e.dirty || dirty
		return
	}

	e := &staged{value: v, dirty: dirty}
	txn.staged[k] = e
	s.hook(txn, h, e)
}

func (s *Entities[T]) unstage(txn *Txn, h Handle) {
	k := stageKey{s, h}

	if e, ok := txn.staged[k]; ok {
		e.value = nil
		e.removed = true
		return
	}

	e := &staged{removed: true}
	txn.staged[k] = e
	s.hook(txn, h, e)
}

func (s *Entities[T]) hook(txn *Txn, h Handle, e *staged) {
	txn.OnCommit(func() {
		s.m.Lock()
		defer s.m.Unlock()

		switch {
		case e.removed:
			delete(s.cache, h)
			s.changed[h] = txn.db.seq.Add(1)
		case e.dirty:
			s.cache[h] = e.value.(T)
			s.changed[h] = txn.db.seq.Add(1)
		default:
			// A clean copy is stale if h changed after txn began.
			if _, ok := s.cache[h]; !ok && s.changed[h] <= txn.start {
				s.cache[h] = e.value.(T)
			}
		}
	})

	txn.OnRollback(func() {
		s.m.Lock()
		defer s.m.Unlock()

		delete(s.cache, h)
		s.changed[h] = txn.db.seq.Add(1)
	})
}

func (s *Entities[T]) writable(txn *Txn, op string) error {
	if !txn.writable {
		return storageErr(op, s.Table(), ErrReadOnly)
	}
	return nil
}
