package boltstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/roach88/procflow/internal/store"
)

type tx struct {
	tx     *bbolt.Tx
	schema store.Schema
}

func (t *tx) Insert(table string, fixed, data []byte) (h store.Handle, err error) {
	defer recoverErr(&err)

	b := t.mustWrite(table)
	seq, err := b.NextSequence()
	must(err)

	h = store.Handle(seq)
	must(b.Put(key(uint64(h)), encodeRow(fixed, data)))
	return h, nil
}

func (t *tx) Get(table string, h store.Handle) (r store.Row, err error) {
	defer recoverErr(&err)

	b := t.mustRead(table)
	v := b.Get(key(uint64(h)))
	if v == nil {
		return store.Row{}, store.ErrNoRow
	}
	return decodeRow(h, v)
}

func (t *tx) Update(table string, h store.Handle, data []byte) (err error) {
	defer recoverErr(&err)

	b := t.mustWrite(table)
	k := key(uint64(h))
	v := b.Get(k)
	if v == nil {
		return store.ErrNoRow
	}

	r, err := decodeRow(h, v)
	must(err)
	must(b.Put(k, encodeRow(r.Fixed, data)))
	return nil
}

func (t *tx) Delete(table string, h store.Handle) (err error) {
	defer recoverErr(&err)

	b := t.mustWrite(table)
	k := key(uint64(h))
	if b.Get(k) == nil {
		return store.ErrNoRow
	}
	must(b.Delete(k))
	return nil
}

func (t *tx) Scan(table string, fn func(store.Row) error) (err error) {
	defer recoverErr(&err)

	b := t.mustRead(table)

	// Collect first; fn must not observe a cursor invalidated by its own
	// writes.
	var rows []store.Row
	must(b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		r, err := decodeRow(store.Handle(binary.BigEndian.Uint64(k)), v)
		if err != nil {
			return err
		}
		rows = append(rows, r)
		return nil
	}))

	for _, r := range rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) InsertChildren(table string, owner store.Handle, rows [][]byte) (err error) {
	defer recoverErr(&err)

	parent := t.mustWrite(table)
	b := mustCreateBucket(parent, key(uint64(owner)))

	for _, r := range rows {
		pos, err := b.NextSequence()
		must(err)
		must(b.Put(key(pos), bytes.Clone(r)))
	}
	return nil
}

func (t *tx) Children(table string, owner store.Handle) (rows [][]byte, err error) {
	defer recoverErr(&err)

	b := bucket(t.mustRead(table), key(uint64(owner)))
	if b == nil {
		return nil, nil
	}

	must(b.ForEach(func(_, v []byte) error {
		rows = append(rows, bytes.Clone(v))
		return nil
	}))
	return rows, nil
}

func (t *tx) DeleteChildren(table string, owner store.Handle) (err error) {
	defer recoverErr(&err)

	parent := t.mustWrite(table)
	if err := parent.DeleteBucket(key(uint64(owner))); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return err
	}
	return nil
}

func (t *tx) Commit() error {
	if !t.tx.Writable() {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *tx) mustRead(table string) *bbolt.Bucket {
	if !t.schema.Has(table) {
		must(fmt.Errorf("unknown table %q", table))
	}

	b := t.tx.Bucket([]byte(table))
	if b == nil {
		must(fmt.Errorf("bucket %q is missing", table))
	}
	return b
}

func (t *tx) mustWrite(table string) *bbolt.Bucket {
	if !t.tx.Writable() {
		must(store.ErrReadOnly)
	}
	return t.mustRead(table)
}

func key(n uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], n)
	return k[:]
}

// encodeRow packs the fixed and mutable columns into a single value, prefixed
// by the length of the fixed columns.
func encodeRow(fixed, data []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+len(fixed)+len(data))
	n := binary.PutUvarint(buf, uint64(len(fixed)))
	buf = buf[:n]
	buf = append(buf, fixed...)
	return append(buf, data...)
}

func decodeRow(h store.Handle, v []byte) (store.Row, error) {
	n, size := binary.Uvarint(v)
	if size <= 0 || uint64(len(v)-size) < n {
		return store.Row{}, fmt.Errorf("row %d is corrupt", h)
	}

	v = v[size:]
	return store.Row{
		Handle: h,
		Fixed:  bytes.Clone(v[:n]),
		Data:   bytes.Clone(v[n:]),
	}, nil
}
