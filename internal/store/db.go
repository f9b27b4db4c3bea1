package store

import (
	"context"
	"sync/atomic"

	"go.uber.org/multierr"
)

// DB runs units of work against a Backend.
type DB struct {
	backend Backend

	// seq orders cache changes against transaction starts.
	seq atomic.Uint64
}

// NewDB returns a DB that runs transactions on b.
func NewDB(b Backend) *DB {
	return &DB{backend: b}
}

// Backend returns the underlying backend.
func (db *DB) Backend() Backend {
	return db.backend
}

// Close closes the underlying backend.
func (db *DB) Close() error {
	return db.backend.Close()
}

// Update runs fn inside a writable transaction.
//
// If fn returns an error, or the commit fails, the transaction is rolled back,
// the rollback hooks run and the error is returned. fn's own errors are
// returned unchanged unless the rollback fails too, in which case both are
// combined. Commit hooks run only after a successful commit.
func (db *DB) Update(ctx context.Context, fn func(*Txn) error) error {
	return db.run(ctx, true, fn)
}

// View runs fn inside a read-only transaction.
//
// Entities loaded by fn are published to the shared caches when fn succeeds,
// unless a writer changed them after the view began.
func (db *DB) View(ctx context.Context, fn func(*Txn) error) error {
	return db.run(ctx, false, fn)
}

func (db *DB) run(ctx context.Context, writable bool, fn func(*Txn) error) (err error) {
	start := db.seq.Load()
	tx, err := db.backend.Begin(ctx, writable)
	if err != nil {
		return storageErr("begin", "", err)
	}

	txn := &Txn{
		ctx:      ctx,
		db:       db,
		tx:       tx,
		writable: writable,
		start:    start,
		staged:   map[stageKey]*staged{},
	}

	defer func() {
		if p := recover(); p != nil {
			_ = txn.abort(nil)
			panic(p)
		}
	}()

	if err := fn(txn); err != nil {
		return txn.abort(err)
	}

	if writable {
		err = tx.Commit()
	} else {
		err = tx.Rollback()
	}
	if err != nil {
		txn.runRollbackHooks()
		return storageErr("commit", "", err)
	}

	for _, h := range txn.onCommit {
		h()
	}
	return nil
}

// Txn is a unit of work. It is passed to the functions run by DB.Update and
// DB.View and must not be retained after they return.
type Txn struct {
	ctx      context.Context
	db       *DB
	tx       Tx
	writable bool

	// start is the DB sequence number observed before the backend
	// transaction began.
	start uint64

	staged     map[stageKey]*staged
	onCommit   []func()
	onRollback []func()
}

// Context returns the context the transaction was started with.
func (t *Txn) Context() context.Context {
	return t.ctx
}

// Writable reports whether the transaction permits writes.
func (t *Txn) Writable() bool {
	return t.writable
}

// Tx returns the raw backend transaction.
func (t *Txn) Tx() Tx {
	return t.tx
}

// OnCommit registers fn to run after the transaction commits.
func (t *Txn) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// OnRollback registers fn to run after the transaction is rolled back.
func (t *Txn) OnRollback(fn func()) {
	t.onRollback = append(t.onRollback, fn)
}

// Children returns owner's rows from an auxiliary table.
func (t *Txn) Children(table string, owner Handle) ([][]byte, error) {
	rows, err := t.tx.Children(table, owner)
	return rows, storageErr("load children", table, err)
}

// ReplaceChildren deletes owner's rows from an auxiliary table and inserts rows
// in their place.
func (t *Txn) ReplaceChildren(table string, owner Handle, rows [][]byte) error {
	if err := t.DeleteChildren(table, owner); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return storageErr("insert children", table, t.tx.InsertChildren(table, owner, rows))
}

// DeleteChildren deletes owner's rows from an auxiliary table.
func (t *Txn) DeleteChildren(table string, owner Handle) error {
	if !t.writable {
		return storageErr("delete children", table, ErrReadOnly)
	}
	return storageErr("delete children", table, t.tx.DeleteChildren(table, owner))
}

// abort rolls the transaction back and returns cause, combined with the
// rollback error if there is one.
func (t *Txn) abort(cause error) error {
	err := multierr.Append(cause, storageErr("rollback", "", t.tx.Rollback()))
	t.runRollbackHooks()
	return err
}

func (t *Txn) runRollbackHooks() {
	for _, h := range t.onRollback {
		h()
	}
}

type stageKey struct {
	owner  any
	handle Handle
}

// staged is a transaction's private view of one cached entity.
type staged struct {
	value   any
	dirty   bool
	removed bool
}
