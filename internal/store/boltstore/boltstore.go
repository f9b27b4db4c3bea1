// Package boltstore is a BoltDB store.Backend.
//
// Each primary table is a top-level bucket keyed by big-endian handle. Each
// auxiliary table is a top-level bucket containing one nested bucket per
// owner. Handles come from the table bucket's sequence, which BoltDB never
// rewinds, so they are not reused after a delete.
package boltstore

import (
	"context"
	"fmt"
	"os"

	"github.com/dogmatiq/linger"
	"go.etcd.io/bbolt"

	"github.com/roach88/procflow/internal/store"
)

// Backend stores entities in a BoltDB database.
type Backend struct {
	db     *bbolt.DB
	schema store.Schema
}

// Open creates or opens the database at path.
//
// If ctx has a deadline it bounds the time spent waiting for the file lock.
func Open(ctx context.Context, path string, schema store.Schema) (*Backend, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	db, err := openDB(ctx, path, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverErr(&err)

		for _, t := range schema.Tables {
			mustCreateBucket(tx, []byte(t.Name))
			for _, c := range t.Children {
				mustCreateBucket(tx, []byte(c))
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Backend{db: db, schema: schema}, nil
}

// Begin starts a transaction.
func (b *Backend) Begin(ctx context.Context, writable bool) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	btx, err := b.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &tx{tx: btx, schema: b.schema}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// openDB opens a BoltDB database, using the deadline from ctx as the lock
// timeout.
func openDB(ctx context.Context, path string, mode os.FileMode) (*bbolt.DB, error) {
	if ctx.Err() != nil {
		// A non-positive timeout in the options means "use the default".
		return nil, ctx.Err()
	}

	opts := *bbolt.DefaultOptions
	if timeout, ok := linger.FromContextDeadline(ctx); ok {
		opts.Timeout = timeout
	}

	db, err := bbolt.Open(path, mode, &opts)
	if err != nil && err.Error() == "timeout" {
		err = context.DeadlineExceeded
	}
	return db, err
}
