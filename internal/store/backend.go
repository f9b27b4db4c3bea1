package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNoRow is returned by a Tx when the requested primary row does not exist.
var ErrNoRow = errors.New("no row")

// ErrReadOnly is returned when a write is attempted in a read-only transaction.
var ErrReadOnly = errors.New("transaction is read-only")

// Row is a primary row as stored by a Backend.
//
// Fixed holds the columns written once on insert. Data holds the mutable
// columns that Update replaces.
type Row struct {
	Handle Handle
	Fixed  []byte
	Data   []byte
}

// Backend is the transactional relational store the entity store writes
// through.
//
// Implementations must serialize write transactions and give read
// transactions a consistent view.
type Backend interface {
	// Begin starts a transaction. Writes are only permitted if writable is true.
	Begin(ctx context.Context, writable bool) (Tx, error)

	// Close releases the backend's resources.
	Close() error
}

// Tx is a single backend transaction. A Tx is not safe for concurrent use.
type Tx interface {
	// Insert adds a primary row and returns its newly assigned handle.
	Insert(table string, fixed, data []byte) (Handle, error)

	// Get returns the primary row with handle h, or ErrNoRow.
	Get(table string, h Handle) (Row, error)

	// Update replaces the mutable columns of row h, or returns ErrNoRow.
	Update(table string, h Handle, data []byte) error

	// Delete removes row h, or returns ErrNoRow.
	Delete(table string, h Handle) error

	// Scan calls fn for every row of table in ascending handle order.
	Scan(table string, fn func(Row) error) error

	// InsertChildren appends rows to the auxiliary table, owned by owner, in
	// a single batch. Order is preserved.
	InsertChildren(table string, owner Handle, rows [][]byte) error

	// Children returns owner's auxiliary rows in insertion order.
	Children(table string, owner Handle) ([][]byte, error)

	// DeleteChildren removes all of owner's auxiliary rows.
	DeleteChildren(table string, owner Handle) error

	Commit() error
	Rollback() error
}

// Schema declares the primary tables a backend must provide and the auxiliary
// tables owned by each of them.
type Schema struct {
	Tables []TableSpec
}

// TableSpec describes one primary table.
type TableSpec struct {
	Name     string
	Children []string
}

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks that every table name is a plain lower-case identifier and
// that no name is declared twice.
func (s Schema) Validate() error {
	seen := map[string]bool{}
	check := func(n string) error {
		if !tableName.MatchString(n) {
			return fmt.Errorf("invalid table name %q", n)
		}
		if seen[n] {
			return fmt.Errorf("table %q declared twice", n)
		}
		seen[n] = true
		return nil
	}

	for _, t := range s.Tables {
		if err := check(t.Name); err != nil {
			return err
		}
		for _, c := range t.Children {
			if err := check(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Has reports whether table is declared, either as a primary or an auxiliary
// table.
func (s Schema) Has(table string) bool {
	for _, t := range s.Tables {
		if t.Name == table {
			return true
		}
		for _, c := range t.Children {
			if c == table {
				return true
			}
		}
	}
	return false
}
