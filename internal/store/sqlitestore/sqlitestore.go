// Package sqlitestore is the SQLite store.Backend.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/procflow/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stamped into PRAGMA user_version. Version 1 introduced the
// table catalogue and AUTOINCREMENT handle columns.
const schemaVersion = 1

// connParams configures every connection go-sqlite3 opens: WAL journaling,
// relaxed fsync, a 5s busy wait and enforced foreign keys.
const connParams = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"

// Backend stores entities in a SQLite database.
//
// Each primary table has an AUTOINCREMENT handle column, so handles are never
// reused even after a row is deleted. Auxiliary tables reference their owner
// with a foreign key.
type Backend struct {
	db     *sql.DB
	schema store.Schema
}

// Open opens the SQLite database at path, creating it if needed, and creates
// the tables declared in schema. Use ":memory:" for a throwaway database.
func Open(path string, schema store.Schema) (*Backend, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+connParams)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// One connection: SQLite has a single writer anyway, and ":memory:"
	// databases live only as long as their connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}

	if err := install(db, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("install schema: %w", err)
	}

	return &Backend{db: db, schema: schema}, nil
}

// Begin starts a transaction.
//
// The backend uses a single connection, so a second transaction blocks until
// the first one finishes.
func (b *Backend) Begin(ctx context.Context, writable bool) (store.Tx, error) {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &tx{tx: sqlTx, schema: b.schema, writable: writable}, nil
}

// Close releases the connection.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// DB exposes the connection pool for tests and diagnostics.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// install creates the catalogue and every declared table, then stamps the
// schema version. Running it against an installed database changes nothing.
func install(db *sql.DB, schema store.Schema) error {
	var stamped int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&stamped); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if stamped > schemaVersion {
		return fmt.Errorf("schema version %d is newer than %d", stamped, schemaVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create catalogue: %w", err)
	}

	register := func(name string, parent any) error {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO procflow_tables (name, parent) VALUES (?, ?)`,
			name, parent,
		)
		if err != nil {
			return fmt.Errorf("register table %s: %w", name, err)
		}
		return nil
	}

	for _, t := range schema.Tables {
		if _, err := tx.Exec(primaryDDL(t.Name)); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		if err := register(t.Name, nil); err != nil {
			return err
		}

		for _, c := range t.Children {
			if _, err := tx.Exec(childDDL(c, t.Name)); err != nil {
				return fmt.Errorf("create table %s: %w", c, err)
			}
			if err := register(c, t.Name); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}

	return tx.Commit()
}

// Table names are validated by store.Schema.Validate, so they are safe to
// format into statements.

func primaryDDL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  handle INTEGER PRIMARY KEY AUTOINCREMENT,
  fixed  TEXT NOT NULL,
  data   TEXT NOT NULL
)`, name)
}

func childDDL(name, parent string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  owner INTEGER NOT NULL REFERENCES %s(handle),
  pos   INTEGER NOT NULL,
  data  TEXT NOT NULL,
  PRIMARY KEY (owner, pos)
)`, name, parent)
}
