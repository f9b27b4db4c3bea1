package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/procflow/internal/store"
)

type tx struct {
	tx       *sql.Tx
	schema   store.Schema
	writable bool
}

func (t *tx) Insert(table string, fixed, data []byte) (store.Handle, error) {
	if err := t.check(table, true); err != nil {
		return store.NoHandle, err
	}

	res, err := t.tx.Exec(
		fmt.Sprintf(`INSERT INTO %s (fixed, data) VALUES (?, ?)`, table),
		string(fixed), string(data),
	)
	if err != nil {
		return store.NoHandle, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return store.NoHandle, err
	}
	return store.Handle(id), nil
}

func (t *tx) Get(table string, h store.Handle) (store.Row, error) {
	if err := t.check(table, false); err != nil {
		return store.Row{}, err
	}

	r := store.Row{Handle: h}
	err := t.tx.QueryRow(
		fmt.Sprintf(`SELECT fixed, data FROM %s WHERE handle = ?`, table),
		int64(h),
	).Scan(&r.Fixed, &r.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, store.ErrNoRow
	}
	return r, err
}

func (t *tx) Update(table string, h store.Handle, data []byte) error {
	if err := t.check(table, true); err != nil {
		return err
	}

	res, err := t.tx.Exec(
		fmt.Sprintf(`UPDATE %s SET data = ? WHERE handle = ?`, table),
		string(data), int64(h),
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *tx) Delete(table string, h store.Handle) error {
	if err := t.check(table, true); err != nil {
		return err
	}

	res, err := t.tx.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE handle = ?`, table),
		int64(h),
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *tx) Scan(table string, fn func(store.Row) error) error {
	if err := t.check(table, false); err != nil {
		return err
	}

	rows, err := t.tx.Query(
		fmt.Sprintf(`SELECT handle, fixed, data FROM %s ORDER BY handle ASC`, table),
	)
	if err != nil {
		return err
	}

	// Collect before calling fn so that fn may issue its own queries on the
	// same connection.
	var all []store.Row
	for rows.Next() {
		var (
			r store.Row
			h int64
		)
		if err := rows.Scan(&h, &r.Fixed, &r.Data); err != nil {
			rows.Close()
			return err
		}
		r.Handle = store.Handle(h)
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, r := range all {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) InsertChildren(table string, owner store.Handle, rows [][]byte) error {
	if err := t.check(table, true); err != nil {
		return err
	}

	var next int64
	if err := t.tx.QueryRow(
		fmt.Sprintf(`SELECT COALESCE(MAX(pos) + 1, 0) FROM %s WHERE owner = ?`, table),
		int64(owner),
	).Scan(&next); err != nil {
		return err
	}

	stmt, err := t.tx.Prepare(
		fmt.Sprintf(`INSERT INTO %s (owner, pos, data) VALUES (?, ?, ?)`, table),
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range rows {
		if _, err := stmt.Exec(int64(owner), next+int64(i), string(r)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Children(table string, owner store.Handle) ([][]byte, error) {
	if err := t.check(table, false); err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(
		fmt.Sprintf(`SELECT data FROM %s WHERE owner = ? ORDER BY pos ASC`, table),
		int64(owner),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		result = append(result, data)
	}
	return result, rows.Err()
}

func (t *tx) DeleteChildren(table string, owner store.Handle) error {
	if err := t.check(table, true); err != nil {
		return err
	}

	_, err := t.tx.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE owner = ?`, table),
		int64(owner),
	)
	return err
}

func (t *tx) Commit() error {
	if !t.writable {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *tx) check(table string, write bool) error {
	if write && !t.writable {
		return store.ErrReadOnly
	}
	if !t.schema.Has(table) {
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNoRow
	}
	return nil
}
