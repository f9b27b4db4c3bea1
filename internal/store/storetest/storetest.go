// Package storetest is a conformance suite for store.Backend
// implementations.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/store"
)

// Schema is the schema that backends under test must be opened with.
var Schema = store.Schema{
	Tables: []store.TableSpec{
		{Name: "widgets", Children: []string{"widget_parts"}},
		{Name: "gadgets"},
	},
}

// RunTests runs the conformance suite against the backends returned by open.
// open is called once per subtest and must return an empty backend opened
// with Schema.
func RunTests(t *testing.T, open func(t *testing.T) store.Backend) {
	t.Helper()

	begin := func(t *testing.T, b store.Backend, writable bool) store.Tx {
		t.Helper()
		tx, err := b.Begin(context.Background(), writable)
		require.NoError(t, err)
		t.Cleanup(func() { _ = tx.Rollback() })
		return tx
	}

	t.Run("insert assigns increasing handles", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		h1, err := tx.Insert("widgets", []byte(`{"a":1}`), []byte(`{"b":1}`))
		require.NoError(t, err)
		h2, err := tx.Insert("widgets", []byte(`{"a":2}`), []byte(`{"b":2}`))
		require.NoError(t, err)

		assert.True(t, h1.Valid())
		assert.Greater(t, h2, h1)
		require.NoError(t, tx.Commit())
	})

	t.Run("handles are not reused after delete", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		h1, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)
		h2, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)
		require.NoError(t, tx.Delete("widgets", h2))
		require.NoError(t, tx.Commit())

		tx = begin(t, b, true)
		h3, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.Greater(t, h3, h2)
		assert.Greater(t, h2, h1)
	})

	t.Run("get returns the stored columns", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		h, err := tx.Insert("widgets", []byte(`{"name":"w"}`), []byte(`{"count":1}`))
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		tx = begin(t, b, false)
		r, err := tx.Get("widgets", h)
		require.NoError(t, err)
		assert.Equal(t, h, r.Handle)
		assert.JSONEq(t, `{"name":"w"}`, string(r.Fixed))
		assert.JSONEq(t, `{"count":1}`, string(r.Data))
	})

	t.Run("get of an unknown handle returns ErrNoRow", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, false)

		_, err := tx.Get("widgets", 42)
		assert.ErrorIs(t, err, store.ErrNoRow)
	})

	t.Run("update replaces only the mutable columns", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		h, err := tx.Insert("widgets", []byte(`{"name":"w"}`), []byte(`{"count":1}`))
		require.NoError(t, err)
		require.NoError(t, tx.Update("widgets", h, []byte(`{"count":2}`)))
		require.NoError(t, tx.Commit())

		tx = begin(t, b, false)
		r, err := tx.Get("widgets", h)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"w"}`, string(r.Fixed))
		assert.JSONEq(t, `{"count":2}`, string(r.Data))
	})

	t.Run("update and delete of an unknown handle return ErrNoRow", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		assert.ErrorIs(t, tx.Update("widgets", 7, []byte(`{}`)), store.ErrNoRow)
		assert.ErrorIs(t, tx.Delete("widgets", 7), store.ErrNoRow)
	})

	t.Run("rolled back writes are not visible", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		h, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		tx = begin(t, b, false)
		_, err = tx.Get("widgets", h)
		assert.ErrorIs(t, err, store.ErrNoRow)
	})

	t.Run("scan visits rows in handle order", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		var want []store.Handle
		for i := 0; i < 5; i++ {
			h, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
			require.NoError(t, err)
			want = append(want, h)
		}
		require.NoError(t, tx.Delete("widgets", want[2]))
		want = append(want[:2], want[3:]...)
		require.NoError(t, tx.Commit())

		tx = begin(t, b, false)
		var got []store.Handle
		require.NoError(t, tx.Scan("widgets", func(r store.Row) error {
			got = append(got, r.Handle)
			return nil
		}))
		assert.Equal(t, want, got)
	})

	t.Run("tables are independent", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		_, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)

		n := 0
		require.NoError(t, tx.Scan("gadgets", func(store.Row) error {
			n++
			return nil
		}))
		assert.Zero(t, n)
	})

	t.Run("children are returned in insertion order", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		h, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)
		require.NoError(t, tx.InsertChildren("widget_parts", h, [][]byte{
			[]byte(`"c"`), []byte(`"a"`),
		}))
		require.NoError(t, tx.InsertChildren("widget_parts", h, [][]byte{
			[]byte(`"b"`),
		}))
		require.NoError(t, tx.Commit())

		tx = begin(t, b, false)
		rows, err := tx.Children("widget_parts", h)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, `"c"`, string(rows[0]))
		assert.Equal(t, `"a"`, string(rows[1]))
		assert.Equal(t, `"b"`, string(rows[2]))
	})

	t.Run("children are scoped to their owner", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		h1, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)
		h2, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)

		require.NoError(t, tx.InsertChildren("widget_parts", h1, [][]byte{[]byte(`1`)}))
		require.NoError(t, tx.InsertChildren("widget_parts", h2, [][]byte{[]byte(`2`)}))
		require.NoError(t, tx.DeleteChildren("widget_parts", h1))

		rows, err := tx.Children("widget_parts", h1)
		require.NoError(t, err)
		assert.Empty(t, rows)

		rows, err = tx.Children("widget_parts", h2)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, `2`, string(rows[0]))
	})

	t.Run("delete children of an owner without children succeeds", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		h, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)
		assert.NoError(t, tx.DeleteChildren("widget_parts", h))
	})

	t.Run("read-only transactions reject writes", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, false)

		_, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
		assert.Error(t, err)
	})

	t.Run("unknown tables are rejected", func(t *testing.T) {
		b := open(t)
		tx := begin(t, b, true)

		_, err := tx.Insert("nope", []byte(`{}`), []byte(`{}`))
		assert.Error(t, err)
	})
}
