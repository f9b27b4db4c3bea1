package memstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/store/memstore"
	"github.com/roach88/procflow/internal/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.RunTests(t, func(t *testing.T) store.Backend {
		b, err := memstore.New(storetest.Schema)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestBackend_ReadSeesSnapshotAtBegin(t *testing.T) {
	b, err := memstore.New(storetest.Schema)
	require.NoError(t, err)
	ctx := context.Background()

	read, err := b.Begin(ctx, false)
	require.NoError(t, err)
	defer read.Rollback()

	write, err := b.Begin(ctx, true)
	require.NoError(t, err)
	h, err := write.Insert("widgets", []byte(`{}`), []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, write.Commit())

	_, err = read.Get("widgets", h)
	assert.ErrorIs(t, err, store.ErrNoRow)
}

func TestBackend_InjectFault(t *testing.T) {
	b, err := memstore.New(storetest.Schema)
	require.NoError(t, err)

	boom := errors.New("boom")
	b.InjectFault(func(op, table string) error {
		if op == "update" {
			return boom
		}
		return nil
	})

	tx, err := b.Begin(context.Background(), true)
	require.NoError(t, err)
	defer tx.Rollback()

	h, err := tx.Insert("widgets", []byte(`{}`), []byte(`{}`))
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Update("widgets", h, []byte(`{}`)), boom)
}

func TestNew_RejectsInvalidSchema(t *testing.T) {
	_, err := memstore.New(store.Schema{
		Tables: []store.TableSpec{{Name: "Bad Name"}},
	})
	assert.Error(t, err)
}
