package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/store"
)

func TestEngine_Sweep_RetriesDueTasks(t *testing.T) {
	f := setupTestEngine(t, WithRetryBackoff(backoff.Constant(time.Minute)))
	mh := f.deploy(t, linear())
	ctx := context.Background()

	f.d.failWith(errors.New("broker unavailable"))
	inst := f.start(t, mh, nil)

	a := f.node(t, inst, "a")
	require.Equal(t, FailRetry, a.State)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *a.RetryAt)

	f.d.failWith(nil)

	n, err := f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "retry is not due yet")
	assert.Equal(t, FailRetry, f.node(t, inst, "a").State)

	f.clock.Advance(2 * time.Minute)

	n, err = f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a = f.node(t, inst, "a")
	assert.Equal(t, Sent, a.State)
	assert.Equal(t, 2, a.Attempts)
	assert.Equal(t, []string{"a"}, f.d.pendingNodes())

	n, err = f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sent tasks are left alone")
}

func TestEngine_Sweep_LeavesWaitingJoinsAlone(t *testing.T) {
	f := setupTestEngine(t)
	mh := f.deploy(t, diamond(0, 0))
	inst := f.start(t, mh, nil)

	f.d.take(t, "a").done(Outcome{})
	f.clock.Advance(time.Hour)

	n, err := f.e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, Pending, f.node(t, inst, "join").State)

	state, err := f.e.Tickle(context.Background(), f.node(t, inst, "join").Handle)
	require.NoError(t, err)
	assert.Equal(t, Pending, state)
}

func TestEngine_Sweep_ManyInstances(t *testing.T) {
	f := setupTestEngine(t,
		WithRetryBackoff(backoff.Constant(time.Second)),
		WithSweepParallelism(2),
	)
	mh := f.deploy(t, linear())

	f.d.failWith(errors.New("broker unavailable"))
	var insts []store.Handle
	for range 5 {
		insts = append(insts, f.start(t, mh, nil))
	}
	f.d.failWith(nil)
	f.clock.Advance(time.Minute)

	n, err := f.e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, inst := range insts {
		assert.Equal(t, Sent, f.node(t, inst, "a").State)
	}
	assert.Len(t, f.d.pendingNodes(), 5)
}

func TestEngine_Sweep_RecordsRepeatedFailure(t *testing.T) {
	f := setupTestEngine(t, WithRetryBackoff(backoff.Constant(time.Second)))
	mh := f.deploy(t, linear())

	f.d.failWith(errors.New("broker unavailable"))
	inst := f.start(t, mh, nil)
	f.clock.Advance(time.Minute)

	n, err := f.e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a := f.node(t, inst, "a")
	assert.Equal(t, FailRetry, a.State)
	assert.Equal(t, 2, a.Attempts)
	assert.Equal(t, f.clock.Now().Add(time.Second), *a.RetryAt)
}

func TestEngine_RunSweeper_StopsWhenContextIsCancelled(t *testing.T) {
	f := setupTestEngine(t, WithRetryBackoff(backoff.Constant(0)))
	mh := f.deploy(t, linear())

	f.d.failWith(errors.New("broker unavailable"))
	inst := f.start(t, mh, nil)
	f.d.failWith(nil)

	h := f.node(t, inst, "a").Handle

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- f.e.RunSweeper(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		s, err := f.e.NodeInstance(context.Background(), h)
		return err == nil && s.State == Sent
	}, 5*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
