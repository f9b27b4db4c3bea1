package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/linger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/procflow/internal/store"
)

// Sweep retries every Pending or FailRetry thread of the active instances
// whose retry time has passed. It returns the number of node instances
// dispatched again, successfully or not.
//
// Instances are swept concurrently, at most WithSweepParallelism at a time.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	var (
		count atomic.Int64
		sem   = semaphore.NewWeighted(int64(e.sweepParallelism))
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, h := range e.ListActiveInstances() {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		g.Go(func() error {
			defer sem.Release(1)

			n, err := e.sweepInstance(gctx, h)
			count.Add(int64(n))
			return err
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return int(count.Load()), err
}

func (e *Engine) sweepInstance(ctx context.Context, h store.Handle) (int, error) {
	count := 0

	_, err := e.withInstance(ctx, h, func(o *op) error {
		count = 0

		for _, t := range append([]store.Handle(nil), o.inst.Threads...) {
			if !o.inst.active() || !o.inst.hasThread(t) {
				continue
			}

			n, err := o.node(t)
			if err != nil {
				return err
			}
			if !n.State.Retryable() || n.Join != nil || n.RetryAt.After(o.now) {
				continue
			}

			if err := o.provideTask(n); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	if store.IsNotFound(err) {
		// Purged since the active set was read.
		return 0, nil
	}
	return count, err
}

// RunSweeper calls Sweep every interval until ctx is cancelled. Sweep errors
// are logged.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	e.logger.Info("sweeper starting", "interval", interval)

	for {
		n, err := e.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.Error("sweep failed", "error", err)
		} else if n > 0 {
			e.logger.Info("sweep retried tasks", "count", n)
		}

		if err := linger.Sleep(ctx, interval); err != nil {
			e.logger.Info("sweeper stopping", "reason", err)
			return err
		}
	}
}
