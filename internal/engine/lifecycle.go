package engine

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/roach88/procflow/internal/store"
)

// Recover rebuilds the set of active process instances from the store. It
// must be called once after New, before the engine is used.
//
// With WithRedispatchOnRecover, tasks that were in flight when the engine
// stopped are moved to FailRetry and become due for the next sweep.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	var handles []store.Handle

	err := e.db.View(ctx, func(txn *store.Txn) error {
		return e.instances.Each(txn, func(p *ProcessInstance) error {
			if p.active() {
				handles = append(handles, p.Handle)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	e.m.Lock()
	for _, h := range handles {
		e.active[h] = struct{}{}
	}
	e.m.Unlock()

	if e.redispatch {
		for _, h := range handles {
			if _, err := e.withInstance(ctx, h, (*op).requeueInFlight); err != nil {
				return len(handles), fmt.Errorf("recover instance %d: %w", h, err)
			}
		}
	}

	e.logger.Info("engine recovered",
		"active_instances", len(handles),
		"redispatch", e.redispatch,
	)
	return len(handles), nil
}

// requeueInFlight moves every thread with a task in flight to FailRetry, due
// immediately.
func (o *op) requeueInFlight() error {
	for _, h := range o.inst.Threads {
		n, err := o.node(h)
		if err != nil {
			return err
		}
		if !n.State.InFlight() {
			continue
		}
		if err := o.transition(n, FailRetry); err != nil {
			return err
		}
		n.Cause = "dispatch lost on restart"
		n.RetryAt = o.now
		if err := o.save(n); err != nil {
			return err
		}
	}
	return nil
}

// CancelInstance cancels process instance h and reports it to the listener.
// Every unfinished node instance is withdrawn, including Failed threads that
// would otherwise keep the instance active. Cancelling an instance that is no
// longer active does nothing.
func (e *Engine) CancelInstance(ctx context.Context, h store.Handle) error {
	o, err := e.withInstance(ctx, h, func(o *op) error {
		if !o.inst.active() {
			return nil
		}
		if err := o.withdrawAll("process cancelled"); err != nil {
			return err
		}
		o.inst.Status = StatusCancelled
		o.cancelled = true
		o.dirty = true
		return nil
	})
	if err != nil {
		e.logger.Error("failed to cancel process instance",
			"instance", h,
			"error", err,
		)
		return fmt.Errorf("cancel instance %d: %w", h, err)
	}

	if !o.cancelled {
		return nil
	}

	if err := e.listener.InstanceCancelled(ctx, o.inst.snapshot()); err != nil {
		e.logger.Error("listener failed to handle cancelled instance",
			"instance", h,
			"error", err,
		)
		return fmt.Errorf("notify cancelled instance %d: %w", h, err)
	}

	e.logger.Info("process cancelled", "instance", h)
	return nil
}

// CancelAll cancels every active process instance and reports each one to
// the listener.
//
// It does not stop at the first failure: every instance is attempted, every
// failure is logged, and the failures are returned together.
func (e *Engine) CancelAll(ctx context.Context) error {
	var errs error
	for _, h := range e.ListActiveInstances() {
		errs = multierr.Append(errs, e.CancelInstance(ctx, h))
	}
	return errs
}

// Purge removes every process instance that is no longer active, together
// with its node instances. It returns the number of instances removed.
func (e *Engine) Purge(ctx context.Context) (int, error) {
	var n int

	err := e.db.Update(ctx, func(txn *store.Txn) error {
		var err error
		n, err = e.instances.Clear(txn, func(p *ProcessInstance) bool {
			return !e.isActive(p.Handle)
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}

	if n > 0 {
		e.logger.Info("purged process instances", "count", n)
	}
	return n, nil
}
