package engine

import "context"

// Listener is notified when process instances leave the active set.
//
// Notifications are delivered after the instance lock is released and the
// transaction has committed.
type Listener interface {
	// InstanceRetired is called when every end node of an instance has been
	// reached.
	InstanceRetired(ctx context.Context, inst InstanceSnapshot)

	// InstanceCancelled is called for every instance cancelled by CancelAll.
	InstanceCancelled(ctx context.Context, inst InstanceSnapshot) error
}

type nopListener struct{}

func (nopListener) InstanceRetired(context.Context, InstanceSnapshot) {}

func (nopListener) InstanceCancelled(context.Context, InstanceSnapshot) error { return nil }
