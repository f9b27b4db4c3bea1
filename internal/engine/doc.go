// Package engine runs process instances.
//
// The engine advances node instances through their lifecycle, synchronizes
// parallel branches at joins and persists everything through the handle
// indexed entity store.
//
// ARCHITECTURE:
//
// Per-Instance Serialization:
// Every mutating operation on a process instance (and therefore on its node
// instances and joins) runs under that instance's lock, inside exactly one
// store transaction. Different instances proceed in parallel.
//
// Operation Flow:
//  1. Resolve the owning process instance of the target handle
//  2. Acquire the instance lock
//  3. Open a store transaction and re-fetch every entity by handle
//  4. Apply the transition and its cascade (successor starts, join arrivals,
//     skips, end arrivals)
//  5. Commit; caches are published only after the commit succeeds
//  6. Release the lock, then notify the listener
//
// Dispatch:
// Activities are handed to a Dispatcher. Submit never calls back
// synchronously; outcomes arrive later on the dispatcher's goroutine and
// re-enter the engine through FinishTask and FailTask by handle. A failed
// submission is recorded as FailRetry and retried by Tickle or the sweeper.
//
// Node-Instance Lifecycle:
//
//	Pending ──▶ Sent ──▶ Taken ──▶ Started ──▶ Complete
//	   │          │        │          │
//	   └──────────┴────────┴──────────┴──▶ Cancelled | Failed | FailRetry
//	                                                           │
//	                               Sent ◀── (retry, attempts+1)┘
//
// Complete, Cancelled and Failed are terminal.
package engine
