// Package store implements the handle-indexed entity store that every
// long-lived engine entity is persisted through.
//
// Entities are identified by an opaque, monotonically assigned Handle. An
// Entities[T] cache loads rows lazily from a Backend, builds entities through a
// Mapper factory, runs post-load hooks that pull auxiliary child rows into the
// entity, and writes mutations back inside an explicit unit of work (Txn).
//
// # Coherence
//
//   - Every mutating operation runs inside DB.Update; there is no implicit
//     transaction.
//   - The shared cache is written only after the backend transaction commits
//     (write-then-cache). Entities loaded or created inside a transaction are
//     staged on the Txn and published by a commit hook.
//   - A rolled back transaction evicts every handle it touched, so in-place
//     mutations made by a failed operation are never observed again.
//   - A transaction publishes an entity it only read unless a writer committed,
//     removed or rolled back that handle after the transaction began. A view
//     that raced with a Remove cannot bring the removed entity back.
//   - Cached objects are shared by all callers of one process. Mutating one is
//     only valid under the caller's own serialization discipline (the engine
//     holds a per-instance lock), and references must be re-fetched by handle
//     in every new transaction.
//
// Backends live in the sqlitestore, boltstore and memstore sub-packages and
// share the conformance suite in storetest.
package store
