// Package store provides durable storage for replicated event logs.
//
// The store is a set of ordered keyspaces on top of a pluggable Driver:
//   - system_states: encoded SystemState projection per system
//   - process_states: ProcessState (clock, RangeSet, indices) per process
//   - events: the signed event, or a tombstone, per (system, process, clock)
//   - index_claims: claim events per system, for keyset pagination
//   - meta: the local process secret
//
// # Critical Patterns
//
// Atomic batches
//   - Every logical write (event + process state + system state + index)
//     goes through one Batch and one Driver.Commit
//   - Readers never observe part of a batch
//
// Ordered keys
//   - Integers in keys are big-endian so byte order is numeric order
//   - A prefix scan over a system or process key visits exactly its records
//
// Bounded tombstones
//   - A tombstone holds the pointer of the deleting event
//   - GetSignedEvent follows at most one hop; longer chains are reported
//     as absent and logged
//
// # Drivers
//
//   - sqlite (default): WAL mode, synchronous=NORMAL, busy_timeout=5000,
//     a single connection, schema migrations via PRAGMA user_version
//   - bolt: one bbolt bucket per keyspace
//   - memory: one B-tree per keyspace, for tests and ephemeral replicas
package store
