// Package lock implements multi-granularity hierarchical locking for
// txnkernel's concurrency control layer.
//
// # Overview
//
// Resources form a tree (database → table → page → record), and a
// transaction locking a node must first hold an intent lock on every
// ancestor. This lets one transaction lock a whole table with a single [S]
// or [X] while another works record-by-record beneath a sibling table, with
// conflicts detected at the coarsest level where they matter.
//
// Six lock modes are supported:
//
//   - [NL]  — no lock; the absence of a claim.
//   - [IS]  — intent to take shared locks on descendants.
//   - [IX]  — intent to take exclusive locks on descendants.
//   - [S]   — shared read of this node and its whole subtree.
//   - [SIX] — S plus IX: read everything, write selected descendants.
//   - [X]   — exclusive ownership of this node and its subtree.
//
// [Compatible] answers whether two holders can coexist on one resource,
// [Substitutable] whether one mode can stand in for another, and
// [CanBeParentLock] whether a parent's mode admits a child's.
//
// # Components
//
// [EnsureSufficient] is the entry point clients use: given a context and a
// requested mode, it issues whatever acquires, promotions, and escalations
// make the transaction's effective mode sufficient. Internally it drives
// three layers:
//
//   - [Table]     — the flat per-resource manager: granted-lock lists in
//     grant order, strict-FIFO wait queues, and the atomic
//     acquire/release/promote/acquire-and-release operations.
//   - [Context]   — one node of the hierarchy, wrapping [Table] with the
//     intent-lock discipline, descendant-lock counting, promotion to [SIX]
//     with redundant-descendant cleanup, and escalation.
//   - [Hierarchy] — the lazily built, cached tree of contexts over one
//     [Table].
//
// # Blocking
//
// A request that cannot be granted immediately enqueues and parks its
// transaction's goroutine. The queue is drained strictly front to back on
// every release: a waiter incompatible with the current holders blocks every
// waiter behind it, preserving FIFO fairness. Parking uses the transaction's
// prepare/block handshake so a grant that races the park is never lost; no
// lock-table operation sleeps while holding the table mutex.
//
// Waits are indefinite. Deadlock avoidance is the caller's job, by acquiring
// strictly top-down through the hierarchy.
package lock
