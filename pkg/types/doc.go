/*
Package types defines the core data structures shared by every layer of
the enclave's data plane: events, shard ids, event identifiers and
positions, and the transaction ledger entry that stitches cross-shard
writes together.

These types carry no behavior beyond small invariant-preserving helpers
(sentinel checks, ordering comparisons); the packages that own storage
and mutation semantics (pkg/ledger, pkg/index, pkg/txn) operate on them.
*/
package types
