/*
Package txn implements the transaction engine: three isolation levels,
two-phase commit across any peer participants a transaction declares,
ascending shard-lock ordering to avoid deadlock between concurrent
multi-shard transactions, and signed witness emission on commit.

Every object write, find and count — including the single-operation
convenience calls the enclave layer presents as PutObject/RemoveObject/
FindObjects/etc — runs through ExecuteTransaction, so there is exactly
one commit path to reason about. Single-key reads such as the enclave
layer's GetObject and HasObject read the primary index and ledger
directly instead.
*/
package txn
