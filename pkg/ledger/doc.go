/*
Package ledger implements the sharded, append-only event ledger: each
shard is a sequence of Blocks, a Block is pending (appendable) or sealed
(immutable), and every Event an application writes is appended to the
current pending block of the shard its key hashes to.

Builds on pkg/buffer for the page cache a Block's bytes live in.
*/
package ledger
