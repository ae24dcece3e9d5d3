/*
Package lockhandle implements the per-operation lock handle: every read
or write acquires shard locks through a Handle rather than locking
shards directly, so that a panic, an early return, or an aborted
transaction can never leave a shard locked. Locks are always acquired in
ascending shard-id order to avoid the classic lock-ordering deadlock
between two concurrent multi-shard transactions.
*/
package lockhandle
