/*
Package index implements the primary key→event-id map, the secondary
value→key multi-map, and the query planner that chooses between them.
Both maps share the same open-hash shape: a fixed bucket count, ~64
stripe locks over those buckets, and paged nodes that chain to a
successor once a bucket's root node reaches its byte budget.
*/
package index
