/*
Package buffer implements the in-enclave page cache: pages are sharded
into stripes by page-number modulus, each stripe owns a reader/writer
lock over its page map plus a separate eviction list and budget, and
handles are reference-counting pin tokens that keep a page resident
until every caller has released it.

Builds on pkg/security for the page sealing this manager applies before
writing through to a pagestore.Store.
*/
package buffer
