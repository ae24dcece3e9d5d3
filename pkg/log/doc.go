/*
Package log provides structured logging for the enclave using zerolog.

It wraps zerolog to give every subsystem (buffer manager, ledger, index,
transaction engine) a child logger carrying structured fields instead of
reaching for a process-wide logging singleton directly — each subsystem
is handed its own zerolog.Logger at construction time; only the
process-level Init function and Logger variable are shared.
*/
package log
