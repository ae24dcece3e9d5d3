// Package metrics exposes prometheus counters and gauges for the
// enclave's internal subsystems (buffer manager, ledger, index,
// transaction engine): mutation counters are incremented inline by
// their subsystem, and a Collector polls point-in-time gauges on a
// ticker.
package metrics
