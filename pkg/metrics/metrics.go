package metrics

import "github.com/prometheus/client_golang/prometheus"

// Counters incremented directly by the subsystems they
// describe (buffer manager, ledger, index, transaction engine).
var (
	PagesLoaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclavedb_buffer_pages_loaded_total",
		Help: "Pages loaded from the page store into the buffer cache.",
	})
	PagesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclavedb_buffer_pages_evicted_total",
		Help: "Pages evicted from the buffer cache.",
	})
	PagesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclavedb_buffer_pages_flushed_total",
		Help: "Dirty pages serialized and written through to the page store.",
	})
	StalenessReloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclavedb_buffer_staleness_reloads_total",
		Help: "Pages reloaded after observing a version older than expected.",
	})

	BlocksSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclavedb_ledger_blocks_sealed_total",
		Help: "Blocks sealed and rotated out of pending state.",
	})
	EventsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enclavedb_ledger_events_appended_total",
		Help: "Events appended to the ledger, by event type.",
	}, []string{"event_type"})

	IndexNodeSplits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclavedb_index_node_splits_total",
		Help: "Successor nodes allocated because a bucket's root node was full.",
	})

	TransactionsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclavedb_txn_committed_total",
		Help: "Transactions committed.",
	})
	TransactionsAborted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enclavedb_txn_aborted_total",
		Help: "Transactions aborted, by reason.",
	}, []string{"reason"})
	WitnessesSigned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclavedb_witness_signed_total",
		Help: "Witnesses successfully signed.",
	})
	WitnessSignFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enclavedb_witness_sign_failures_total",
		Help: "Witness signing failures (commit still applied).",
	})
)

// Gauges refreshed periodically by Collector from a StatsSource.
var (
	PinnedPages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enclavedb_buffer_pinned_pages",
		Help: "Pages currently pinned across all buffer stripes.",
	})
	PendingTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enclavedb_txn_pending",
		Help: "Transactions currently in Pending or Prepared state.",
	})
)

// Registry is the collector all of the above are registered against;
// callers wanting an HTTP /metrics endpoint serve this with
// promhttp.HandlerFor(metrics.Registry, ...).
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		PagesLoaded, PagesEvicted, PagesFlushed, StalenessReloads,
		BlocksSealed, EventsAppended, IndexNodeSplits,
		TransactionsCommitted, TransactionsAborted,
		WitnessesSigned, WitnessSignFailures,
		PinnedPages, PendingTransactions,
	)
}
