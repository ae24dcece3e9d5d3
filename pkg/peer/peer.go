package peer

import (
	"context"

	"github.com/cuemby/enclavedb/pkg/types"
)

// IndexChange describes one secondary-index bucket mutation propagated
// from a primary enclave to its downstream replicas, so a replica's
// buffer manager can invalidate the affected page instead of serving a
// stale cached version.
type IndexChange struct {
	BucketID          uint64
	NewVersion        uint64
	NewRootPageNo     uint64
	InvalidatedPageNo uint64
}

// RPC is the surface a peer enclave exposes to this one during a
// distributed transaction, replica index propagation, and single-hop
// trigger forwarding. A concrete transport (gRPC, an attested channel)
// implements this outside this module.
type RPC interface {
	// Prepare asks the peer to validate and tentatively lock its share of
	// a transaction, returning false (not an error) if it declines.
	Prepare(ctx context.Context, peerTxID string, entry types.TransactionLedgerEntry) (bool, error)
	// Commit tells a prepared peer to apply its writes and release its
	// locks, returning that peer's signed witness bytes.
	Commit(ctx context.Context, peerTxID string) ([]byte, error)
	// Abort tells a prepared (or never-prepared) peer to discard a
	// transaction and release any locks it may hold for it.
	Abort(ctx context.Context, peerTxID string) error
	// PushIndexUpdate notifies a downstream replica that one of its
	// cached secondary-index buckets is now stale.
	PushIndexUpdate(ctx context.Context, collection string, change IndexChange) error
	// ReadFromUpstreamDisk fetches a page directly from an upstream's
	// page store, used by a replica recovering from staleness it cannot
	// resolve from its own cache.
	ReadFromUpstreamDisk(ctx context.Context, pageName string) ([]byte, error)
	// NotifyTrigger forwards a committed event to a peer's own
	// registered subscribers for collection/key. Forwarding is single-hop
	// only: a peer receiving this never re-forwards it further.
	NotifyTrigger(ctx context.Context, collection, key string, event types.Event) error
}
