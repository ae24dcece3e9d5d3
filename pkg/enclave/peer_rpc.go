package enclave

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/lockhandle"
	"github.com/cuemby/enclavedb/pkg/peer"
	"github.com/cuemby/enclavedb/pkg/txn"
	"github.com/cuemby/enclavedb/pkg/types"
	"github.com/cuemby/enclavedb/pkg/witness"
)

// preparedTxn is this enclave's bookkeeping for one distributed
// transaction it has agreed to participate in as a peer: the shard
// locks reserved during Prepare, held until Commit or Abort releases
// them, and the ledger entry Prepare was asked to validate.
type preparedTxn struct {
	handle *lockhandle.Handle
	entry  types.TransactionLedgerEntry
}

var _ peer.RPC = (*Enclave)(nil)

// AddPeer registers rpc under name in this enclave's peer set, so a
// later ExecuteTransaction call that passes a nil peers map reaches it.
// Peers are typically wired after construction, once every enclave in a
// cluster has been created and can be referenced by the others.
func (e *Enclave) AddPeer(name string, rpc peer.RPC) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[name] = rpc
}

// RemovePeer drops name from this enclave's peer set.
func (e *Enclave) RemovePeer(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, name)
}

// Prepare is called by a coordinating enclave asking this instance to
// take its share of locks for a distributed transaction ahead of
// commit. The interface this enclave consumes as a 2PC participant
// conveys only the already-reserved event-ids in entry, not the
// originating operations themselves, so this side's contribution is
// limited to reserving the shards those event-ids fall in; it cannot
// independently apply writes it was never given.
func (e *Enclave) Prepare(ctx context.Context, peerTxID string, entry types.TransactionLedgerEntry) (bool, error) {
	var locks []lockhandle.OrderedLock
	for shard := range entry.Bounds() {
		locks = append(locks, lockhandle.OrderedLock{Shard: shard, Write: true})
	}

	handle := lockhandle.New(e.locks)
	if err := handle.AcquireOrdered(locks, false); err != nil {
		return false, nil
	}

	e.mu.Lock()
	e.prepared[peerTxID] = &preparedTxn{handle: handle, entry: entry}
	e.mu.Unlock()
	return true, nil
}

// Commit releases peerTxID's reserved locks and returns a signed
// witness over the transaction's originating identity and reserved
// write-set positions, the most this enclave can attest to given entry
// never carried the transaction's actual operations.
func (e *Enclave) Commit(ctx context.Context, peerTxID string) ([]byte, error) {
	e.mu.Lock()
	p, ok := e.prepared[peerTxID]
	delete(e.prepared, peerTxID)
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("enclave: commit: unknown peer transaction %q", peerTxID)
	}
	defer p.handle.ReleaseAll()

	ops := make([]witness.OpRecord, 0, len(p.entry.WriteSet))
	for _, id := range p.entry.WriteSet {
		ops = append(ops, witness.OpRecord{Type: types.NewVersion, Shard: id.Shard, Block: id.Block, Index: id.Index})
	}
	w := witness.Witness{Isolation: txn.Serializable.String(), Identity: p.entry.OriginUID, Operations: ops}
	signed, err := w.Sign(e.signer)
	if err != nil {
		return nil, fmt.Errorf("enclave: commit: sign witness: %w", err)
	}
	return []byte(signed.Armor()), nil
}

// Abort releases peerTxID's reserved locks without applying anything.
func (e *Enclave) Abort(ctx context.Context, peerTxID string) error {
	e.mu.Lock()
	p, ok := e.prepared[peerTxID]
	delete(e.prepared, peerTxID)
	e.mu.Unlock()
	if ok {
		p.handle.ReleaseAll()
	}
	return nil
}

// PushIndexUpdate invalidates a secondary-index page this replica has
// cached, so the next lookup reloads it from the page store instead of
// serving stale data.
func (e *Enclave) PushIndexUpdate(ctx context.Context, collection string, change peer.IndexChange) error {
	e.mu.Lock()
	var mgrs []*buffer.Manager
	prefix := collection + "/"
	for key, mgr := range e.secondary {
		if strings.HasPrefix(key, prefix) {
			mgrs = append(mgrs, mgr)
		}
	}
	e.mu.Unlock()

	for _, mgr := range mgrs {
		mgr.Discard(change.InvalidatedPageNo)
	}
	return nil
}

// ReadFromUpstreamDisk reads one page directly from this enclave's own
// page store, bypassing its buffer manager's cache. Used by a
// downstream replica recovering from staleness it could not resolve
// from its own cache.
func (e *Enclave) ReadFromUpstreamDisk(ctx context.Context, pageName string) ([]byte, error) {
	data, err := e.store.Read(ctx, pageName)
	if err != nil {
		return nil, fmt.Errorf("enclave: read from upstream disk: %w", err)
	}
	return data, nil
}

// NotifyTrigger runs this enclave's locally registered triggers for
// collection/key against event, without re-forwarding to any further
// peer (forwarding is single-hop only).
func (e *Enclave) NotifyTrigger(ctx context.Context, collection, key string, event types.Event) error {
	col, ok := e.engine.Collection(collection)
	if !ok {
		return nil
	}
	return col.RunLocalTriggers(ctx, key, event)
}
