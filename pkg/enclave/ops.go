package enclave

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/iterator"
	"github.com/cuemby/enclavedb/pkg/peer"
	"github.com/cuemby/enclavedb/pkg/policy"
	"github.com/cuemby/enclavedb/pkg/txn"
	"github.com/cuemby/enclavedb/pkg/types"
	"github.com/cuemby/enclavedb/pkg/witness"
)

// notFound builds the sentinel NotFound error every read/write op
// recovers locally.
func notFound(collection, key string) *Error {
	return NewError(KindNotFound, fmt.Errorf("enclave: %s/%s not found", collection, key))
}

// currentValue fetches key's policy-visible current value and its head
// event-id, the shared first step behind GetObject, HasObject, and the
// key.path decomposition PutObject/AddToObject need.
func (e *Enclave) currentValue(ctx context.Context, col *txn.Collection, identity, opName, key string) (types.Event, types.EventID, bool, error) {
	head, found, err := col.Primary.Get(ctx, key)
	if err != nil || !found {
		return types.Event{}, types.InvalidEventID, false, err
	}
	ev, ok, err := iterator.CurrentValue(ctx, e.ledger, e.evaluator, col.Policy(), policy.OpContext{Identity: identity, OpName: opName}, key, head)
	return ev, head, ok, err
}

// GetObject returns key's current value (or the value at its dotted
// sub-path, if keyPath carries one) and the event-id it was read at.
func (e *Enclave) GetObject(ctx context.Context, identity, collection, keyPath string) (json.RawMessage, types.EventID, *Error) {
	col, err := e.ensureCollection(collection)
	if err != nil {
		return nil, types.InvalidEventID, classify(err)
	}
	key, segs := splitKeyPath(keyPath)
	ev, head, ok, err := e.currentValue(ctx, col, identity, "get", key)
	if err != nil {
		return nil, types.InvalidEventID, classify(err)
	}
	if !ok {
		return nil, types.InvalidEventID, notFound(collection, key)
	}
	if len(segs) == 0 {
		return ev.Value, head, nil
	}
	doc, derr := index.DecodeDocument(ev.Value)
	if derr != nil {
		return nil, types.InvalidEventID, classify(derr)
	}
	v, ok := valueAtSegs(doc, segs)
	if !ok {
		return nil, types.InvalidEventID, notFound(collection, keyPath)
	}
	raw, merr := json.Marshal(v)
	if merr != nil {
		return nil, types.InvalidEventID, NewError(KindInternal, merr)
	}
	return raw, head, nil
}

// GetObjectWithWitness is GetObject plus a signed witness over the read.
func (e *Enclave) GetObjectWithWitness(ctx context.Context, identity, collection, keyPath string) (json.RawMessage, types.EventID, *witness.Signed, *Error) {
	value, head, gerr := e.GetObject(ctx, identity, collection, keyPath)
	if gerr != nil {
		return nil, types.InvalidEventID, nil, gerr
	}
	w := witness.Witness{
		Isolation: txn.ReadCommitted.String(),
		Identity:  identity,
		Operations: []witness.OpRecord{
			{Type: types.NewVersion, Key: keyPath, Shard: head.Shard, Block: head.Block, Index: head.Index, Content: value},
		},
	}
	signed, err := w.Sign(e.signer)
	if err != nil {
		return value, head, nil, NewError(KindInternal, err)
	}
	return value, head, signed, nil
}

// HasObject reports whether key (or its dotted sub-path) currently has a
// policy-visible value.
func (e *Enclave) HasObject(ctx context.Context, identity, collection, keyPath string) (bool, *Error) {
	_, _, gerr := e.GetObject(ctx, identity, collection, keyPath)
	if gerr == nil {
		return true, nil
	}
	if gerr.Kind == KindNotFound {
		return false, nil
	}
	return false, gerr
}

// CheckObject reports whether key's current document exists and
// satisfies every condition in conds.
func (e *Enclave) CheckObject(ctx context.Context, identity, collection, key string, conds []index.Condition) (bool, *Error) {
	value, _, gerr := e.GetObject(ctx, identity, collection, key)
	if gerr != nil {
		if gerr.Kind == KindNotFound {
			return false, nil
		}
		return false, gerr
	}
	if len(conds) == 0 {
		return true, nil
	}
	doc, err := index.DecodeDocument(value)
	if err != nil {
		return false, classify(err)
	}
	return index.EvalAll(doc, conds), nil
}

// PutObject writes doc at key, or at key's dotted sub-path (merging it
// into the whole document and writing that back, with a trailing "+"
// segment appending rather than replacing) if keyPath carries one.
func (e *Enclave) PutObject(ctx context.Context, identity, collection, keyPath string, doc json.RawMessage) (types.EventID, *Error) {
	col, err := e.ensureCollection(collection)
	if err != nil {
		return types.InvalidEventID, classify(err)
	}
	key, segs := splitKeyPath(keyPath)
	value := doc
	if len(segs) > 0 {
		var base json.RawMessage
		if ev, _, ok, cerr := e.currentValue(ctx, col, identity, "get", key); cerr == nil && ok {
			base = ev.Value
		} else if cerr != nil {
			return types.InvalidEventID, classify(cerr)
		}
		value, err = applyAtPath(base, segs, doc)
		if err != nil {
			return types.InvalidEventID, NewError(KindInvalidArgument, err)
		}
	}

	results, _, _, err := e.engine.ExecuteTransaction(ctx, txn.ReadCommitted, identity, []txn.Op{
		{Type: txn.OpPut, Collection: collection, Key: key, Value: value},
	}, nil)
	if err != nil {
		return types.InvalidEventID, classify(err)
	}
	return results[0].EventID, nil
}

// PutObjectWithoutKey generates a fresh key (a uuid) and puts doc under
// it, returning the generated key alongside the event-id.
func (e *Enclave) PutObjectWithoutKey(ctx context.Context, identity, collection string, doc json.RawMessage) (string, types.EventID, *Error) {
	key := newGeneratedKey()
	id, perr := e.PutObject(ctx, identity, collection, key, doc)
	return key, id, perr
}

// AddToObject merges delta's fields into key's document (or the document
// found at key's dotted sub-path).
func (e *Enclave) AddToObject(ctx context.Context, identity, collection, keyPath string, delta json.RawMessage) (types.EventID, *Error) {
	col, err := e.ensureCollection(collection)
	if err != nil {
		return types.InvalidEventID, classify(err)
	}
	key, segs := splitKeyPath(keyPath)

	if len(segs) == 0 {
		results, _, _, err := e.engine.ExecuteTransaction(ctx, txn.ReadCommitted, identity, []txn.Op{
			{Type: txn.OpAdd, Collection: collection, Key: key, Value: delta},
		}, nil)
		if err != nil {
			return types.InvalidEventID, classify(err)
		}
		return results[0].EventID, nil
	}

	var base json.RawMessage
	if ev, _, ok, cerr := e.currentValue(ctx, col, identity, "get", key); cerr == nil && ok {
		base = ev.Value
	} else if cerr != nil {
		return types.InvalidEventID, classify(cerr)
	}
	merged, err := applyAtPath(base, segs, delta)
	if err != nil {
		return types.InvalidEventID, NewError(KindInvalidArgument, err)
	}
	results, _, _, err := e.engine.ExecuteTransaction(ctx, txn.ReadCommitted, identity, []txn.Op{
		{Type: txn.OpPut, Collection: collection, Key: key, Value: merged},
	}, nil)
	if err != nil {
		return types.InvalidEventID, classify(err)
	}
	return results[0].EventID, nil
}

// RemoveObject deletes key, appending a Deletion event so the key's
// history remains reachable through GetObjectHistory.
func (e *Enclave) RemoveObject(ctx context.Context, identity, collection, key string) (types.EventID, *Error) {
	if _, err := e.ensureCollection(collection); err != nil {
		return types.InvalidEventID, classify(err)
	}
	results, _, _, err := e.engine.ExecuteTransaction(ctx, txn.ReadCommitted, identity, []txn.Op{
		{Type: txn.OpRemove, Collection: collection, Key: key},
	}, nil)
	if err != nil {
		return types.InvalidEventID, classify(err)
	}
	if !results[0].Found {
		return types.InvalidEventID, notFound(collection, key)
	}
	return results[0].EventID, nil
}

// GetObjectHistory returns every policy-visible version of key, most
// recent first, stopping at (and excluding) the first Deletion
// tombstone it walks past.
func (e *Enclave) GetObjectHistory(ctx context.Context, identity, collection, key string) ([]json.RawMessage, *Error) {
	col, err := e.ensureCollection(collection)
	if err != nil {
		return nil, classify(err)
	}
	head, found, err := col.Primary.Get(ctx, key)
	if err != nil {
		return nil, classify(err)
	}
	if !found {
		return nil, notFound(collection, key)
	}

	it := iterator.NewObjectIterator(e.ledger, e.evaluator, col.Policy(), policy.OpContext{Identity: identity, OpName: "history"}, key, head)
	var out []json.RawMessage
	for {
		ev, ok, nerr := it.Next(ctx)
		if nerr != nil {
			return nil, classify(nerr)
		}
		if !ok {
			break
		}
		if ev.Type == types.Deletion {
			break
		}
		out = append(out, ev.Value)
	}
	return out, nil
}

// FindObjects returns every key in collection whose current document
// satisfies every condition in conds, along with its decoded document.
func (e *Enclave) FindObjects(ctx context.Context, identity, collection string, conds []index.Condition) (map[string]json.RawMessage, *Error) {
	if _, err := e.ensureCollection(collection); err != nil {
		return nil, classify(err)
	}
	results, _, _, err := e.engine.ExecuteTransaction(ctx, txn.ReadCommitted, identity, []txn.Op{
		{Type: txn.OpFind, Collection: collection, Conds: conds},
	}, nil)
	if err != nil {
		return nil, classify(err)
	}
	return results[0].Docs, nil
}

// CountObjects is FindObjects without materializing matching documents.
func (e *Enclave) CountObjects(ctx context.Context, identity, collection string, conds []index.Condition) (int, *Error) {
	if _, err := e.ensureCollection(collection); err != nil {
		return 0, classify(err)
	}
	results, _, _, err := e.engine.ExecuteTransaction(ctx, txn.ReadCommitted, identity, []txn.Op{
		{Type: txn.OpCount, Collection: collection, Conds: conds},
	}, nil)
	if err != nil {
		return 0, classify(err)
	}
	return results[0].Count, nil
}

// CreateIndex installs a secondary index named name over path on
// collection, building it a dedicated buffer manager so its bucket
// pages never collide with another index's.
func (e *Enclave) CreateIndex(collection, name, path string) *Error {
	if _, err := e.ensureCollection(collection); err != nil {
		return classify(err)
	}

	e.mu.Lock()
	mgrKey := collection + "/" + name
	mgr, ok := e.secondary[mgrKey]
	if !ok {
		mgr = buildBufferManager(e, "sec_"+collection+"_"+name)
		e.secondary[mgrKey] = mgr
	}
	e.mu.Unlock()

	idx, err := index.NewSecondaryIndex(context.Background(), mgr, name, path, e.cfg.SecondaryBuckets, e.cfg.IndexStripes)
	if err != nil {
		return classify(err)
	}
	if err := e.engine.CreateIndex(collection, name, path, idx); err != nil {
		return classify(err)
	}
	return nil
}

// DropIndex removes a secondary index by name.
func (e *Enclave) DropIndex(collection, name string) *Error {
	if err := e.engine.DropIndex(collection, name); err != nil {
		return classify(err)
	}
	return nil
}

// Clear removes every key from collection.
func (e *Enclave) Clear(ctx context.Context, collection string) *Error {
	if _, err := e.ensureCollection(collection); err != nil {
		return classify(err)
	}
	if err := e.engine.Clear(ctx, collection); err != nil {
		return classify(err)
	}
	return nil
}

// DiffVersions returns a structural diff between two versions of the
// same key.
func (e *Enclave) DiffVersions(ctx context.Context, collection string, a, b types.EventID) (json.RawMessage, *Error) {
	if _, err := e.ensureCollection(collection); err != nil {
		return nil, classify(err)
	}
	diff, err := e.engine.DiffVersions(ctx, a, b)
	if err != nil {
		return nil, classify(err)
	}
	return diff, nil
}

// ExecuteTransaction runs a multi-op transaction, registering any
// collection it references that has not been seen before. A nil peers
// map runs against this enclave's configured peer set; pass an empty,
// non-nil map to force a purely local transaction regardless of
// configured peers.
func (e *Enclave) ExecuteTransaction(ctx context.Context, isolation txn.IsolationLevel, identity string, ops []txn.Op, peers map[string]peer.RPC) ([]txn.OpResult, *witness.Signed, map[string]*witness.Signed, *Error) {
	for _, op := range ops {
		if _, err := e.ensureCollection(op.Collection); err != nil {
			return nil, nil, nil, classify(err)
		}
	}
	if peers == nil {
		e.mu.Lock()
		peers = make(map[string]peer.RPC, len(e.peers))
		for name, rpc := range e.peers {
			peers[name] = rpc
		}
		e.mu.Unlock()
	}
	results, signed, peerWitnesses, err := e.engine.ExecuteTransaction(ctx, isolation, identity, ops, peers)
	if err != nil {
		return nil, nil, nil, classify(err)
	}
	return results, signed, peerWitnesses, nil
}

// OrderEvents compares two event-ids.
func (e *Enclave) OrderEvents(a, b types.EventID) types.Order {
	return e.engine.OrderEvents(a, b)
}

// CreateWitness builds and signs a witness over a caller-supplied list of
// event-ids, each read directly off the ledger. Unlike GetObjectWithWitness,
// this opcode is not handed the application key an event belongs to, so
// the resulting OpRecords carry the position and content of each event
// but an empty Key field.
func (e *Enclave) CreateWitness(ctx context.Context, isolation txn.IsolationLevel, identity string, ids []types.EventID) (*witness.Signed, *Error) {
	ops := make([]witness.OpRecord, 0, len(ids))
	for _, id := range ids {
		ev, err := e.ledger.ReadEvent(ctx, id)
		if err != nil {
			return nil, classify(err)
		}
		ops = append(ops, witness.OpRecord{Type: ev.Type, Shard: id.Shard, Block: id.Block, Index: id.Index, Content: ev.Value})
	}
	w := witness.Witness{Isolation: isolation.String(), Identity: identity, Operations: ops}
	signed, err := w.Sign(e.signer)
	if err != nil {
		return nil, NewError(KindInternal, err)
	}
	return signed, nil
}

// SetTrigger registers a local callback fired after every commit that
// changes collection/key.
func (e *Enclave) SetTrigger(collection, key string, cb txn.TriggerFunc, peerName string) *Error {
	if _, err := e.ensureCollection(collection); err != nil {
		return classify(err)
	}
	if err := e.engine.SetTrigger(collection, key, cb, peerName); err != nil {
		return classify(err)
	}
	return nil
}

// UnsetTrigger removes every trigger registered against collection/key.
func (e *Enclave) UnsetTrigger(collection, key string) *Error {
	if err := e.engine.UnsetTrigger(collection, key); err != nil {
		return classify(err)
	}
	return nil
}
