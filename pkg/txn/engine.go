package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/iterator"
	"github.com/cuemby/enclavedb/pkg/ledger"
	"github.com/cuemby/enclavedb/pkg/lockhandle"
	"github.com/cuemby/enclavedb/pkg/metrics"
	"github.com/cuemby/enclavedb/pkg/peer"
	"github.com/cuemby/enclavedb/pkg/policy"
	"github.com/cuemby/enclavedb/pkg/security"
	"github.com/cuemby/enclavedb/pkg/types"
	"github.com/cuemby/enclavedb/pkg/witness"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IsolationLevel is one of the three isolation levels a transaction may
// run at.
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

var (
	ErrCollectionNotFound = errors.New("txn: collection not found")
	ErrPolicyRejected     = errors.New("txn: policy rejected operation")
	ErrPeerPrepareFailed  = errors.New("txn: peer declined prepare")
)

// Engine runs transactions over a set of named collections sharing one
// ledger and shard-lock space.
type Engine struct {
	ledger    *ledger.Ledger
	locker    lockhandle.ShardLocker
	signer    security.Signer
	evaluator policy.Evaluator
	log       zerolog.Logger

	mu          sync.RWMutex
	collections map[string]*Collection

	txLogMu    sync.Mutex
	txLog      map[string]types.TransactionLedgerEntry
	eventOwner map[types.EventID]string

	pending atomic.Int64
}

// New creates a transaction engine over l, acquiring shard locks through
// locker and signing witnesses with signer.
func New(l *ledger.Ledger, locker lockhandle.ShardLocker, signer security.Signer, evaluator policy.Evaluator, logger zerolog.Logger) *Engine {
	return &Engine{
		ledger: l, locker: locker, signer: signer, evaluator: evaluator, log: logger,
		collections: make(map[string]*Collection),
		txLog:       make(map[string]types.TransactionLedgerEntry),
		eventOwner:  make(map[types.EventID]string),
	}
}

// RegisterCollection adds c under its own name, replacing any collection
// previously registered with that name.
func (e *Engine) RegisterCollection(c *Collection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collections[c.Name] = c
}

// Collection looks up a registered collection by name.
func (e *Engine) Collection(name string) (*Collection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[name]
	return c, ok
}

// PendingTransactionCount implements half of metrics.StatsSource.
func (e *Engine) PendingTransactionCount() int { return int(e.pending.Load()) }

// CreateIndex installs idx (already constructed by the caller over its
// own buffer manager) on collection under name/path.
func (e *Engine) CreateIndex(collection, name, path string, idx *index.SecondaryIndex) error {
	col, ok := e.Collection(collection)
	if !ok {
		return ErrCollectionNotFound
	}
	return col.CreateIndex(name, path, idx)
}

// DropIndex removes a secondary index by name.
func (e *Engine) DropIndex(collection, name string) error {
	col, ok := e.Collection(collection)
	if !ok {
		return ErrCollectionNotFound
	}
	return col.DropIndex(name)
}

// SetTrigger registers a subscriber against collection/key.
func (e *Engine) SetTrigger(collection, key string, cb TriggerFunc, peerName string) error {
	col, ok := e.Collection(collection)
	if !ok {
		return ErrCollectionNotFound
	}
	col.SetTrigger(key, cb, peerName)
	return nil
}

// UnsetTrigger removes every subscriber registered against collection/key.
func (e *Engine) UnsetTrigger(collection, key string) error {
	col, ok := e.Collection(collection)
	if !ok {
		return ErrCollectionNotFound
	}
	col.UnsetTrigger(key)
	return nil
}

// Clear removes every key from collection, including from every
// secondary index.
func (e *Engine) Clear(ctx context.Context, collection string) error {
	col, ok := e.Collection(collection)
	if !ok {
		return ErrCollectionNotFound
	}
	keys, err := col.Primary.Keys(ctx)
	if err != nil {
		return err
	}
	secs := col.SecondaryIndexes()
	for _, key := range keys {
		head, found, err := col.Primary.Get(ctx, key)
		if err != nil {
			return err
		}
		if found {
			ev, err := e.ledger.ReadEvent(ctx, head)
			if err == nil && ev.Type != types.Deletion {
				if doc, derr := index.DecodeDocument(ev.Value); derr == nil {
					for _, si := range secs {
						if v, ok := index.ValueAtPath(doc, si.Path); ok {
							_ = si.Remove(ctx, index.ValueKey(v), key)
						}
					}
				}
			}
		}
		if err := col.Primary.Remove(ctx, key); err != nil && !errors.Is(err, index.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// DiffVersions returns a structural diff between two versions of the
// same key's value: keys added, removed, or changed between a and b.
func (e *Engine) DiffVersions(ctx context.Context, a, b types.EventID) (json.RawMessage, error) {
	evA, err := e.ledger.ReadEvent(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("txn: read version a: %w", err)
	}
	evB, err := e.ledger.ReadEvent(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("txn: read version b: %w", err)
	}
	docA, err := index.DecodeDocument(evA.Value)
	if err != nil {
		return nil, err
	}
	docB, err := index.DecodeDocument(evB.Value)
	if err != nil {
		return nil, err
	}

	added := map[string]interface{}{}
	removed := map[string]interface{}{}
	changed := map[string]interface{}{}
	for k, vb := range docB {
		if va, ok := docA[k]; !ok {
			added[k] = vb
		} else if fmt.Sprint(va) != fmt.Sprint(vb) {
			changed[k] = vb
		}
	}
	for k, va := range docA {
		if _, ok := docB[k]; !ok {
			removed[k] = va
		}
	}
	return json.Marshal(map[string]interface{}{"added": added, "removed": removed, "changed": changed})
}

// OrderEvents compares two event-ids, resolving cross-shard order through
// the transactions that produced them when they differ in shard.
func (e *Engine) OrderEvents(a, b types.EventID) types.Order {
	if a.Shard == b.Shard {
		return types.OrderLocal(a, b)
	}
	e.txLogMu.Lock()
	defer e.txLogMu.Unlock()
	txA, okA := e.txLog[e.eventOwner[a]]
	txB, okB := e.txLog[e.eventOwner[b]]
	if !okA || !okB {
		return types.UnknownOrder
	}
	return types.OrderViaTransactions(a.Shard, b.Shard, &txA, &txB)
}

func mergeDocuments(base map[string]interface{}, patch json.RawMessage) (map[string]interface{}, error) {
	var patchMap map[string]interface{}
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &patchMap); err != nil {
			return nil, fmt.Errorf("txn: decode add patch: %w", err)
		}
	}
	out := make(map[string]interface{}, len(base)+len(patchMap))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patchMap {
		out[k] = v
	}
	return out, nil
}

// ExecuteTransaction is the entry point every object write, find and
// count runs through, whether it is a one-op convenience call or a
// multi-op application transaction. peers, if non-empty, names the
// other enclaves participating in two-phase commit for this
// transaction; a nil/empty map runs entirely locally.
func (e *Engine) ExecuteTransaction(ctx context.Context, isolation IsolationLevel, identity string, ops []Op, peers map[string]peer.RPC) ([]OpResult, *witness.Signed, map[string]*witness.Signed, error) {
	txID := uuid.NewString()

	cols := make([]*Collection, len(ops))
	for i, op := range ops {
		col, ok := e.Collection(op.Collection)
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, op.Collection)
		}
		cols[i] = col
	}

	writeShards := map[types.ShardID]struct{}{}
	readShards := map[types.ShardID]struct{}{}
	needsFullScan := false
	for _, op := range ops {
		switch {
		case op.Type.isWrite():
			writeShards[e.ledger.ShardFor(op.Key)] = struct{}{}
		case op.Type == OpGet:
			if isolation != ReadCommitted {
				readShards[e.ledger.ShardFor(op.Key)] = struct{}{}
			}
		case op.Type == OpFind || op.Type == OpCount:
			if isolation == Serializable {
				needsFullScan = true
			}
		}
	}
	if needsFullScan {
		for s := types.ShardID(0); s < types.ShardID(e.ledger.NumShards()); s++ {
			readShards[s] = struct{}{}
		}
	}
	for s := range writeShards {
		delete(readShards, s)
	}

	var ordered []lockhandle.OrderedLock
	for s := range writeShards {
		ordered = append(ordered, lockhandle.OrderedLock{Shard: s, Write: true})
	}
	for s := range readShards {
		ordered = append(ordered, lockhandle.OrderedLock{Shard: s, Write: false})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Shard < ordered[j].Shard })

	handle := lockhandle.New(e.locker)
	if err := handle.AcquireOrdered(ordered, true); err != nil {
		return nil, nil, nil, err
	}
	released := false
	release := func() {
		if !released {
			handle.ReleaseAll()
			released = true
		}
	}
	defer release()

	e.pending.Add(1)
	defer e.pending.Add(-1)

	perShardWriteOps := map[types.ShardID][]int{}
	for i, op := range ops {
		if op.Type.isWrite() {
			shard := e.ledger.ShardFor(op.Key)
			perShardWriteOps[shard] = append(perShardWriteOps[shard], i)
		}
	}
	reserved := map[int]types.EventID{}
	for shard, idxs := range perShardWriteOps {
		ids, err := e.ledger.PeekNextEventIDs(ctx, shard, len(idxs))
		if err != nil {
			return nil, nil, nil, err
		}
		for j, opIdx := range idxs {
			reserved[opIdx] = ids[j]
		}
	}

	entry := types.TransactionLedgerEntry{OriginUID: identity, LocalTxID: txID, OpContexts: map[string]string{}}
	var reservedWriteSet []types.EventID
	for _, id := range reserved {
		reservedWriteSet = append(reservedWriteSet, id)
	}

	if len(peers) > 0 {
		prepEntry := entry
		prepEntry.WriteSet = reservedWriteSet
		type prepTask struct {
			name string
			task *Task[bool]
		}
		var tasks []prepTask
		for name, rpc := range peers {
			name, rpc := name, rpc
			tasks = append(tasks, prepTask{name, Spawn(func() (bool, error) { return rpc.Prepare(ctx, txID, prepEntry) })})
		}
		for i, t := range tasks {
			ok, err := t.task.Await()
			if err != nil || !ok {
				for j := 0; j < i; j++ {
					_ = peers[tasks[j].name].Abort(ctx, txID)
				}
				return nil, nil, nil, fmt.Errorf("%w: %s: %v", ErrPeerPrepareFailed, t.name, err)
			}
		}
	}

	results := make([]OpResult, len(ops))
	type writtenEvent struct {
		col *Collection
		key string
		ev  types.Event
	}
	var written []writtenEvent
	var ops2 []witness.OpRecord

	for i, op := range ops {
		col := cols[i]
		switch op.Type {
		case OpGet:
			head, found, err := col.Primary.Get(ctx, op.Key)
			if err != nil {
				return nil, nil, nil, err
			}
			if !found {
				results[i] = OpResult{Found: false}
				continue
			}
			entry.ReadSet = append(entry.ReadSet, head)
			ev, ok, err := iterator.CurrentValue(ctx, e.ledger, e.evaluator, col.Policy(), policy.OpContext{Identity: identity, OpName: "get"}, op.Key, head)
			if err != nil {
				return nil, nil, nil, err
			}
			results[i] = OpResult{Found: ok, Value: ev.Value, EventID: head}
			if ok {
				ops2 = append(ops2, witness.OpRecord{Type: ev.Type, Key: op.Key, Shard: head.Shard, Block: head.Block, Index: head.Index, Content: ev.Value})
			}

		case OpPut, OpAdd:
			shard := e.ledger.ShardFor(op.Key)
			head, found, err := col.Primary.Get(ctx, op.Key)
			if err != nil {
				return nil, nil, nil, err
			}
			var predPos = types.NoPos
			var version uint64 = 1
			var priorDoc map[string]interface{}
			if found {
				priorEvent, err := e.ledger.ReadEvent(ctx, head)
				if err != nil {
					return nil, nil, nil, err
				}
				predPos = types.Pos{Block: head.Block, Index: head.Index}
				version = priorEvent.Version + 1
				if priorEvent.Type != types.Deletion {
					priorDoc, _ = index.DecodeDocument(priorEvent.Value)
				}
			}

			newValue := op.Value
			if op.Type == OpAdd {
				merged, err := mergeDocuments(priorDoc, op.Value)
				if err != nil {
					return nil, nil, nil, err
				}
				raw, err := json.Marshal(merged)
				if err != nil {
					return nil, nil, nil, err
				}
				newValue = raw
			}

			allowed, err := e.evaluator.Evaluate(ctx, col.Policy(), policy.OpContext{Identity: identity, OpName: op.Type.String()}, policy.Bindings{Key: op.Key, ProposedNew: newValue})
			if err != nil {
				return nil, nil, nil, err
			}
			if !allowed {
				return nil, nil, nil, fmt.Errorf("%w: %s/%s", ErrPolicyRejected, col.Name, op.Key)
			}

			ev := types.Event{Type: types.NewVersion, Author: identity, Predecessor: predPos, Value: newValue, Version: version}
			id, err := e.ledger.Append(ctx, shard, ev)
			if err != nil {
				return nil, nil, nil, err
			}
			if err := col.Primary.Put(ctx, op.Key, id); err != nil {
				return nil, nil, nil, err
			}
			newDoc, _ := index.DecodeDocument(newValue)
			for _, si := range col.SecondaryIndexes() {
				if found {
					if v, ok := index.ValueAtPath(priorDoc, si.Path); ok {
						_ = si.Remove(ctx, index.ValueKey(v), op.Key)
					}
				}
				if v, ok := index.ValueAtPath(newDoc, si.Path); ok {
					_ = si.Add(ctx, index.ValueKey(v), op.Key)
				}
			}
			entry.WriteSet = append(entry.WriteSet, id)
			results[i] = OpResult{Found: true, Value: newValue, EventID: id}
			written = append(written, writtenEvent{col, op.Key, ev})
			ops2 = append(ops2, witness.OpRecord{Type: ev.Type, Key: op.Key, Shard: id.Shard, Block: id.Block, Index: id.Index, Content: newValue})

		case OpRemove:
			shard := e.ledger.ShardFor(op.Key)
			head, found, err := col.Primary.Get(ctx, op.Key)
			if err != nil {
				return nil, nil, nil, err
			}
			if !found {
				results[i] = OpResult{Found: false}
				continue
			}
			priorEvent, err := e.ledger.ReadEvent(ctx, head)
			if err != nil {
				return nil, nil, nil, err
			}
			if priorEvent.Type == types.Deletion {
				results[i] = OpResult{Found: false}
				continue
			}
			allowed, err := e.evaluator.Evaluate(ctx, col.Policy(), policy.OpContext{Identity: identity, OpName: "remove"}, policy.Bindings{Key: op.Key, Value: priorEvent.Value})
			if err != nil {
				return nil, nil, nil, err
			}
			if !allowed {
				return nil, nil, nil, fmt.Errorf("%w: %s/%s", ErrPolicyRejected, col.Name, op.Key)
			}
			ev := types.Event{Type: types.Deletion, Author: identity, Predecessor: types.Pos{Block: head.Block, Index: head.Index}}
			id, err := e.ledger.Append(ctx, shard, ev)
			if err != nil {
				return nil, nil, nil, err
			}
			if err := col.Primary.Put(ctx, op.Key, id); err != nil {
				return nil, nil, nil, err
			}
			if priorEvent.Type != types.Deletion {
				if priorDoc, derr := index.DecodeDocument(priorEvent.Value); derr == nil {
					for _, si := range col.SecondaryIndexes() {
						if v, ok := index.ValueAtPath(priorDoc, si.Path); ok {
							_ = si.Remove(ctx, index.ValueKey(v), op.Key)
						}
					}
				}
			}
			entry.WriteSet = append(entry.WriteSet, id)
			results[i] = OpResult{Found: true, EventID: id}
			written = append(written, writtenEvent{col, op.Key, ev})
			ops2 = append(ops2, witness.OpRecord{Type: ev.Type, Key: op.Key, Shard: id.Shard, Block: id.Block, Index: id.Index})

		case OpFind, OpCount:
			keys, scanRequired, err := col.Planner().Plan(ctx, op.Conds)
			if err != nil {
				return nil, nil, nil, err
			}
			if scanRequired {
				keys, err = col.Primary.Keys(ctx)
				if err != nil {
					return nil, nil, nil, err
				}
			}
			listIt := iterator.NewObjectListIterator(e.ledger, col.Primary, e.evaluator, col.Policy(), policy.OpContext{Identity: identity, OpName: op.Type.String()}, keys, op.Conds)
			var matchedKeys []string
			docs := map[string]json.RawMessage{}
			for {
				k, doc, ok, err := listIt.Next(ctx)
				if err != nil {
					return nil, nil, nil, err
				}
				if !ok {
					break
				}
				matchedKeys = append(matchedKeys, k)
				if op.Type == OpFind {
					raw, _ := json.Marshal(doc)
					docs[k] = raw
				}
			}
			if op.Type == OpFind {
				results[i] = OpResult{Keys: matchedKeys, Docs: docs}
			} else {
				results[i] = OpResult{Count: len(matchedKeys)}
			}
		}
	}

	peerWitnesses := map[string]*witness.Signed{}
	if len(peers) > 0 {
		type commitTask struct {
			name string
			task *Task[[]byte]
		}
		var tasks []commitTask
		for name, rpc := range peers {
			name, rpc := name, rpc
			tasks = append(tasks, commitTask{name, Spawn(func() ([]byte, error) { return rpc.Commit(ctx, txID) })})
		}
		for _, t := range tasks {
			raw, err := t.task.Await()
			if err != nil {
				e.log.Warn().Err(err).Str("peer", t.name).Msg("peer commit failed after local apply")
				continue
			}
			if signed, derr := witness.Dearmor(string(raw)); derr == nil {
				peerWitnesses[t.name] = signed
			}
		}
	}

	localWitness, err := witness.Witness{Isolation: isolation.String(), Identity: identity, Operations: ops2}.Sign(e.signer)
	if err != nil {
		metrics.WitnessSignFailures.Inc()
		e.log.Warn().Err(err).Msg("witness signing failed, commit still applied")
	} else {
		metrics.WitnessesSigned.Inc()
	}

	e.txLogMu.Lock()
	e.txLog[txID] = entry
	for _, id := range entry.WriteSet {
		e.eventOwner[id] = txID
	}
	e.txLogMu.Unlock()

	release()
	metrics.TransactionsCommitted.Inc()

	for shard := range writeShards {
		shard := shard
		go func() {
			if err := e.ledger.MaybeSealAndRotate(context.Background(), shard); err != nil {
				e.log.Warn().Err(err).Uint16("shard", uint16(shard)).Msg("deferred block seal failed")
			}
		}()
	}

	for _, w := range written {
		for _, t := range w.col.triggersFor(w.key) {
			t := t
			w := w
			go func() {
				if t.local != nil {
					t.local(context.Background(), w.ev)
				}
				if t.peerName != "" {
					if rpc, ok := peers[t.peerName]; ok {
						_ = rpc.NotifyTrigger(context.Background(), w.col.Name, w.key, w.ev)
					}
				}
			}()
		}
	}

	return results, localWitness, peerWitnesses, nil
}
