package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/metrics"
	"github.com/cuemby/enclavedb/pkg/types"
	"github.com/rs/zerolog"
)

// pageNo packs a (shard, block) pair into the buffer manager's flat
// uint64 page-number space: the high 16 bits are the shard, the low 48
// bits the block id. Block ids are 64-bit in types.BlockID but a shard
// never approaches 2^48 blocks in practice.
func pageNo(shard types.ShardID, block types.BlockID) uint64 {
	return uint64(shard)<<48 | (uint64(block) & 0xFFFFFFFFFFFF)
}

// Ledger is the append-only, sharded event log. Each shard's current
// pending block is tracked in memory; everything else is read through
// the buffer manager on demand.
type Ledger struct {
	mgr       *buffer.Manager
	numShards uint16
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[types.ShardID]types.BlockID
	nextID  map[types.ShardID]types.BlockID
}

// New creates a ledger over mgr with numShards shards, each starting with
// a fresh empty pending block (block 0).
func New(ctx context.Context, mgr *buffer.Manager, numShards uint16, logger zerolog.Logger) (*Ledger, error) {
	l := &Ledger{
		mgr:       mgr,
		numShards: numShards,
		log:       logger,
		pending:   make(map[types.ShardID]types.BlockID),
		nextID:    make(map[types.ShardID]types.BlockID),
	}
	for s := types.ShardID(0); s < types.ShardID(numShards); s++ {
		h, err := buffer.CreatePageAt(ctx, mgr, pageNo(s, 0), func() *Block { return &Block{} }, NewBlock(s, 0))
		if err != nil {
			return nil, fmt.Errorf("ledger: init shard %d: %w", s, err)
		}
		h.Release()
		l.pending[s] = 0
		l.nextID[s] = 1
	}
	return l, nil
}

// NumShards returns the fixed shard count this ledger was created with.
func (l *Ledger) NumShards() uint16 { return l.numShards }

// ShardFor hashes a key to one of the ledger's shards.
func (l *Ledger) ShardFor(key string) types.ShardID {
	return types.ShardID(fnv1a(key) % uint32(l.numShards))
}

func fnv1a(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Append writes event to the current pending block of shard and returns
// the EventID it landed at. If the pending block is full, it is sealed
// and rotated first — sealing is deferred until after commit elsewhere,
// but Append itself must never silently drop an event against a full
// block.
func (l *Ledger) Append(ctx context.Context, shard types.ShardID, event types.Event) (types.EventID, error) {
	l.mu.Lock()
	blockID := l.pending[shard]
	l.mu.Unlock()

	h, err := buffer.GetPage(ctx, l.mgr, pageNo(shard, blockID), func() *Block { return &Block{} }, nil)
	if err != nil {
		return types.InvalidEventID, fmt.Errorf("ledger: load pending block: %w", err)
	}
	defer h.Release()

	if h.Data().Full() {
		h.Release()
		if err := l.sealAndRotate(ctx, shard, blockID); err != nil {
			return types.InvalidEventID, err
		}
		return l.Append(ctx, shard, event)
	}

	idx := h.Data().Append(event)
	if err := l.mgr.MarkDirty(ctx, pageNo(shard, blockID)); err != nil {
		return types.InvalidEventID, err
	}
	metrics.EventsAppended.WithLabelValues(event.Type.String()).Inc()
	return types.EventID{Shard: shard, Block: blockID, Index: idx}, nil
}

// PeekNextEventIDs reports the EventIDs the next count Append calls on
// shard would produce, without mutating any state. The transaction
// engine uses this to reserve ids for a transaction's write set before
// prepare. It is only a valid prediction while the caller continues to
// hold shard's write lock through to commit.
func (l *Ledger) PeekNextEventIDs(ctx context.Context, shard types.ShardID, count int) ([]types.EventID, error) {
	l.mu.Lock()
	blockID := l.pending[shard]
	l.mu.Unlock()

	h, err := buffer.GetPage(ctx, l.mgr, pageNo(shard, blockID), func() *Block { return &Block{} }, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: load pending block: %w", err)
	}
	defer h.Release()

	start := len(h.Data().Events)
	ids := make([]types.EventID, count)
	for i := 0; i < count; i++ {
		ids[i] = types.EventID{Shard: shard, Block: blockID, Index: types.EventIndex(start + i)}
	}
	return ids, nil
}

// ReadEvent fetches a single event by its id.
func (l *Ledger) ReadEvent(ctx context.Context, id types.EventID) (types.Event, error) {
	h, err := buffer.GetPage(ctx, l.mgr, pageNo(id.Shard, id.Block), func() *Block { return &Block{} }, nil)
	if err != nil {
		return types.Event{}, fmt.Errorf("ledger: load block: %w", err)
	}
	defer h.Release()
	ev, ok := h.Data().EventAt(id.Index)
	if !ok {
		return types.Event{}, fmt.Errorf("ledger: event index %d out of range in block %d", id.Index, id.Block)
	}
	return ev, nil
}

// sealAndRotate seals the named block (if it is still the current
// pending block and not already sealed) and allocates a fresh pending
// block to take its place.
func (l *Ledger) sealAndRotate(ctx context.Context, shard types.ShardID, blockID types.BlockID) error {
	l.mu.Lock()
	if l.pending[shard] != blockID {
		l.mu.Unlock()
		return nil // already rotated by a concurrent caller
	}
	newID := l.nextID[shard]
	l.mu.Unlock()

	h, err := buffer.GetPage(ctx, l.mgr, pageNo(shard, blockID), func() *Block { return &Block{} }, nil)
	if err != nil {
		return fmt.Errorf("ledger: load block to seal: %w", err)
	}
	if !h.Data().Sealed {
		h.Data().Seal()
		if err := l.mgr.MarkDirty(ctx, pageNo(shard, blockID)); err != nil {
			h.Release()
			return err
		}
		metrics.BlocksSealed.Inc()
	}
	h.Release()

	nh, err := buffer.CreatePageAt(ctx, l.mgr, pageNo(shard, newID), func() *Block { return &Block{} }, NewBlock(shard, newID))
	if err != nil {
		return fmt.Errorf("ledger: create rotated block: %w", err)
	}
	nh.Release()

	l.mu.Lock()
	l.pending[shard] = newID
	l.nextID[shard] = newID + 1
	l.mu.Unlock()
	return nil
}

// MaybeSealAndRotate seals shard's current pending block if it is full,
// called after a transaction's lock is released so sealing never adds
// latency to the critical write-lock section.
func (l *Ledger) MaybeSealAndRotate(ctx context.Context, shard types.ShardID) error {
	l.mu.Lock()
	blockID := l.pending[shard]
	l.mu.Unlock()

	h, err := buffer.GetPage(ctx, l.mgr, pageNo(shard, blockID), func() *Block { return &Block{} }, nil)
	if err != nil {
		return err
	}
	full := h.Data().Full()
	h.Release()
	if !full {
		return nil
	}
	return l.sealAndRotate(ctx, shard, blockID)
}
