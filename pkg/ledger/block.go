package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/enclavedb/pkg/types"
)

// MaxBlockBytes bounds the serialized size of a single block's event
// payload before the ledger seals it and rotates to a new pending
// block. A process-level var rather than a const so pkg/config can size
// it at startup; every ledger in one process shares the same threshold.
var MaxBlockBytes = 5120

// Block is the buffer.PageData a ledger page caches: an ordered, append-only
// sequence of events belonging to one shard.
type Block struct {
	Shard   types.ShardID
	ID      types.BlockID
	Sealed  bool
	Events  []types.Event
	version uint64
	// size is the running total of each event's marshaled size, tracked
	// incrementally on Append so Full doesn't have to re-marshal the
	// whole block on every check.
	size int
}

type blockWire struct {
	Shard   types.ShardID  `json:"shard"`
	ID      types.BlockID  `json:"id"`
	Sealed  bool           `json:"sealed"`
	Events  []types.Event  `json:"events"`
	Version uint64         `json:"version"`
	Size    int            `json:"size"`
}

// MarshalPage implements buffer.PageData.
func (b *Block) MarshalPage() ([]byte, error) {
	return json.Marshal(blockWire{
		Shard: b.Shard, ID: b.ID, Sealed: b.Sealed, Events: b.Events, Version: b.version, Size: b.size,
	})
}

// UnmarshalPage implements buffer.PageData.
func (b *Block) UnmarshalPage(data []byte) error {
	var w blockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("ledger: unmarshal block: %w", err)
	}
	b.Shard, b.ID, b.Sealed, b.Events, b.version, b.size = w.Shard, w.ID, w.Sealed, w.Events, w.Version, w.Size
	return nil
}

// PageVersion implements buffer.PageData.
func (b *Block) PageVersion() uint64 { return b.version }

// SetPageVersion implements buffer.PageData.
func (b *Block) SetPageVersion(v uint64) { b.version = v }

// Full reports whether the block's serialized event payload has
// reached MaxBlockBytes and must be sealed before any further append.
func (b *Block) Full() bool { return b.size >= MaxBlockBytes }

// Append adds an event to the block, returning the index it landed at.
// Callers must have already checked !Full().
func (b *Block) Append(e types.Event) types.EventIndex {
	idx := types.EventIndex(len(b.Events))
	b.Events = append(b.Events, e)
	b.version++
	if raw, err := json.Marshal(e); err == nil {
		b.size += len(raw)
	}
	return idx
}

// EventAt returns the event at index, or false if out of range.
func (b *Block) EventAt(index types.EventIndex) (types.Event, bool) {
	if int(index) >= len(b.Events) {
		return types.Event{}, false
	}
	return b.Events[index], true
}

// Seal marks the block immutable; no further Append calls are permitted
// against it.
func (b *Block) Seal() {
	b.Sealed = true
	b.version++
}

// NewBlock constructs an empty pending block; used as the buffer.NewPage
// factory's init callback.
func NewBlock(shard types.ShardID, id types.BlockID) func(*Block) {
	return func(b *Block) {
		b.Shard = shard
		b.ID = id
	}
}
