package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/metrics"
	"github.com/cuemby/enclavedb/pkg/types"
)

// DefaultNumBuckets and DefaultNumStripes size a collection's index at
// roughly 8192 buckets across 64 stripe locks. Tests and small
// deployments may pass smaller values to New*Index.
const (
	DefaultNumBuckets = 8192
	DefaultNumStripes = 64
	// MaxNodeBytes bounds a node's marshaled size before a new entry
	// forces a successor node to be allocated.
	MaxNodeBytes = 1024
)

// NoSuccessor marks a node as the last in its bucket's chain.
const NoSuccessor = ^uint64(0)

var ErrKeyNotFound = errors.New("index: key not found")

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// PrimaryEntry maps one application key to its latest committed event.
type PrimaryEntry struct {
	Key string       `json:"key"`
	ID  types.EventID `json:"id"`
}

// PrimaryNode is the buffer.PageData for one node of a bucket's chain.
type PrimaryNode struct {
	Entries          []PrimaryEntry `json:"entries"`
	Successor        uint64         `json:"successor"`
	SuccessorVersion uint64         `json:"successor_version"`
	version          uint64
}

type primaryNodeWire struct {
	Entries          []PrimaryEntry `json:"entries"`
	Successor        uint64         `json:"successor"`
	SuccessorVersion uint64         `json:"successor_version"`
	Version          uint64         `json:"version"`
}

func newPrimaryNode() *PrimaryNode { return &PrimaryNode{Successor: NoSuccessor} }

func (n *PrimaryNode) MarshalPage() ([]byte, error) {
	return json.Marshal(primaryNodeWire{n.Entries, n.Successor, n.SuccessorVersion, n.version})
}

func (n *PrimaryNode) UnmarshalPage(data []byte) error {
	var w primaryNodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("index: unmarshal primary node: %w", err)
	}
	n.Entries, n.Successor, n.SuccessorVersion, n.version = w.Entries, w.Successor, w.SuccessorVersion, w.Version
	return nil
}

func (n *PrimaryNode) PageVersion() uint64     { return n.version }
func (n *PrimaryNode) SetPageVersion(v uint64) { n.version = v }

// PrimaryIndex is the key→latest-event-id map every collection keeps.
type PrimaryIndex struct {
	mgr        *buffer.Manager
	numBuckets int
	numStripes int
	stripes    []sync.RWMutex
	nextPage   atomic.Uint64
}

// NewPrimaryIndex creates (or reopens) a primary index over mgr. Every
// bucket's root page is created eagerly so lookups never need to
// special-case a missing root.
func NewPrimaryIndex(ctx context.Context, mgr *buffer.Manager, numBuckets, numStripes int) (*PrimaryIndex, error) {
	if numStripes <= 0 {
		numStripes = 1
	}
	pi := &PrimaryIndex{mgr: mgr, numBuckets: numBuckets, numStripes: numStripes, stripes: make([]sync.RWMutex, numStripes)}
	pi.nextPage.Store(uint64(numBuckets))
	for b := 0; b < numBuckets; b++ {
		h, err := buffer.CreatePageAt(ctx, mgr, uint64(b), newPrimaryNode, nil)
		if err != nil {
			if errors.Is(err, buffer.ErrPageAlreadyExists) {
				continue
			}
			return nil, err
		}
		h.Release()
	}
	return pi, nil
}

func (pi *PrimaryIndex) bucketFor(key string) int {
	return int(hashKey(key) % uint64(pi.numBuckets))
}

func (pi *PrimaryIndex) stripeFor(bucket int) int {
	return bucket % pi.numStripes
}

// Get looks up key's latest event-id.
func (pi *PrimaryIndex) Get(ctx context.Context, key string) (types.EventID, bool, error) {
	bucket := pi.bucketFor(key)
	s := pi.stripeFor(bucket)
	pi.stripes[s].RLock()
	defer pi.stripes[s].RUnlock()

	pageNo := uint64(bucket)
	var expected *uint64
	for {
		h, err := buffer.GetPage(ctx, pi.mgr, pageNo, newPrimaryNode, expected)
		if err != nil {
			return types.InvalidEventID, false, err
		}
		node := h.Data()
		for _, e := range node.Entries {
			if e.Key == key {
				id := e.ID
				h.Release()
				return id, true, nil
			}
		}
		if node.Successor == NoSuccessor {
			h.Release()
			return types.InvalidEventID, false, nil
		}
		next, nextVersion := node.Successor, node.SuccessorVersion
		h.Release()
		pageNo = next
		v := nextVersion
		expected = &v
	}
}

// Put inserts or updates key's event-id, splitting the bucket's chain
// with a new successor node if the owning node has no room left. Every
// mutation bumps the mutated node's version and, if it was reached
// through a predecessor's successor link, the predecessor's recorded
// SuccessorVersion, so a reader following the chain with a stale
// expectedVersion reloads instead of serving cached data.
func (pi *PrimaryIndex) Put(ctx context.Context, key string, id types.EventID) error {
	bucket := pi.bucketFor(key)
	s := pi.stripeFor(bucket)
	pi.stripes[s].Lock()
	defer pi.stripes[s].Unlock()

	pageNo := uint64(bucket)
	var expected *uint64
	var prevPageNo uint64
	hasPrev := false
	for {
		h, err := buffer.GetPage(ctx, pi.mgr, pageNo, newPrimaryNode, expected)
		if err != nil {
			return err
		}
		node := h.Data()
		for i := range node.Entries {
			if node.Entries[i].Key == key {
				node.Entries[i].ID = id
				node.version++
				err := pi.mgr.MarkDirty(ctx, pageNo)
				h.Release()
				if err != nil {
					return err
				}
				return pi.bumpPredecessor(ctx, hasPrev, prevPageNo, node.version)
			}
		}
		if node.Successor != NoSuccessor {
			next, nextVersion := node.Successor, node.SuccessorVersion
			h.Release()
			prevPageNo, hasPrev = pageNo, true
			pageNo = next
			v := nextVersion
			expected = &v
			continue
		}

		candidate := append(append([]PrimaryEntry{}, node.Entries...), PrimaryEntry{Key: key, ID: id})
		raw, err := json.Marshal(candidate)
		if err != nil {
			h.Release()
			return err
		}
		if len(raw) <= MaxNodeBytes || len(node.Entries) == 0 {
			node.Entries = candidate
			node.version++
			err := pi.mgr.MarkDirty(ctx, pageNo)
			h.Release()
			if err != nil {
				return err
			}
			return pi.bumpPredecessor(ctx, hasPrev, prevPageNo, node.version)
		}

		succPageNo := pi.nextPage.Add(1)
		sh, err := buffer.CreatePageAt(ctx, pi.mgr, succPageNo, newPrimaryNode, func(n *PrimaryNode) {
			n.Entries = []PrimaryEntry{{Key: key, ID: id}}
		})
		if err != nil {
			h.Release()
			return err
		}
		sh.Release()
		node.Successor = succPageNo
		node.SuccessorVersion = 0
		node.version++
		err = pi.mgr.MarkDirty(ctx, pageNo)
		h.Release()
		if err != nil {
			return err
		}
		metrics.IndexNodeSplits.Inc()
		return pi.bumpPredecessor(ctx, hasPrev, prevPageNo, node.version)
	}
}

// bumpPredecessor re-fetches the predecessor node reached earlier in
// the chain (if any) and records childVersion as its SuccessorVersion,
// keeping the chain's version links consistent after a mutation
// further down the chain. A bucket's root node has no predecessor;
// hasPrev is false in that case and this is a no-op.
func (pi *PrimaryIndex) bumpPredecessor(ctx context.Context, hasPrev bool, prevPageNo uint64, childVersion uint64) error {
	if !hasPrev {
		return nil
	}
	h, err := buffer.GetPage(ctx, pi.mgr, prevPageNo, newPrimaryNode, nil)
	if err != nil {
		return err
	}
	h.Data().SuccessorVersion = childVersion
	err = pi.mgr.MarkDirty(ctx, prevPageNo)
	h.Release()
	return err
}

// Remove drops key from the index entirely (used when a collection is
// cleared; ordinary object deletion keeps the key mapped to its
// Deletion event instead of removing it, so history remains reachable).
func (pi *PrimaryIndex) Remove(ctx context.Context, key string) error {
	bucket := pi.bucketFor(key)
	s := pi.stripeFor(bucket)
	pi.stripes[s].Lock()
	defer pi.stripes[s].Unlock()

	pageNo := uint64(bucket)
	var expected *uint64
	for {
		h, err := buffer.GetPage(ctx, pi.mgr, pageNo, newPrimaryNode, expected)
		if err != nil {
			return err
		}
		node := h.Data()
		for i := range node.Entries {
			if node.Entries[i].Key == key {
				node.Entries = append(node.Entries[:i], node.Entries[i+1:]...)
				err := pi.mgr.MarkDirty(ctx, pageNo)
				h.Release()
				return err
			}
		}
		if node.Successor == NoSuccessor {
			h.Release()
			return ErrKeyNotFound
		}
		next, nextVersion := node.Successor, node.SuccessorVersion
		h.Release()
		pageNo = next
		v := nextVersion
		expected = &v
	}
}

// Keys returns every key currently mapped by the index, used by
// collection-scan fallbacks. Order is unspecified.
func (pi *PrimaryIndex) Keys(ctx context.Context) ([]string, error) {
	var out []string
	for b := 0; b < pi.numBuckets; b++ {
		s := pi.stripeFor(b)
		pi.stripes[s].RLock()
		pageNo := uint64(b)
		var expected *uint64
		for {
			h, err := buffer.GetPage(ctx, pi.mgr, pageNo, newPrimaryNode, expected)
			if err != nil {
				pi.stripes[s].RUnlock()
				return nil, err
			}
			node := h.Data()
			for _, e := range node.Entries {
				out = append(out, e.Key)
			}
			succ, succVersion := node.Successor, node.SuccessorVersion
			h.Release()
			if succ == NoSuccessor {
				break
			}
			pageNo = succ
			v := succVersion
			expected = &v
		}
		pi.stripes[s].RUnlock()
	}
	return out, nil
}
