package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/metrics"
)

// secondaryKey hashes a (path, value) pair to a bucket. Two distinct
// (path, value) pairs landing in the same bucket is an ordinary hash
// collision, resolved the same way a primary-index bucket resolves key
// collisions: by exact comparison of the stored path/value once in the
// bucket's chain.
func secondaryKey(path, value string) uint64 {
	return hashKey(path + "\x00" + value)
}

// SecondaryEntry is one (path, value) pair's posting list.
type SecondaryEntry struct {
	Path  string   `json:"path"`
	Value string   `json:"value"`
	Keys  []string `json:"keys"`
}

// SecondaryNode is the buffer.PageData for one node of a bucket's chain.
type SecondaryNode struct {
	Entries          []SecondaryEntry `json:"entries"`
	Successor        uint64           `json:"successor"`
	SuccessorVersion uint64           `json:"successor_version"`
	version          uint64
}

type secondaryNodeWire struct {
	Entries          []SecondaryEntry `json:"entries"`
	Successor        uint64           `json:"successor"`
	SuccessorVersion uint64           `json:"successor_version"`
	Version          uint64           `json:"version"`
}

func newSecondaryNode() *SecondaryNode { return &SecondaryNode{Successor: NoSuccessor} }

func (n *SecondaryNode) MarshalPage() ([]byte, error) {
	return json.Marshal(secondaryNodeWire{n.Entries, n.Successor, n.SuccessorVersion, n.version})
}

func (n *SecondaryNode) UnmarshalPage(data []byte) error {
	var w secondaryNodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("index: unmarshal secondary node: %w", err)
	}
	n.Entries, n.Successor, n.SuccessorVersion, n.version = w.Entries, w.Successor, w.SuccessorVersion, w.Version
	return nil
}

func (n *SecondaryNode) PageVersion() uint64     { return n.version }
func (n *SecondaryNode) SetPageVersion(v uint64) { n.version = v }

// SecondaryIndex maps a (path, value) pair to the set of application keys
// whose document has that value at that path, covering equality and $in
// lookups without a full collection scan.
type SecondaryIndex struct {
	mgr        *buffer.Manager
	Name       string
	Path       string
	numBuckets int
	numStripes int
	stripes    []sync.RWMutex
	nextPage   atomic.Uint64
}

// NewSecondaryIndex creates a secondary index named name over path.
func NewSecondaryIndex(ctx context.Context, mgr *buffer.Manager, name, path string, numBuckets, numStripes int) (*SecondaryIndex, error) {
	if numStripes <= 0 {
		numStripes = 1
	}
	si := &SecondaryIndex{mgr: mgr, Name: name, Path: path, numBuckets: numBuckets, numStripes: numStripes, stripes: make([]sync.RWMutex, numStripes)}
	si.nextPage.Store(uint64(numBuckets))
	for b := 0; b < numBuckets; b++ {
		h, err := buffer.CreatePageAt(ctx, mgr, uint64(b), newSecondaryNode, nil)
		if err != nil {
			if errors.Is(err, buffer.ErrPageAlreadyExists) {
				continue
			}
			return nil, err
		}
		h.Release()
	}
	return si, nil
}

func (si *SecondaryIndex) bucketFor(value string) int {
	return int(secondaryKey(si.Path, value) % uint64(si.numBuckets))
}

func (si *SecondaryIndex) stripeFor(bucket int) int {
	return bucket % si.numStripes
}

// Add records that key's document has value at this index's path.
// Every mutation bumps the mutated node's version and, if it was
// reached through a predecessor's successor link, the predecessor's
// recorded SuccessorVersion, so a reader following the chain with a
// stale expectedVersion reloads instead of serving cached data.
func (si *SecondaryIndex) Add(ctx context.Context, value, key string) error {
	bucket := si.bucketFor(value)
	s := si.stripeFor(bucket)
	si.stripes[s].Lock()
	defer si.stripes[s].Unlock()

	pageNo := uint64(bucket)
	var expected *uint64
	var prevPageNo uint64
	hasPrev := false
	for {
		h, err := buffer.GetPage(ctx, si.mgr, pageNo, newSecondaryNode, expected)
		if err != nil {
			return err
		}
		node := h.Data()
		for i := range node.Entries {
			if node.Entries[i].Path == si.Path && node.Entries[i].Value == value {
				for _, k := range node.Entries[i].Keys {
					if k == key {
						h.Release()
						return nil
					}
				}
				node.Entries[i].Keys = append(node.Entries[i].Keys, key)
				node.version++
				err := si.mgr.MarkDirty(ctx, pageNo)
				h.Release()
				if err != nil {
					return err
				}
				return si.bumpPredecessor(ctx, hasPrev, prevPageNo, node.version)
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

		newEntry := SecondaryEntry{Path: si.Path, Value: value, Keys: []string{key}}
		candidate := append(append([]SecondaryEntry{}, node.Entries...), newEntry)
		raw, err := json.Marshal(candidate)
		if err != nil {
			h.Release()
			return err
		}
		if len(raw) <= MaxNodeBytes || len(node.Entries) == 0 {
			node.Entries = candidate
			node.version++
			err := si.mgr.MarkDirty(ctx, pageNo)
			h.Release()
			if err != nil {
				return err
			}
			return si.bumpPredecessor(ctx, hasPrev, prevPageNo, node.version)
		}

		succPageNo := si.nextPage.Add(1)
		sh, err := buffer.CreatePageAt(ctx, si.mgr, succPageNo, newSecondaryNode, func(n *SecondaryNode) {
			n.Entries = []SecondaryEntry{newEntry}
		})
		if err != nil {
			h.Release()
			return err
		}
		sh.Release()
		node.Successor = succPageNo
		node.SuccessorVersion = 0
		node.version++
		err = si.mgr.MarkDirty(ctx, pageNo)
		h.Release()
		if err != nil {
			return err
		}
		metrics.IndexNodeSplits.Inc()
		return si.bumpPredecessor(ctx, hasPrev, prevPageNo, node.version)
	}
}

// bumpPredecessor re-fetches the predecessor node reached earlier in
// the chain (if any) and records childVersion as its SuccessorVersion.
// A bucket's root node has no predecessor; hasPrev is false in that
// case and this is a no-op.
func (si *SecondaryIndex) bumpPredecessor(ctx context.Context, hasPrev bool, prevPageNo uint64, childVersion uint64) error {
	if !hasPrev {
		return nil
	}
	h, err := buffer.GetPage(ctx, si.mgr, prevPageNo, newSecondaryNode, nil)
	if err != nil {
		return err
	}
	h.Data().SuccessorVersion = childVersion
	err = si.mgr.MarkDirty(ctx, prevPageNo)
	h.Release()
	return err
}

// Remove drops key from value's posting list.
func (si *SecondaryIndex) Remove(ctx context.Context, value, key string) error {
	bucket := si.bucketFor(value)
	s := si.stripeFor(bucket)
	si.stripes[s].Lock()
	defer si.stripes[s].Unlock()

	pageNo := uint64(bucket)
	var expected *uint64
	for {
		h, err := buffer.GetPage(ctx, si.mgr, pageNo, newSecondaryNode, expected)
		if err != nil {
			return err
		}
		node := h.Data()
		for i := range node.Entries {
			if node.Entries[i].Path == si.Path && node.Entries[i].Value == value {
				keys := node.Entries[i].Keys
				for j, k := range keys {
					if k == key {
						node.Entries[i].Keys = append(keys[:j], keys[j+1:]...)
						err := si.mgr.MarkDirty(ctx, pageNo)
						h.Release()
						return err
					}
				}
				h.Release()
				return nil
			}
		}
		if node.Successor == NoSuccessor {
			h.Release()
			return nil
		}
		next, nextVersion := node.Successor, node.SuccessorVersion
		h.Release()
		pageNo = next
		v := nextVersion
		expected = &v
	}
}

// Lookup returns the keys currently posted against value.
func (si *SecondaryIndex) Lookup(ctx context.Context, value string) ([]string, error) {
	bucket := si.bucketFor(value)
	s := si.stripeFor(bucket)
	si.stripes[s].RLock()
	defer si.stripes[s].RUnlock()

	pageNo := uint64(bucket)
	var expected *uint64
	for {
		h, err := buffer.GetPage(ctx, si.mgr, pageNo, newSecondaryNode, expected)
		if err != nil {
			return nil, err
		}
		node := h.Data()
		for _, e := range node.Entries {
			if e.Path == si.Path && e.Value == value {
				out := append([]string(nil), e.Keys...)
				h.Release()
				return out, nil
			}
		}
		if node.Successor == NoSuccessor {
			h.Release()
			return nil, nil
		}
		next, nextVersion := node.Successor, node.SuccessorVersion
		h.Release()
		pageNo = next
		v := nextVersion
		expected = &v
	}
}

// LookupIn unions the posting lists of every value in values, used for
// $in queries.
func (si *SecondaryIndex) LookupIn(ctx context.Context, values []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range values {
		keys, err := si.Lookup(ctx, v)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out, nil
}
