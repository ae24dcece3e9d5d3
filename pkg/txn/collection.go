package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/types"
)

// TriggerFunc is a local subscriber callback fired, best-effort and
// after commit, whenever the key it was registered against changes.
type TriggerFunc func(context.Context, types.Event)

// trigger is one registered subscriber: either a local callback or a
// single-hop forward to a named peer; triggers never relay multiple hops.
type trigger struct {
	local    TriggerFunc
	peerName string
}

// Collection groups one set of objects under a name: a primary index
// mapping key to latest event, zero or more secondary indexes, an
// optional policy program, and any registered triggers.
type Collection struct {
	Name    string
	Primary *index.PrimaryIndex

	mu          sync.RWMutex
	byPath      map[string]*index.SecondaryIndex // keyed by indexed JSON path, for the planner
	byName      map[string]*index.SecondaryIndex // keyed by index name, for Create/Drop
	policy      []byte
	triggers    map[string][]trigger
}

// NewCollection creates an empty collection over an already-initialized
// primary index.
func NewCollection(name string, primary *index.PrimaryIndex) *Collection {
	return &Collection{
		Name: name, Primary: primary,
		byPath: make(map[string]*index.SecondaryIndex),
		byName: make(map[string]*index.SecondaryIndex),
		triggers: make(map[string][]trigger),
	}
}

// Policy returns the collection's currently installed policy program, or
// nil if none is installed.
func (c *Collection) Policy() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy installs or replaces the collection's policy program.
func (c *Collection) SetPolicy(program []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = program
}

// Planner builds a query planner over the collection's current secondary
// indexes.
func (c *Collection) Planner() *index.Planner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]*index.SecondaryIndex, len(c.byPath))
	for k, v := range c.byPath {
		snapshot[k] = v
	}
	return index.NewPlanner(snapshot)
}

// SecondaryIndexes returns a snapshot of every installed secondary index,
// for applying a write to every index whose path the new value touches.
func (c *Collection) SecondaryIndexes() []*index.SecondaryIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*index.SecondaryIndex, 0, len(c.byName))
	for _, idx := range c.byName {
		out = append(out, idx)
	}
	return out
}

// CreateIndex installs a new secondary index named name over path. It
// rejects a name already in use and a path that already has an index,
// since a second index over the same path could never be chosen over
// the first by the planner and would only pay double the write cost.
func (c *Collection) CreateIndex(name, path string, idx *index.SecondaryIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[name]; ok {
		return fmt.Errorf("txn: index %q already exists", name)
	}
	if _, ok := c.byPath[path]; ok {
		return fmt.Errorf("txn: collection %q already has an index over path %q", c.Name, path)
	}
	c.byName[name] = idx
	c.byPath[path] = idx
	return nil
}

// DropIndex removes a secondary index by name.
func (c *Collection) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("txn: index %q does not exist", name)
	}
	delete(c.byName, name)
	delete(c.byPath, idx.Path)
	return nil
}

// SetTrigger registers a local callback fired after every commit that
// changes key. peerName, if non-empty, instead forwards the event to
// that peer's NotifyTrigger (single-hop only).
func (c *Collection) SetTrigger(key string, cb TriggerFunc, peerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers[key] = append(c.triggers[key], trigger{local: cb, peerName: peerName})
}

// UnsetTrigger removes every trigger registered against key.
func (c *Collection) UnsetTrigger(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.triggers, key)
}

func (c *Collection) triggersFor(key string) []trigger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]trigger(nil), c.triggers[key]...)
}

// RunLocalTriggers invokes every local (non-peer-forwarding) callback
// registered against key with event, synchronously. Used to run a
// collection's own subscribers when a peer forwards a single-hop
// trigger notification to this instance.
func (c *Collection) RunLocalTriggers(ctx context.Context, key string, event types.Event) error {
	for _, t := range c.triggersFor(key) {
		if t.local != nil {
			t.local(ctx, event)
		}
	}
	return nil
}
