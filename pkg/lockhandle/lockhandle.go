package lockhandle

import (
	"errors"
	"sort"
	"sync"

	"github.com/cuemby/enclavedb/pkg/types"
)

// ErrLockContention is returned by a non-blocking acquire that could not
// obtain its lock immediately, used during distributed prepare so a
// transaction can back off instead of risking a cross-peer deadlock.
var ErrLockContention = errors.New("lockhandle: lock contention")

// ShardLocker is the per-shard mutex surface a Handle acquires through.
// ShardLocks below is the only production implementation; tests may
// substitute a fake to observe acquisition order.
type ShardLocker interface {
	Lock(shard types.ShardID)
	Unlock(shard types.ShardID)
	RLock(shard types.ShardID)
	RUnlock(shard types.ShardID)
	TryLock(shard types.ShardID) bool
	TryRLock(shard types.ShardID) bool
}

// ShardLocks is a fixed-size array of reader/writer locks, one per shard.
type ShardLocks struct {
	mus []sync.RWMutex
}

// NewShardLocks allocates locks for n shards.
func NewShardLocks(n uint16) *ShardLocks {
	return &ShardLocks{mus: make([]sync.RWMutex, n)}
}

func (s *ShardLocks) Lock(shard types.ShardID)    { s.mus[shard].Lock() }
func (s *ShardLocks) Unlock(shard types.ShardID)  { s.mus[shard].Unlock() }
func (s *ShardLocks) RLock(shard types.ShardID)   { s.mus[shard].RLock() }
func (s *ShardLocks) RUnlock(shard types.ShardID) { s.mus[shard].RUnlock() }
func (s *ShardLocks) TryLock(shard types.ShardID) bool {
	return s.mus[shard].TryLock()
}
func (s *ShardLocks) TryRLock(shard types.ShardID) bool {
	return s.mus[shard].TryRLock()
}

type lockMode int

const (
	readMode lockMode = iota
	writeMode
)

type held struct {
	mode lockMode
	refs int
}

// Handle is a per-operation, reference-counted acquirer of shard locks.
// Every shard it locks is released by ReleaseAll, so a caller only needs
// one deferred call regardless of how many shards an operation touched.
type Handle struct {
	locker ShardLocker
	mu     sync.Mutex
	held   map[types.ShardID]*held
}

// New creates an empty lock handle over locker.
func New(locker ShardLocker) *Handle {
	return &Handle{locker: locker, held: make(map[types.ShardID]*held)}
}

// AcquireRead takes a read lock on shard, blocking until it is available
// unless blocking is false, in which case it returns ErrLockContention
// instead of waiting. Nested calls for the same shard increment a
// refcount rather than re-entering the underlying mutex.
func (h *Handle) AcquireRead(shard types.ShardID, blocking bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.held[shard]; ok {
		e.refs++
		return nil
	}
	if blocking {
		h.locker.RLock(shard)
	} else if !h.locker.TryRLock(shard) {
		return ErrLockContention
	}
	h.held[shard] = &held{mode: readMode, refs: 1}
	return nil
}

// AcquireWrite takes a write lock on shard. If the handle already holds a
// read lock on shard it is upgraded by releasing the read lock and
// re-acquiring in write mode; this upgrade is not atomic, so callers that
// need atomicity should acquire write locks up front instead of starting
// with a read lock.
func (h *Handle) AcquireWrite(shard types.ShardID, blocking bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.held[shard]; ok {
		if e.mode == writeMode {
			e.refs++
			return nil
		}
		h.locker.RUnlock(shard)
		delete(h.held, shard)
	}
	if blocking {
		h.locker.Lock(shard)
	} else if !h.locker.TryLock(shard) {
		return ErrLockContention
	}
	h.held[shard] = &held{mode: writeMode, refs: 1}
	return nil
}

// AcquireWriteShards acquires write locks on every shard in shards, always
// in ascending shard-id order so that two handles contending for an
// overlapping shard set cannot deadlock each other. On non-blocking
// contention it releases whatever it had already acquired in this call
// before returning ErrLockContention.
func (h *Handle) AcquireWriteShards(shards []types.ShardID, blocking bool) error {
	ordered := append([]types.ShardID(nil), shards...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	acquired := make([]types.ShardID, 0, len(ordered))
	for _, s := range ordered {
		if err := h.AcquireWrite(s, blocking); err != nil {
			for _, a := range acquired {
				h.Release(a)
			}
			return err
		}
		acquired = append(acquired, s)
	}
	return nil
}

// OrderedLock is one shard/mode pair for AcquireOrdered.
type OrderedLock struct {
	Shard types.ShardID
	Write bool
}

// AcquireOrdered acquires a mixed set of read and write locks across
// possibly many shards, always in ascending shard-id order regardless of
// mode, so two handles racing over overlapping shard sets in different
// combinations of read/write can never deadlock each other. On
// non-blocking contention it rolls back whatever this call already
// acquired.
func (h *Handle) AcquireOrdered(locks []OrderedLock, blocking bool) error {
	ordered := append([]OrderedLock(nil), locks...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Shard < ordered[j].Shard })

	acquired := make([]types.ShardID, 0, len(ordered))
	for _, l := range ordered {
		var err error
		if l.Write {
			err = h.AcquireWrite(l.Shard, blocking)
		} else {
			err = h.AcquireRead(l.Shard, blocking)
		}
		if err != nil {
			for _, a := range acquired {
				h.Release(a)
			}
			return err
		}
		acquired = append(acquired, l.Shard)
	}
	return nil
}

// Release drops one reference on shard, releasing the underlying mutex
// once the refcount reaches zero.
func (h *Handle) Release(shard types.ShardID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.held[shard]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(h.held, shard)
	if e.mode == writeMode {
		h.locker.Unlock(shard)
	} else {
		h.locker.RUnlock(shard)
	}
}

// ReleaseAll releases every lock this handle currently holds, regardless
// of refcount. Safe to call more than once.
func (h *Handle) ReleaseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for shard, e := range h.held {
		if e.mode == writeMode {
			h.locker.Unlock(shard)
		} else {
			h.locker.RUnlock(shard)
		}
	}
	h.held = make(map[types.ShardID]*held)
}

// Holds reports whether this handle currently holds any lock on shard.
func (h *Handle) Holds(shard types.ShardID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.held[shard]
	return ok
}
