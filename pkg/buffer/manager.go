package buffer

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cuemby/enclavedb/pkg/metrics"
	"github.com/cuemby/enclavedb/pkg/pagestore"
	"github.com/cuemby/enclavedb/pkg/security"
	"github.com/rs/zerolog"
)

// NumStripes is the number of stripes the page-number space is split
// across.
const NumStripes = 32

// evictTargetNumerator/evictTargetDenominator is the fraction of budget
// eviction brings a stripe back down to once it starts evicting.
const evictTargetNumerator, evictTargetDenominator = 80, 100

var (
	ErrPageNotFound      = errors.New("buffer: page not found")
	ErrStaleness         = errors.New("buffer: loaded page version newer than expected")
	ErrCacheCorrupt      = errors.New("buffer: cached page type mismatch")
	ErrPageAlreadyExists = errors.New("buffer: page already exists")
)

type entry struct {
	pageNo uint64
	data   PageData
	dirty  bool
	pins   int
	size   int64
	elem   *list.Element // non-nil iff pins == 0 and present in the eviction list
}

type stripe struct {
	mu    sync.RWMutex // guards `pages` map membership and entry.data/dirty
	pages map[uint64]*entry

	evictMu   sync.Mutex // guards pins, elem, size, evictList
	evictCond *sync.Cond
	evictList *list.List
	budget    int64
	size      int64
}

func newStripe(budget int64) *stripe {
	st := &stripe{pages: make(map[uint64]*entry), evictList: list.New(), budget: budget}
	st.evictCond = sync.NewCond(&st.evictMu)
	return st
}

// Manager is the in-enclave page cache over an untrusted pagestore.Store.
type Manager struct {
	store    pagestore.Store
	sealer   *security.PageSealer
	prefix   string
	replica  bool
	stripes  [NumStripes]*stripe
	nextPage atomic.Uint64
	log      zerolog.Logger
}

// New creates a buffer manager. stripeBudget is the per-stripe byte
// budget before eviction kicks in; replica marks this instance as a
// downstream replica, which changes staleness handling from "error" to
// "wait".
func New(store pagestore.Store, sealer *security.PageSealer, prefix string, stripeBudget int64, replica bool, logger zerolog.Logger) *Manager {
	m := &Manager{store: store, sealer: sealer, prefix: prefix, replica: replica, log: logger}
	for i := range m.stripes {
		m.stripes[i] = newStripe(stripeBudget)
	}
	return m
}

func (m *Manager) stripeFor(pageNo uint64) *stripe {
	return m.stripes[pageNo%NumStripes]
}

func (st *stripe) pin(e *entry) {
	st.evictMu.Lock()
	if e.pins == 0 && e.elem != nil {
		st.evictList.Remove(e.elem)
		e.elem = nil
	}
	e.pins++
	st.evictMu.Unlock()
}

func (st *stripe) unpin(e *entry) {
	st.evictMu.Lock()
	e.pins--
	if e.pins < 0 {
		e.pins = 0
	}
	if e.pins == 0 {
		e.elem = st.evictList.PushFront(e)
	}
	st.evictCond.Broadcast()
	st.evictMu.Unlock()
}

// ensureBudget evicts least-recently-unpinned pages (tail-first) until
// the stripe's loaded size falls to 80% of budget, blocking on the
// eviction condvar while the stripe is over budget and every page is
// currently pinned.
func (st *stripe) ensureBudget(ctx context.Context, m *Manager) {
	target := (st.budget * evictTargetNumerator) / evictTargetDenominator
	st.evictMu.Lock()
	if st.size <= st.budget {
		st.evictMu.Unlock()
		return
	}
	for st.size > target {
		back := st.evictList.Back()
		if back == nil {
			if st.size <= st.budget {
				break
			}
			// Every page is pinned; wait for an unpin.
			st.evictCond.Wait()
			continue
		}
		victim := back.Value.(*entry)
		st.evictList.Remove(back)
		victim.elem = nil
		st.evictMu.Unlock()

		st.mu.Lock()
		if cur, ok := st.pages[victim.pageNo]; ok && cur == victim {
			st.evictMu.Lock()
			stillUnpinned := victim.pins == 0
			st.evictMu.Unlock()
			if stillUnpinned {
				if victim.dirty {
					_ = m.flushLocked(ctx, victim)
				}
				delete(st.pages, victim.pageNo)
				st.evictMu.Lock()
				st.size -= victim.size
				st.evictMu.Unlock()
				metrics.PagesEvicted.Inc()
			}
		}
		st.mu.Unlock()
		st.evictMu.Lock()
	}
	st.evictMu.Unlock()
}

// Handle is a reference-counting pin token over a cached page. The
// underlying page cannot be evicted while any handle for it is live.
type Handle[T PageData] struct {
	mgr    *Manager
	st     *stripe
	e      *entry
	pageNo uint64
}

// Data returns the typed, deserialized page content.
func (h *Handle[T]) Data() T { return h.e.data.(T) }

// PageNo returns the page number this handle pins.
func (h *Handle[T]) PageNo() uint64 { return h.pageNo }

// Release drops this handle's pin. Once every handle for a page is
// released it becomes eligible for eviction.
func (h *Handle[T]) Release() {
	h.st.unpin(h.e)
}

func (m *Manager) readAndDecrypt(ctx context.Context, pageNo uint64) ([]byte, error) {
	raw, err := m.store.Read(ctx, pagestore.PageName(m.prefix, pageNo))
	if err != nil {
		if errors.Is(err, pagestore.ErrNotFound) {
			return nil, ErrPageNotFound
		}
		return nil, err
	}
	return m.sealer.Open(pageNo, raw)
}

// GetPage returns a pinned handle to a deserialized page, loading it
// from the page store if absent. If expectedVersion is non-nil and the
// loaded page's version is older, the manager drops and reloads; if
// newer, a non-replica manager returns ErrStaleness while a replica
// manager waits for an upstream push to catch it up.
func GetPage[T PageData](ctx context.Context, m *Manager, pageNo uint64, factory func() T, expectedVersion *uint64) (*Handle[T], error) {
	st := m.stripeFor(pageNo)

	st.mu.Lock()
	e, ok := st.pages[pageNo]
	if !ok {
		plaintext, err := m.readAndDecrypt(ctx, pageNo)
		if err != nil {
			st.mu.Unlock()
			return nil, err
		}
		data := factory()
		if err := data.UnmarshalPage(plaintext); err != nil {
			st.mu.Unlock()
			return nil, err
		}
		e = &entry{pageNo: pageNo, data: data, size: int64(len(plaintext))}
		st.pages[pageNo] = e
		st.evictMu.Lock()
		st.size += e.size
		st.evictMu.Unlock()
		metrics.PagesLoaded.Inc()
	}
	st.pin(e)
	st.mu.Unlock()

	if expectedVersion != nil {
		cur := e.data.PageVersion()
		switch {
		case cur < *expectedVersion:
			st.unpin(e)
			m.Discard(pageNo)
			metrics.StalenessReloads.Inc()
			return GetPage[T](ctx, m, pageNo, factory, expectedVersion)
		case cur > *expectedVersion:
			if m.replica {
				st.waitForVersion(*expectedVersion, e)
				st.unpin(e)
				return GetPage[T](ctx, m, pageNo, factory, expectedVersion)
			}
			st.unpin(e)
			return nil, ErrStaleness
		}
	}

	st.ensureBudget(ctx, m)
	typed, ok := e.data.(T)
	if !ok {
		st.unpin(e)
		return nil, ErrCacheCorrupt
	}
	return &Handle[T]{mgr: m, st: st, e: e, pageNo: pageNo}, nil
}

// waitForVersion blocks (replica mode only) until the cached page's
// version reaches at least want, waking on every unpin/reload.
func (st *stripe) waitForVersion(want uint64, e *entry) {
	st.evictMu.Lock()
	for e.data.PageVersion() < want {
		st.evictCond.Wait()
	}
	st.evictMu.Unlock()
}

// NewPage allocates a fresh page number, constructs a page via factory
// (optionally initialized by init), inserts it pinned, and returns the
// handle.
func NewPage[T PageData](ctx context.Context, m *Manager, factory func() T, init func(T)) (*Handle[T], error) {
	pageNo := m.nextPage.Add(1)
	st := m.stripeFor(pageNo)
	data := factory()
	if init != nil {
		init(data)
	}
	raw, err := data.MarshalPage()
	if err != nil {
		return nil, err
	}
	e := &entry{pageNo: pageNo, data: data, dirty: true, size: int64(len(raw)), pins: 1}

	st.mu.Lock()
	st.pages[pageNo] = e
	st.mu.Unlock()

	st.evictMu.Lock()
	st.size += e.size
	st.evictMu.Unlock()

	st.ensureBudget(ctx, m)
	return &Handle[T]{mgr: m, st: st, e: e, pageNo: pageNo}, nil
}

// CreatePageAt inserts a fresh page at an explicit, caller-chosen page
// number rather than the manager's monotonic counter, for subsystems
// (ledger blocks, index buckets) that need deterministic addressing. It
// first checks the underlying store so it cannot silently resurrect a
// page that was already flushed under this number in a prior run.
func CreatePageAt[T PageData](ctx context.Context, m *Manager, pageNo uint64, factory func() T, init func(T)) (*Handle[T], error) {
	st := m.stripeFor(pageNo)

	st.mu.Lock()
	if _, ok := st.pages[pageNo]; ok {
		st.mu.Unlock()
		return nil, ErrPageAlreadyExists
	}
	if exists, err := m.store.Exists(ctx, pagestore.PageName(m.prefix, pageNo)); err != nil {
		st.mu.Unlock()
		return nil, err
	} else if exists {
		st.mu.Unlock()
		return nil, ErrPageAlreadyExists
	}

	data := factory()
	if init != nil {
		init(data)
	}
	raw, err := data.MarshalPage()
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	e := &entry{pageNo: pageNo, data: data, dirty: true, size: int64(len(raw)), pins: 1}
	st.pages[pageNo] = e
	st.mu.Unlock()

	st.evictMu.Lock()
	st.size += e.size
	st.evictMu.Unlock()

	st.ensureBudget(ctx, m)
	return &Handle[T]{mgr: m, st: st, e: e, pageNo: pageNo}, nil
}

// MarkDirty marks a cached page to be written on flush and refreshes its
// cached size.
func (m *Manager) MarkDirty(ctx context.Context, pageNo uint64) error {
	st := m.stripeFor(pageNo)
	st.mu.Lock()
	e, ok := st.pages[pageNo]
	if !ok {
		st.mu.Unlock()
		return ErrPageNotFound
	}
	raw, err := e.data.MarshalPage()
	if err != nil {
		st.mu.Unlock()
		return err
	}
	st.evictMu.Lock()
	st.size += int64(len(raw)) - e.size
	e.size = int64(len(raw))
	st.evictMu.Unlock()
	e.dirty = true
	st.mu.Unlock()
	st.ensureBudget(ctx, m)
	return nil
}

func (m *Manager) flushLocked(ctx context.Context, e *entry) error {
	if !e.dirty {
		return nil
	}
	raw, err := e.data.MarshalPage()
	if err != nil {
		return err
	}
	sealed, err := m.sealer.Seal(e.pageNo, raw)
	if err != nil {
		return err
	}
	if err := m.store.Write(ctx, pagestore.PageName(m.prefix, e.pageNo), sealed); err != nil {
		return err
	}
	e.dirty = false
	metrics.PagesFlushed.Inc()
	return nil
}

// Flush serializes a dirty page, if any, and writes it through.
func (m *Manager) Flush(ctx context.Context, pageNo uint64) error {
	st := m.stripeFor(pageNo)
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.pages[pageNo]
	if !ok {
		return ErrPageNotFound
	}
	return m.flushLocked(ctx, e)
}

// FlushAll flushes every dirty page across every stripe.
func (m *Manager) FlushAll(ctx context.Context) error {
	for _, st := range m.stripes {
		st.mu.Lock()
		for _, e := range st.pages {
			if err := m.flushLocked(ctx, e); err != nil {
				st.mu.Unlock()
				return err
			}
		}
		st.mu.Unlock()
	}
	return nil
}

// Discard drops a page's cached deserialized state without flushing,
// used by a replica applying an upstream invalidation and at shutdown.
func (m *Manager) Discard(pageNo uint64) {
	st := m.stripeFor(pageNo)
	st.mu.Lock()
	e, ok := st.pages[pageNo]
	if ok {
		st.evictMu.Lock()
		if e.elem != nil {
			st.evictList.Remove(e.elem)
			e.elem = nil
		}
		st.size -= e.size
		st.evictCond.Broadcast()
		st.evictMu.Unlock()
		delete(st.pages, pageNo)
	}
	st.mu.Unlock()
}

// ClearCache discards every cached page across every stripe.
func (m *Manager) ClearCache() {
	for _, st := range m.stripes {
		st.mu.Lock()
		pageNos := make([]uint64, 0, len(st.pages))
		for no := range st.pages {
			pageNos = append(pageNos, no)
		}
		st.mu.Unlock()
		for _, no := range pageNos {
			m.Discard(no)
		}
	}
}

// Reload drops the cached deserialized page and re-reads it from the
// store, used after an upstream-versus-local version mismatch. It
// stalls until the pin count on this page drops to just the reloading
// caller's own pin rather than versioning the handle, so no other
// goroutine can observe a half-reloaded page through a stale handle.
func Reload[T PageData](ctx context.Context, m *Manager, pageNo uint64, factory func() T) (*Handle[T], error) {
	st := m.stripeFor(pageNo)
	st.mu.RLock()
	e, ok := st.pages[pageNo]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrPageNotFound
	}

	st.evictMu.Lock()
	if e.pins == 0 && e.elem != nil {
		st.evictList.Remove(e.elem)
		e.elem = nil
	}
	e.pins++
	for e.pins > 1 {
		st.evictCond.Wait()
	}
	st.evictMu.Unlock()

	plaintext, err := m.readAndDecrypt(ctx, pageNo)
	if err != nil {
		st.unpin(e)
		return nil, err
	}
	fresh := factory()
	if err := fresh.UnmarshalPage(plaintext); err != nil {
		st.unpin(e)
		return nil, err
	}

	st.mu.Lock()
	e.data = fresh
	e.dirty = false
	st.mu.Unlock()

	st.evictMu.Lock()
	st.size += int64(len(plaintext)) - e.size
	e.size = int64(len(plaintext))
	st.evictMu.Unlock()

	return &Handle[T]{mgr: m, st: st, e: e, pageNo: pageNo}, nil
}

// PinnedPageCount returns an approximate count of currently pinned pages
// across every stripe, for metrics.StatsSource.
func (m *Manager) PinnedPageCount() int {
	count := 0
	for _, st := range m.stripes {
		st.mu.RLock()
		for _, e := range st.pages {
			if e.pins > 0 {
				count++
			}
		}
		st.mu.RUnlock()
	}
	return count
}
