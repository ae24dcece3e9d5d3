/*
Package enclave wires the core subsystems (buffer manager, ledger,
indexes, transaction engine) into a single owned value constructed at
startup, with no implicit process-wide singletons, and exposes the
full key-value operation surface as methods on it.

A Config struct plus a constructor that builds sub-components in order,
wrapping each failure with fmt.Errorf("...: %w", err).
*/
package enclave

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/config"
	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/ledger"
	"github.com/cuemby/enclavedb/pkg/lockhandle"
	"github.com/cuemby/enclavedb/pkg/log"
	"github.com/cuemby/enclavedb/pkg/metrics"
	"github.com/cuemby/enclavedb/pkg/pagestore"
	"github.com/cuemby/enclavedb/pkg/peer"
	"github.com/cuemby/enclavedb/pkg/policy"
	"github.com/cuemby/enclavedb/pkg/security"
	"github.com/cuemby/enclavedb/pkg/txn"
	"github.com/rs/zerolog"
)

// Enclave is the top-level wiring of one running core instance: a page
// store, the buffer managers layered over it, the sharded ledger, the
// shard lock table, a transaction engine, and the named collections it
// serves.
type Enclave struct {
	cfg       config.Config
	store     pagestore.Store
	sealer    *security.PageSealer
	ledgerMgr *buffer.Manager
	ledger    *ledger.Ledger
	locks     *lockhandle.ShardLocks
	signer    security.Signer
	evaluator policy.Evaluator
	engine    *txn.Engine
	collector *metrics.Collector

	mu         sync.Mutex
	idxMgrs    map[string]*buffer.Manager // one per collection, keyed by collection name
	secondary  map[string]*buffer.Manager // one per (collection,index) pair, keyed by "collection/index"
	peers      map[string]peer.RPC
	prepared   map[string]*preparedTxn

	log zerolog.Logger
}

// New creates an Enclave from cfg, wiring a page store (in-memory or
// bbolt, per cfg.Store), the buffer managers and ledger over it, and an
// empty transaction engine with no collections registered yet;
// collections are created lazily on first reference.
func New(cfg config.Config, evaluator policy.Evaluator, peers map[string]peer.RPC) (*Enclave, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("enclave: %w", err)
	}
	if evaluator == nil {
		evaluator = policy.AllowAllEvaluator{}
	}
	if peers == nil {
		peers = map[string]peer.RPC{}
	}

	var store pagestore.Store
	switch cfg.Store {
	case "bolt":
		bs, err := pagestore.NewBoltStore(filepath.Join(cfg.DataDir, "pages.db"))
		if err != nil {
			return nil, fmt.Errorf("enclave: create bbolt page store: %w", err)
		}
		store = bs
	default:
		store = pagestore.NewMemStore()
	}

	masterKey, err := security.DeriveMasterKeyFromPassphrase(cfg.UID)
	if err != nil {
		return nil, fmt.Errorf("enclave: derive master key: %w", err)
	}
	sealer, err := security.NewPageSealer(masterKey)
	if err != nil {
		return nil, fmt.Errorf("enclave: create page sealer: %w", err)
	}

	ledger.MaxBlockBytes = cfg.BlockBytesThreshold

	ctx := context.Background()
	ledgerMgr := buffer.New(store, sealer, "ledger", cfg.BufferStripeBudget, false, log.WithComponent("ledger-buffer"))
	l, err := ledger.New(ctx, ledgerMgr, cfg.NumShards, log.WithComponent("ledger"))
	if err != nil {
		return nil, fmt.Errorf("enclave: create ledger: %w", err)
	}

	signer, err := security.NewEnclaveSigner()
	if err != nil {
		return nil, fmt.Errorf("enclave: create signer: %w", err)
	}

	locks := lockhandle.NewShardLocks(cfg.NumShards)
	engine := txn.New(l, locks, signer, evaluator, log.WithComponent("txn"))

	e := &Enclave{
		cfg: cfg, store: store, sealer: sealer,
		ledgerMgr: ledgerMgr, ledger: l, locks: locks,
		signer: signer, evaluator: evaluator, engine: engine,
		idxMgrs: make(map[string]*buffer.Manager), secondary: make(map[string]*buffer.Manager),
		peers: peers, prepared: make(map[string]*preparedTxn),
		log: log.WithComponent("enclave"),
	}

	e.collector = metrics.NewCollector(statsSource{e}, 15*time.Second)
	e.collector.Start()

	return e, nil
}

// statsSource adapts Enclave to metrics.StatsSource, summing pin counts
// across every buffer manager this instance owns.
type statsSource struct{ e *Enclave }

func (s statsSource) PinnedPageCount() int {
	s.e.mu.Lock()
	mgrs := make([]*buffer.Manager, 0, len(s.e.idxMgrs)+len(s.e.secondary)+1)
	mgrs = append(mgrs, s.e.ledgerMgr)
	for _, m := range s.e.idxMgrs {
		mgrs = append(mgrs, m)
	}
	for _, m := range s.e.secondary {
		mgrs = append(mgrs, m)
	}
	s.e.mu.Unlock()
	total := 0
	for _, m := range mgrs {
		total += m.PinnedPageCount()
	}
	return total
}

func (s statsSource) PendingTransactionCount() int { return s.e.engine.PendingTransactionCount() }

// Close stops the background metrics collector and flushes every buffer
// manager this enclave owns.
func (e *Enclave) Close(ctx context.Context) error {
	e.collector.Stop()

	e.mu.Lock()
	mgrs := []*buffer.Manager{e.ledgerMgr}
	for _, m := range e.idxMgrs {
		mgrs = append(mgrs, m)
	}
	for _, m := range e.secondary {
		mgrs = append(mgrs, m)
	}
	e.mu.Unlock()

	for _, m := range mgrs {
		if err := m.FlushAll(ctx); err != nil {
			return fmt.Errorf("enclave: flush on close: %w", err)
		}
	}
	if closer, ok := e.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// ensureCollection returns the named collection's registration,
// lazily creating its primary index (and a dedicated buffer manager
// namespaced to that collection, so two collections never collide on
// the same page numbers) the first time it is referenced.
func (e *Enclave) ensureCollection(name string) (*txn.Collection, error) {
	if col, ok := e.engine.Collection(name); ok {
		return col, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if col, ok := e.engine.Collection(name); ok {
		return col, nil
	}

	mgr, ok := e.idxMgrs[name]
	if !ok {
		mgr = buffer.New(e.store, e.sealer, "idx_"+name, e.cfg.BufferStripeBudget, false, log.WithComponent("index-buffer").With().Str("collection", name).Logger())
		e.idxMgrs[name] = mgr
	}

	primary, err := index.NewPrimaryIndex(context.Background(), mgr, e.cfg.PrimaryBuckets, e.cfg.IndexStripes)
	if err != nil {
		return nil, fmt.Errorf("enclave: create primary index for %q: %w", name, err)
	}
	col := txn.NewCollection(name, primary)
	e.engine.RegisterCollection(col)
	return col, nil
}
