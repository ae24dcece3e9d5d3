package txn_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/ledger"
	"github.com/cuemby/enclavedb/pkg/lockhandle"
	"github.com/cuemby/enclavedb/pkg/pagestore"
	"github.com/cuemby/enclavedb/pkg/policy"
	"github.com/cuemby/enclavedb/pkg/security"
	"github.com/cuemby/enclavedb/pkg/txn"
	"github.com/cuemby/enclavedb/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine *txn.Engine
	coll   *txn.Collection
}

func newHarness(t *testing.T, numShards uint16) *harness {
	t.Helper()
	return newHarnessWithEvaluator(t, numShards, policy.AllowAllEvaluator{})
}

func newHarnessWithEvaluator(t *testing.T, numShards uint16, evaluator policy.Evaluator) *harness {
	t.Helper()
	ctx := context.Background()
	sealer, err := security.NewPageSealer(make([]byte, 32))
	require.NoError(t, err)

	ledgerMgr := buffer.New(pagestore.NewMemStore(), sealer, "ledger", 1<<20, false, zerolog.Nop())
	l, err := ledger.New(ctx, ledgerMgr, numShards, zerolog.Nop())
	require.NoError(t, err)

	idxMgr := buffer.New(pagestore.NewMemStore(), sealer, "idx", 1<<20, false, zerolog.Nop())
	primary, err := index.NewPrimaryIndex(ctx, idxMgr, 32, 4)
	require.NoError(t, err)

	signer, err := security.NewEnclaveSignerFromSeed(make([]byte, 32))
	require.NoError(t, err)

	locks := lockhandle.NewShardLocks(numShards)
	eng := txn.New(l, locks, signer, evaluator, zerolog.Nop())

	col := txn.NewCollection("widgets", primary)
	eng.RegisterCollection(col)

	return &harness{engine: eng, coll: col}
}

func putOp(key string, doc string) txn.Op {
	return txn.Op{Type: txn.OpPut, Collection: "widgets", Key: key, Value: json.RawMessage(doc)}
}

func getOp(key string) txn.Op {
	return txn.Op{Type: txn.OpGet, Collection: "widgets", Key: key}
}

func TestExecuteTransactionSinglePutThenGet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	results, signed, peerWitnesses, err := h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		putOp("widget-1", `{"color":"red","count":3}`),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Found)
	require.NotNil(t, signed)
	require.Empty(t, peerWitnesses)
	require.True(t, signed.Verify())

	results, _, _, err = h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		getOp("widget-1"),
	}, nil)
	require.NoError(t, err)
	require.True(t, results[0].Found)
	require.JSONEq(t, `{"color":"red","count":3}`, string(results[0].Value))
}

func TestExecuteTransactionMultiOpAcrossShards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4)

	_, _, _, err := h.engine.ExecuteTransaction(ctx, txn.RepeatableRead, "alice", []txn.Op{
		putOp("a", `{"n":1}`),
		putOp("b", `{"n":2}`),
		putOp("c", `{"n":3}`),
	}, nil)
	require.NoError(t, err)

	results, _, _, err := h.engine.ExecuteTransaction(ctx, txn.RepeatableRead, "alice", []txn.Op{
		getOp("a"), getOp("b"), getOp("c"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.Found)
	}
}

func TestExecuteTransactionAddMergesDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	_, _, _, err := h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		putOp("widget-1", `{"color":"red"}`),
	}, nil)
	require.NoError(t, err)

	results, _, _, err := h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		{Type: txn.OpAdd, Collection: "widgets", Key: "widget-1", Value: json.RawMessage(`{"count":5}`)},
	}, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"color":"red","count":5}`, string(results[0].Value))
}

func TestExecuteTransactionRemoveThenGetNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	_, _, _, err := h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		putOp("widget-1", `{"n":1}`),
	}, nil)
	require.NoError(t, err)

	results, _, _, err := h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		{Type: txn.OpRemove, Collection: "widgets", Key: "widget-1"},
	}, nil)
	require.NoError(t, err)
	require.True(t, results[0].Found)

	results, _, _, err = h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		getOp("widget-1"),
	}, nil)
	require.NoError(t, err)
	require.False(t, results[0].Found)
}

func TestExecuteTransactionPolicyRejectionAbortsWholeTransaction(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWithEvaluator(t, 1, denyEvaluator{})

	_, _, _, err := h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "mallory", []txn.Op{
		putOp("widget-1", `{"n":1}`),
	}, nil)
	require.ErrorIs(t, err, txn.ErrPolicyRejected)

	results, _, _, err := h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		getOp("widget-1"),
	}, nil)
	require.NoError(t, err)
	require.False(t, results[0].Found)
}

func TestExecuteTransactionFindUsesSecondaryIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	sealer, err := security.NewPageSealer(make([]byte, 32))
	require.NoError(t, err)
	secMgr := buffer.New(pagestore.NewMemStore(), sealer, "sec", 1<<20, false, zerolog.Nop())
	colorIdx, err := index.NewSecondaryIndex(ctx, secMgr, "by_color", "color", 16, 4)
	require.NoError(t, err)
	require.NoError(t, h.engine.CreateIndex("widgets", "by_color", "color", colorIdx))

	_, _, _, err = h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		putOp("a", `{"color":"red"}`),
		putOp("b", `{"color":"blue"}`),
		putOp("c", `{"color":"red"}`),
	}, nil)
	require.NoError(t, err)

	results, _, _, err := h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		{Type: txn.OpFind, Collection: "widgets", Conds: []index.Condition{
			{Path: "color", Op: index.OpIn, Values: []interface{}{"red"}},
		}},
	}, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, results[0].Keys)
}

func TestOrderEventsSameShard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	_, _, _, err := h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		putOp("a", `{"n":1}`),
	}, nil)
	require.NoError(t, err)
	first, found, err := h.coll.Primary.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)

	_, _, _, err = h.engine.ExecuteTransaction(ctx, txn.ReadCommitted, "alice", []txn.Op{
		putOp("a", `{"n":2}`),
	}, nil)
	require.NoError(t, err)
	second, found, err := h.coll.Primary.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)

	require.Equal(t, types.NewerThan, h.engine.OrderEvents(second, first))
	require.Equal(t, types.OlderThan, h.engine.OrderEvents(first, second))
}

type denyEvaluator struct{}

func (denyEvaluator) Evaluate(context.Context, []byte, policy.OpContext, policy.Bindings) (bool, error) {
	return false, nil
}
