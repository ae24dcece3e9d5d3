package enclave_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/enclavedb/pkg/config"
	"github.com/cuemby/enclavedb/pkg/enclave"
	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/policy"
	"github.com/cuemby/enclavedb/pkg/txn"
	"github.com/cuemby/enclavedb/pkg/types"
	"github.com/stretchr/testify/require"
)

func testConfig(uid string) config.Config {
	cfg := config.Default()
	cfg.UID = uid
	cfg.NumShards = 4
	cfg.PrimaryBuckets = 16
	cfg.IndexStripes = 4
	cfg.SecondaryBuckets = 16
	cfg.BufferStripeBudget = 1 << 20
	cfg.BlockBytesThreshold = 4096
	return cfg
}

func newTestEnclave(t *testing.T, evaluator policy.Evaluator) *enclave.Enclave {
	t.Helper()
	e, err := enclave.New(testConfig("test-"+t.Name()), evaluator, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close(context.Background())) })
	return e
}

func TestPutThenGetRoundTrips(t *testing.T) {
	e := newTestEnclave(t, nil)
	ctx := context.Background()

	id, perr := e.PutObject(ctx, "alice", "widgets", "w1", json.RawMessage(`{"color":"red","count":3}`))
	require.Nil(t, perr)
	require.NotEqual(t, types.InvalidEventID, id)

	value, head, gerr := e.GetObject(ctx, "alice", "widgets", "w1")
	require.Nil(t, gerr)
	require.Equal(t, id, head)
	require.JSONEq(t, `{"color":"red","count":3}`, string(value))
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	e := newTestEnclave(t, nil)
	ctx := context.Background()

	_, _, gerr := e.GetObject(ctx, "alice", "widgets", "ghost")
	require.NotNil(t, gerr)
	require.Equal(t, enclave.KindNotFound, gerr.Kind)
}

func TestPutSubPathArrayAppend(t *testing.T) {
	e := newTestEnclave(t, nil)
	ctx := context.Background()

	_, perr := e.PutObject(ctx, "alice", "widgets", "w1", json.RawMessage(`{"tags":["a"]}`))
	require.Nil(t, perr)

	_, perr = e.PutObject(ctx, "alice", "widgets", "w1.tags.+", json.RawMessage(`"b"`))
	require.Nil(t, perr)

	value, _, gerr := e.GetObject(ctx, "alice", "widgets", "w1")
	require.Nil(t, gerr)
	require.JSONEq(t, `{"tags":["a","b"]}`, string(value))

	tags, _, gerr := e.GetObject(ctx, "alice", "widgets", "w1.tags")
	require.Nil(t, gerr)
	require.JSONEq(t, `["a","b"]`, string(tags))
}

func TestAddToObjectMergesTopLevelFields(t *testing.T) {
	e := newTestEnclave(t, nil)
	ctx := context.Background()

	_, perr := e.PutObject(ctx, "alice", "widgets", "w1", json.RawMessage(`{"color":"red","count":3}`))
	require.Nil(t, perr)

	_, aerr := e.AddToObject(ctx, "alice", "widgets", "w1", json.RawMessage(`{"count":5}`))
	require.Nil(t, aerr)

	value, _, gerr := e.GetObject(ctx, "alice", "widgets", "w1")
	require.Nil(t, gerr)
	require.JSONEq(t, `{"color":"red","count":5}`, string(value))
}

func TestRemoveThenFindExcludesIt(t *testing.T) {
	e := newTestEnclave(t, nil)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, perr := e.PutObject(ctx, "alice", "widgets", key, json.RawMessage(`{"status":"open"}`))
		require.Nil(t, perr)
	}

	_, rerr := e.RemoveObject(ctx, "alice", "widgets", "b")
	require.Nil(t, rerr)

	_, rerr = e.RemoveObject(ctx, "alice", "widgets", "b")
	require.NotNil(t, rerr)
	require.Equal(t, enclave.KindNotFound, rerr.Kind)

	count, cerr := e.CountObjects(ctx, "alice", "widgets", []index.Condition{{Path: "status", Op: index.OpEq, Value: "open"}})
	require.Nil(t, cerr)
	require.Equal(t, 2, count)
}

func TestFindUsesCreatedIndexForIn(t *testing.T) {
	e := newTestEnclave(t, nil)
	ctx := context.Background()

	_, perr := e.PutObject(ctx, "alice", "orders", "o1", json.RawMessage(`{"status":"open"}`))
	require.Nil(t, perr)
	_, perr = e.PutObject(ctx, "alice", "orders", "o2", json.RawMessage(`{"status":"closed"}`))
	require.Nil(t, perr)
	_, perr = e.PutObject(ctx, "alice", "orders", "o3", json.RawMessage(`{"status":"pending"}`))
	require.Nil(t, perr)

	require.Nil(t, e.CreateIndex("orders", "by_status", "status"))

	docs, ferr := e.FindObjects(ctx, "alice", "orders", []index.Condition{
		{Path: "status", Op: index.OpIn, Values: []interface{}{"open", "pending"}},
	})
	require.Nil(t, ferr)
	require.Len(t, docs, 2)
	require.Contains(t, docs, "o1")
	require.Contains(t, docs, "o3")
}

func TestPolicyRejectionBlocksWrite(t *testing.T) {
	e := newTestEnclave(t, denyEvaluator{})
	ctx := context.Background()

	_, perr := e.PutObject(ctx, "alice", "widgets", "w1", json.RawMessage(`{"color":"red"}`))
	require.NotNil(t, perr)
	require.Equal(t, enclave.KindPolicyRejected, perr.Kind)

	_, _, gerr := e.GetObject(ctx, "alice", "widgets", "w1")
	require.NotNil(t, gerr)
	require.Equal(t, enclave.KindNotFound, gerr.Kind)
}

func TestGetObjectHistoryStopsAtDeletion(t *testing.T) {
	e := newTestEnclave(t, nil)
	ctx := context.Background()

	_, perr := e.PutObject(ctx, "alice", "widgets", "w1", json.RawMessage(`{"v":1}`))
	require.Nil(t, perr)
	_, perr = e.PutObject(ctx, "alice", "widgets", "w1", json.RawMessage(`{"v":2}`))
	require.Nil(t, perr)
	_, rerr := e.RemoveObject(ctx, "alice", "widgets", "w1")
	require.Nil(t, rerr)
	_, perr = e.PutObject(ctx, "alice", "widgets", "w1", json.RawMessage(`{"v":3}`))
	require.Nil(t, perr)

	history, herr := e.GetObjectHistory(ctx, "alice", "widgets", "w1")
	require.Nil(t, herr)
	require.Len(t, history, 1)
	require.JSONEq(t, `{"v":3}`, string(history[0]))
}

func TestTwoPhaseCommitAcrossPeers(t *testing.T) {
	ctx := context.Background()
	a, err := enclave.New(testConfig("peer-a"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(ctx)) })

	b, err := enclave.New(testConfig("peer-b"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close(ctx)) })

	a.AddPeer("b", b)

	results, signed, peerWitnesses, terr := a.ExecuteTransaction(ctx, txn.Serializable, "alice", []txn.Op{
		{Type: txn.OpPut, Collection: "widgets", Key: "w1", Value: json.RawMessage(`{"color":"red"}`)},
	}, nil)
	require.Nil(t, terr)
	require.Len(t, results, 1)
	require.True(t, results[0].Found)
	require.NotNil(t, signed)
	require.True(t, signed.Verify())
	require.Contains(t, peerWitnesses, "b")
	require.True(t, peerWitnesses["b"].Verify())

	value, _, gerr := a.GetObject(ctx, "alice", "widgets", "w1")
	require.Nil(t, gerr)
	require.JSONEq(t, `{"color":"red"}`, string(value))
}

type denyEvaluator struct{}

func (denyEvaluator) Evaluate(context.Context, []byte, policy.OpContext, policy.Bindings) (bool, error) {
	return false, nil
}
