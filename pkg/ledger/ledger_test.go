package ledger_test

import (
	"context"
	"testing"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/ledger"
	"github.com/cuemby/enclavedb/pkg/pagestore"
	"github.com/cuemby/enclavedb/pkg/security"
	"github.com/cuemby/enclavedb/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, numShards uint16) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	sealer, err := security.NewPageSealer(make([]byte, 32))
	require.NoError(t, err)
	mgr := buffer.New(pagestore.NewMemStore(), sealer, "ledger", 1<<20, false, zerolog.Nop())
	l, err := ledger.New(ctx, mgr, numShards, zerolog.Nop())
	require.NoError(t, err)
	return l
}

func TestAppendThenReadEvent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 4)

	shard := l.ShardFor("k1")
	id, err := l.Append(ctx, shard, types.Event{Type: types.NewVersion, Author: "alice", Version: 1, Value: []byte(`{"x":1}`)})
	require.NoError(t, err)
	require.Equal(t, shard, id.Shard)
	require.Equal(t, types.BlockID(0), id.Block)
	require.Equal(t, types.EventIndex(0), id.Index)

	ev, err := l.ReadEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "alice", ev.Author)
	require.Equal(t, uint64(1), ev.Version)
}

func TestPeekNextEventIDsMatchesSubsequentAppend(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 1)
	peeked, err := l.PeekNextEventIDs(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, peeked, 2)

	id1, err := l.Append(ctx, 0, types.Event{Type: types.NewVersion, Version: 1})
	require.NoError(t, err)
	require.Equal(t, peeked[0], id1)

	id2, err := l.Append(ctx, 0, types.Event{Type: types.NewVersion, Version: 2})
	require.NoError(t, err)
	require.Equal(t, peeked[1], id2)
}

func TestBlockSealsAndRotatesWhenFull(t *testing.T) {
	orig := ledger.MaxBlockBytes
	ledger.MaxBlockBytes = 200
	defer func() { ledger.MaxBlockBytes = orig }()

	ctx := context.Background()
	l := newTestLedger(t, 1)

	var last types.EventID
	var err error
	var i int
	for {
		last, err = l.Append(ctx, 0, types.Event{Type: types.NewVersion, Author: "alice", Version: uint64(i + 1), Value: []byte(`{"x":1}`)})
		require.NoError(t, err)
		i++
		if last.Block != 0 {
			break
		}
	}
	require.Equal(t, types.BlockID(1), last.Block)
	require.Equal(t, types.EventIndex(0), last.Index)

	ev, err := l.ReadEvent(ctx, last)
	require.NoError(t, err)
	require.Equal(t, uint64(i), ev.Version)
}

func TestShardForIsStable(t *testing.T) {
	l := newTestLedger(t, 8)
	a := l.ShardFor("same-key")
	b := l.ShardFor("same-key")
	require.Equal(t, a, b)
}
