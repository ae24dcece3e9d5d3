package lockhandle_test

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/enclavedb/pkg/lockhandle"
	"github.com/cuemby/enclavedb/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestAcquireWriteThenReleaseUnblocksOther(t *testing.T) {
	locks := lockhandle.NewShardLocks(4)
	h1 := lockhandle.New(locks)
	h2 := lockhandle.New(locks)

	require.NoError(t, h1.AcquireWrite(0, true))

	done := make(chan struct{})
	go func() {
		require.NoError(t, h2.AcquireWrite(0, true))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("h2 acquired write lock while h1 still held it")
	case <-time.After(50 * time.Millisecond):
	}

	h1.Release(0)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("h2 never acquired after h1 released")
	}
	h2.ReleaseAll()
}

func TestNonBlockingContentionReturnsErrLockContention(t *testing.T) {
	locks := lockhandle.NewShardLocks(2)
	h1 := lockhandle.New(locks)
	h2 := lockhandle.New(locks)

	require.NoError(t, h1.AcquireWrite(1, true))
	err := h2.AcquireWrite(1, false)
	require.ErrorIs(t, err, lockhandle.ErrLockContention)
	h1.ReleaseAll()
}

func TestNestedAcquireSameShardRefcounts(t *testing.T) {
	locks := lockhandle.NewShardLocks(1)
	h := lockhandle.New(locks)
	require.NoError(t, h.AcquireWrite(0, true))
	require.NoError(t, h.AcquireWrite(0, true))
	h.Release(0)
	require.True(t, h.Holds(0))
	h.Release(0)
	require.False(t, h.Holds(0))
}

func TestAcquireWriteShardsAscendingOrderAvoidsDeadlock(t *testing.T) {
	locks := lockhandle.NewShardLocks(4)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		h := lockhandle.New(locks)
		errs[0] = h.AcquireWriteShards([]types.ShardID{3, 1, 2}, true)
		time.Sleep(10 * time.Millisecond)
		h.ReleaseAll()
	}()
	go func() {
		defer wg.Done()
		h := lockhandle.New(locks)
		errs[1] = h.AcquireWriteShards([]types.ShardID{2, 3, 1}, true)
		time.Sleep(10 * time.Millisecond)
		h.ReleaseAll()
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
	case <-time.After(2 * time.Second):
		t.Fatal("deadlocked acquiring overlapping shard sets")
	}
}

func TestReleaseAllIsIdempotent(t *testing.T) {
	locks := lockhandle.NewShardLocks(1)
	h := lockhandle.New(locks)
	require.NoError(t, h.AcquireWrite(0, true))
	h.ReleaseAll()
	require.NotPanics(t, func() { h.ReleaseAll() })
}
