package buffer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/pagestore"
	"github.com/cuemby/enclavedb/pkg/security"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakePage struct {
	Version uint64
	Text    string
}

func (p *fakePage) MarshalPage() ([]byte, error) {
	return []byte(p.Text), nil
}

func (p *fakePage) UnmarshalPage(b []byte) error {
	p.Text = string(b)
	return nil
}

func (p *fakePage) PageVersion() uint64     { return p.Version }
func (p *fakePage) SetPageVersion(v uint64) { p.Version = v }

func newFakePage() *fakePage { return &fakePage{} }

func newTestManager(t *testing.T, budget int64) *buffer.Manager {
	t.Helper()
	sealer, err := security.NewPageSealer(make([]byte, 32))
	require.NoError(t, err)
	store := pagestore.NewMemStore()
	return buffer.New(store, sealer, "test", budget, false, zerolog.Nop())
}

func TestNewPageThenGetPageRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<20)

	h, err := buffer.NewPage(ctx, m, newFakePage, func(p *fakePage) {
		p.Text = "hello"
		p.Version = 1
	})
	require.NoError(t, err)
	pageNo := h.PageNo()
	h.Release()

	require.NoError(t, m.Flush(ctx, pageNo))
	m.ClearCache()

	h2, err := buffer.GetPage(ctx, m, pageNo, newFakePage, nil)
	require.NoError(t, err)
	defer h2.Release()
	require.Equal(t, "hello", h2.Data().Text)
}

func TestGetPageMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<20)
	_, err := buffer.GetPage(ctx, m, 999, newFakePage, nil)
	require.ErrorIs(t, err, buffer.ErrPageNotFound)
}

func TestStaleVersionNonReplicaErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<20)
	h, err := buffer.NewPage(ctx, m, newFakePage, func(p *fakePage) { p.Version = 2 })
	require.NoError(t, err)
	pageNo := h.PageNo()
	h.Release()

	older := uint64(1)
	_, err = buffer.GetPage(ctx, m, pageNo, newFakePage, &older)
	require.ErrorIs(t, err, buffer.ErrStaleness)
}

func TestPinnedPageBlocksEvictionUntilRelease(t *testing.T) {
	ctx := context.Background()
	// A tiny budget forces eviction pressure on the second page.
	m := newTestManager(t, 8)

	h1, err := buffer.NewPage(ctx, m, newFakePage, func(p *fakePage) { p.Text = "aaaaaaaaaa" })
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h2, err := buffer.NewPage(ctx, m, newFakePage, func(p *fakePage) { p.Text = "bbbbbbbbbb" })
		require.NoError(t, err)
		h2.Release()
	}()

	// Give the goroutine a moment to block on the eviction condvar since
	// h1 is still pinned and is the only evictable page.
	time.Sleep(50 * time.Millisecond)
	h1.Release()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("eviction did not unblock after pin release")
	}
}

func TestPinnedPageCount(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1<<20)
	require.Equal(t, 0, m.PinnedPageCount())

	h, err := buffer.NewPage(ctx, m, newFakePage, nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.PinnedPageCount())
	h.Release()
	require.Equal(t, 0, m.PinnedPageCount())
}
