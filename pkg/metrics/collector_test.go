package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	pinned  int
	pending int
}

func (f fakeSource) PinnedPageCount() int        { return f.pinned }
func (f fakeSource) PendingTransactionCount() int { return f.pending }

func TestCollectorPublishesGaugesOnStart(t *testing.T) {
	c := NewCollector(fakeSource{pinned: 7, pending: 2}, 10*time.Millisecond)
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(PinnedPages) == 7 && testutil.ToFloat64(PendingTransactions) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gauges not updated: pinned=%v pending=%v", testutil.ToFloat64(PinnedPages), testutil.ToFloat64(PendingTransactions))
}

func TestNewCollectorDefaultsNonPositiveInterval(t *testing.T) {
	c := NewCollector(fakeSource{}, 0)
	if c.interval != 15*time.Second {
		t.Errorf("expected default interval of 15s, got %v", c.interval)
	}
}
