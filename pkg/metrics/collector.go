package metrics

import "time"

// StatsSource is implemented by the enclave's subsystems that expose
// point-in-time gauges too expensive or awkward to update on every
// mutation (pin counts across every stripe, pending transaction count).
type StatsSource interface {
	PinnedPageCount() int
	PendingTransactionCount() int
}

// Collector polls a StatsSource on an interval and republishes its
// values as gauges.
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector polling source every interval.
// A non-positive interval defaults to 15s.
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{source: source, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the polling loop in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	PinnedPages.Set(float64(c.source.PinnedPageCount()))
	PendingTransactions.Set(float64(c.source.PendingTransactionCount()))
}
