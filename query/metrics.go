package query

import (
	"fmt"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// Metrics keeps a quantile digest of scan latencies, observed when a
// result set is closed.
type Metrics struct {
	mu      sync.Mutex
	latency *tdigest.TDigest
}

func NewMetrics() (*Metrics, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &Metrics{latency: td}, nil
}

// ObserveScanLatency records one scan's wall-clock duration.
func (m *Metrics) ObserveScanLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.latency.AddWeighted(d.Seconds(), 1)
}

// ScanLatencyQuantile returns the q-quantile of observed scan latencies in
// seconds. NaN until at least one observation exists.
func (m *Metrics) ScanLatencyQuantile(q float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency.Quantile(q)
}

// ScanCount returns the number of observed scans.
func (m *Metrics) ScanCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency.Count()
}
