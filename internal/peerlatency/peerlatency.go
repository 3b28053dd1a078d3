// Package peerlatency tracks measured round-trip latency to peer Nodes,
// feeding the Peer Connection's soft-state "measured latency" field that
// spec §3 declares but leaves unimplemented.
package peerlatency

import (
	"context"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/maypok86/otter"
)

// Sample is one latency observation for a peer endpoint.
type Sample struct {
	LatencyMs   float64
	MeasuredAt  time.Time
}

// Table is a bounded, thread-safe per-endpoint latency table backed by an
// otter cache, the same caching idiom used elsewhere in the Node Runtime for
// bounded in-memory state.
type Table struct {
	mu    sync.Mutex
	cache otter.Cache[string, Sample]
}

// NewTable creates a Table bounded to maxEntries peer endpoints.
func NewTable(maxEntries int) *Table {
	cache, err := otter.MustBuilder[string, Sample](maxEntries).
		Cost(func(_ string, _ Sample) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("peerlatency: failed to create latency table: " + err.Error())
	}
	return &Table{cache: cache}
}

// Record stores the latest observation for an endpoint, replacing any prior
// value outright (unlike a decayed EWMA, the Peer Connection's latency field
// is a point-in-time measurement refreshed on every probe tick).
func (t *Table) Record(endpointHost string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Set(endpointHost, Sample{
		LatencyMs:  float64(latency) / float64(time.Millisecond),
		MeasuredAt: time.Now(),
	})
}

// Get returns the latest sample for an endpoint, if present.
func (t *Table) Get(endpointHost string) (Sample, bool) {
	return t.cache.Get(endpointHost)
}

// Close releases resources held by the underlying cache.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Close()
}

// Prober issues ICMP echo probes to peer hosts and records the result in a
// Table. Probing requires raw-socket privilege in many deployments; callers
// that cannot obtain it should skip Probe and leave latency unset rather
// than fail the discovery loop.
type Prober struct {
	table   *Table
	timeout time.Duration
}

// NewProber creates a Prober that records results into table.
func NewProber(table *Table, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{table: table, timeout: timeout}
}

// Probe sends a small number of ICMP echo requests to host and records the
// average round-trip time. It returns an error if the probe could not run
// at all (e.g. no ICMP permission); a host that is simply unreachable is not
// an error, it just leaves no sample recorded.
func (p *Prober) Probe(ctx context.Context, host string) error {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return err
	}
	pinger.Count = 3
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return nil
	}
	p.table.Record(host, stats.AvgRtt)
	return nil
}
