// Package stats provides the fire-and-forget counters and latency
// histogram the core treats as an external collaborator: connection and
// request bookkeeping the forwarding planner and coalescer update but
// never read back to make decisions.
package stats

import (
	"sync/atomic"
	"time"
)

// Counters holds the request/response bookkeeping named across spec.md
// §4.6/§4.7/§7: peer-response arrivals, client-dropped requests on close,
// quorum mismatches, and timeouts.
type Counters struct {
	PeerResponses         atomic.Int64
	ClientDroppedRequests atomic.Int64
	QuorumMismatches      atomic.Int64
	Timeouts              atomic.Int64
	RoutingErrors         atomic.Int64
}

// latencyBuckets are upper bounds in microseconds; the last bucket is a
// catch-all for anything slower.
var latencyBuckets = [...]int64{100, 500, 1000, 5000, 10000, 50000, 100000}

// Histogram is a simple bucketed latency histogram keyed by upper bound in
// microseconds, updated on the client dequeue_outq path
// (req_client_dequeue_omsgq / stats_histo_add_latency).
type Histogram struct {
	counts [len(latencyBuckets) + 1]atomic.Int64
	total  atomic.Int64
	sum    atomic.Int64 // microseconds
}

// NewHistogram returns an empty histogram.
func NewHistogram() *Histogram { return &Histogram{} }

// ObserveLatency implements core.LatencySink.
func (h *Histogram) ObserveLatency(d time.Duration) {
	micros := d.Microseconds()
	h.total.Add(1)
	h.sum.Add(micros)
	for i, bound := range latencyBuckets {
		if micros <= bound {
			h.counts[i].Add(1)
			return
		}
	}
	h.counts[len(latencyBuckets)].Add(1)
}

// Snapshot returns the current bucket counts and the total observation
// count, safe to call concurrently with ObserveLatency.
func (h *Histogram) Snapshot() (buckets map[int64]int64, total int64, meanMicros float64) {
	buckets = make(map[int64]int64, len(latencyBuckets)+1)
	for i, bound := range latencyBuckets {
		buckets[bound] = h.counts[i].Load()
	}
	buckets[-1] = h.counts[len(latencyBuckets)].Load() // -1 marks the overflow bucket
	total = h.total.Load()
	if total > 0 {
		meanMicros = float64(h.sum.Load()) / float64(total)
	}
	return
}
