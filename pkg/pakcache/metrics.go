package pakcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Requests         uint64 // requests admitted
	Hits             uint64 // requests satisfied at admission
	Failures         uint64 // requests completed with an error
	Reads            uint64 // storage reads issued, retries included
	Retries          uint64 // storage reads reissued after a failure
	RequestedBytes   uint64 // bytes asked for by admitted requests
	FetchedBytes     uint64 // bytes delivered by storage
	DiscardedBytes   uint64 // fetched bytes dropped because no request needed them
	BlockMemory      int64  // bytes held by completed blocks
	BlockMemoryHigh  int64  // high-water mark of BlockMemory
	OutstandingReads int    // reads issued or waiting to be retried
	LiveRequests     int
	LiveBlocks       int
}

// HitRatio returns Hits/Requests, or 0 with no requests.
func (s Stats) HitRatio() float64 {
	if s.Requests == 0 {
		return 0
	}

	return float64(s.Hits) / float64(s.Requests)
}

type metrics struct {
	requests       *prometheus.CounterVec
	hits           prometheus.Counter
	failures       *prometheus.CounterVec
	reads          prometheus.Counter
	retries        prometheus.Counter
	requestedBytes prometheus.Counter
	fetchedBytes   prometheus.Counter
	discardedBytes prometheus.Counter
	blockMemory    prometheus.Gauge
	outstanding    prometheus.Gauge
}

// newMetrics registers collectors with reg. A nil reg yields working but
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pakcache_requests_total",
			Help: "Number of range requests admitted, by priority.",
		}, []string{"priority"}),
		hits: f.NewCounter(prometheus.CounterOpts{
			Name: "pakcache_request_hits_total",
			Help: "Number of range requests fully served from cached blocks at admission.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pakcache_request_failures_total",
			Help: "Number of range requests completed with an error, by reason.",
		}, []string{"reason"}),
		reads: f.NewCounter(prometheus.CounterOpts{
			Name: "pakcache_storage_reads_total",
			Help: "Number of storage reads issued, including retries.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "pakcache_storage_read_retries_total",
			Help: "Number of storage reads reissued after a failure.",
		}),
		requestedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "pakcache_requested_bytes_total",
			Help: "Total number of bytes requested by admitted range requests.",
		}),
		fetchedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "pakcache_fetched_bytes_total",
			Help: "Total number of bytes delivered by storage reads.",
		}),
		discardedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "pakcache_discarded_bytes_total",
			Help: "Total number of fetched bytes dropped because every interested request was gone.",
		}),
		blockMemory: f.NewGauge(prometheus.GaugeOpts{
			Name: "pakcache_block_memory_bytes",
			Help: "Bytes currently held by completed cache blocks.",
		}),
		outstanding: f.NewGauge(prometheus.GaugeOpts{
			Name: "pakcache_outstanding_reads",
			Help: "Storage reads currently issued or waiting to be retried.",
		}),
	}
}
