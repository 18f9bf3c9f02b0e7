// Package linametrics exposes Prometheus instrumentation for LiNa Store,
// using package-level promauto-registered vectors rather than a hand-rolled
// registry.
package linametrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestsByOp counts LiNa protocol and HTTP requests by logical operation
// (read/write/delete) and transport (lina/http).
var RequestsByOp = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lina_requests_by_op",
		Help: "Requests by operation and transport",
	},
	[]string{"op", "transport"},
)

// ResponsesByWireCode counts LiNa protocol responses produced by engine
// dispatch, by the wire error code (or 0x00 for success) they carried.
// HTTP responses and frames rejected before dispatch are not counted.
var ResponsesByWireCode = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lina_responses_by_wire_code",
		Help: "Responses by wire error code",
	},
	[]string{"code"},
)

// RequestLatency measures end-to-end engine operation latency in seconds.
var RequestLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "lina_request_latency_seconds",
		Help:    "Engine operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	},
	[]string{"op"},
)

// BlobCacheHits and BlobCacheMisses count the blob store's read-through LRU
// hit rate.
var (
	BlobCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lina_blob_cache_hits_total",
		Help: "Blob store LRU cache hits",
	})
	BlobCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lina_blob_cache_misses_total",
		Help: "Blob store LRU cache misses",
	})
)

// CompressionRatio observes raw_size/stored_size for each compressed blob
// written, so operators can see whether DEFLATE is earning its CPU cost.
var CompressionRatio = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "lina_compression_ratio",
	Help:    "raw_size / stored_size for compressed blobs",
	Buckets: prometheus.LinearBuckets(1, 1, 10),
})

// RegisterNameIndexSize registers a gauge that samples the live-name count
// from fn on every scrape, rather than incrementing inline, since the index
// already tracks this count authoritatively.
func RegisterNameIndexSize(fn func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lina_nameindex_live_names",
		Help: "Current number of live names in the name index",
	}, func() float64 { return float64(fn()) }))
}
