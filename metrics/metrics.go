// Package metrics exposes the handful of Prometheus collectors the
// rest of this module updates: block-cache hit/miss counters, sync
// latency, and a live-operation gauge.
//
// Grounded on the teacher's cmd/headers/download/downloader.go, which
// gates its own metrics registration behind a package-level
// `metrics.Enabled` switch; this package keeps that idiom (Enabled is
// still consulted before any collector touch happens on a hot path).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Enabled gates metric updates; set false in tests and tools that
// never register with a prometheus.Registerer, mirroring the
// teacher's own `metrics.Enabled` switch.
var Enabled = true

var (
	// CacheHits and CacheMisses count blockstore.Cache.GetBlock
	// outcomes.
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "edscore",
		Subsystem: "blockstore",
		Name:      "cache_hits_total",
		Help:      "Block lookups served from the in-memory cache.",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "edscore",
		Subsystem: "blockstore",
		Name:      "cache_misses_total",
		Help:      "Block lookups that required a read from disk.",
	})

	// SyncDuration observes the wall time of Cache.Sync calls.
	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "edscore",
		Subsystem: "blockstore",
		Name:      "sync_duration_seconds",
		Help:      "Time spent flushing dirty blocks to disk.",
	})

	// AttachedBlocks reports the current resident block count.
	AttachedBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "edscore",
		Subsystem: "blockstore",
		Name:      "attached_blocks",
		Help:      "Blocks currently resident in the cache.",
	})

	// LiveOperations reports the number of operations currently
	// registered with the operation package.
	LiveOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "edscore",
		Subsystem: "operation",
		Name:      "live_total",
		Help:      "Operations currently tracked by the registry.",
	})
)

// MustRegister registers every collector in this package with r. Call
// once at process startup; panics on duplicate registration, matching
// prometheus/client_golang's own MustRegister convention.
func MustRegister(r prometheus.Registerer) {
	r.MustRegister(CacheHits, CacheMisses, SyncDuration, AttachedBlocks, LiveOperations)
}
