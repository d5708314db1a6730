// Package obsmetrics instruments the transaction stack and cache with
// Prometheus metrics, mirroring the teacher's pkg/metrics instrumentation
// of its own FSM apply path.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedkv_commits_total",
			Help: "Total number of transaction commits by store and outcome",
		},
		[]string{"store", "outcome"},
	)

	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedkv_conflicts_total",
			Help: "Total number of commits rejected as conflicts, by store",
		},
		[]string{"store"},
	)

	StackDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "embedkv_stack_depth",
			Help: "Current per-store state stack depth",
		},
		[]string{"store"},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedkv_cache_hits_total",
			Help: "Total number of CachedBackend reads served from the LRU",
		},
		[]string{"store"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedkv_cache_misses_total",
			Help: "Total number of CachedBackend reads that fell through to the backend",
		},
		[]string{"store"},
	)

	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "embedkv_cache_size",
			Help: "Current number of entries held in a CachedBackend's LRU",
		},
		[]string{"store"},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(ConflictsTotal)
	prometheus.MustRegister(StackDepth)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheSize)
}
