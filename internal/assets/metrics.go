package assets

import "github.com/prometheus/client_golang/prometheus"

var (
	writesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrain",
		Subsystem: "assets",
		Name:      "writes_total",
		Help:      "Consolidated documents written successfully.",
	})
	writeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrain",
		Subsystem: "assets",
		Name:      "write_failures_total",
		Help:      "Atomic writes rolled back after a failure.",
	})
	recoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrain",
		Subsystem: "assets",
		Name:      "recoveries_total",
		Help:      "Reads that recovered a corrupt document, by outcome (backup, empty).",
	}, []string{"outcome"})
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrain",
		Subsystem: "assets",
		Name:      "cache_hits_total",
		Help:      "Reads served from the in-memory cache.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrain",
		Subsystem: "assets",
		Name:      "cache_misses_total",
		Help:      "Reads that had to go to disk.",
	})
)

func init() {
	for _, c := range []prometheus.Collector{writesTotal, writeFailures, recoveries, cacheHits, cacheMisses} {
		_ = prometheus.Register(c)
	}
}
