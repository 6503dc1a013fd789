package database

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus instrumentation for the node cache,
// checkpointer, redo log, and lock manager. A Database created without
// a metrics registry uses collectors that are never registered, keeping
// the engine usable without a Prometheus server present.
type Metrics struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter

	checkpointDuration prometheus.Histogram
	checkpointTotal    prometheus.Counter

	redoBytesWritten prometheus.Counter
	redoSyncTotal    prometheus.Counter

	lockWaits    prometheus.Counter
	deadlocks    prometheus.Counter
	activeTxns   prometheus.Gauge
}

// NewMetrics builds a Metrics instance and, when reg is non-nil,
// registers every collector under it.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Node cache lookups satisfied by a resident node.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Node cache lookups that required a page read.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Nodes evicted from the cache to make room.",
		}),
		checkpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "duration_seconds",
			Help: "Wall-clock duration of completed checkpoints.",
		}),
		checkpointTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "total",
			Help: "Checkpoints completed successfully.",
		}),
		redoBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "redo", Name: "bytes_written_total",
			Help: "Bytes appended to redo log segments.",
		}),
		redoSyncTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "redo", Name: "sync_total",
			Help: "Redo log sync calls issued.",
		}),
		lockWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lock", Name: "waits_total",
			Help: "Lock requests that had to wait for a conflicting holder.",
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lock", Name: "deadlocks_total",
			Help: "Deadlocks detected by the waits-for graph walk.",
		}),
		activeTxns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "txn", Name: "active",
			Help: "Transactions currently open.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.cacheHits, m.cacheMisses, m.cacheEvictions,
			m.checkpointDuration, m.checkpointTotal,
			m.redoBytesWritten, m.redoSyncTotal,
			m.lockWaits, m.deadlocks, m.activeTxns,
		} {
			_ = reg.Register(c)
		}
	}
	return m
}
