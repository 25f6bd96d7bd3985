package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewMetricsRegistry creates a Prometheus registry with the standard
// Go/process collectors plus any extra application collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(extra...)
	return reg
}

var CallsDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "calls",
		Name:      "dispatched_total",
		Help:      "Total number of single-call dispatch attempts by outcome.",
	},
	[]string{"status", "provider"},
)

var CallDispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "calls",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent in the provider request portion of dispatch.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"provider"},
)

var PolicyRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "policy",
		Name:      "rejections_total",
		Help:      "Total number of PolicyGate rejections by kind.",
	},
	[]string{"kind"},
)

var BatchesCreatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "batch",
		Name:      "created_total",
		Help:      "Total number of batches created.",
	},
)

var BatchEntriesProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "batch",
		Name:      "entries_processed_total",
		Help:      "Total number of batch entries processed by outcome.",
	},
	[]string{"status"},
)

var LedgerOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Total number of ledger operations by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

var FeatureCacheResultTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "feature",
		Name:      "cache_result_total",
		Help:      "Total number of feature resolution cache lookups by result.",
	},
	[]string{"result"},
)

var StreamSubscribersGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "stream",
		Name:      "subscribers",
		Help:      "Current number of connected stream subscribers.",
	},
)

var StreamMailboxDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "stream",
		Name:      "mailbox_dropped_total",
		Help:      "Total number of messages dropped due to slow-consumer backpressure.",
	},
)

var NotifyReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "notify",
		Name:      "reconnects_total",
		Help:      "Total number of ChangeNotifier LISTEN reconnects.",
	},
)

// All returns all orchestrator-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		CallsDispatchedTotal,
		CallDispatchDuration,
		PolicyRejectionsTotal,
		BatchesCreatedTotal,
		BatchEntriesProcessedTotal,
		LedgerOperationsTotal,
		FeatureCacheResultTotal,
		StreamSubscribersGauge,
		StreamMailboxDroppedTotal,
		NotifyReconnectsTotal,
	}
}
