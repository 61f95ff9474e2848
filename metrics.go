package optimist

import (
	"github.com/prometheus/client_golang/prometheus"
)

var OpsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "optimist",
	Subsystem: "server",
	Name:      "ops_applied",
}, []string{"mutation"})

var OpsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "optimist",
	Subsystem: "server",
	Name:      "ops_rejected",
}, []string{"mutation"})

var OpsDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "optimist",
	Subsystem: "server",
	Name:      "ops_duplicate",
}, []string{"mutation"})

var DeltasBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "optimist",
	Subsystem: "server",
	Name:      "deltas_broadcast",
})

var CatchUps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "optimist",
	Subsystem: "server",
	Name:      "catch_ups",
}, []string{"kind"})

var ApplyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "optimist",
	Subsystem: "server",
	Name:      "apply_duration_ms",
	Buckets:   []float64{0, 0.1, 0.5, 1, 5, 10, 50, 100},
}, []string{"mutation"})

var OutboxSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "optimist",
	Subsystem: "client",
	Name:      "outbox_size",
}, []string{"client"})

var SyncFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "optimist",
	Subsystem: "client",
	Name:      "sync_failures",
}, []string{"client", "reason"})

// Collectors lists every metric of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		OpsApplied,
		OpsRejected,
		OpsDuplicate,
		DeltasBroadcast,
		CatchUps,
		ApplyDuration,
		OutboxSize,
		SyncFailures,
	}
}
