package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velocityguard",
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Total decisions emitted by the engine",
		},
		[]string{"verdict"},
	)

	checkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "velocityguard",
			Subsystem: "guard",
			Name:      "check_duration_seconds",
			Help:      "Time spent deciding one request",
			Buckets:   prometheus.DefBuckets,
		},
	)

	activeCounters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "velocityguard",
			Subsystem: "guard",
			Name:      "active_counters",
			Help:      "Number of live window counters",
		},
	)

	activeBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "velocityguard",
			Subsystem: "guard",
			Name:      "active_blocks",
			Help:      "Number of unexpired block records",
		},
	)

	suspiciousPatterns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velocityguard",
			Subsystem: "guard",
			Name:      "suspicious_patterns_total",
			Help:      "Suspicious pattern triggers by pattern tag",
		},
		[]string{"pattern"},
	)

	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "velocityguard",
			Subsystem: "guard",
			Name:      "events_dropped_total",
			Help:      "Telemetry events dropped because the queue was full",
		},
	)

	sweepRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velocityguard",
			Subsystem: "guard",
			Name:      "sweep_removed_total",
			Help:      "Entries removed by the eviction sweeper",
		},
		[]string{"kind"},
	)
)
