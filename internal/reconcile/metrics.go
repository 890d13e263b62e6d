package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconcile_cycles_total",
			Help: "Reconciliation cycles by result (completed, skipped_running, skipped_locked).",
		},
		[]string{"result"},
	)

	checkedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconcile_checked_total",
			Help: "Records checked against the gateway, by kind (payment, refund).",
		},
		[]string{"kind"},
	)

	updatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconcile_updated_total",
			Help: "Records whose state changed during reconciliation, by kind.",
		},
		[]string{"kind"},
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconcile_failures_total",
			Help: "Records that could not be reconciled, by kind and whether the error was transient.",
		},
		[]string{"kind", "retryable"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_reconcile_cycle_duration_seconds",
			Help:    "Duration of reconciliation cycles.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	lastCycleTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_reconcile_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed reconciliation cycle.",
		},
	)
)
