package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Total number of ledger operations by outcome",
		},
		[]string{"operation", "outcome", "error_kind"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		},
		[]string{"operation"},
	)

	publishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_event_publish_errors_total",
			Help: "Total number of event publish errors",
		},
		[]string{"sink"},
	)

	IntegrityAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_integrity_alerts_total",
			Help: "Total number of consistency check mismatches",
		},
		[]string{"check"},
	)
)
