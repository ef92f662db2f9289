package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "escrow_operations_total",
			Help:      "Escrow operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketledger",
			Name:      "escrow_operation_duration_seconds",
			Help:      "Escrow operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	heldAmount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger",
		Name:      "escrow_held_amount",
		Help:      "Minor units currently held in escrow by this process since start.",
	})

	settledAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "escrow_settled_amount_total",
			Help:      "Minor units paid out of escrow by operation.",
		},
		[]string{"operation"},
	)

	settlementFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "escrow_settlement_failures_total",
			Help:      "Ledger legs that failed after the order state had already moved.",
		},
		[]string{"operation"},
	)

	compensationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketledger",
		Name:      "escrow_hold_reversals_total",
		Help:      "Hold debits given back because the order could not be marked held.",
	})

	resettledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketledger",
		Name:      "escrow_resettlements_total",
		Help:      "Settlement credits posted on a later attempt.",
	})
)

func init() {
	prometheus.MustRegister(
		opsTotal,
		opDuration,
		heldAmount,
		settledAmount,
		settlementFailures,
		compensationsTotal,
		resettledTotal,
	)
}

func observeOp(op Operation) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}
}
