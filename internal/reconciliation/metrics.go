package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of wallet/entry disagreements found in last reconciliation run.",
	})

	reconcileUnsettled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "unsettled_orders",
		Help:      "Settled orders whose credit could not be re-driven in last reconciliation run.",
	})

	reconcileMissingHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "missing_holds",
		Help:      "Held orders without a standing hold debit in last reconciliation run.",
	})

	reconcileResettled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "resettled_total",
		Help:      "Total settlement credits re-driven by reconciliation.",
	})

	reconcileReversedHolds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "reversed_holds_total",
		Help:      "Total stranded hold debits returned to buyers by reconciliation.",
	})

	reconcileLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last completed reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileUnsettled,
		reconcileMissingHolds,
		reconcileResettled,
		reconcileReversedHolds,
		reconcileLastSuccess,
		reconcileDuration,
		reconcileErrors,
	)
}
