package tracking

import "github.com/prometheus/client_golang/prometheus"

var (
	issuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Subsystem: "tracking",
			Name:      "ids_issued_total",
			Help:      "Tracking IDs issued by entity type.",
		},
		[]string{"type"},
	)

	collisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Subsystem: "tracking",
			Name:      "collisions_total",
			Help:      "Tracking ID collisions (existing or concurrently claimed) by entity type.",
		},
		[]string{"type"},
	)

	// Any increment here should page someone.
	exhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Subsystem: "tracking",
			Name:      "exhausted_total",
			Help:      "Generate calls that ran out of collision retries.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(issuedTotal, collisionsTotal, exhaustedTotal)
}
