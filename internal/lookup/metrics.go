package lookup

import "github.com/prometheus/client_golang/prometheus"

var lookupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "marketledger",
		Name:      "tracking_lookups_total",
		Help:      "Tracking lookups by resolution path.",
	},
	[]string{"path"},
)

func init() {
	prometheus.MustRegister(lookupsTotal)
}
