package commitment

import "github.com/prometheus/client_golang/prometheus"

var (
	operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "commitment",
		Name:      "operations_total",
		Help:      "Lifecycle operations by op and result.",
	}, []string{"op", "result"})

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zkmarket",
		Subsystem: "commitment",
		Name:      "operation_duration_seconds",
		Help:      "End-to-end lifecycle operation latency, confirmation included.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"op"})

	storeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "commitment",
		Name:      "store_failures_total",
		Help:      "Confirmed transitions that could not be recorded locally.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(operations, operationDuration, storeFailures)
}
