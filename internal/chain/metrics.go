package chain

import "github.com/prometheus/client_golang/prometheus"

var (
	submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "ledger",
		Name:      "submissions_total",
		Help:      "Pool transactions sent, by entry point and result.",
	}, []string{"entry_point", "result"})

	confirmationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "ledger",
		Name:      "confirmations_total",
		Help:      "Confirmation waits, by entry point and result.",
	}, []string{"entry_point", "result"})

	confirmationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zkmarket",
		Subsystem: "ledger",
		Name:      "confirmation_duration_seconds",
		Help:      "Time from submission to mined receipt.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"entry_point"})
)

func init() {
	prometheus.MustRegister(submissionsTotal, confirmationsTotal, confirmationDuration)
}
