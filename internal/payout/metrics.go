package payout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zkmarket",
		Subsystem: "payout",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	reconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "payout",
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation runs by outcome (idle, settled, or error kind).",
	}, []string{"outcome"})

	dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "payout",
		Name:      "dispatches_total",
		Help:      "Batch dispatch attempts by result (accepted, duplicate, failed).",
	}, []string{"result"})

	settledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "payout",
		Name:      "settled_amount_total",
		Help:      "Fiat amount accepted by the gateway.",
	})

	checkpointHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zkmarket",
		Subsystem: "payout",
		Name:      "checkpoint_block",
		Help:      "Last ledger block settled into payouts.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDuration,
		reconcileRuns,
		dispatches,
		settledTotal,
		checkpointHeight,
	)
}

// parseFiat converts a batch total for the settled counter only; the
// settlement path itself never uses floats.
func parseFiat(v string) (float64, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}
