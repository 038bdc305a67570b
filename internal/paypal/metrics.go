package paypal

import "github.com/prometheus/client_golang/prometheus"

var (
	gatewayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "paypal",
		Name:      "requests_total",
		Help:      "PayPal requests by endpoint and HTTP status.",
	}, []string{"endpoint", "status"})

	tokenLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "paypal",
		Name:      "token_lookups_total",
		Help:      "Bearer token cache lookups by outcome (hit, miss).",
	}, []string{"outcome"})

	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zkmarket",
		Subsystem: "paypal",
		Name:      "token_refreshes_total",
		Help:      "Bearer token refreshes by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(gatewayRequests, tokenLookups, tokenRefreshes)
}
