// Package metrics holds the relayer's process-wide HTTP and runtime series.
// Domain counters live next to the code that moves them (chain, commitment,
// payout, paypal); this package only carries what the server shell owns.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zkmarket"

// unmatchedRoute labels requests gin could not route, so arbitrary paths
// never become label values.
const unmatchedRoute = "unmatched"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "class"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency. Submission routes include chain confirmation time.",
		Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 180},
	}, []string{"method", "route"})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served.",
	})

	// RealtimeClients is the number of connected /ws subscribers.
	RealtimeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Connected realtime event subscribers.",
	})

	// BuildInfo is always 1; labels carry the running version and environment.
	BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Relayer build and environment.",
	}, []string{"version", "env"})
)

func init() {
	prometheus.MustRegister(httpRequests, httpLatency, httpInFlight, RealtimeClients, BuildInfo)
}

// RegisterDB exports connection pool statistics for db. Registering a second
// pool is a no-op; the relayer only ever opens one.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, "relayer"))
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		return nil
	}
	return err
}

// Middleware records request count, latency and concurrency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(c.Request.Method, route))

		c.Next()

		timer.ObserveDuration()
		httpRequests.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
}

// statusClass maps 404 to "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
