package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	rpcHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomiot_grpc_handled_total",
			Help: "Unary RPCs completed, by method and status code",
		},
		[]string{"method", "code"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gomiot_grpc_handling_seconds",
			Help:    "Unary RPC latency; device calls include the handshake and retries",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)
)

// Collectors returns the RPC collectors for the metrics registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{rpcHandled, rpcDuration}
}

// MetricsHandler exposes the Prometheus registry. Encoding errors go to
// the log instead of failing the scrape.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog:      logrus.WithField("component", "metrics"),
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      registry,
	})
}
