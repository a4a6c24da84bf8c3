package rate

import "github.com/prometheus/client_golang/prometheus"

var (
	tokensGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gomiot_cloud_budget_tokens",
			Help: "Requests left in the endpoint's token bucket",
		},
		[]string{"endpoint"},
	)
	cooldownGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gomiot_cloud_cooldown_until_timestamp_seconds",
			Help: "End of the current throttling cooldown, 0 when none",
		},
		[]string{"endpoint"},
	)
	lastStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gomiot_cloud_last_status_code",
			Help: "Last HTTP status code returned by the endpoint",
		},
		[]string{"endpoint"},
	)
	blockedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomiot_cloud_requests_blocked_total",
			Help: "Requests refused locally before reaching the endpoint",
		},
		[]string{"endpoint", "reason"},
	)
	cacheHitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomiot_cloud_cache_hits_total",
			Help: "GET requests answered from the reply cache",
		},
		[]string{"endpoint"},
	)
)

// MetricsCollectors exposes the shared cloud budget collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		tokensGauge,
		cooldownGauge,
		lastStatusGauge,
		blockedCounter,
		cacheHitCounter,
	}
}
