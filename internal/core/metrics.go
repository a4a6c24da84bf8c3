package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/joshp123/gomiot/internal/rate"
)

// MetricsRegistry builds a registry from plugin collectors, the shared
// rate-limit gauges and the Go runtime collectors.
func MetricsRegistry(plugins []Plugin) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(rate.MetricsCollectors()...)

	for _, plugin := range plugins {
		for _, collector := range plugin.Collectors() {
			registry.MustRegister(collector)
		}
	}

	return registry
}
