package server

import (
	"encoding/json"
	"net/http"

	"github.com/joshp123/gomiot/internal/core"
)

type healthReport struct {
	Status  string            `json:"status"`
	Plugins map[string]string `json:"plugins"`
}

// HealthHandler reports overall and per-plugin health. Any plugin in
// ERROR turns the response into a 503.
func HealthHandler(plugins []core.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := healthReport{Status: string(core.HealthHealthy), Plugins: map[string]string{}}
		code := http.StatusOK
		for _, p := range plugins {
			h := p.Health()
			report.Plugins[p.ID()] = string(h)
			switch h {
			case core.HealthError:
				report.Status = string(core.HealthError)
				code = http.StatusServiceUnavailable
			case core.HealthDegraded:
				if report.Status == string(core.HealthHealthy) {
					report.Status = string(core.HealthDegraded)
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	}
}
