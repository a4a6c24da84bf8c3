package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/gomiot/internal/core"
)

// HTTPServer serves health and metrics.
type HTTPServer struct {
	Server *http.Server
}

func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{Server: &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}}
}

// Mux wires /health, /metrics and any plugin HTTP handlers.
func Mux(plugins []core.Plugin, registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler(plugins))
	mux.Handle("/metrics", MetricsHandler(registry))
	for _, p := range plugins {
		if reg, ok := p.(core.HTTPRegistrant); ok {
			reg.RegisterHTTP(mux)
		}
	}
	return mux
}

func (s *HTTPServer) ListenAndServe() error {
	if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.Server.Shutdown(ctx)
}
