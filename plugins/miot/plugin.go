package miot

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/joshp123/gomiot/internal/config"
	"github.com/joshp123/gomiot/internal/core"
	"github.com/joshp123/gomiot/internal/store"
	"github.com/joshp123/gomiot/internal/structrpc"
)

const PluginID = "miot"

// Plugin implements the gomiot plugin contract.
type Plugin struct {
	client        *Client
	mqtt          MQTTConfig
	log           *logrus.Entry
	health        core.HealthStatus
	healthMessage string
}

// NewPlugin constructs the MIoT plugin from config. It reports false when
// the config has no miot section.
func NewPlugin(ctx context.Context, cfg *config.Config, blob store.BlobStore, log *logrus.Entry, opts ...Option) (Plugin, bool) {
	if cfg == nil || cfg.Miot == nil {
		return Plugin{}, false
	}
	if log == nil {
		log = logrus.WithField("component", PluginID)
	}

	runtimeCfg, err := ConfigFromFile(cfg)
	if err != nil {
		return Plugin{log: log, health: core.HealthError, healthMessage: err.Error()}, true
	}

	opts = append([]Option{WithLogger(log)}, opts...)
	client, err := NewClient(ctx, runtimeCfg, blob, opts...)
	if err != nil {
		return Plugin{log: log, health: core.HealthError, healthMessage: err.Error()}, true
	}

	return Plugin{client: client, mqtt: runtimeCfg.MQTT, log: log, health: core.HealthHealthy}, true
}

func (p Plugin) ID() string {
	return PluginID
}

func (p Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    PluginID,
		DisplayName: "Xiaomi MIoT",
		Version:     "0.1.0",
		Services:    []string{ServiceName},
	}
}

func (p Plugin) RegisterGRPC(server *grpc.Server) {
	if err := structrpc.Register(server, Service(p.client)); err != nil {
		p.log.WithError(err).Error("register miot service")
	}
}

func (p Plugin) Collectors() []prometheus.Collector {
	if p.client == nil {
		return nil
	}
	return []prometheus.Collector{NewMetricsCollector(p.client)}
}

func (p Plugin) Health() core.HealthStatus {
	if p.health == "" {
		return core.HealthHealthy
	}
	if p.health == core.HealthHealthy && p.client != nil && !p.client.anyAccountUsable() {
		return core.HealthDegraded
	}
	return p.health
}

func (p Plugin) HealthMessage() string {
	if p.healthMessage != "" {
		return p.healthMessage
	}
	if p.Health() == core.HealthDegraded {
		return "no cloud account is logged in"
	}
	return ""
}

// Client exposes the underlying client, nil when construction failed.
func (p Plugin) Client() *Client {
	return p.client
}

// Run starts the MQTT bridge, when enabled, and the client's background
// loops. It returns when ctx is cancelled.
func (p Plugin) Run(ctx context.Context) error {
	if p.client == nil {
		<-ctx.Done()
		return nil
	}
	defer p.client.Close()

	if p.mqtt.Enabled {
		go func() {
			bridge, err := connectMQTT(ctx, p.mqtt, p.client, p.log.WithField("component", "mqtt"))
			if err != nil {
				if ctx.Err() == nil {
					p.log.WithError(err).Warn("mqtt bridge disabled")
				}
				return
			}
			if !p.client.setPublisher(bridge) {
				bridge.Close()
			}
		}()
	}
	return p.client.Run(ctx)
}
