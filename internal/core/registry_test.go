package core

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubPlugin struct {
	id            string
	name          string
	version       string
	services      []string
	health        HealthStatus
	healthMessage string
}

func (s stubPlugin) ID() string { return s.id }

func (s stubPlugin) Manifest() Manifest {
	return Manifest{
		PluginID:    s.id,
		DisplayName: s.name,
		Version:     s.version,
		Services:    s.services,
	}
}

func (s stubPlugin) RegisterGRPC(*grpc.Server) {}

func (s stubPlugin) Collectors() []prometheus.Collector { return nil }

func (s stubPlugin) Health() HealthStatus { return s.health }

func (s stubPlugin) HealthMessage() string { return s.healthMessage }

func newStubPlugin(id string) stubPlugin {
	return stubPlugin{
		id:            id,
		name:          "Demo",
		version:       "0.1.0",
		services:      []string{"gomiot.plugins.demo.v1.DemoService"},
		health:        HealthDegraded,
		healthMessage: "2 of 3 devices reachable",
	}
}

func TestRegistryListPlugins(t *testing.T) {
	svc := NewRegistryService([]Plugin{newStubPlugin("demo")})

	resp, err := svc.ListPlugins(context.Background(), &structpb.Struct{})
	require.NoError(t, err)

	plugins := resp.Fields["plugins"].GetListValue().GetValues()
	require.Len(t, plugins, 1)
	got := plugins[0].GetStructValue().Fields
	assert.Equal(t, "demo", got["plugin_id"].GetStringValue())
	assert.Equal(t, "Demo", got["display_name"].GetStringValue())
	assert.Equal(t, "0.1.0", got["version"].GetStringValue())
	assert.Equal(t, string(HealthDegraded), got["status"].GetStringValue())
}

func TestRegistryDescribePlugin(t *testing.T) {
	svc := NewRegistryService([]Plugin{newStubPlugin("demo")})

	req, err := structpb.NewStruct(map[string]any{"plugin_id": "demo"})
	require.NoError(t, err)
	resp, err := svc.DescribePlugin(context.Background(), req)
	require.NoError(t, err)

	plugin := resp.Fields["plugin"].GetStructValue().Fields
	assert.Equal(t, "demo", plugin["plugin_id"].GetStringValue())
	assert.Equal(t, "2 of 3 devices reachable", plugin["health_message"].GetStringValue())
	services := plugin["services"].GetListValue().GetValues()
	require.Len(t, services, 1)
	assert.Equal(t, "gomiot.plugins.demo.v1.DemoService", services[0].GetStringValue())

	missing, err := structpb.NewStruct(map[string]any{"plugin_id": "nope"})
	require.NoError(t, err)
	_, err = svc.DescribePlugin(context.Background(), missing)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = svc.DescribePlugin(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestFilterPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo"), newStubPlugin("extra")}

	active := FilterPlugins(compiled, map[string]bool{"demo": true}, false)
	require.Len(t, active, 1)
	assert.Equal(t, "demo", active[0].ID())

	assert.Len(t, FilterPlugins(compiled, map[string]bool{}, true), 2)
}

func TestValidateEnabledPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo")}

	assert.NoError(t, ValidateEnabledPlugins(compiled, map[string]bool{"demo": true}, false))
	assert.Error(t, ValidateEnabledPlugins(compiled, map[string]bool{"missing": true}, false))
}

func TestValidatePlugins(t *testing.T) {
	assert.NoError(t, ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("miot")}))
	assert.Error(t, ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("demo")}))
	assert.Error(t, ValidatePlugins([]Plugin{newStubPlugin("Bad-ID")}))
}
