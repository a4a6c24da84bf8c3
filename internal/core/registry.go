package core

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gomiot/internal/structrpc"
)

const RegistryServiceName = "gomiot.registry.v1.Registry"

// RegistryService provides plugin discovery to clients.
type RegistryService struct {
	plugins []Plugin
	mu      sync.RWMutex
}

func NewRegistryService(plugins []Plugin) *RegistryService {
	return &RegistryService{plugins: plugins}
}

// Service returns the gRPC surface of the registry.
func (r *RegistryService) Service() structrpc.Service {
	return structrpc.Service{
		Name: RegistryServiceName,
		Methods: []structrpc.Method{
			{Name: "ListPlugins", Handler: r.ListPlugins},
			{Name: "DescribePlugin", Handler: r.DescribePlugin},
		},
	}
}

type PluginSummary struct {
	PluginID    string `json:"plugin_id"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version"`
	Status      string `json:"status"`
}

type PluginDescriptor struct {
	PluginSummary
	Services      []string `json:"services"`
	HealthMessage string   `json:"health_message,omitempty"`
}

func (r *RegistryService) ListPlugins(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]PluginSummary, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, summarize(p))
	}
	return structrpc.Encode(map[string]any{"plugins": plugins})
}

func (r *RegistryService) DescribePlugin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_ = ctx

	var in struct {
		PluginID string `json:"plugin_id"`
	}
	if err := structrpc.Decode(req, &in); err != nil {
		return nil, err
	}
	if in.PluginID == "" {
		return nil, status.Error(codes.InvalidArgument, "plugin_id is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		manifest := p.Manifest()
		if manifest.PluginID != in.PluginID {
			continue
		}
		descriptor := PluginDescriptor{
			PluginSummary: summarize(p),
			Services:      manifest.Services,
			HealthMessage: p.HealthMessage(),
		}
		return structrpc.Encode(map[string]any{"plugin": descriptor})
	}

	return nil, status.Errorf(codes.NotFound, "plugin %q not found", in.PluginID)
}

func summarize(p Plugin) PluginSummary {
	manifest := p.Manifest()
	return PluginSummary{
		PluginID:    manifest.PluginID,
		DisplayName: manifest.DisplayName,
		Version:     manifest.Version,
		Status:      string(p.Health()),
	}
}
