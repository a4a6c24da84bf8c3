package router

import (
	"fmt"

	"google.golang.org/grpc"

	"github.com/joshp123/gomiot/internal/core"
	"github.com/joshp123/gomiot/internal/structrpc"
)

// RegisterPlugins registers plugin services and core services on the gRPC server.
func RegisterPlugins(server *grpc.Server, plugins []core.Plugin) error {
	if err := structrpc.Register(server, core.NewRegistryService(plugins).Service()); err != nil {
		return fmt.Errorf("register registry service: %w", err)
	}

	for _, p := range plugins {
		p.RegisterGRPC(server)
	}
	return nil
}
