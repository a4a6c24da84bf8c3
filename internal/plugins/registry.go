package plugins

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/joshp123/gomiot/internal/config"
	"github.com/joshp123/gomiot/internal/core"
	"github.com/joshp123/gomiot/internal/store"
)

// Deps are the shared services handed to every plugin factory.
type Deps struct {
	Store  store.BlobStore
	Logger *logrus.Entry
}

// Factory builds a plugin instance from the loaded config.
type Factory func(context.Context, *config.Config, Deps) (core.Plugin, bool)

var compiled []Factory

// Register adds a compiled-in plugin factory to the registry.
func Register(factory Factory) {
	compiled = append(compiled, factory)
}

// Compiled returns the configured plugin instances for this build.
func Compiled(ctx context.Context, cfg *config.Config, deps Deps) []core.Plugin {
	if cfg == nil {
		return nil
	}
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	out := make([]core.Plugin, 0, len(compiled))
	for _, factory := range compiled {
		plugin, ok := factory(ctx, cfg, deps)
		if !ok {
			continue
		}
		out = append(out, plugin)
	}
	return out
}
