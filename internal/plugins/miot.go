package plugins

import (
	"context"

	"github.com/joshp123/gomiot/internal/config"
	"github.com/joshp123/gomiot/internal/core"
	"github.com/joshp123/gomiot/plugins/miot"
)

func init() {
	Register(func(ctx context.Context, cfg *config.Config, deps Deps) (core.Plugin, bool) {
		return miot.NewPlugin(ctx, cfg, deps.Store, deps.Logger.WithField("component", miot.PluginID))
	})
}
