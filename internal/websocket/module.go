package websocket

import (
	"github.com/harbourtools/stevedore-agent/config"
	"github.com/harbourtools/stevedore-agent/internal/logging"

	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(func(logger *logging.Logger) *Hub {
		return NewHub(logger)
	}),
	fx.Provide(func(hub *Hub, cfg *config.Config) *Handler {
		return NewHandler(hub, cfg.AccessToken)
	}),
)
