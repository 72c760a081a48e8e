package main

import (
	"context"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/harbourtools/stevedore-agent/config"
	"github.com/harbourtools/stevedore-agent/internal/archive"
	"github.com/harbourtools/stevedore-agent/internal/audit"
	"github.com/harbourtools/stevedore-agent/internal/auth"
	"github.com/harbourtools/stevedore-agent/internal/files"
	"github.com/harbourtools/stevedore-agent/internal/health"
	"github.com/harbourtools/stevedore-agent/internal/logging"
	"github.com/harbourtools/stevedore-agent/internal/maintenance"
	"github.com/harbourtools/stevedore-agent/internal/metrics"
	"github.com/harbourtools/stevedore-agent/internal/operations"
	"github.com/harbourtools/stevedore-agent/internal/ssl"
	"github.com/harbourtools/stevedore-agent/internal/token"
	"github.com/harbourtools/stevedore-agent/internal/watch"
	"github.com/harbourtools/stevedore-agent/internal/websocket"
)

func main() {
	fx.New(
		config.Module,
		logging.Module,
		metrics.Module,
		audit.Module,
		token.Module,
		archive.Module,
		websocket.Module,
		operations.Module,
		health.Module,
		files.Module,
		maintenance.Module,
		fx.Provide(NewEcho),
		fx.Invoke(StartWebSocketHub),
		watch.Module,
		fx.Invoke(RegisterRoutes),
		fx.Invoke(StartServer),
	).Run()
}

func NewEcho(loggingService *logging.Service, metricsRegistry *metrics.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomiddleware.Recover())
	e.Use(logging.RequestLoggingMiddleware(loggingService))
	e.Use(metrics.Middleware(metricsRegistry))
	return e
}

func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	logger *logging.Logger,
	metricsRegistry *metrics.Registry,
	healthHandler *health.Handler,
	operationsHandler *operations.Handler,
	archiveHandler *archive.Handler,
	filesHandler *files.Handler,
	maintenanceHandler *maintenance.Handler,
	wsHandler *websocket.Handler,
) {
	// liveness and scrape endpoints carry no secrets and stay open
	e.GET("/health", healthHandler.Health)
	e.GET("/metrics", echo.WrapHandler(metricsRegistry.HTTPHandler()))

	api := e.Group("/api")
	api.Use(auth.TokenMiddleware(cfg.AccessToken, logger))

	api.POST("/operations", operationsHandler.StartOperation)
	api.GET("/operations", operationsHandler.ListOperations)
	api.GET("/operations/:operationId", operationsHandler.GetOperation)
	api.POST("/operations/:operationId/cancel", operationsHandler.CancelOperation)
	api.GET("/operations/:operationId/events", operationsHandler.GetOperationEvents)
	api.GET("/operations/:operationId/stream", operationsHandler.StreamOperation)

	api.POST("/archives/list", archiveHandler.ListArchive)
	api.POST("/archives/validate", archiveHandler.ValidateArchive)

	api.GET("/files", filesHandler.ListDirectory)
	api.DELETE("/files", filesHandler.Delete)

	api.GET("/maintenance/info", maintenanceHandler.GetInfo)
	api.POST("/maintenance/prune", maintenanceHandler.Prune)

	e.GET("/ws/events", wsHandler.HandleEventsWebSocket)
}

func StartWebSocketHub(lc fx.Lifecycle, hub *websocket.Hub) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go hub.Run()
			return nil
		},
	})
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *logging.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if cfg.TLSEnabled {
					manager := ssl.NewCertificateManager(cfg.TLSCertDir, logger)
					certPath, keyPath, err := manager.EnsureCertificates()
					if err != nil {
						e.Logger.Fatal("TLS setup failed:", err)
						return
					}
					if err := e.StartTLS(":"+cfg.Port, certPath, keyPath); err != nil {
						e.Logger.Fatal("Server failed to start:", err)
					}
					return
				}
				if err := e.Start(":" + cfg.Port); err != nil {
					e.Logger.Fatal("Server failed to start:", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}
