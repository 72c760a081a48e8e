package logging

import (
	"context"

	"github.com/harbourtools/stevedore-agent/config"

	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(NewLoggerFromConfig),
	fx.Provide(NewServiceFromConfig),
	fx.Invoke(RegisterShutdown),
	fx.Invoke(RegisterLoggerShutdown),
)

func NewLoggerFromConfig(cfg *config.Config) (*Logger, error) {
	var file *FileConfig
	if cfg.LogFilePath != "" {
		file = &FileConfig{
			Path:       cfg.LogFilePath,
			MaxSizeMB:  cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			MaxAgeDays: cfg.LogFileMaxAgeDays,
		}
	}
	return NewLogger(cfg.LogLevel, file)
}

func NewServiceFromConfig(cfg *config.Config, logger *Logger) (*Service, error) {
	maxSizeBytes := int64(cfg.RequestLogMaxSizeMB) * 1024 * 1024
	return NewService(
		logger,
		cfg.RequestLogEnabled,
		cfg.RequestLogFilePath,
		maxSizeBytes,
	)
}

func RegisterShutdown(lc fx.Lifecycle, service *Service) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return service.Close()
		},
	})
}

func RegisterLoggerShutdown(lc fx.Lifecycle, logger *Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return logger.Sync()
		},
	})
}
