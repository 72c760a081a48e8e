package maintenance

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("maintenance",
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(registerRetentionLoop),
)

func registerRetentionLoop(lc fx.Lifecycle, service *Service) {
	stop := make(chan struct{})
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go service.retentionLoop(stop, done)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			<-done
			return nil
		},
	})
}
