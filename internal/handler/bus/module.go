package bus

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
	"go.uber.org/fx"
)

var Module = fx.Module("bus-handler",
	fx.Provide(
		NewHandlers,
		NewRouter,
	),
	fx.Invoke(runRouter),
)

func runRouter(lc fx.Lifecycle, h *Handlers, router *message.Router, provider *pubsub.Provider, logger *slog.Logger) error {
	if err := h.RegisterHandlers(router, provider, logger); err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					logger.Error("bus router stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			return router.Close()
		},
	})
	return nil
}
