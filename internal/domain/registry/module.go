package registry

import (
	"context"

	"github.com/webitel/im-realtime-engine/config"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(cfg *config.Config, sched *scheduler.Scheduler) *Hub {
			return NewHub(sched,
				WithMailboxSize(cfg.Hub.MailboxSize),
				WithIdleTimeout(cfg.Hub.IdleTimeout),
				WithEvictionInterval(cfg.Hub.EvictionInterval),
				WithOfflineDebounce(cfg.Presence.Debounce),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown()
				return nil
			},
		})
	}),
)
