package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/config"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-engine/internal/delivery"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
	"github.com/webitel/im-realtime-engine/internal/offline"
	"github.com/webitel/im-realtime-engine/internal/presence"
	"github.com/webitel/im-realtime-engine/internal/ratelimit"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
	"github.com/webitel/im-realtime-engine/internal/store"
	"github.com/webitel/im-realtime-engine/internal/typing"
	"go.uber.org/fx"
)

// typingFanout breaks the constructor cycle between the typing manager
// (needs a Notifier) and the engine (needs the manager): the manager gets
// the proxy up front, the engine is bound to it once built.
type typingFanout struct {
	mu     sync.RWMutex
	target typing.Notifier
}

func (p *typingFanout) bind(n typing.Notifier) {
	p.mu.Lock()
	p.target = n
	p.mu.Unlock()
}

func (p *typingFanout) TypingChanged(userID, channelID uuid.UUID, started bool) {
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target != nil {
		target.TypingChanged(userID, channelID, started)
	}
}

var Module = fx.Module("service",
	fx.Provide(
		func(cfg *config.Config, clock scheduler.Clock) *ratelimit.Limiter {
			return ratelimit.New(clock, map[ratelimit.Class]ratelimit.Rule{
				ratelimit.ClassMessage:  {Window: time.Minute, Max: cfg.RateLimit.MessagesPerMinute},
				ratelimit.ClassTyping:   {Window: 10 * time.Second, Max: cfg.RateLimit.TypingPer10s},
				ratelimit.ClassPresence: {Window: time.Minute, Max: cfg.RateLimit.PresencePerMinute},
				ratelimit.ClassRead:     {Window: time.Minute, Max: cfg.RateLimit.ReadsPerMinute},
			})
		},

		func() *typingFanout { return &typingFanout{} },

		func(cfg *config.Config, sched *scheduler.Scheduler, proxy *typingFanout) *typing.Manager {
			return typing.NewManager(typing.Config{
				AutoExpiry:    cfg.Typing.AutoExpiry,
				SweepInterval: cfg.Typing.SweepInterval,
				MaxAge:        cfg.Typing.MaxAge,
			}, sched, proxy)
		},

		func(cfg *config.Config, hub registry.Hubber, bus pubsub.Dispatcher, st store.Store,
			dir model.Directory, sched *scheduler.Scheduler, logger *slog.Logger) *presence.Registry {
			return presence.NewRegistry(presence.Config{
				StaleAfter:    cfg.Presence.StaleAfter,
				SweepInterval: cfg.Presence.SweepInterval,
				StoreTTL:      cfg.Presence.StoreTTL,
			}, hub, bus, st, dir, sched, logger, cfg.InstanceID)
		},

		func(cfg *config.Config, st store.Store, sched *scheduler.Scheduler, logger *slog.Logger) *offline.Queue {
			return offline.NewQueue(offline.Config{
				Capacity:   cfg.Offline.Capacity,
				TTL:        cfg.Offline.TTL,
				DrainBatch: cfg.Offline.DrainBatch,
				DrainDelay: cfg.Offline.DrainDelay,
				SweepEvery: cfg.Offline.SweepEvery,
			}, st, sched, logger)
		},

		func(cfg *config.Config, hub registry.Hubber, sched *scheduler.Scheduler) *delivery.Batcher {
			return delivery.NewBatcher(cfg.Batch.Size, cfg.Batch.Window, hub, sched)
		},

		func(cfg *config.Config, hub registry.Hubber, pres *presence.Registry, queue *offline.Queue,
			bus pubsub.Dispatcher, batcher *delivery.Batcher, sched *scheduler.Scheduler,
			st store.Store, logger *slog.Logger) (*delivery.Tracker, error) {
			return delivery.NewTracker(delivery.Config{
				AckTimeout:    cfg.Delivery.AckTimeout,
				MaxRetries:    cfg.Delivery.MaxRetries,
				BackoffBase:   cfg.Delivery.BackoffBase,
				DedupCapacity: cfg.Delivery.DedupCapacity,
				DedupHorizon:  cfg.Delivery.DedupHorizon,
				RecordTTL:     cfg.Offline.TTL,
				DrainBatch:    cfg.Offline.DrainBatch,
				DrainDelay:    cfg.Offline.DrainDelay,
			}, hub, pres, queue, bus, batcher, sched, st, logger)
		},

		NewEngineService,
		fx.Annotate(
			func(s *EngineService) Engine { return s },
			fx.As(new(Engine)),
		),
	),

	// Cross-cutting logging on the transport-facing surface.
	fx.Decorate(func(orig Engine, logger *slog.Logger) Engine {
		return &engineMiddleware{next: orig, logger: logger}
	}),

	fx.Invoke(func(lc fx.Lifecycle, s *EngineService, proxy *typingFanout, hub *registry.Hub,
		pres *presence.Registry, typ *typing.Manager, queue *offline.Queue, tracker *delivery.Tracker) {
		proxy.bind(s)
		hub.OnTransition(s)

		lc.Append(fx.Hook{
			OnStart: func(_ context.Context) error {
				pres.StartSweep()
				typ.StartSweep()
				queue.StartSweep()
				return nil
			},
			OnStop: func(_ context.Context) error {
				tracker.Stop()
				typ.StopManager()
				pres.Stop()
				queue.Stop()
				return nil
			},
		})
	}),
)
