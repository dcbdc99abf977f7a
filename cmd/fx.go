package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/webitel/im-realtime-engine/config"
	"github.com/webitel/im-realtime-engine/internal/adapter/directory"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
	busdi "github.com/webitel/im-realtime-engine/internal/handler/bus"
	"github.com/webitel/im-realtime-engine/internal/handler/ws"
	"github.com/webitel/im-realtime-engine/internal/metrics"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
	"github.com/webitel/im-realtime-engine/internal/service"
	"github.com/webitel/im-realtime-engine/internal/store"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func() service.BuildVersion { return service.BuildVersion(buildVersion()) },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideClock,
			ProvideScheduler,
			ProvideStore,
			ProvidePubSub,
			ProvideDispatcher,
			fx.Annotate(directory.NewStoreDirectory, fx.As(new(model.Directory))),
			ws.NewWSHandler,
		),
		registry.Module,
		service.Module,
		busdi.Module,
		fx.Invoke(registerMetrics, runHTTPServer),
	)
}

func ProvideLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return pubsub.NewWatermillLogger(logger)
}

func ProvideClock() scheduler.Clock {
	return scheduler.System()
}

func ProvideScheduler(lc fx.Lifecycle, clock scheduler.Clock) *scheduler.Scheduler {
	sched := scheduler.New(clock)
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			sched.Close()
			return nil
		},
	})
	return sched
}

// ProvideStore picks redis when configured and wraps it in the circuit
// breaker; without an address the engine runs single-node on memory.
func ProvideStore(cfg *config.Config, lc fx.Lifecycle, logger *slog.Logger) (store.Store, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis configured, running on in-memory store")
		return store.NewMemory(), nil
	}

	redis, err := store.NewRedis(store.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return redis.Close()
		},
	})
	return store.NewGuarded(redis, logger), nil
}

func ProvidePubSub(cfg *config.Config, lc fx.Lifecycle, wmLogger watermill.LoggerAdapter, logger *slog.Logger) (*pubsub.Provider, error) {
	var (
		provider *pubsub.Provider
		err      error
	)
	if cfg.AMQP.URL == "" {
		logger.Warn("no amqp configured, running on in-process bus")
		provider = pubsub.NewGoChannelProvider(wmLogger)
	} else {
		provider, err = pubsub.NewAMQPProvider(cfg.AMQP.URL, cfg.InstanceID, wmLogger)
		if err != nil {
			return nil, err
		}
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return provider.Close()
		},
	})
	return provider, nil
}

func ProvideDispatcher(cfg *config.Config, provider *pubsub.Provider) pubsub.Dispatcher {
	return pubsub.NewDispatcher(provider.Pub, cfg.InstanceID)
}

func registerMetrics() {
	metrics.Register()
}

func runHTTPServer(lc fx.Lifecycle, cfg *config.Config, handler *ws.WSHandler, engine service.Engine, logger *slog.Logger) {
	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)

	router.Handle("/ws", handler)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(engine.Stats())
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				logger.Info("http server listening", "addr", cfg.HTTP.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
