package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/courierai/courier/internal/analysis"
	"github.com/courierai/courier/internal/channel/telegram"
	"github.com/courierai/courier/internal/config"
	"github.com/courierai/courier/internal/conversation"
	"github.com/courierai/courier/internal/dispatch"
	"github.com/courierai/courier/internal/healthcheck"
	"github.com/courierai/courier/internal/inference"
	"github.com/courierai/courier/internal/logger"
	"github.com/courierai/courier/internal/maintenance"
	"github.com/courierai/courier/internal/normalize"
	"github.com/courierai/courier/internal/persist"
	"github.com/courierai/courier/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			providePersist,
			provideStateStore,
			provideCache,
			provideAdapter,
			provideNormalizer,
			provideGateway,
			provideCoordinator,
			provideMaintenance,
			provideServer,
		),
		fx.Invoke(registerServe),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func providePersist(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*persist.Store, error) {
	store, err := persist.Open(cfg.State.Path, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
	return store, nil
}

// provideStateStore loads durable state before the dispatch loop starts.
// Corrupt state is fatal: running with an inconsistent store is worse
// than not starting.
func provideStateStore(log *slog.Logger, persister *persist.Store) (*conversation.Store, error) {
	states, err := persister.Load()
	if err != nil {
		return nil, fmt.Errorf("load durable state: %w", err)
	}
	store := conversation.NewStore(log)
	store.Restore(states)
	return store, nil
}

func provideCache(log *slog.Logger, cfg config.Config) (*analysis.Cache, error) {
	return analysis.NewCache(log, cfg.Cache.Capacity)
}

func provideAdapter(log *slog.Logger, cfg config.Config) (*telegram.Adapter, error) {
	return telegram.New(log, cfg.Telegram.BotToken, cfg.Telegram.PollTimeout)
}

func provideNormalizer(log *slog.Logger, adapter *telegram.Adapter) *normalize.Normalizer {
	return normalize.New(log, adapter)
}

func provideGateway(log *slog.Logger, cfg config.Config) (*inference.Gateway, error) {
	backends := []inference.Backend{newBackend(cfg.Inference.Primary)}
	if cfg.Inference.Secondary.Model != "" {
		backends = append(backends, newBackend(cfg.Inference.Secondary))
	}
	retry := inference.RetryPolicy{
		MaxAttempts:    cfg.Inference.Retry.MaxAttempts,
		InitialBackoff: cfg.Inference.Retry.InitialBackoff.Std(),
		MaxBackoff:     cfg.Inference.Retry.MaxBackoff.Std(),
	}
	return inference.NewGateway(log, retry, backends...)
}

func newBackend(cfg config.BackendConfig) inference.Backend {
	switch cfg.Kind {
	case "gemini":
		return inference.NewGeminiBackend(cfg.Kind, cfg.Model, cfg.BaseURL, cfg.APIKey, cfg.Timeout.Std())
	default:
		return inference.NewOpenAIBackend(cfg.Kind, cfg.Model, cfg.BaseURL, cfg.APIKey, cfg.Timeout.Std())
	}
}

func provideCoordinator(
	log *slog.Logger,
	cfg config.Config,
	store *conversation.Store,
	cache *analysis.Cache,
	normalizer *normalize.Normalizer,
	gateway *inference.Gateway,
	adapter *telegram.Adapter,
) *dispatch.Coordinator {
	chunkLimit := cfg.Dispatch.ChunkLimit
	if platformLimit := adapter.ChunkLimit(); chunkLimit <= 0 || chunkLimit > platformLimit {
		chunkLimit = platformLimit
	}
	return dispatch.NewCoordinator(log, store, cache, normalizer, gateway, adapter, dispatch.Options{
		ChunkLimit:    chunkLimit,
		FetchRetryMax: cfg.Dispatch.FetchRetryMax,
	})
}

func provideMaintenance(log *slog.Logger, cfg config.Config, store *conversation.Store, persister *persist.Store) *maintenance.Runner {
	return maintenance.NewRunner(log, store, persister,
		cfg.State.Retention.Std(),
		cfg.State.FlushInterval.Std(),
		cfg.State.TrimInterval.Std(),
	)
}

func provideServer(cfg config.Config, coordinator *dispatch.Coordinator) *server.Server {
	checker := healthcheck.NewDispatchChecker(coordinator, 0)
	return server.NewServer(cfg.Server.Addr, checker)
}

func registerServe(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	log *slog.Logger,
	cfg config.Config,
	adapter *telegram.Adapter,
	coordinator *dispatch.Coordinator,
	runner *maintenance.Runner,
	srv *server.Server,
) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := runner.Start(); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			go func() {
				if err := adapter.Run(runCtx, coordinator); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("telegram loop stopped", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			log.Info("serving", slog.String("addr", cfg.Server.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()

			// In-flight messages get a grace window to reach a terminal
			// state before the final flush; stragglers are abandoned and
			// their Received links make them detectable after restart.
			graceCtx, graceCancel := context.WithTimeout(ctx, cfg.Dispatch.ShutdownGrace.Std())
			defer graceCancel()
			if err := coordinator.Drain(graceCtx); err != nil {
				log.Warn("drain incomplete, abandoning in-flight messages", slog.Any("error", err))
			}

			runner.Stop()
			if err := runner.Flush(); err != nil {
				log.Error("final flush failed", slog.Any("error", err))
			}
			return srv.Shutdown(ctx)
		},
	})
}
