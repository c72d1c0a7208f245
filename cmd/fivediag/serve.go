package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/fivediag/config"
	"github.com/mohammad-safakhou/fivediag/internal/decision"
	"github.com/mohammad-safakhou/fivediag/internal/eventbus"
	"github.com/mohammad-safakhou/fivediag/internal/fusion"
	"github.com/mohammad-safakhou/fivediag/internal/knowledge"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"github.com/mohammad-safakhou/fivediag/internal/orchestrator"
	"github.com/mohammad-safakhou/fivediag/internal/queue/streams"
	"github.com/mohammad-safakhou/fivediag/internal/registry"
	"github.com/mohammad-safakhou/fivediag/internal/runtime"
	"github.com/mohammad-safakhou/fivediag/internal/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCMD() *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the diagnosis HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return serve
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}
	return rdb, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.General.LogLevel, cfg.General.Debug)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "fivediag",
		ServiceVersion: version,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	meter := tel.Meter()

	reg, err := registry.FromConfig(cfg.Registry, registry.WithLogger(logger), registry.WithMeter(meter))
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	busOpts := []eventbus.Option{eventbus.WithLogger(logger), eventbus.WithMeter(meter)}
	var (
		rdb       *redis.Client
		publisher *streams.Publisher
	)
	if rc := cfg.Storage.Redis; rc.Enabled {
		if rdb, err = newRedis(ctx, rc); err != nil {
			return err
		}
		schemas := streams.NewSchemaRegistry()
		if err := streams.RegisterLifecycleSchemas(schemas); err != nil {
			return err
		}
		publisher = streams.NewPublisher(rdb, schemas)
		busOpts = append(busOpts, eventbus.WithDeadLetterSink(streams.NewDeadLetterArchive(publisher, rc.DeadLetterStream, rc.MaxLen)))
	}
	bus := eventbus.New(eventbus.ConfigFrom(cfg.EventBus), busOpts...)
	if publisher != nil {
		streams.NewMirror(publisher, cfg.Storage.Redis.EventStream, cfg.Storage.Redis.MaxLen, logger).Attach(bus)
	}

	fusionCfg, err := fusion.ConfigFrom(cfg.Fusion)
	if err != nil {
		return fmt.Errorf("fusion: %w", err)
	}
	kb := knowledge.NewStatic()
	engine := fusion.New(fusionCfg, kb, fusion.WithLogger(logger))

	orchCfg, err := orchestrator.ConfigFrom(cfg.Orchestrator)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	orch := orchestrator.New(orchCfg, reg, engine,
		orchestrator.WithLogger(logger),
		orchestrator.WithPublisher(bus),
		orchestrator.WithDecisionGenerator(decision.New(kb, decision.WithLogger(logger))),
		orchestrator.WithMeter(meter),
	)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil && !errors.Is(err, runtime.ErrNoJWTSecret) {
		return err
	}

	// The bus outlives the signal context so shutdown can drain it.
	bus.Start(context.Background())
	reg.Start(ctx)
	go func() {
		if err := orch.RunSweeper(ctx); err != nil {
			logger.Error("session sweeper stopped", zap.Error(err))
		}
	}()

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	e := server.New(server.Deps{
		Sessions:   orch,
		Services:   reg,
		Events:     bus,
		Fusion:     engine,
		Metrics:    tel.MetricsHandler(),
		Logger:     logger,
		JWTSecret:  secret,
		RunContext: runCtx,
	})
	logger.Info("listening",
		zap.String("addr", cfg.Server.Address),
		zap.Int("services", len(cfg.Registry.Services)),
		zap.Bool("redis", rdb != nil),
		zap.Bool("auth", len(secret) > 0))
	serveErr := server.Run(ctx, e, cfg.Server.Address, cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warn("orchestrator close", zap.Error(err))
	}
	cancelRuns()
	if err := bus.Shutdown(shutdownCtx); err != nil {
		logger.Warn("event bus shutdown", zap.Error(err))
	}
	reg.Stop()
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	return serveErr
}
