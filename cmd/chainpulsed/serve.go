package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ChainPulse/internal/agent"
	"ChainPulse/internal/api"
	"ChainPulse/internal/cache"
	"ChainPulse/internal/config"
	"ChainPulse/internal/llm"
	"ChainPulse/internal/llm/anthropic"
	"ChainPulse/internal/llm/mock"
	"ChainPulse/internal/llm/openai"
	"ChainPulse/internal/notify"
	"ChainPulse/internal/observability/metrics"
	"ChainPulse/internal/observability/tracing"
	"ChainPulse/internal/prompt"
	"ChainPulse/internal/realtime"
	"ChainPulse/internal/session"
	"ChainPulse/internal/storage/mysql"
	"ChainPulse/internal/storage/redis"
	"ChainPulse/internal/tools"
	"ChainPulse/internal/transport"
	"ChainPulse/internal/web3/provider"
	"ChainPulse/pkg/logger"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 与 WebSocket 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("chainpulsed")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	reg := metrics.New()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	store, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer store.Close()

	toolRegistry := tools.NewRegistry()
	if err := tools.RegisterChainTools(toolRegistry, chains, tools.ChainToolOptions{
		Cache:    store,
		CacheTTL: cfg.Tools.CacheTTL.Std(),
	}); err != nil {
		return err
	}
	executor := tools.NewExecutor(toolRegistry,
		tools.WithMaxRetries(cfg.Tools.Retries()),
		tools.WithBackoffBase(cfg.Tools.BackoffBase.Std()),
		tools.WithCallTimeout(cfg.Tools.CallTimeout.Std()),
		tools.WithMetrics(reg),
		tools.WithTracer(tracing.Tracer()),
	)

	model, err := newStreamClient(cfg.LLM)
	if err != nil {
		return err
	}

	sessions := session.NewStore(cfg.Session.MaxHistory)
	orchestrator := agent.New(model, executor, sessions,
		agent.WithContextOptions(prompt.Options{MaxMessages: cfg.Session.MaxContextMessages}),
		agent.WithModelName(modelName(cfg.LLM)),
		agent.WithMetrics(reg),
		agent.WithTracer(tracing.Tracer()),
	)

	source, err := chains.Resolve(cfg.Realtime.Chain)
	if err != nil {
		return err
	}
	fanout := notify.NewFanout()
	scheduler := realtime.New(source, store, fanout,
		realtime.WithBlockInterval(cfg.Realtime.BlockInterval.Std()),
		realtime.WithFeeInterval(cfg.Realtime.FeeInterval.Std()),
		realtime.WithFinalityMargin(cfg.Realtime.Finality()),
		realtime.WithMetrics(reg),
		realtime.WithTracer(tracing.Tracer()),
	)
	defer scheduler.Stop()

	hubOpts := []transport.HubOption{transport.WithHubMetrics(reg)}
	if cfg.Realtime.IdleStop() {
		hubOpts = append(hubOpts, transport.WithLifecycle(scheduler))
	}
	hub := transport.NewHub(hubOpts...)
	defer hub.Close()
	fanout.Add(notify.Named("websocket", realtime.BroadcastNotifier(hub, cfg.Realtime.BroadcastGroup)))

	if cfg.Notify.AMQP.URL != "" {
		publisher, err := notify.NewAMQPPublisher(notify.AMQPConfig{
			URL:      cfg.Notify.AMQP.URL,
			Exchange: cfg.Notify.AMQP.Exchange,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		fanout.Add(notify.Named("amqp", publisher))
	}

	deps := api.Dependencies{
		Cache:     store,
		Hub:       hub,
		Scheduler: scheduler,
		Sessions:  sessions,
		Tools:     toolRegistry,
		Metrics:   reg,
	}
	if cfg.Archive.DSN != "" {
		archive, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Archive.DSN,
			MaxOpenConns:    cfg.Archive.MaxOpenConns,
			MaxIdleConns:    cfg.Archive.MaxIdleConns,
			ConnMaxLifetime: cfg.Archive.ConnMaxLifetime.Std(),
		})
		if err != nil {
			return err
		}
		defer archive.Close()
		fanout.Add(notify.Named("archive", archive))
		deps.Archive = archive
	}

	if !cfg.Realtime.IdleStop() {
		scheduler.Start()
	}

	handler := transport.NewHandler(ctx, hub, orchestrator,
		transport.WithTurnTimeout(cfg.Server.TurnTimeout.Std()),
		transport.WithSendBuffer(cfg.Server.SendBuffer),
	)
	defer handler.Wait()
	go hub.RunHeartbeat(ctx, cfg.Server.HeartbeatInterval.Std())
	deps.WebSocket = handler.ServeWS

	server := api.NewServer(cfg.Server.ListenAddr, deps, api.Options{
		ReadTimeout:       cfg.Server.ReadTimeout.Std(),
		WriteTimeout:      cfg.Server.WriteTimeout.Std(),
		RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
		Burst:             cfg.Server.RateLimit.Burst,
	})

	log.Info("chainpulse starting",
		slog.String("version", version),
		slog.String("provider", cfg.LLM.Provider),
		slog.String("chain", source.Name()),
		slog.Int("notifiers", fanout.Len()),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("chainpulse stopped")
	return nil
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache[any], error) {
	if cfg.Driver == "redis" {
		return redis.New[any](ctx, redis.Config{
			Address:    cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.Prefix,
			DefaultTTL: cfg.DefaultTTL.Std(),
		})
	}
	mem := cache.NewMemory[any](
		cache.WithDefaultTTL(cfg.DefaultTTL.Std()),
		cache.WithSweepInterval(cfg.SweepInterval.Std()),
		cache.WithMaxEntries(cfg.MaxEntries),
	)
	mem.Start()
	return mem, nil
}

func newStreamClient(cfg config.LLMConfig) (llm.StreamClient, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout.Std(),
		})
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout.Std(),
		})
	default:
		return mock.New(), nil
	}
}

func modelName(cfg config.LLMConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return cfg.Provider
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		Audit: logger.AuditConfig{
			Enabled: cfg.AuditPath != "",
			Path:    cfg.AuditPath,
		},
	}
}
