// Command conduit runs the Conduit gateway: an LLM API mediation layer
// with session orchestration, agent task dispatch, and prompt assembly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conduit-ai/conduit/internal/agent"
	"github.com/conduit-ai/conduit/internal/auth"
	"github.com/conduit-ai/conduit/internal/cache"
	"github.com/conduit-ai/conduit/internal/config"
	"github.com/conduit-ai/conduit/internal/events"
	"github.com/conduit-ai/conduit/internal/gateway"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/prompt"
	"github.com/conduit-ai/conduit/internal/ratelimit"
	"github.com/conduit-ai/conduit/internal/session"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/internal/tasks"
	"github.com/conduit-ai/conduit/internal/upstream"
	"github.com/conduit-ai/conduit/pkg/models"
)

// Build information, injected at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - LLM API mediation gateway",
		Long: `Conduit fronts an LLM provider with a request pipeline
(authentication, rate limiting, response caching, envelope transformation)
and orchestrates sessions, agents, background tasks, and prompt assembly.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// buildServeCmd creates the "serve" command that starts the gateway server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Conduit gateway server",
		Long: `Start the gateway server with the configured stores and upstream client.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  conduit serve

  # Start with custom config
  conduit serve --config /etc/conduit/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conduit.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging and stack traces in error envelopes")

	return cmd
}

// buildConfigCmd creates the "config" command that prints the effective
// configuration with defaults applied. Secrets are expanded from the
// environment, so the output should be treated as sensitive.
func buildConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return config.Dump(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conduit.yaml",
		"Path to YAML configuration file")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// runServe implements the serve command: load config, wire the component
// graph, run until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Debug = true
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	logger.Info(ctx, "starting conduit gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", cfg.Debug,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn(flushCtx, "tracer shutdown failed", "error", err)
		}
	}()

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	bus := events.NewBus(stores.Events, logger)

	// A nil cache disables the pipeline's cache stage and prompt reuse.
	var responseCache *cache.Cache
	if *cfg.Cache.Enabled {
		responseCache = cache.New(cache.Options{
			Prefix: cfg.Cache.Prefix,
			TTL:    cfg.Cache.TTL,
		})
		bus.Subscribe(events.HandlerFunc(func(ctx context.Context, event *models.Event) {
			responseCache.HandleEvent(event)
		}))
	}

	limiter := ratelimit.NewLimiter(limiterConfig(cfg))

	authService := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     apiKeys(cfg),
	})

	upstreamClient, err := upstream.NewAnthropicClient(cfg.Upstream, logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to initialize upstream client: %w", err)
	}

	orchestrator := session.NewOrchestrator(session.Options{
		Stores:  stores,
		Bus:     bus,
		Logger:  logger,
		Metrics: metrics,
	})

	runtime, err := agent.NewRuntime(agent.Options{
		Stores:   stores,
		Upstream: upstreamClient,
		Bus:      bus,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize agent runtime: %w", err)
	}

	executor := tasks.NewExecutor(runtime, stores.Tasks, logger, tasks.ExecutorConfig{})
	executor.Start(ctx)

	scheduler := tasks.NewScheduler(executor, logger)
	scheduler.Start()
	defer scheduler.Stop()

	assembler := prompt.NewAssembler(prompt.Options{
		Store:  stores.Prompts,
		Cache:  responseCache,
		Logger: logger,
		TTL:    cfg.Cache.PromptTTL,
	})

	server := gateway.NewServer(gateway.Options{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Cache:        responseCache,
		Limiter:      limiter,
		Auth:         authService,
		Orchestrator: orchestrator,
		Runtime:      runtime,
		Executor:     executor,
		Assembler:    assembler,
		Upstream:     upstreamClient,
		Tracer:       tracer,
	})

	// Start blocks until ctx is cancelled, then drains in-flight requests
	// and stops the executor.
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("gateway server failed: %w", err)
	}

	logger.Info(context.Background(), "conduit gateway stopped gracefully")
	return nil
}

// openStores builds the store set for the configured database driver and
// returns a close function for the underlying connection, if any.
func openStores(cfg *config.Config) (*storage.StoreSet, func(), error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return storage.NewMemoryStores(), func() {}, nil
	case "sqlite":
		stores, err := storage.NewSQLiteStores(storage.SQLiteConfig{
			Path:            cfg.Database.Path,
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite stores: %w", err)
		}
		return stores, func() { _ = stores.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func limiterConfig(cfg *config.Config) ratelimit.Config {
	tiers := make(map[string]ratelimit.Tier, len(cfg.RateLimit.Tiers))
	for name, t := range cfg.RateLimit.Tiers {
		tiers[name] = ratelimit.Tier{MaxRequests: t.MaxRequests, Decay: t.DecayMinutes}
	}
	return ratelimit.Config{Enabled: *cfg.RateLimit.Enabled, Tiers: tiers}
}

func apiKeys(cfg *config.Config) []auth.APIKeyConfig {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKeyConfig{
			Key:    k.Key,
			UserID: k.UserID,
			Email:  k.Email,
			Name:   k.Name,
			Tier:   k.Tier,
		})
	}
	return keys
}
