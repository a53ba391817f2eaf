package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/discovery"
	"github.com/onemcp/onemcp/internal/docker"
	"github.com/onemcp/onemcp/internal/events"
	"github.com/onemcp/onemcp/internal/gateway/httpapi"
	"github.com/onemcp/onemcp/internal/janitor"
	"github.com/onemcp/onemcp/internal/llm/openai"
	"github.com/onemcp/onemcp/internal/observability"
	"github.com/onemcp/onemcp/internal/ratelimit"
	"github.com/onemcp/onemcp/internal/registry"
	"github.com/onemcp/onemcp/internal/storage"
	pgstore "github.com/onemcp/onemcp/internal/storage/postgres"
	sqlitestore "github.com/onemcp/onemcp/internal/storage/sqlite"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveAddr       string
	serveDocs       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox lifecycle manager HTTP service",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `onemcp --config path` and `onemcp serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. 0.0.0.0:8080)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve generated OpenAPI documentation")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("ONEMCP_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Server.LogLevel),
	}))

	logger.Info("starting sandbox lifecycle manager", slog.String("config", serveConfigPath))

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	}()

	// Container engine.
	engine := docker.NewEngine(logger)

	// Discovery pipeline: README fetch, LLM script synthesis, image build.
	provider := newLLMProvider(cfg, logger)
	fetcher := &discovery.GitHubReadmeFetcher{Token: cfg.Discovery.GitHubToken}
	disc := discovery.NewService(
		fetcher,
		discovery.NewLLMSynthesizer(provider, logger).WithMetrics(obs.MetricsOrNil()),
		engine,
		store.Discoveries(),
		logger,
	).WithMetrics(obs.MetricsOrNil())

	// Lifecycle event bus.
	bus := events.NewBus(logger)

	// Sandbox registry.
	reg := registry.New(
		registry.NewDockerRuntime(engine),
		disc,
		logger,
		registry.WithLimits(
			cfg.Sandbox.BasePortOrDefault(),
			cfg.Sandbox.PortRangeOrDefault(),
			cfg.Sandbox.MaxInstancesOrDefault(),
		),
		registry.WithRPCTimeout(cfg.Sandbox.RPCTimeout()),
		registry.WithStartTimeout(cfg.Sandbox.StartTimeout()),
		registry.WithEvents(bus),
		registry.WithEventStore(store.Events()),
		registry.WithMetrics(obs.MetricsOrNil()),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", store.Ping)
		obs.Health.AddCheck("docker", func(ctx context.Context) error {
			_, err := engine.ListContainers(ctx, "onemcp-")
			return err
		})
	}

	// Janitor: periodic sweep for orphaned containers and stale images.
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		jan, err := janitor.New(engine, reg.ContainerNames, cfg.Janitor.CronSchedule(), cfg.Janitor.PruneImages, logger)
		if err != nil {
			return fmt.Errorf("initializing janitor: %w", err)
		}
		cancelJanitor := jan.Start(ctx)
		defer cancelJanitor()
		logger.Debug("janitor initialized", slog.String("schedule", cfg.Janitor.CronSchedule()))
	}

	// HTTP gateway.
	gw := buildGateway(cfg, reg, bus, store, obs, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown: stop accepting requests, then tear every sandbox down.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.CleanupTimeout())
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	reg.CleanupAll(shutdownCtx)

	return nil
}

// buildGateway assembles the HTTP gateway from config and shared components.
func buildGateway(cfg *config.Config, reg *registry.Registry, bus *events.Bus, store storage.Store, obs *observability.Observability, logger *slog.Logger) *httpapi.Gateway {
	addr := cfg.Server.Addr()
	if serveAddr != "" {
		addr = serveAddr
	}

	gwCfg := httpapi.Config{
		ListenAddr: addr,
		EnableDocs: serveDocs,
	}
	if cfg.Auth != nil {
		gwCfg.APIKeys = cfg.Auth.APIKeys
	}
	if obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RPM(),
			BurstSize:         cfg.RateLimit.BurstOrDefault(),
		})
	}

	return httpapi.NewGateway(gwCfg, reg, limiter, logger).
		WithEventFeed(bus).
		WithEventLog(store.Events())
}

// newLLMProvider creates the script synthesis provider. The openai client
// also serves OpenAI-compatible endpoints such as Ollama via base_url.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) *openai.Client {
	var opts []openai.Option
	if cfg.Discovery.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Discovery.BaseURL))
	}
	if cfg.Discovery.Provider != "" && cfg.Discovery.Provider != "openai" {
		opts = append(opts, openai.WithName(cfg.Discovery.Provider))
	}
	return openai.NewClient(cfg.Discovery.APIKey, cfg.Discovery.ModelOrDefault(), logger, opts...)
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		pgCfg := pgstore.Config{DSN: cfg.Storage.Postgres.DSN}
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		if cfg.Storage.Postgres.ConnMaxLifetimeS > 0 {
			pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
		}
		return pgstore.Open(pgCfg, logger)

	case storage.DriverSQLite:
		sqliteCfg := sqlitestore.Config{Path: config.DefaultSQLitePath(), JournalMode: "wal"}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				sqliteCfg.Path = cfg.Storage.SQLite.Path
			}
			if cfg.Storage.SQLite.JournalMode != "" {
				sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
			}
		}
		return sqlitestore.Open(sqliteCfg, logger)

	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
