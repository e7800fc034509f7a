// tracker streams live locations for the configured buses, keeps their
// live state in memory, and serves it over the status API.
// Usage: go run ./cmd/tracker --config configs/tracker.local.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/rickgao/bus-tracker/internal/api"
	"github.com/rickgao/bus-tracker/internal/auth"
	"github.com/rickgao/bus-tracker/internal/clock"
	"github.com/rickgao/bus-tracker/internal/config"
	"github.com/rickgao/bus-tracker/internal/connection"
	"github.com/rickgao/bus-tracker/internal/database"
	"github.com/rickgao/bus-tracker/internal/livestate"
	"github.com/rickgao/bus-tracker/internal/poller"
	"github.com/rickgao/bus-tracker/internal/router"
	"github.com/rickgao/bus-tracker/internal/status"
	"github.com/rickgao/bus-tracker/internal/version"
	"github.com/rickgao/bus-tracker/internal/writer"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/tracker.local.yaml", "path to config file")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before the config is expanded")
	pflag.Parse()

	// .env is optional; real environment variables win.
	envErr := godotenv.Load(*envFile)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no env file loaded", "path", *envFile)
	}

	logger.Info("starting tracker",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"buses", len(cfg.Tracking.BusIDs),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("tracker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("tracker stopped")
}

func run(cfg *config.TrackerConfig, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	token, err := resolveToken(cfg.Stream)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenStore(token)
	if tokens.Token() == "" {
		logger.Warn("no auth token configured; subscriptions will be rejected")
	}

	// Live state
	store := livestate.NewStore(livestate.Config{
		StaleThreshold: cfg.LiveState.StaleThreshold,
		MaxTrailPoints: cfg.LiveState.MaxTrailPoints,
	}, clock.Real(), logger)

	// Connection registry
	registry := connection.NewRegistry(registryConfig(cfg.Stream), tokens, logger,
		connection.WithStateObserver(func(change connection.StateChange) {
			if change.To == connection.StateClosedFailed {
				logger.Warn("bus stream gave up",
					"bus_id", change.BusID,
					"attempts", change.Attempts,
					"close_code", change.CloseCode,
				)
			}
		}),
	)

	// Router
	rtr := router.NewRouter(router.DefaultRouterConfig(), registry.Messages(), logger)
	rtr.AddListener(router.Wildcard, store.Apply)

	// Trail archive
	var trailWriter *writer.TrailWriter
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		trailWriter = writer.NewTrailWriter(writer.WriterConfig{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, pool, logger)
		if err := trailWriter.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		rtr.AddListener(router.Wildcard, trailWriter.Listen)
		if err := trailWriter.Start(ctx); err != nil {
			return fmt.Errorf("start trail writer: %w", err)
		}
	}

	// REST seeding
	var seeder *api.Seeder
	if cfg.API.RestURL != "" {
		client := api.NewClient(cfg.API.RestURL, tokens,
			api.WithLogger(logger),
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, time.Second),
		)
		seeder = api.NewSeeder(client, store, cfg.API.TrailLimit, logger)
	}

	var stalePoller *poller.Poller
	if cfg.Poller.Enabled && seeder != nil {
		stalePoller = poller.New(poller.Config{
			Interval:    cfg.Poller.Interval,
			Concurrency: cfg.Poller.Concurrency,
			Timeout:     cfg.Poller.Timeout,
		}, poller.Union(
			poller.BusSourceFunc(registry.Buses),
			store,
			poller.BusSourceFunc(func() []string { return cfg.Tracking.BusIDs }),
		), store, seeder, clock.Real(), logger)
	}

	// Status server
	statusServer := status.NewServer(cfg.Status.Port, registry, store, logger,
		status.WithRouterStats(rtr.Stats),
	)
	if err := statusServer.Start(); err != nil {
		return err
	}

	if err := rtr.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	for _, busID := range cfg.Tracking.BusIDs {
		if seeder != nil {
			if err := seeder.SeedBus(ctx, busID); err != nil {
				logger.Warn("initial seed failed", "bus_id", busID, "error", err)
			}
		}
		if err := registry.Subscribe(busID); err != nil {
			logger.Error("subscribe failed", "bus_id", busID, "error", err)
		}
	}

	if stalePoller != nil {
		if err := stalePoller.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	}

	logger.Info("tracker running",
		"status_url", fmt.Sprintf("http://localhost:%d/health", cfg.Status.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	registry.DisconnectAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if stalePoller != nil {
		stalePoller.Stop(shutdownCtx)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn("registry close", "error", err)
	}
	if err := rtr.Stop(shutdownCtx); err != nil {
		logger.Warn("router stop", "error", err)
	}
	if trailWriter != nil {
		if err := trailWriter.Stop(shutdownCtx); err != nil {
			logger.Warn("trail writer stop", "error", err)
		}
		stats := trailWriter.Stats()
		logger.Info("trail writer totals",
			"inserts", stats.Inserts,
			"conflicts", stats.Conflicts,
			"errors", stats.Errors,
		)
	}
	return statusServer.Stop(shutdownCtx)
}

// resolveToken prefers the inline token and falls back to token_file.
func resolveToken(cfg config.StreamConfig) (string, error) {
	if strings.TrimSpace(cfg.Token) != "" || cfg.TokenFile == "" {
		return cfg.Token, nil
	}
	token, err := auth.LoadToken(cfg.TokenFile)
	if err != nil && !errors.Is(err, auth.ErrEmptyToken) {
		return "", fmt.Errorf("load token: %w", err)
	}
	return token, nil
}

func registryConfig(cfg config.StreamConfig) connection.RegistryConfig {
	rc := connection.DefaultRegistryConfig()
	rc.WSBase = cfg.WSBase
	rc.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	rc.ReconnectDelay = cfg.ReconnectDelay
	rc.HandshakeTimeout = cfg.HandshakeTimeout
	rc.WriteTimeout = cfg.WriteTimeout
	rc.PingInterval = cfg.PingInterval
	rc.PingTimeout = cfg.PingTimeout
	rc.MessageBufferSize = cfg.MessageBufferSize
	return rc
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
