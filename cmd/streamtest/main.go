// streamtest opens location streams for one or more buses and prints every
// routed message to the console.
// Usage: go run ./cmd/streamtest --ws-base wss://api.example.com --bus 42
//
// The token may also come from the BUS_TOKEN environment variable.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/rickgao/bus-tracker/internal/auth"
	"github.com/rickgao/bus-tracker/internal/clock"
	"github.com/rickgao/bus-tracker/internal/connection"
	"github.com/rickgao/bus-tracker/internal/livestate"
	"github.com/rickgao/bus-tracker/internal/presenter"
	"github.com/rickgao/bus-tracker/internal/router"
)

func main() {
	_ = godotenv.Load()

	wsBase := pflag.String("ws-base", os.Getenv("BUS_WS_BASE"), "stream base URL (ws:// or wss://)")
	token := pflag.String("token", os.Getenv("BUS_TOKEN"), "bearer token")
	buses := pflag.StringSlice("bus", nil, "bus id to stream (repeatable)")
	verbose := pflag.BoolP("verbose", "v", false, "print full message JSON")
	follow := pflag.Bool("follow", false, "print camera directives for the first bus")
	pflag.Parse()

	// Setup logger
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *wsBase == "" || len(*buses) == 0 {
		fmt.Fprintln(os.Stderr, "usage: streamtest --ws-base URL --bus ID [--bus ID ...] [--token T] [--verbose] [--follow]")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	cfg := connection.DefaultRegistryConfig()
	cfg.WSBase = *wsBase

	registry := connection.NewRegistry(cfg, auth.NewTokenStore(*token), logger,
		connection.WithStateObserver(func(change connection.StateChange) {
			fmt.Printf("[STATE] bus=%s %s -> %s attempts=%d code=%d\n",
				change.BusID, change.From, change.To, change.Attempts, change.CloseCode)
		}),
	)

	rtr := router.NewRouter(router.DefaultRouterConfig(), registry.Messages(), logger)
	store := livestate.NewStore(livestate.DefaultConfig(), clock.Real(), logger)
	rtr.AddListener(router.Wildcard, store.Apply)
	rtr.AddListener(router.Wildcard, func(env router.Envelope) {
		printMessage(env, *verbose)
	})

	if *follow {
		p := presenter.New((*buses)[0], store, rtr, logger)
		p.Attach()
		p.SetFollow(true)
		defer p.Detach()
		go printDirectives(ctx, p)
	}

	// Start Router
	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}

	for _, busID := range *buses {
		if err := registry.Subscribe(busID); err != nil {
			logger.Error("subscribe failed", "bus_id", busID, "error", err)
			os.Exit(1)
		}
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				routerStats := rtr.Stats()
				connStats := registry.Stats()
				logger.Info("stats",
					"conn_open", connStats.Open,
					"conn_reconnecting", connStats.Reconnecting,
					"frames_received", connStats.FramesReceived,
					"router_routed", routerStats.MessagesRouted,
					"parse_errors", routerStats.ParseErrors,
					"dropped", routerStats.Dropped,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "buses", *buses)

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	registry.DisconnectAll()
	registry.Close(shutdownCtx)
	rtr.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func printMessage(env router.Envelope, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(env.Message, "", "  ")
		fmt.Printf("[%s] bus=%s %s\n", env.Message.Kind(), env.BusID, data)
		return
	}

	switch m := env.Message.(type) {
	case router.LocationUpdate:
		fmt.Printf("[LOCATION] bus=%s lat=%.6f lon=%.6f speed=%.1f heading=%.0f at=%s\n",
			env.BusID, m.Position.Latitude, m.Position.Longitude,
			m.Position.Speed, m.Position.Heading, m.Position.Timestamp.Format(time.RFC3339))
	case router.Connected:
		fmt.Printf("[CONNECTED] bus=%s %s\n", env.BusID, m.Info)
	case router.ErrorNotice:
		fmt.Printf("[ERROR] bus=%s %s\n", env.BusID, m.Info)
	}
}

func printDirectives(ctx context.Context, p *presenter.MapPresenter) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-p.Directives():
			fmt.Printf("[CAMERA] bus=%s recenter lat=%.6f lon=%.6f\n",
				d.BusID, d.Position.Latitude, d.Position.Longitude)
		}
	}
}
