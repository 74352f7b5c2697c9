// Command openbotx is the main entry point for the OpenBotX agent runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openbotx/openbotx/internal/app"
	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/observe"
)

// shutdownTimeout bounds the graceful teardown after Run returns.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ─────────────────────────────────────────────────────────────
	gatewayFlag := flag.String("gateway", "cli", "gateways to run: cli, socket, or all")
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	port := flag.Int("port", 8765, "socket gateway listen port")
	host := flag.String("host", "0.0.0.0", "socket gateway listen address")
	flag.Parse()

	selection := app.GatewaySelection(*gatewayFlag)
	switch selection {
	case app.GatewaysCLI, app.GatewaysSocket, app.GatewaysAll:
	default:
		fmt.Fprintf(os.Stderr, "openbotx: unknown -gateway value %q (want cli, socket, or all)\n", *gatewayFlag)
		return 1
	}

	// ── Environment ───────────────────────────────────────────────────────────
	// .env is optional; real environment variables win over its entries.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "openbotx: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	// Precedence: config file < flags < environment variables.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "openbotx: %v\n", err)
		return 1
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Gateways.Socket.Port = *port
		case "host":
			cfg.Gateways.Socket.Host = *host
		}
	})
	config.ApplyEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "openbotx: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("openbotx starting",
		"config", *configPath,
		"gateway", selection,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "openbotx"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, err := app.BuildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer func() {
		if err := providers.Close(); err != nil {
			slog.Warn("provider close error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers, app.WithGateways(selection))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads the config file when present and falls back to defaults
// when it is not. Env overlay and validation happen in run, after flags.
func loadConfig(path string) (*config.Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return config.LoadFromReader(f)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
