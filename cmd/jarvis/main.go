// Command jarvis is a terminal client for a real-time voice and text
// assistant backend.
//
// Usage:
//
//	jarvis [--config config.yaml] [--watch] [--headless]
//
// Type a line to send it as a text message, /listen to toggle the
// microphone and /quit to leave.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jarvis/internal/app"
	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/console"
	"github.com/MrWong99/jarvis/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "jarvis:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	watch      bool
	headless   bool
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "jarvis",
		Short:         "Talk to the assistant backend from the terminal",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "reload log level and playback limits when the config file changes")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "run without the interactive console")
	return cmd
}

func run(parent context.Context, opts options) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", opts.configPath)
		}
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// Logs go to stderr so they do not interleave with the console transcript
	// when stdout is redirected.
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("jarvis starting",
		"version", version,
		"config", opts.configPath,
		"url", cfg.Server.URL,
		"capture", cfg.Capture.Backend,
		"playback", cfg.Playback.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry provider shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg,
		app.WithLevelVar(level),
		app.WithMetricsHandler(provider.MetricsHandler()),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if opts.watch {
		w, err := config.NewWatcher(opts.configPath, func(old, new *config.Config) {
			application.Reload(config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return application.Run(gctx) })
	if !opts.headless {
		g.Go(func() error {
			// Leaving the console ends the whole client.
			defer cancel()
			return console.New(application.Session()).Run(gctx)
		})
	}

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
