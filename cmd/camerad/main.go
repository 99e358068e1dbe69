// Command camerad runs one camera core instance behind MQTT control.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/service"
)

const defaultConfigPath = "config/camerad.yaml"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run starts the daemon and blocks until a signal arrives or the service
// stops on its own (the MQTT shutdown command). It returns the exit code.
func run(args []string) int {
	fs := flag.NewFlagSet("camerad", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	logFormat := fs.String("log-format", "json", "Log output format: json or text")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger, err := newLogger(os.Stdout, *logFormat, *debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "camerad:", err)
		return 2
	}
	slog.SetDefault(logger)
	slog.Info("starting camerad", "config", *configPath, "debug", *debug)

	svc, err := service.New(*configPath)
	if err != nil {
		slog.Error("failed to create camerad service", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := svc.StartHealthServer()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("service error", "error", err)
	} else if ctx.Err() != nil {
		slog.Info("received shutdown signal")
	} else {
		slog.Info("service stopped by shutdown command")
	}
	stop()

	timeout := svc.ShutdownTimeout()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Readiness goes away before the camera is torn down.
	if err := health.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown", "error", err)
	}
	slog.Info("shutting down gracefully", "timeout", timeout)
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return 1
	}

	slog.Info("camerad stopped")
	return 0
}

func newLogger(w io.Writer, format string, debug bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}
