// Command vmctl manages the VMs of one owning application from the host
// shell. The owner identity and service socket come from the environment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onkernel/vmkit/cmd/vmctl/config"
	"github.com/onkernel/vmkit/lib/otel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("vmctl failed", "error", err)
		os.Exit(1)
	}
}

// withApp initializes telemetry and the application graph, runs fn with a
// context cancelled on SIGINT or SIGTERM, and tears everything down.
func withApp(fn func(ctx context.Context, app *application) error) error {
	// Load config early for OTel initialization
	cfg := config.Load()

	otelProvider, err := otel.Init(context.Background(), otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	})
	if err != nil {
		// Log warning but don't fail - graceful degradation
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	otel.SetGlobal(otelProvider)
	defer func() {
		otel.SetGlobal(nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("error shutting down OpenTelemetry", "error", err)
		}
	}()

	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if otelProvider.Enabled() {
		app.Logger.DebugContext(ctx, "OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}
	return fn(ctx, app)
}
