package providers

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onkernel/vmkit/cmd/vmctl/config"
	"github.com/onkernel/vmkit/lib/guest"
	"github.com/onkernel/vmkit/lib/hostcaps"
	"github.com/onkernel/vmkit/lib/logger"
	"github.com/onkernel/vmkit/lib/manager"
	"github.com/onkernel/vmkit/lib/otel"
	"github.com/onkernel/vmkit/lib/owner"
	"github.com/onkernel/vmkit/lib/paths"
	"github.com/onkernel/vmkit/lib/virtservice"
)

// dialTimeout bounds the wait for the virtualization service socket.
const dialTimeout = 10 * time.Second

// ProvideConfig provides the application configuration
func ProvideConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ProvidePaths provides the owner's on-disk layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.FilesDir)
}

// ProvideLogger provides a structured logger. Records naming a VM are
// mirrored into that VM's operations log; when OTel log export is enabled,
// records are also sent to the collector.
func ProvideLogger(cfg *config.Config, p *paths.Paths) *slog.Logger {
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logger.ParseLevel(cfg.LogLevel),
	})
	h := logger.NewVMLogHandler(logger.Tee(base, otel.Global().LogHandler()), p.VMLog)
	return slog.New(h)
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvideOwner provides the owning application this process acts as
func ProvideOwner(cfg *config.Config) (owner.App, error) {
	certs := make([][]byte, 0, len(cfg.Certs))
	for i, c := range cfg.Certs {
		der, err := hex.DecodeString(c)
		if err != nil {
			return nil, fmt.Errorf("VMKIT_CERTS[%d]: %w", i, err)
		}
		certs = append(certs, der)
	}
	return &owner.Package{
		Name:  cfg.Package,
		Dir:   cfg.FilesDir,
		APK:   cfg.APK,
		Certs: certs,
	}, nil
}

// ProvideService dials the virtualization service
func ProvideService(ctx context.Context, cfg *config.Config) (virtservice.Service, func(), error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := virtservice.Dial(dctx, cfg.ServiceSocket)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to virtualization service: %w", err)
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "failed to close service connection", "error", err)
		}
	}
	return client, cleanup, nil
}

// ProvideGuestPool provides the worker pool for guest service connections
func ProvideGuestPool(cfg *config.Config) (*guest.Pool, error) {
	metrics, err := guest.NewMetrics(otel.Global().MeterFor("vmkit/guest"))
	if err != nil {
		return nil, fmt.Errorf("create guest metrics: %w", err)
	}
	return guest.NewPool(cfg.ConnectWorkers, guest.VsockDialer{}, metrics), nil
}

// ProvideSession provides the registry of per-owner managers
func ProvideSession(ctx context.Context, service virtservice.Service, pool *guest.Pool) (*manager.Session, func()) {
	s := manager.NewSession(service, manager.Options{
		Guest:  pool,
		Host:   hostcaps.Detect(),
		Meter:  otel.Global().MeterFor("vmkit/manager"),
		Tracer: otel.Global().TracerFor("vmkit/vm"),
	})
	cleanup := func() {
		if err := s.Close(ctx); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "failed to close session", "error", err)
		}
	}
	return s, cleanup
}

// ProvideManager provides the manager for this process's owner
func ProvideManager(ctx context.Context, s *manager.Session, app owner.App) (manager.Manager, error) {
	return s.Acquire(ctx, app)
}
