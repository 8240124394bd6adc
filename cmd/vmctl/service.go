package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/onkernel/vmkit/cmd/vmctl/config"
	"github.com/onkernel/vmkit/lib/logger"
	"github.com/onkernel/vmkit/lib/virtservice"
	"github.com/onkernel/vmkit/lib/virtservice/fake"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// newServiceCmd serves an in-memory virtualization backend, for exercising
// vmctl on hosts without a hypervisor.
func newServiceCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Serve an in-memory virtualization service for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if socket == "" {
				socket = cfg.ServiceSocket
			}

			log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logger.ParseLevel(cfg.LogLevel)}))
			ctx, stop := signal.NotifyContext(logger.AddToContext(context.Background(), log), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveFake(ctx, socket)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket to listen on (default VMKIT_SERVICE_SOCKET)")
	return cmd
}

func serveFake(ctx context.Context, socket string) error {
	log := logger.FromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(socket), 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	// Stale socket from a previous run
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socket, err)
	}

	srv := grpc.NewServer()
	virtservice.RegisterServer(srv, fake.New())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	log.InfoContext(ctx, "virtualization service listening", "socket", socket)

	select {
	case <-ctx.Done():
		log.InfoContext(ctx, "shutting down virtualization service")
		srv.Stop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}
}
