//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/vmkit/cmd/vmctl/config"
	"github.com/onkernel/vmkit/lib/manager"
	"github.com/onkernel/vmkit/lib/owner"
	"github.com/onkernel/vmkit/lib/providers"
)

// application struct to hold initialized components
type application struct {
	Ctx     context.Context
	Logger  *slog.Logger
	Config  *config.Config
	Owner   owner.App
	Manager manager.Manager
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvidePaths,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvideOwner,
		providers.ProvideService,
		providers.ProvideGuestPool,
		providers.ProvideSession,
		providers.ProvideManager,
		wire.Struct(new(application), "*"),
	))
}
