// Package di provides dependency injection configuration for fsjournal.
package di

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/fsjournal/internal/config"
	"github.com/listenupapp/fsjournal/internal/di/providers"
)

// NewContainer creates the container for the journal run command.
func NewContainer(cfg *config.Config) *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.ProvideValue(injector, cfg)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideWarnings)

	// Storage layer
	do.Provide(injector, providers.ProvideStore)

	// Pipeline
	do.Provide(injector, providers.ProvideFilter)
	do.Provide(injector, providers.ProvideReconciler)
	do.Provide(injector, providers.ProvidePersister)
	do.Provide(injector, providers.ProvideProcessor)

	return injector
}

// NewQueryContainer creates the container for the read-only commands. The
// store is opened without taking the writer's locks where the engine
// allows it.
func NewQueryContainer(cfg *config.Config) *do.RootScope {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideReadOnlyStore)

	return injector
}
