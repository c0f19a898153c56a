package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/listenupapp/fsjournal/internal/config"
	"github.com/listenupapp/fsjournal/internal/filter"
	"github.com/listenupapp/fsjournal/internal/id"
	"github.com/listenupapp/fsjournal/internal/logger"
	"github.com/listenupapp/fsjournal/internal/persister"
	"github.com/listenupapp/fsjournal/internal/processor"
	"github.com/listenupapp/fsjournal/internal/ratelimit"
	"github.com/listenupapp/fsjournal/internal/scanner"
	"github.com/listenupapp/fsjournal/internal/watcher"
)

// ProvideFilter provides the path filter. The store's own files are
// excluded so journal writes never journal themselves.
func ProvideFilter(i do.Injector) (*filter.Filter, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)

	return filter.New(cfg.Watch.Root, storeHandle.Artifacts(), filter.Options{
		IgnorePatterns: cfg.Watch.IgnorePatterns,
		IgnoreHidden:   cfg.Watch.IgnoreHidden,
	})
}

// ProvideReconciler provides the startup and recovery reconciler.
func ProvideReconciler(i do.Injector) (*scanner.Reconciler, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	f := do.MustInvoke[*filter.Filter](i)
	log := do.MustInvoke[*logger.Logger](i)

	return scanner.NewReconciler(storeHandle.EventLog, f, id.NewCorrelationID, log.Component("reconciler")), nil
}

// ProvidePersister provides the batching writer.
func ProvidePersister(i do.Injector) (*persister.Persister, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	warnings := do.MustInvoke[*ratelimit.KeyedRateLimiter](i)
	log := do.MustInvoke[*logger.Logger](i)

	return persister.New(storeHandle.EventLog, log.Component("persister"), persister.Options{
		BatchSize:     cfg.Persist.BatchSize,
		FlushInterval: cfg.Persist.FlushInterval,
		QueueSize:     cfg.Persist.QueueSize,
		RetryBudget:   cfg.Persist.RetryBudget,
		Warnings:      warnings,
	}), nil
}

// ProvideProcessor provides the pipeline. Each watch it opens is released
// by the processor itself.
func ProvideProcessor(i do.Injector) (*processor.Processor, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	f := do.MustInvoke[*filter.Filter](i)
	reconciler := do.MustInvoke[*scanner.Reconciler](i)
	pers := do.MustInvoke[*persister.Persister](i)
	warnings := do.MustInvoke[*ratelimit.KeyedRateLimiter](i)
	log := do.MustInvoke[*logger.Logger](i)

	watchLog := log.Component("watcher")
	watchOpts := watcher.Options{
		Backend: cfg.Watch.Backend,
		Filter:  f,
	}
	subscribe := func(ctx context.Context) (processor.Source, error) {
		sub, err := watcher.Subscribe(ctx, watchLog, watchOpts, cfg.Watch.Root)
		if err != nil {
			return nil, err
		}
		return sub, nil
	}

	return processor.New(subscribe, f, reconciler, storeHandle.LastSequence, pers, log.Component("processor"), processor.Options{
		Debounce:         cfg.Watch.Debounce,
		RenameWindow:     cfg.Watch.RenameWindow,
		MaxRestarts:      cfg.Watch.MaxRestarts,
		GroupSize:        cfg.Persist.BatchSize,
		NewCorrelationID: id.NewCorrelationID,
		Warnings:         warnings,
	}), nil
}
