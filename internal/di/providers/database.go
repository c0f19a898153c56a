package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/listenupapp/fsjournal/internal/config"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/logger"
	"github.com/listenupapp/fsjournal/internal/store"
	"github.com/listenupapp/fsjournal/internal/store/kv"
	"github.com/listenupapp/fsjournal/internal/store/sqlite"
)

// StoreHandle wraps the event log with shutdown capability.
type StoreHandle struct {
	store.EventLog
	Engine string
}

// Shutdown implements do.Shutdownable.
func (h *StoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideStore provides the event log for writing.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	return openStore(i, false)
}

// ProvideReadOnlyStore provides the event log for the query commands.
func ProvideReadOnlyStore(i do.Injector) (*StoreHandle, error) {
	return openStore(i, true)
}

func openStore(i do.Injector, readOnly bool) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	ctx := context.Background()
	storeLog := log.Component("store")

	var (
		eventLog store.EventLog
		err      error
	)
	switch cfg.Store.Engine {
	case config.EngineSQLite:
		if readOnly {
			eventLog, err = sqlite.OpenReadOnly(ctx, cfg.Store.Path, storeLog)
		} else {
			eventLog, err = sqlite.Open(ctx, cfg.Store.Path, storeLog)
		}
	case config.EngineBadger:
		if readOnly {
			eventLog, err = kv.OpenReadOnly(ctx, cfg.Store.Path, storeLog)
		} else {
			eventLog, err = kv.Open(ctx, cfg.Store.Path, storeLog)
		}
	default:
		return nil, domainerrors.Validationf("unknown storage engine %q", cfg.Store.Engine)
	}
	if err != nil {
		return nil, err
	}

	log.Info("Journal opened",
		"engine", cfg.Store.Engine,
		"path", cfg.Store.Path,
		"read_only", readOnly,
	)

	return &StoreHandle{EventLog: eventLog, Engine: cfg.Store.Engine}, nil
}
