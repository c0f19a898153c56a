package main

import (
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"github.com/listenupapp/fsjournal/internal/config"
	"github.com/listenupapp/fsjournal/internal/di"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/logger"
	"github.com/listenupapp/fsjournal/internal/processor"
)

func runJournal(cmd *cobra.Command, args []string) (err error) {
	if cmd.Flags().Changed("ignore-hidden") {
		hidden, _ := cmd.Flags().GetBool("ignore-hidden")
		flags.IgnoreHidden = strconv.FormatBool(hidden)
	}

	cfg, err := config.Load(args[0], args[1], flags)
	if err != nil {
		return err
	}

	injector := di.NewContainer(cfg)
	log := do.MustInvoke[*logger.Logger](injector)
	defer func() {
		if shutdownErr := shutdown(injector, log.Logger); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()

	proc, err := do.Invoke[*processor.Processor](injector)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Journal starting",
		"root", cfg.Watch.Root,
		"db", cfg.Store.Path,
		"engine", cfg.Store.Engine,
		"backend", cfg.Watch.Backend,
	)

	if err = proc.Run(ctx); err != nil {
		log.Error("Journal stopped", "error", err)
		return err
	}

	log.Info("Journal stopped")
	return nil
}

// shutdown releases every service in the container. A service that fails to
// close, such as the store's final checkpoint, fails an otherwise clean run.
func shutdown(injector *do.RootScope, log *slog.Logger) error {
	report := injector.Shutdown()
	if report == nil || report.Succeed {
		return nil
	}
	log.Error("Shutdown error", "error", report)
	return domainerrors.PersistenceFatal("journal did not close cleanly").WithCause(report)
}
