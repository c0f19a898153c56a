package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"github.com/listenupapp/fsjournal/internal/config"
	"github.com/listenupapp/fsjournal/internal/di"
	"github.com/listenupapp/fsjournal/internal/di/providers"
	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/logger"
	"github.com/listenupapp/fsjournal/internal/normalize"
	"github.com/listenupapp/fsjournal/internal/store"
)

var eventsCmd = &cobra.Command{
	Use:   "events <db-path>",
	Short: "Print journal records",
	Long: `Print journal records in sequence order.

Example usage:
  fsjournal events journal.db                  # Everything
  fsjournal events journal.db --since 120      # Records after sequence 120
  fsjournal events journal.db --path /data/a   # History of one path
  fsjournal events journal.db --json           # One JSON object per line`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetUint64("since")
		path, _ := cmd.Flags().GetString("path")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		if limit < 0 {
			return domainerrors.Validationf("--limit must not be negative, got %d", limit)
		}
		if path != "" {
			abs, err := normalize.Abs(path)
			if err != nil {
				return domainerrors.Validationf("invalid path %q", path).WithCause(err)
			}
			path = abs
		}

		return withStore(args[0], func(_ *config.Config, log store.EventLog) error {
			records, err := log.Query(cmd.Context(), store.Query{Since: since, Path: path, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return writeTable(cmd.OutOrStdout(), records)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <db-path>",
	Short: "Print the last sequence and record count of a journal",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(args[0], func(cfg *config.Config, log store.EventLog) error {
			last, err := log.LastSequence(cmd.Context())
			if err != nil {
				return err
			}
			count, err := log.Count(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "engine:         %s\n", cfg.Store.Engine)
			fmt.Fprintf(out, "last sequence:  %d\n", last)
			fmt.Fprintf(out, "records:        %d\n", count)
			return nil
		})
	},
}

func init() {
	f := eventsCmd.Flags()
	f.Uint64("since", 0, "Only records after this sequence")
	f.String("path", "", "Only records for this path")
	f.Int("limit", 0, "Maximum number of records (0 for all)")
	f.Bool("json", false, "Print one JSON object per line")
}

// withStore opens the journal read-only, calls fn and closes it again.
func withStore(dbPath string, fn func(*config.Config, store.EventLog) error) (err error) {
	cfg, err := config.LoadForQuery(dbPath, flags)
	if err != nil {
		return err
	}

	injector := di.NewQueryContainer(cfg)
	log := do.MustInvoke[*logger.Logger](injector)
	defer func() {
		if shutdownErr := shutdown(injector, log.Logger); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()

	handle, err := do.Invoke[*providers.StoreHandle](injector)
	if err != nil {
		return err
	}
	return fn(cfg, handle.EventLog)
}

func writeJSON(w io.Writer, records []domain.Record) error {
	encoder := json.NewEncoder(w)
	for _, r := range records {
		if err := encoder.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(w io.Writer, records []domain.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tCHANGE\tTYPE\tPATH\tCORRELATION")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Sequence,
			r.Timestamp.Local().Format(time.RFC3339Nano),
			r.Kind,
			r.DirState(),
			r.Path,
			r.CorrelationID,
		)
	}
	return tw.Flush()
}
