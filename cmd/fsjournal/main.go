// Package main provides the entry point for the fsjournal command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/listenupapp/fsjournal/internal/config"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
)

// flags shared by every command.
var flags config.Flags

var rootCmd = &cobra.Command{
	Use:   "fsjournal <watch-dir> <db-path>",
	Short: "Record every change below a directory in an ordered journal",
	Long: `fsjournal watches a directory tree and appends one record per logical
change (created, modified, deleted, renamed) to a local journal.

On start it compares the tree with the journal and records whatever changed
while it was not running, then follows live notifications until interrupted.

Example usage:
  fsjournal ~/Documents ~/.local/share/fsjournal/docs.db
  fsjournal --engine badger --ignore-hidden /srv/data /var/lib/fsjournal/data`,
	Args:          exactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runJournal,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.Env, "env", "", "Environment: development, staging or production")
	pf.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&flags.LogFile, "log-file", "", "Write logs to this file with rotation instead of stderr")
	pf.StringVar(&flags.Engine, "engine", "", "Storage engine: sqlite or badger")
	pf.StringVar(&flags.EnvFile, "env-file", "", "Read defaults from this file (default .env)")

	f := rootCmd.Flags()
	f.StringVar(&flags.Backend, "backend", "", "Watch backend: auto, inotify or fsnotify")
	f.StringVar(&flags.Debounce, "debounce", "", "Quiet period before a change is recorded (default 50ms)")
	f.StringVar(&flags.RenameWindow, "rename-window", "", "How long the first half of a rename waits for its partner (default 50ms)")
	f.StringVar(&flags.BatchSize, "batch-size", "", "Records per commit (default 100)")
	f.StringVar(&flags.FlushInterval, "flush-interval", "", "Commit a partial batch after this long (default 250ms)")
	f.StringVar(&flags.QueueSize, "queue-size", "", "Records buffered ahead of the writer (default 1024)")
	f.StringVar(&flags.RetryBudget, "retry-budget", "", "Retries of a failed commit before giving up (default 5)")
	f.StringVar(&flags.MaxRestarts, "max-restarts", "", "Attempts to re-establish a lost watch (default 3)")
	f.StringVar(&flags.Ignore, "ignore", "", "Comma separated glob patterns to skip")
	f.Bool("ignore-hidden", false, "Skip dot files and dot directories")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return domainerrors.Validation(err.Error())
	})

	rootCmd.AddCommand(eventsCmd, statusCmd)
}

// exactArgs is cobra.ExactArgs with a validation error, so bad usage exits 2.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return domainerrors.Validation(err.Error())
		}
		return nil
	}
}

func main() {
	err := rootCmd.Execute()
	if code := domainerrors.ExitCode(err); code != domainerrors.ExitOK {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}
