// Package scanner reconciles the journal with the filesystem. It walks the
// watch root, compares what it finds with the last recorded state of every
// path and synthesizes the events the live watch missed.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/normalize"
	"github.com/listenupapp/fsjournal/internal/store"
)

// Reconciler orchestrates one reconciliation pass.
type Reconciler struct {
	log    store.EventLog
	scope  Scope
	logger *slog.Logger

	walker *Walker
	differ *Differ
}

// NewReconciler creates a reconciler reading known state from log.
func NewReconciler(log store.EventLog, scope Scope, newCorrelationID func() string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		log:    log,
		scope:  scope,
		logger: logger,
		walker: NewWalker(logger, scope),
		differ: NewDiffer(logger, newCorrelationID),
	}
}

// Result is the outcome of a pass.
type Result struct {
	// Events bring the journal in line with the filesystem, in the order
	// they must be sequenced.
	Events []domain.Event

	// Snapshot is every path known to exist once Events are applied.
	Snapshot map[string]domain.Entry

	Duration time.Duration
}

// Reconcile walks the root and diffs it against the journal. The caller
// must make sure everything sequenced so far is committed first.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	start := time.Now()
	root := r.scope.Root()

	r.logger.Info("reconciliation started", "root", root)

	known, err := LoadKnown(ctx, r.log, r.scope)
	if err != nil {
		return nil, err
	}

	scanned := make(map[string]domain.Entry)
	var unreadable []string
	for res := range r.walker.Walk(ctx, root) {
		if res.Error != nil {
			if res.Path == root {
				return nil, domainerrors.WatchRuntimef("cannot walk %s", root).WithCause(res.Error)
			}
			unreadable = append(unreadable, res.Path)
			continue
		}
		scanned[res.Path] = domain.Entry{
			Path:    res.Path,
			IsDir:   res.IsDir,
			Size:    res.Size,
			ModTime: res.ModTime,
			Inode:   res.Inode,
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	events, err := r.differ.ComputeDiff(ctx, scanned, known, unreadable)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	walked := len(scanned)

	// What could not be read is assumed unchanged.
	snapshot := scanned
	for path, e := range known {
		for _, dir := range unreadable {
			if path != dir && normalize.Within(dir, path) {
				snapshot[path] = e
				break
			}
		}
	}

	result := &Result{
		Events:   events,
		Snapshot: snapshot,
		Duration: time.Since(start),
	}

	r.logger.Info("reconciliation complete",
		"scanned", walked,
		"known", len(known),
		"events", len(events),
		"unreadable", len(unreadable),
		"duration", result.Duration,
	)

	return result, nil
}
