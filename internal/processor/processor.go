// Package processor runs the journal pipeline: raw notifications are
// filtered, coalesced, checked against the known state, sequenced and
// handed to the persister.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/listenupapp/fsjournal/internal/debounce"
	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/persister"
	"github.com/listenupapp/fsjournal/internal/ratelimit"
	"github.com/listenupapp/fsjournal/internal/scanner"
	"github.com/listenupapp/fsjournal/internal/sequencer"
	"github.com/listenupapp/fsjournal/internal/watcher"
)

// Defaults for Options.
const (
	DefaultMaxRestarts = 3
	DefaultRestartBase = 200 * time.Millisecond
)

// Source is a live watch. *watcher.Subscription implements it.
type Source interface {
	Events() <-chan domain.RawEvent
	Errors() <-chan error
	Capabilities() watcher.Capabilities
	Close() error
}

// Subscriber establishes a new watch on the root.
type Subscriber func(ctx context.Context) (Source, error)

// Filter drops events the journal does not record.
type Filter interface {
	Apply(ev domain.RawEvent) (domain.RawEvent, bool)
}

// Reconciler diffs the filesystem against the journal.
type Reconciler interface {
	Reconcile(ctx context.Context) (*scanner.Result, error)
}

// Options configures a Processor.
type Options struct {
	Debounce     time.Duration
	RenameWindow time.Duration

	// MaxRestarts bounds the attempts to re-establish a failed watch.
	// Zero makes every watch failure fatal.
	MaxRestarts int
	RestartBase time.Duration

	// GroupSize caps the records handed to the persister at once. Rename
	// pairs are never split.
	GroupSize int

	NewCorrelationID func() string

	// Stat describes a path that exists. Defaults to scanner.Stat.
	Stat func(path string) (domain.Entry, error)

	// Warnings throttles repeated warnings. Optional.
	Warnings *ratelimit.KeyedRateLimiter
}

func (o *Options) setDefaults() {
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.RestartBase <= 0 {
		o.RestartBase = DefaultRestartBase
	}
	if o.GroupSize <= 0 {
		o.GroupSize = persister.DefaultBatchSize
	}
	if o.Stat == nil {
		o.Stat = scanner.Stat
	}
}

// Stats counts pipeline activity.
type Stats struct {
	Raw        uint64
	Filtered   uint64
	Journaled  uint64
	Reconciles uint64
	Restarts   uint64
}

// Processor is the single consumer of raw notifications and the only
// place sequence numbers are assigned.
type Processor struct {
	logger     *slog.Logger
	subscribe  Subscriber
	filter     Filter
	reconciler Reconciler
	last       func(ctx context.Context) (uint64, error)
	persister  *persister.Persister
	opts       Options

	// Owned by the Run goroutine.
	source    Source
	coalescer *debounce.Coalescer
	tracker   *tracker
	seq       *sequencer.Sequencer
	enqueue   context.Context

	raw        atomic.Uint64
	filtered   atomic.Uint64
	journaled  atomic.Uint64
	reconciles atomic.Uint64
	restarts   atomic.Uint64
}

// New creates a Processor. lastSequence reports the highest committed
// sequence so numbering continues where the journal left off.
func New(
	subscribe Subscriber,
	filter Filter,
	reconciler Reconciler,
	lastSequence func(ctx context.Context) (uint64, error),
	p *persister.Persister,
	logger *slog.Logger,
	opts Options,
) *Processor {
	opts.setDefaults()
	if opts.NewCorrelationID == nil {
		panic("processor: NewCorrelationID is required")
	}
	return &Processor{
		logger:     logger,
		subscribe:  subscribe,
		filter:     filter,
		reconciler: reconciler,
		last:       lastSequence,
		persister:  p,
		opts:       opts,
		coalescer: debounce.New(debounce.Options{
			Window:           opts.Debounce,
			RenameWindow:     opts.RenameWindow,
			NewCorrelationID: opts.NewCorrelationID,
		}),
	}
}

// Stats returns counters since creation.
func (p *Processor) Stats() Stats {
	return Stats{
		Raw:        p.raw.Load(),
		Filtered:   p.filtered.Load(),
		Journaled:  p.journaled.Load(),
		Reconciles: p.reconciles.Load(),
		Restarts:   p.restarts.Load(),
	}
}

// Run journals changes until ctx is canceled or a fatal error occurs.
//
// It subscribes, reconciles, then consumes the live stream. On
// cancellation it drains what the watch already delivered, flushes pending
// windows and waits for the final commit before releasing the watch. A
// graceful stop returns nil.
func (p *Processor) Run(ctx context.Context) error {
	last, err := p.last(ctx)
	if err != nil {
		return fmt.Errorf("read last sequence: %w", err)
	}
	p.seq = sequencer.New(last + 1)

	// Records already sequenced are committed even while shutting down.
	p.enqueue = context.WithoutCancel(ctx)

	var g errgroup.Group
	g.Go(func() error {
		return p.persister.Run(p.enqueue)
	})

	runErr := p.run(ctx)

	p.persister.Close()
	waitErr := g.Wait()

	if p.source != nil {
		if err := p.source.Close(); err != nil {
			p.logger.Warn("failed to release watch", "error", err)
		}
	}

	stats := p.Stats()
	p.logger.Info("pipeline stopped",
		"raw", stats.Raw,
		"filtered", stats.Filtered,
		"journaled", stats.Journaled,
		"last_sequence", p.seq.Last(),
	)

	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		return runErr
	case waitErr != nil:
		return waitErr
	default:
		return nil
	}
}

func (p *Processor) run(ctx context.Context) error {
	source, err := p.subscribe(ctx)
	if err != nil {
		return err
	}
	p.source = source
	p.logWatch(source)

	if err := p.reconcile(ctx); err != nil {
		return err
	}
	return p.consume(ctx)
}

func (p *Processor) consume(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if deadline, ok := p.coalescer.NextDeadline(); ok {
			timer.Reset(time.Until(deadline))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return p.drain()

		case raw, ok := <-p.source.Events():
			timer.Stop()
			if !ok {
				if err := p.reestablish(ctx, errors.New("watch event stream closed")); err != nil {
					return err
				}
				continue
			}
			if err := p.handle(raw, time.Now()); err != nil {
				return err
			}

		case werr := <-p.source.Errors():
			timer.Stop()
			if err := p.reestablish(ctx, werr); err != nil {
				return err
			}

		case now := <-timerC:
			if err := p.finalize(p.coalescer.Due(now)); err != nil {
				return err
			}

		case <-p.persister.Failed():
			timer.Stop()
			return p.persister.Err()
		}
	}
}

// handle runs one raw notification through the filter and the coalescer.
func (p *Processor) handle(raw domain.RawEvent, now time.Time) error {
	p.raw.Add(1)

	ev, ok := p.filter.Apply(raw)
	if !ok {
		p.filtered.Add(1)
		return nil
	}

	// A creation over a path that exists and has nothing pending replaces
	// it. Treated as a modification, a removal later in the window still
	// reaches the journal.
	if ev.Kind == domain.KindCreated && p.tracker.exists(ev.Path) && !p.coalescer.Pending(ev.Path) {
		ev.Kind = domain.KindModified
	}

	return p.finalize(p.coalescer.Add(ev, now))
}

// finalize checks coalesced events against the known state, sequences them
// and queues them for persistence.
func (p *Processor) finalize(events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	var out []domain.Event
	for i := 0; i < len(events); i++ {
		ev := p.describe(events[i])
		if ev.Kind == domain.KindRenamedFrom && i+1 < len(events) &&
			events[i+1].Kind == domain.KindRenamedTo && events[i+1].CorrelationID == ev.CorrelationID {
			to := p.describe(events[i+1])
			out = append(out, p.tracker.applyPair(ev, to)...)
			i++
			continue
		}
		out = append(out, p.tracker.apply(ev)...)
	}

	return p.journal(out)
}

// describe adds stat data to events whose path should exist.
func (p *Processor) describe(ev domain.Event) domain.Event {
	if !ev.Kind.Exists() {
		return ev
	}
	entry, err := p.opts.Stat(ev.Path)
	if err != nil {
		// Gone again already; its removal follows.
		p.warn("stat_failed", "cannot stat changed path", "path", ev.Path, "error", err)
		return ev
	}
	return ev.WithEntry(entry)
}

// journal sequences events and hands them to the persister.
func (p *Processor) journal(events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	records := p.seq.Assign(events)
	for _, group := range chunk(records, p.opts.GroupSize) {
		if err := p.persister.Enqueue(p.enqueue, group...); err != nil {
			return fmt.Errorf("queue records: %w", err)
		}
	}
	p.journaled.Add(uint64(len(records)))
	return nil
}

// reconcile journals what changed while nobody was watching and reseeds
// the known state. Everything sequenced before it must be committed so the
// reconciler reads an up to date journal.
func (p *Processor) reconcile(ctx context.Context) error {
	if err := p.persister.Sync(ctx); err != nil {
		return err
	}

	result, err := p.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}
	p.reconciles.Add(1)

	p.tracker = newTracker(result.Snapshot)
	if err := p.journal(result.Events); err != nil {
		return err
	}

	p.logger.Info("journal reconciled",
		"events", len(result.Events),
		"known", p.tracker.len(),
		"next_sequence", p.seq.Next(),
		"duration", result.Duration,
	)
	return nil
}

// reestablish replaces a failed watch. Pending windows are journaled
// first, then a fresh subscription is reconciled against the journal so
// nothing missed while the watch was down is lost.
func (p *Processor) reestablish(ctx context.Context, cause error) error {
	p.logger.Warn("watch failed, re-establishing", "error", cause)

	if err := p.finalize(p.coalescer.Flush()); err != nil {
		return err
	}
	if err := p.source.Close(); err != nil {
		p.logger.Debug("failed to release broken watch", "error", err)
	}
	p.source = nil

	if p.opts.MaxRestarts == 0 {
		return domainerrors.WatchRuntime("watch failed").WithCause(cause)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RestartBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.MaxRestarts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		p.restarts.Add(1)

		source, err := p.subscribe(ctx)
		if err != nil {
			if isWatchFailure(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		p.source = source

		if err := p.reconcile(ctx); err != nil {
			p.source = nil
			if closeErr := source.Close(); closeErr != nil {
				p.logger.Debug("failed to release watch", "error", closeErr)
			}
			if isWatchFailure(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, policy, func(err error, wait time.Duration) {
		p.logger.Warn("watch re-establishment failed",
			"error", err, "attempt", attempts, "retry_in", wait)
	})

	switch {
	case err == nil:
		p.logWatch(p.source)
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case isWatchFailure(err):
		return domainerrors.WatchRuntimef("watch could not be re-established after %d attempts", attempts).WithCause(err)
	default:
		return err
	}
}

// drain journals what the watch already delivered and every pending
// window. It runs once ctx is canceled.
func (p *Processor) drain() error {
	now := time.Now()
	for {
		select {
		case raw, ok := <-p.source.Events():
			if !ok {
				return p.finalize(p.coalescer.Flush())
			}
			if err := p.handle(raw, now); err != nil {
				return err
			}
		default:
			return p.finalize(p.coalescer.Flush())
		}
	}
}

func (p *Processor) logWatch(source Source) {
	caps := source.Capabilities()
	p.logger.Info("watch established",
		"backend", caps.Name,
		"rename_pairing", caps.RenamePairing,
	)
}

func (p *Processor) warn(key, msg string, args ...any) {
	if p.opts.Warnings == nil {
		p.logger.Warn(msg, args...)
		return
	}
	if ok, suppressed := p.opts.Warnings.Allow(key); ok {
		p.logger.Warn(msg, append(args, "suppressed", suppressed)...)
	}
}

func isWatchFailure(err error) bool {
	code := domainerrors.CodeOf(err)
	return code == domainerrors.CodeWatchSetup || code == domainerrors.CodeWatchRuntime
}

// chunk splits records into groups of at most size, keeping both halves
// of a rename pair in the same group.
func chunk(records []domain.Record, size int) [][]domain.Record {
	if len(records) <= size {
		return [][]domain.Record{records}
	}

	var groups [][]domain.Record
	start := 0
	for start < len(records) {
		end := min(start+size, len(records))
		if end < len(records) && end > start+1 && splitsPair(records[end-1], records[end]) {
			end--
		}
		if end == start+1 && end < len(records) && splitsPair(records[start], records[end]) {
			end++
		}
		groups = append(groups, records[start:end])
		start = end
	}
	return groups
}

func splitsPair(a, b domain.Record) bool {
	return a.Kind == domain.KindRenamedFrom && b.Kind == domain.KindRenamedTo &&
		a.CorrelationID != "" && a.CorrelationID == b.CorrelationID
}
