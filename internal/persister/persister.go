// Package persister commits sequenced records to the event log in batches.
package persister

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/ratelimit"
	"github.com/listenupapp/fsjournal/internal/store"
)

// ErrClosed is returned by Enqueue and Sync after Close.
var ErrClosed = errors.New("persister closed")

// Defaults for Options.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 250 * time.Millisecond
	DefaultQueueSize     = 1024
	DefaultRetryBudget   = 5
	DefaultRetryBase     = 50 * time.Millisecond
	DefaultRetryMax      = 2 * time.Second
)

// Options configures a Persister.
type Options struct {
	// BatchSize is the number of records committed per transaction. An
	// enqueued group is never split, so a batch can exceed it by one group.
	BatchSize int
	// FlushInterval bounds how long a record waits for its batch to fill.
	FlushInterval time.Duration
	// QueueSize is the number of groups Enqueue buffers before blocking.
	QueueSize int
	// RetryBudget is the number of retries after a transient failure.
	RetryBudget int
	RetryBase   time.Duration
	RetryMax    time.Duration

	// Warnings throttles repeated backpressure warnings. Optional.
	Warnings *ratelimit.KeyedRateLimiter
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.RetryBudget < 0 {
		o.RetryBudget = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = DefaultRetryMax
	}
}

// Stats counts committed work.
type Stats struct {
	Records uint64
	Batches uint64
	Retries uint64
}

// item is either a group of records committed together or a barrier.
type item struct {
	records []domain.Record
	barrier chan struct{}
}

// Persister is the only writer of the event log. Producers hand it
// records through a bounded queue; Run commits them.
type Persister struct {
	log    store.EventLog
	logger *slog.Logger
	opts   Options

	queue chan item

	// mu makes Close wait for in-flight sends before closing the queue.
	mu     sync.RWMutex
	closed bool

	failed   chan struct{}
	failOnce sync.Once
	err      error

	records atomic.Uint64
	batches atomic.Uint64
	retries atomic.Uint64
}

// New creates a Persister. Run must be started before anything is
// enqueued.
func New(log store.EventLog, logger *slog.Logger, opts Options) *Persister {
	opts.setDefaults()
	return &Persister{
		log:    log,
		logger: logger,
		opts:   opts,
		queue:  make(chan item, opts.QueueSize),
		failed: make(chan struct{}),
	}
}

// Enqueue hands records to the persister as one group that is committed in
// a single transaction. It blocks while the queue is full.
func (p *Persister) Enqueue(ctx context.Context, records ...domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	return p.send(ctx, item{records: records})
}

func (p *Persister) send(ctx context.Context, it item) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if err := p.Err(); err != nil {
		return err
	}

	select {
	case p.queue <- it:
		return nil
	default:
	}

	if p.opts.Warnings == nil {
		p.logger.Warn("persist queue full, applying backpressure", "capacity", p.opts.QueueSize)
	} else if ok, suppressed := p.opts.Warnings.Allow("persist_queue_full"); ok {
		p.logger.Warn("persist queue full, applying backpressure",
			"capacity", p.opts.QueueSize, "suppressed", suppressed)
	}

	select {
	case p.queue <- it:
		return nil
	case <-p.failed:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync returns once every group enqueued before it has been committed.
func (p *Persister) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := p.send(ctx, item{barrier: done}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-p.failed:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records. Run commits what is queued and returns.
func (p *Persister) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

// Failed is closed when the persister gives up.
func (p *Persister) Failed() <-chan struct{} {
	return p.failed
}

// Err returns the error that stopped the persister, if any.
func (p *Persister) Err() error {
	select {
	case <-p.failed:
		return p.err
	default:
		return nil
	}
}

// Stats returns counters since creation.
func (p *Persister) Stats() Stats {
	return Stats{
		Records: p.records.Load(),
		Batches: p.batches.Load(),
		Retries: p.retries.Load(),
	}
}

func (p *Persister) fail(err error) error {
	p.failOnce.Do(func() {
		p.err = err
		close(p.failed)
		p.logger.Error("persister stopped", "error", err, "code", domainerrors.CodeOf(err))
	})
	return err
}

// Run commits queued records until Close has been called and the queue is
// drained, or a commit fails for good.
func (p *Persister) Run(ctx context.Context) error {
	var batch []domain.Record

	timer := time.NewTimer(p.opts.FlushInterval)
	timer.Stop()
	var timerC <-chan time.Time

	flush := func() error {
		timer.Stop()
		timerC = nil
		if err := p.commit(ctx, batch); err != nil {
			return err
		}
		batch = nil
		return nil
	}

	for {
		select {
		case it, ok := <-p.queue:
			if !ok {
				if err := flush(); err != nil {
					return p.fail(err)
				}
				p.logger.Debug("persister drained", "records", p.records.Load(), "batches", p.batches.Load())
				return nil
			}

			if it.barrier != nil {
				if err := flush(); err != nil {
					return p.fail(err)
				}
				close(it.barrier)
				continue
			}

			if len(batch) > 0 && len(batch)+len(it.records) > p.opts.BatchSize {
				if err := flush(); err != nil {
					return p.fail(err)
				}
			}
			batch = append(batch, it.records...)

			if len(batch) >= p.opts.BatchSize {
				if err := flush(); err != nil {
					return p.fail(err)
				}
			} else if timerC == nil {
				timer.Reset(p.opts.FlushInterval)
				timerC = timer.C
			}

		case <-timerC:
			timerC = nil
			if err := p.commit(ctx, batch); err != nil {
				return p.fail(err)
			}
			batch = nil

		case <-ctx.Done():
			timer.Stop()
			return p.fail(ctx.Err())
		}
	}
}

// commit appends batch, retrying transient failures with exponential
// backoff until the retry budget is spent.
func (p *Persister) commit(ctx context.Context, batch []domain.Record) error {
	if len(batch) == 0 {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryBase
	b.MaxInterval = p.opts.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.RetryBudget)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := p.log.Append(ctx, batch)
		if err == nil || domainerrors.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		p.retries.Add(1)
		p.logger.Warn("transient write failure, retrying",
			"error", err, "attempt", attempts, "retry_in", wait, "count", len(batch))
	})

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case domainerrors.IsTransient(err):
		return domainerrors.PersistenceFatalf("write failed after %d attempts", attempts).WithCause(err)
	case domainerrors.CodeOf(err) == domainerrors.CodePersistenceFatal:
		return err
	default:
		return domainerrors.PersistenceFatal("write failed").WithCause(err)
	}

	p.records.Add(uint64(len(batch)))
	p.batches.Add(1)
	p.logger.LogAttrs(ctx, slog.LevelDebug, "batch committed",
		slog.Int("count", len(batch)),
		slog.Uint64("first_sequence", batch[0].Sequence),
		slog.Uint64("last_sequence", batch[len(batch)-1].Sequence),
	)
	return nil
}
