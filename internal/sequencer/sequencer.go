// Package sequencer assigns journal sequence numbers.
package sequencer

import (
	"sync"
	"time"

	"github.com/listenupapp/fsjournal/internal/domain"
	"github.com/listenupapp/fsjournal/internal/id"
	"github.com/listenupapp/fsjournal/internal/normalize"
)

// Sequencer turns logical events into records with strictly increasing,
// gap-free sequence numbers. The counter starts from the value recovered
// from storage, never from a package global.
type Sequencer struct {
	mu    sync.Mutex
	next  uint64
	now   func() time.Time
	newID func() string
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithClock overrides the wall clock used for events without an
// observation time.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) { s.now = now }
}

// WithIDs overrides the row id generator.
func WithIDs(newID func() string) Option {
	return func(s *Sequencer) { s.newID = newID }
}

// New creates a Sequencer whose first assigned number is next. Zero is
// treated as one.
func New(next uint64, opts ...Option) *Sequencer {
	if next == 0 {
		next = 1
	}
	s := &Sequencer{
		next:  next,
		now:   time.Now,
		newID: id.NewEventID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assign stamps events in order. Timestamps never go backwards within one
// call even if the wall clock does.
func (s *Sequencer) Assign(events []domain.Event) []domain.Record {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]domain.Record, 0, len(events))
	var floor time.Time
	for _, ev := range events {
		ts := ev.ObservedAt
		if ts.IsZero() {
			ts = s.now()
		}
		if ts.Before(floor) {
			ts = floor
		}
		floor = ts

		records = append(records, domain.Record{
			Sequence:      s.next,
			ID:            s.newID(),
			Timestamp:     ts,
			Kind:          ev.Kind,
			Path:          ev.Path,
			FileName:      normalize.Base(ev.Path),
			IsDir:         ev.IsDir.Ptr(),
			CorrelationID: ev.CorrelationID,
			Origin:        ev.Origin,
			Size:          ev.Size,
			ModTime:       ev.ModTime,
			Inode:         ev.Inode,
		})
		s.next++
	}
	return records
}

// Next returns the number the next assigned record will get.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Last returns the most recently assigned number, zero if none.
func (s *Sequencer) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next - 1
}
