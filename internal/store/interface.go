// Package store defines the persistence interface for the change journal.
package store

import (
	"context"
	"iter"

	"github.com/listenupapp/fsjournal/internal/domain"
)

// Engines.
const (
	EngineSQLite = "sqlite"
	EngineBadger = "badger"
)

// SchemaVersion is written to the metadata record of a new journal.
const SchemaVersion = "1"

// EventLog is an append-only journal of sequenced records.
//
// The persister is the only writer. Readers (the reconciler at startup and
// the query commands) only use the read methods.
type EventLog interface {
	// Append commits records in one transaction. The first record must
	// follow LastSequence directly and the batch must be contiguous.
	Append(ctx context.Context, records []domain.Record) error

	// LastSequence returns the highest committed sequence, zero for an
	// empty journal.
	LastSequence(ctx context.Context) (uint64, error)

	// LatestByPath yields the most recent record of every path, ordered by
	// path.
	LatestByPath(ctx context.Context) iter.Seq2[domain.Record, error]

	// DirectoryMoves returns every directory rename in sequence order.
	DirectoryMoves(ctx context.Context) ([]Move, error)

	// Query returns records matching q in sequence order.
	Query(ctx context.Context, q Query) ([]domain.Record, error)

	// Count returns the number of records.
	Count(ctx context.Context) (int64, error)

	// Artifacts lists the files the engine owns on disk.
	Artifacts() []domain.Artifact

	Close() error
}

// Query selects records for the read-only commands.
type Query struct {
	// Since excludes records at or below this sequence.
	Since uint64
	// Path restricts results to one path when set.
	Path string
	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Move is a directory rename. Records for the directory's descendants are
// not written when it moves, so readers rebuilding state must re-key them.
type Move struct {
	From string
	To   domain.Record
}
