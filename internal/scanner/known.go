package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/listenupapp/fsjournal/internal/domain"
	"github.com/listenupapp/fsjournal/internal/normalize"
	"github.com/listenupapp/fsjournal/internal/store"
)

// Scope is the part of the path filter the reconciler needs.
type Scope interface {
	PathFilter
	Root() string
}

// LoadKnown rebuilds what the journal believes currently exists under the
// scope's root.
//
// A directory rename is journaled as a single pair; records of its
// descendants keep their old paths. Moves are replayed in sequence order
// so those records end up under the names they have now.
func LoadKnown(ctx context.Context, log store.EventLog, scope Scope) (map[string]domain.Entry, error) {
	latest := make(map[string]domain.Record)
	for rec, err := range log.LatestByPath(ctx) {
		if err != nil {
			return nil, fmt.Errorf("read latest records: %w", err)
		}
		latest[rec.Path] = rec
	}

	moves, err := log.DirectoryMoves(ctx)
	if err != nil {
		return nil, fmt.Errorf("read directory moves: %w", err)
	}
	for _, m := range moves {
		replayMove(latest, m)
	}

	root := scope.Root()
	known := make(map[string]domain.Entry)
	for path, rec := range latest {
		if !rec.Kind.Exists() || path == root || !normalize.Within(root, path) {
			continue
		}
		if !scope.Allow(path) {
			continue
		}
		known[path] = domain.EntryOf(rec)
	}
	return known, nil
}

func replayMove(latest map[string]domain.Record, m store.Move) {
	from, to := m.From, m.To.Path
	at := m.To.Sequence

	type rekey struct {
		old, new string
	}
	var moved []rekey
	for path, rec := range latest {
		if path == from || !normalize.Within(from, path) || rec.Sequence >= at {
			continue
		}
		moved = append(moved, rekey{old: path, new: to + strings.TrimPrefix(path, from)})
	}

	for _, r := range moved {
		rec := latest[r.old]
		delete(latest, r.old)
		if dst, ok := latest[r.new]; ok && dst.Sequence > at {
			continue
		}
		rec.Path = r.new
		rec.FileName = normalize.Base(r.new)
		rec.Sequence = at
		latest[r.new] = rec
	}
}
