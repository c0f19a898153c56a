package processor

import (
	"slices"
	"strings"

	"github.com/listenupapp/fsjournal/internal/domain"
	"github.com/listenupapp/fsjournal/internal/normalize"
)

// tracker is the pipeline's view of what exists under the root. It is
// seeded from a reconciliation snapshot and updated with every event the
// pipeline journals, so it always matches what replaying the log yields.
//
// Owned by the consumer goroutine.
type tracker struct {
	entries map[string]domain.Entry
}

func newTracker(snapshot map[string]domain.Entry) *tracker {
	entries := make(map[string]domain.Entry, len(snapshot))
	for path, e := range snapshot {
		entries[path] = e
	}
	return &tracker{entries: entries}
}

func (t *tracker) exists(path string) bool {
	_, ok := t.entries[path]
	return ok
}

func (t *tracker) len() int {
	return len(t.entries)
}

// apply checks one event against the known state, updates the state and
// returns what should be journaled: nothing, the event itself, or for a
// directory removal the removal of every known descendant first.
func (t *tracker) apply(ev domain.Event) []domain.Event {
	switch ev.Kind {
	case domain.KindCreated:
		if known, ok := t.entries[ev.Path]; ok {
			if known.SameContent(entryOf(ev)) {
				return nil
			}
			ev.Kind = domain.KindModified
		}
		t.entries[ev.Path] = entryOf(ev)
		return []domain.Event{ev}

	case domain.KindModified:
		known, ok := t.entries[ev.Path]
		if !ok {
			ev.Kind = domain.KindCreated
		} else if known.IsDir && ev.IsDir != domain.DirNo {
			// Directory contents are journaled per entry.
			return nil
		} else if !ev.ModTime.IsZero() && known.SameContent(entryOf(ev)) {
			// Already journaled, typically by the startup walk.
			return nil
		}
		t.entries[ev.Path] = entryOf(ev)
		return []domain.Event{ev}

	case domain.KindDeleted:
		known, ok := t.entries[ev.Path]
		if !ok {
			return nil
		}
		if !ev.IsDir.Known() {
			ev.IsDir = domain.DirStateOf(known.IsDir)
		}
		out := t.removeBelow(ev)
		delete(t.entries, ev.Path)
		return append(out, ev)

	default:
		return nil
	}
}

// applyPair handles a rename pair. A source nobody knew about turns the
// pair into a creation at the destination.
func (t *tracker) applyPair(from, to domain.Event) []domain.Event {
	known, ok := t.entries[from.Path]
	if !ok {
		to.Kind = domain.KindCreated
		to.CorrelationID = ""
		return t.apply(to)
	}
	if !from.IsDir.Known() {
		from.IsDir = domain.DirStateOf(known.IsDir)
	}
	if !to.IsDir.Known() {
		to.IsDir = from.IsDir
	}

	prefix := from.Path + "/"
	var moved []string
	for path := range t.entries {
		if strings.HasPrefix(path, prefix) {
			moved = append(moved, path)
		}
	}
	for _, path := range moved {
		e := t.entries[path]
		delete(t.entries, path)
		e.Path = to.Path + strings.TrimPrefix(path, from.Path)
		t.entries[e.Path] = e
	}

	delete(t.entries, from.Path)
	t.entries[to.Path] = entryOf(to)
	return []domain.Event{from, to}
}

// removeBelow forgets every known path strictly below a removed directory
// and returns their removals, deepest first.
func (t *tracker) removeBelow(ev domain.Event) []domain.Event {
	if ev.IsDir != domain.DirYes {
		return nil
	}

	var below []string
	for path := range t.entries {
		if path != ev.Path && normalize.Within(ev.Path, path) {
			below = append(below, path)
		}
	}
	if len(below) == 0 {
		return nil
	}
	slices.SortFunc(below, func(a, b string) int { return strings.Compare(b, a) })

	out := make([]domain.Event, 0, len(below))
	for _, path := range below {
		out = append(out, domain.Event{
			Path:       path,
			Kind:       domain.KindDeleted,
			IsDir:      domain.DirStateOf(t.entries[path].IsDir),
			ObservedAt: ev.ObservedAt,
			Origin:     ev.Origin,
		})
		delete(t.entries, path)
	}
	return out
}

func entryOf(ev domain.Event) domain.Entry {
	return domain.Entry{
		Path:    ev.Path,
		IsDir:   ev.IsDir == domain.DirYes,
		Size:    ev.Size,
		ModTime: ev.ModTime,
		Inode:   ev.Inode,
	}
}
