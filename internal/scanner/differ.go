package scanner

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/listenupapp/fsjournal/internal/domain"
	"github.com/listenupapp/fsjournal/internal/normalize"
)

// Differ turns the difference between a walk and the journal's known state
// into events.
type Differ struct {
	logger           *slog.Logger
	newCorrelationID func() string
}

// NewDiffer creates a differ. newCorrelationID names rename pairs.
func NewDiffer(logger *slog.Logger, newCorrelationID func() string) *Differ {
	return &Differ{
		logger:           logger,
		newCorrelationID: newCorrelationID,
	}
}

// move is an accepted directory rename, from its current journal name.
type move struct {
	from, to string
}

type diff struct {
	scanned    map[string]domain.Entry
	known      map[string]domain.Entry
	removed    map[string]bool
	added      map[string]bool
	unreadable []string
	moves      []move

	renames  []domain.Event
	deleted  []domain.Event
	upserted []domain.Event
}

// ComputeDiff compares scanned entries with known ones. Both maps are keyed
// by normalized path. Known paths below an unreadable directory are left
// alone: their absence from the walk proves nothing.
//
// Events come out in an order that is safe to apply: rename pairs first,
// then deletions children before parents, then creations and
// modifications parents before children.
func (d *Differ) ComputeDiff(ctx context.Context, scanned, known map[string]domain.Entry, unreadable []string) ([]domain.Event, error) {
	df := &diff{
		scanned:    scanned,
		known:      known,
		removed:    make(map[string]bool),
		added:      make(map[string]bool),
		unreadable: unreadable,
	}

	for path := range known {
		if _, ok := scanned[path]; !ok && !df.hidden(path) {
			df.removed[path] = true
		}
	}
	for path := range scanned {
		if _, ok := known[path]; !ok {
			df.added[path] = true
		}
	}

	// Directories first, so file renames are judged against their
	// parents' new names.
	d.matchRenames(df, true)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.matchRenames(df, false)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, r := range sortedKeys(df.removed) {
		d.resolveRemoved(df, r)
	}

	for _, a := range sortedKeys(df.added) {
		df.upserted = append(df.upserted, created(df.scanned[a]))
	}

	for path, was := range known {
		now, ok := scanned[path]
		if !ok {
			continue
		}
		d.compare(df, path, was, now)
	}

	slices.SortFunc(df.deleted, func(a, b domain.Event) int { return strings.Compare(b.Path, a.Path) })
	slices.SortStableFunc(df.upserted, func(a, b domain.Event) int { return strings.Compare(a.Path, b.Path) })

	events := make([]domain.Event, 0, len(df.renames)+len(df.deleted)+len(df.upserted))
	events = append(events, df.renames...)
	events = append(events, df.deleted...)
	events = append(events, df.upserted...)

	d.logger.Info("diff computed",
		"renamed", len(df.renames)/2,
		"deleted", len(df.deleted),
		"created_or_modified", len(df.upserted),
	)

	return events, nil
}

// matchRenames pairs removed and added entries of one kind by inode. Added
// entries are visited in path order so a parent is in place before anything
// moves into it.
func (d *Differ) matchRenames(df *diff, dirs bool) {
	byInode := make(map[uint64][]string)
	for _, r := range sortedKeys(df.removed) {
		e := df.known[r]
		if e.IsDir == dirs && e.Inode != 0 {
			byInode[e.Inode] = append(byInode[e.Inode], r)
		}
	}
	if len(byInode) == 0 {
		return
	}

	for _, a := range sortedKeys(df.added) {
		now := df.scanned[a]
		if now.IsDir != dirs || now.Inode == 0 {
			continue
		}
		candidates := byInode[now.Inode]
		if len(candidates) == 0 {
			continue
		}
		r := candidates[0]
		byInode[now.Inode] = candidates[1:]
		delete(df.removed, r)
		delete(df.added, a)

		from := df.translate(r)
		if from == a {
			// Carried along by a parent's move.
			if !dirs && !df.known[r].SameContent(now) {
				df.upserted = append(df.upserted, modified(now))
			}
			continue
		}

		correlation := d.newCorrelationID()
		df.renames = append(df.renames,
			domain.Event{
				Path:          from,
				Kind:          domain.KindRenamedFrom,
				IsDir:         domain.DirStateOf(dirs),
				CorrelationID: correlation,
				Origin:        domain.OriginReconcile,
			},
			domain.Event{
				Path:          a,
				Kind:          domain.KindRenamedTo,
				CorrelationID: correlation,
				Origin:        domain.OriginReconcile,
			}.WithEntry(now),
		)
		if dirs {
			df.moves = append(df.moves, move{from: from, to: a})
		}
	}
}

// resolveRemoved handles a known path the walk did not find and no inode
// matched.
func (d *Differ) resolveRemoved(df *diff, r string) {
	was := df.known[r]
	p := df.translate(r)

	if df.added[p] {
		// Moved along with a parent but no longer the same inode.
		delete(df.added, p)
		d.compare(df, p, was, df.scanned[p])
		return
	}
	if _, ok := df.scanned[p]; ok {
		return
	}
	if p != r && df.hidden(p) {
		return
	}
	df.deleted = append(df.deleted, domain.Event{
		Path:   p,
		Kind:   domain.KindDeleted,
		IsDir:  domain.DirStateOf(was.IsDir),
		Origin: domain.OriginReconcile,
	})
}

// compare emits whatever turns was into now at the same path.
func (d *Differ) compare(df *diff, path string, was, now domain.Entry) {
	switch {
	case was.IsDir != now.IsDir:
		df.deleted = append(df.deleted, domain.Event{
			Path:   path,
			Kind:   domain.KindDeleted,
			IsDir:  domain.DirStateOf(was.IsDir),
			Origin: domain.OriginReconcile,
		})
		df.upserted = append(df.upserted, created(now))
	case !now.IsDir && !was.SameContent(now):
		df.upserted = append(df.upserted, modified(now))
	}
}

// translate returns the name path has after the directory moves accepted
// so far.
func (df *diff) translate(path string) string {
	for _, m := range df.moves {
		if normalize.Within(m.from, path) {
			path = m.to + strings.TrimPrefix(path, m.from)
		}
	}
	return path
}

// hidden reports whether path lies strictly below an unreadable directory.
func (df *diff) hidden(path string) bool {
	for _, dir := range df.unreadable {
		if path != dir && normalize.Within(dir, path) {
			return true
		}
	}
	return false
}

func created(e domain.Entry) domain.Event {
	return domain.Event{Path: e.Path, Kind: domain.KindCreated, Origin: domain.OriginReconcile}.WithEntry(e)
}

func modified(e domain.Entry) domain.Event {
	return domain.Event{Path: e.Path, Kind: domain.KindModified, Origin: domain.OriginReconcile}.WithEntry(e)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
