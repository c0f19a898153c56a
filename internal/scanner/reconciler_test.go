package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/filter"
	"github.com/listenupapp/fsjournal/internal/id"
	"github.com/listenupapp/fsjournal/internal/normalize"
	"github.com/listenupapp/fsjournal/internal/sequencer"
	"github.com/listenupapp/fsjournal/internal/store/sqlite"
)

type harness struct {
	root       string
	log        *sqlite.Store
	seq        *sequencer.Sequencer
	reconciler *Reconciler
}

func newHarness(t *testing.T, root, dbPath string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	log, err := sqlite.Open(context.Background(), dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	scope, err := filter.New(root, log.Artifacts(), filter.Options{})
	require.NoError(t, err)

	return &harness{
		root:       normalize.Path(root),
		log:        log,
		seq:        sequencer.New(1),
		reconciler: NewReconciler(log, scope, id.NewCorrelationID, logger),
	}
}

// pass reconciles, commits the resulting events and returns them relative
// to the root.
func (h *harness) pass(t *testing.T) ([]string, *Result) {
	t.Helper()
	ctx := context.Background()

	result, err := h.reconciler.Reconcile(ctx)
	require.NoError(t, err)

	if len(result.Events) > 0 {
		require.NoError(t, h.log.Append(ctx, h.seq.Assign(result.Events)))
	}

	out := make([]string, 0, len(result.Events))
	for _, ev := range result.Events {
		out = append(out, ev.Kind.String()+" "+strings.TrimPrefix(ev.Path, h.root+"/"))
	}
	return out, result
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReconcile_EmptyJournalRecordsEverything(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "docs", "a.txt"), "a")
	writeFile(t, filepath.Join(root, "b.txt"), "b")

	h := newHarness(t, root, filepath.Join(t.TempDir(), "journal.db"))
	got, result := h.pass(t)

	assert.Equal(t, []string{"created b.txt", "created docs", "created docs/a.txt"}, got)
	assert.Len(t, result.Snapshot, 3)
	assert.True(t, result.Snapshot[h.root+"/docs"].IsDir)
	for _, ev := range result.Events {
		assert.Equal(t, domain.OriginReconcile, ev.Origin)
	}

	// Nothing changed since.
	got, _ = h.pass(t)
	assert.Empty(t, got)
}

func TestReconcile_OfflineChanges(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("renames are detected through inode numbers")
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "docs", "a.txt"), "a")
	writeFile(t, filepath.Join(root, "b.txt"), "b")
	writeFile(t, filepath.Join(root, "c.txt"), "c")

	h := newHarness(t, root, filepath.Join(t.TempDir(), "journal.db"))
	h.pass(t)

	require.NoError(t, os.Rename(filepath.Join(root, "docs"), filepath.Join(root, "papers")))
	// Created before the removal so it cannot reuse b.txt's inode.
	writeFile(t, filepath.Join(root, "papers", "new.txt"), "n")
	require.NoError(t, os.Remove(filepath.Join(root, "b.txt")))
	writeFile(t, filepath.Join(root, "c.txt"), "longer content")

	got, result := h.pass(t)
	assert.Equal(t, []string{
		"renamed_from docs",
		"renamed_to papers",
		"deleted b.txt",
		"modified c.txt",
		"created papers/new.txt",
	}, got)
	assert.Contains(t, result.Snapshot, h.root+"/papers/a.txt")

	// The journal's view now follows the directory move, so a third pass
	// finds nothing.
	got, _ = h.pass(t)
	assert.Empty(t, got)
}

func TestReconcile_FollowsLiveDirectoryMoves(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("renames are detected through inode numbers")
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "old", "f.txt"), "f")

	h := newHarness(t, root, filepath.Join(t.TempDir(), "journal.db"))
	h.pass(t)

	// Journal the move the way the live pipeline does: one pair for the
	// directory, nothing for its children.
	require.NoError(t, os.Rename(filepath.Join(root, "old"), filepath.Join(root, "new")))
	moved, err := Stat(filepath.Join(root, "new"))
	require.NoError(t, err)

	correlation := id.NewCorrelationID()
	records := h.seq.Assign([]domain.Event{
		{Path: h.root + "/old", Kind: domain.KindRenamedFrom, IsDir: domain.DirYes, CorrelationID: correlation, Origin: domain.OriginLive},
		domain.Event{Path: h.root + "/new", Kind: domain.KindRenamedTo, CorrelationID: correlation, Origin: domain.OriginLive}.WithEntry(moved),
	})
	require.NoError(t, h.log.Append(context.Background(), records))

	known, err := LoadKnown(context.Background(), h.log, h.reconciler.scope)
	require.NoError(t, err)
	assert.Contains(t, known, h.root+"/new/f.txt")
	assert.NotContains(t, known, h.root+"/old/f.txt")
	assert.NotContains(t, known, h.root+"/old")

	got, _ := h.pass(t)
	assert.Empty(t, got)
}

func TestReconcile_JournalFilesAreNotRecorded(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")

	h := newHarness(t, root, filepath.Join(root, "journal.db"))
	got, _ := h.pass(t)

	assert.Equal(t, []string{"created a.txt"}, got)
}

func TestReconcile_MissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.Mkdir(root, 0o755))

	h := newHarness(t, root, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, os.Remove(root))

	_, err := h.reconciler.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, domainerrors.ExitWatchRuntime, domainerrors.ExitCode(err))
}

func TestStat(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.txt")
	writeFile(t, path, "hello")

	e, err := Stat(path)
	require.NoError(t, err)
	assert.Equal(t, normalize.Path(path), e.Path)
	assert.False(t, e.IsDir)
	assert.EqualValues(t, 5, e.Size)
	assert.Equal(t, time.UTC, e.ModTime.Location())

	d, err := Stat(root)
	require.NoError(t, err)
	assert.True(t, d.IsDir)
	assert.Zero(t, d.Size)
	assert.True(t, d.ModTime.IsZero())

	_, err = Stat(filepath.Join(root, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
