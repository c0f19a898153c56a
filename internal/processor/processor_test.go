package processor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/filter"
	"github.com/listenupapp/fsjournal/internal/id"
	"github.com/listenupapp/fsjournal/internal/normalize"
	"github.com/listenupapp/fsjournal/internal/persister"
	"github.com/listenupapp/fsjournal/internal/scanner"
	"github.com/listenupapp/fsjournal/internal/store"
	"github.com/listenupapp/fsjournal/internal/store/sqlite"
	"github.com/listenupapp/fsjournal/internal/watcher"
)

const waitTimeout = 5 * time.Second

// fakeSource is a watch the test feeds by hand.
type fakeSource struct {
	events chan domain.RawEvent
	errs   chan error
	closed atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan domain.RawEvent, 64),
		errs:   make(chan error, 4),
	}
}

func (f *fakeSource) Events() <-chan domain.RawEvent { return f.events }
func (f *fakeSource) Errors() <-chan error           { return f.errs }
func (f *fakeSource) Capabilities() watcher.Capabilities {
	return watcher.Capabilities{Name: "fake", RenamePairing: true}
}
func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

type pipeline struct {
	root   string
	log    *sqlite.Store
	proc   *Processor
	subs   chan *fakeSource
	broken atomic.Bool

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
	err    error
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// start runs a pipeline on root journaling into dbPath and waits for the
// startup reconciliation.
func start(t *testing.T, root, dbPath string) (*pipeline, *fakeSource) {
	t.Helper()
	logger := testLogger()

	log, err := sqlite.Open(context.Background(), dbPath, logger)
	require.NoError(t, err)

	f, err := filter.New(root, log.Artifacts(), filter.Options{})
	require.NoError(t, err)

	p := &pipeline{
		root: normalize.Path(root),
		log:  log,
		subs: make(chan *fakeSource, 8),
		done: make(chan error, 1),
	}

	subscribe := func(ctx context.Context) (Source, error) {
		if p.broken.Load() {
			return nil, domainerrors.WatchSetupf("cannot watch %s", root)
		}
		s := newFakeSource()
		p.subs <- s
		return s, nil
	}

	pers := persister.New(log, logger, persister.Options{FlushInterval: 5 * time.Millisecond})
	p.proc = New(subscribe, f, scanner.NewReconciler(log, f, id.NewCorrelationID, logger), log.LastSequence, pers, logger, Options{
		Debounce:         20 * time.Millisecond,
		RenameWindow:     20 * time.Millisecond,
		MaxRestarts:      2,
		RestartBase:      5 * time.Millisecond,
		NewCorrelationID: id.NewCorrelationID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() { p.done <- p.proc.Run(ctx) }()

	t.Cleanup(func() {
		p.stop()
		log.Close()
	})

	var src *fakeSource
	select {
	case src = <-p.subs:
	case <-time.After(waitTimeout):
		t.Fatal("pipeline never subscribed")
	}
	require.Eventually(t, func() bool { return p.proc.Stats().Reconciles == 1 }, waitTimeout, time.Millisecond)
	return p, src
}

func (p *pipeline) stop() error {
	p.once.Do(func() {
		p.cancel()
		p.err = <-p.done
	})
	return p.err
}

func (p *pipeline) path(name string) string {
	return filepath.Join(p.root, filepath.FromSlash(name))
}

func (p *pipeline) records(t *testing.T) []domain.Record {
	t.Helper()
	records, err := p.log.Query(context.Background(), store.Query{})
	require.NoError(t, err)
	return records
}

// waitRecords waits until exactly n records are committed.
func (p *pipeline) waitRecords(t *testing.T, n int) []domain.Record {
	t.Helper()
	var records []domain.Record
	require.Eventually(t, func() bool {
		records = p.records(t)
		return len(records) >= n
	}, waitTimeout, 5*time.Millisecond)
	require.Len(t, records, n)
	return records
}

func send(src *fakeSource, kind domain.Kind, path string, isDir domain.DirState, cookie uint32) {
	src.events <- domain.RawEvent{Path: path, Kind: kind, IsDir: isDir, ObservedAt: time.Now(), Cookie: cookie}
}

func touch(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func assertContiguous(t *testing.T, records []domain.Record) {
	t.Helper()
	for i, r := range records {
		assert.Equal(t, uint64(i+1), r.Sequence, "record %d", i)
	}
}

func TestProcessor_CreateWriteTwiceThenDelete(t *testing.T) {
	root := t.TempDir()
	p, src := start(t, root, filepath.Join(t.TempDir(), "journal.db"))
	a := p.path("a.txt")

	touch(t, a, "hello")
	send(src, domain.KindCreated, a, domain.DirNo, 0)
	touch(t, a, "hello again")
	send(src, domain.KindModified, a, domain.DirNo, 0)
	send(src, domain.KindModified, a, domain.DirNo, 0)

	records := p.waitRecords(t, 1)
	time.Sleep(50 * time.Millisecond)
	records = p.waitRecords(t, 1)
	assert.Equal(t, uint64(1), records[0].Sequence)
	assert.Equal(t, domain.KindCreated, records[0].Kind)
	assert.Equal(t, a, records[0].Path)
	assert.Equal(t, "a.txt", records[0].FileName)
	assert.Equal(t, domain.OriginLive, records[0].Origin)
	assert.EqualValues(t, len("hello again"), records[0].Size)

	require.NoError(t, os.Remove(a))
	send(src, domain.KindDeleted, a, domain.DirNo, 0)

	records = p.waitRecords(t, 2)
	assert.Equal(t, uint64(2), records[1].Sequence)
	assert.Equal(t, domain.KindDeleted, records[1].Kind)
	assert.Equal(t, a, records[1].Path)
	assert.Equal(t, domain.DirNo, records[1].DirState())
}

func TestProcessor_CreateThenDeleteIsNothing(t *testing.T) {
	root := t.TempDir()
	p, src := start(t, root, filepath.Join(t.TempDir(), "journal.db"))

	send(src, domain.KindCreated, p.path("gone.txt"), domain.DirNo, 0)
	send(src, domain.KindDeleted, p.path("gone.txt"), domain.DirNo, 0)

	marker := p.path("marker.txt")
	touch(t, marker, "m")
	send(src, domain.KindCreated, marker, domain.DirNo, 0)

	records := p.waitRecords(t, 1)
	assert.Equal(t, marker, records[0].Path)
}

func TestProcessor_ReconcilesBeforeLiveEvents(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	p, _ := start(t, root, dbPath)
	require.NoError(t, p.stop())
	require.NoError(t, p.log.Close())

	// Created while nobody was watching.
	touch(t, filepath.Join(root, "b.txt"), "b")

	p, src := start(t, root, dbPath)
	c := p.path("c.txt")
	touch(t, c, "c")
	send(src, domain.KindCreated, c, domain.DirNo, 0)

	records := p.waitRecords(t, 2)
	assert.Equal(t, p.path("b.txt"), records[0].Path)
	assert.Equal(t, domain.KindCreated, records[0].Kind)
	assert.Equal(t, domain.OriginReconcile, records[0].Origin)
	assert.Equal(t, c, records[1].Path)
	assert.Equal(t, domain.OriginLive, records[1].Origin)
	assertContiguous(t, records)
}

func TestProcessor_RestartReachesFilesystemState(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	p, src := start(t, root, dbPath)
	a := p.path("a.txt")
	touch(t, a, "a")
	send(src, domain.KindCreated, a, domain.DirNo, 0)
	p.waitRecords(t, 1)

	// Changes whose events never made it into the journal.
	touch(t, p.path("x.txt"), "x")
	touch(t, p.path("d/y.txt"), "y")
	require.NoError(t, os.Remove(a))
	require.NoError(t, p.stop())
	require.NoError(t, p.log.Close())

	p, _ = start(t, root, dbPath)
	records := p.waitRecords(t, 5)
	assertContiguous(t, records)

	f, err := filter.New(root, p.log.Artifacts(), filter.Options{})
	require.NoError(t, err)
	known, err := scanner.LoadKnown(context.Background(), p.log, f)
	require.NoError(t, err)

	var journaled []string
	for path := range known {
		journaled = append(journaled, path)
	}
	sort.Strings(journaled)
	assert.Equal(t, []string{p.path("d"), p.path("d/y.txt"), p.path("x.txt")}, journaled)
}

func TestProcessor_PairedRename(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.txt"), "a")

	p, src := start(t, root, filepath.Join(t.TempDir(), "journal.db"))
	p.waitRecords(t, 1)

	a, b := p.path("a.txt"), p.path("b.txt")
	require.NoError(t, os.Rename(a, b))
	send(src, domain.KindRenamedFrom, a, domain.DirNo, 42)
	send(src, domain.KindRenamedTo, b, domain.DirNo, 42)

	records := p.waitRecords(t, 3)
	from, to := records[1], records[2]
	assert.Equal(t, domain.KindRenamedFrom, from.Kind)
	assert.Equal(t, a, from.Path)
	assert.Equal(t, domain.KindRenamedTo, to.Kind)
	assert.Equal(t, b, to.Path)
	assert.NotEmpty(t, from.CorrelationID)
	assert.Equal(t, from.CorrelationID, to.CorrelationID)
	assert.Equal(t, from.Sequence+1, to.Sequence)
}

func TestProcessor_JournalFilesAreNeverRecorded(t *testing.T) {
	root := t.TempDir()
	p, src := start(t, root, filepath.Join(root, "journal.db"))

	send(src, domain.KindModified, p.path("journal.db"), domain.DirNo, 0)
	send(src, domain.KindModified, p.path("journal.db-wal"), domain.DirNo, 0)
	send(src, domain.KindCreated, p.path("journal.db-shm"), domain.DirNo, 0)

	marker := p.path("marker.txt")
	touch(t, marker, "m")
	send(src, domain.KindCreated, marker, domain.DirNo, 0)

	records := p.waitRecords(t, 1)
	assert.Equal(t, marker, records[0].Path)
	assert.GreaterOrEqual(t, p.proc.Stats().Filtered, uint64(3))
}

func TestProcessor_ShutdownFlushesPendingWindows(t *testing.T) {
	root := t.TempDir()
	p, src := start(t, root, filepath.Join(t.TempDir(), "journal.db"))

	a := p.path("a.txt")
	touch(t, a, "a")
	send(src, domain.KindCreated, a, domain.DirNo, 0)
	require.NoError(t, p.stop())

	records := p.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, a, records[0].Path)
	assert.True(t, src.closed.Load(), "watch released")
}

func TestProcessor_ReestablishesWatch(t *testing.T) {
	root := t.TempDir()
	p, src := start(t, root, filepath.Join(t.TempDir(), "journal.db"))

	// Missed because the watch is failing.
	late := p.path("late.txt")
	touch(t, late, "l")
	src.errs <- domainerrors.WatchRuntime("kernel dropped notifications").WithCause(watcher.ErrEventOverflow)

	var next *fakeSource
	select {
	case next = <-p.subs:
	case <-time.After(waitTimeout):
		t.Fatal("watch was not re-established")
	}
	assert.True(t, src.closed.Load())

	records := p.waitRecords(t, 1)
	assert.Equal(t, late, records[0].Path)
	assert.Equal(t, domain.OriginReconcile, records[0].Origin)

	live := p.path("live.txt")
	touch(t, live, "x")
	send(next, domain.KindCreated, live, domain.DirNo, 0)
	records = p.waitRecords(t, 2)
	assert.Equal(t, live, records[1].Path)

	stats := p.proc.Stats()
	assert.EqualValues(t, 1, stats.Restarts)
	assert.EqualValues(t, 2, stats.Reconciles)
}

func TestProcessor_WatchLostForGood(t *testing.T) {
	root := t.TempDir()
	p, src := start(t, root, filepath.Join(t.TempDir(), "journal.db"))

	p.broken.Store(true)
	src.errs <- domainerrors.WatchRuntime("watch root is gone").WithCause(watcher.ErrRootRemoved)

	var err error
	select {
	case err = <-p.done:
	case <-time.After(waitTimeout):
		t.Fatal("pipeline kept running")
	}
	p.once.Do(func() { p.err = err })

	require.Error(t, err)
	assert.Equal(t, domainerrors.ExitWatchRuntime, domainerrors.ExitCode(err))
	assert.EqualValues(t, 2, p.proc.Stats().Restarts)
}

func TestProcessor_SetupFailure(t *testing.T) {
	logger := testLogger()
	log, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"), logger)
	require.NoError(t, err)
	defer log.Close()

	root := t.TempDir()
	f, err := filter.New(root, log.Artifacts(), filter.Options{})
	require.NoError(t, err)

	subscribe := func(context.Context) (Source, error) {
		return nil, domainerrors.WatchSetupf("cannot watch %s", root)
	}
	proc := New(subscribe, f, scanner.NewReconciler(log, f, id.NewCorrelationID, logger), log.LastSequence,
		persister.New(log, logger, persister.Options{}), logger, Options{NewCorrelationID: id.NewCorrelationID})

	err = proc.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domainerrors.ExitWatchSetup, domainerrors.ExitCode(err))
}

func TestProcessor_BufferedEventsForReconciledFile(t *testing.T) {
	root := t.TempDir()
	w := filepath.Join(root, "w.txt")
	touch(t, w, "written before start")

	p, src := start(t, root, filepath.Join(t.TempDir(), "journal.db"))
	p.waitRecords(t, 1)

	// Notifications for the same write, still queued when the walk ran.
	send(src, domain.KindCreated, p.path("w.txt"), domain.DirNo, 0)
	send(src, domain.KindModified, p.path("w.txt"), domain.DirNo, 0)

	marker := p.path("marker.txt")
	touch(t, marker, "m")
	send(src, domain.KindCreated, marker, domain.DirNo, 0)

	records := p.waitRecords(t, 2)
	assert.Equal(t, p.path("w.txt"), records[0].Path)
	assert.Equal(t, domain.OriginReconcile, records[0].Origin)
	assert.Equal(t, marker, records[1].Path)

	time.Sleep(50 * time.Millisecond)
	p.waitRecords(t, 2)
}

func TestProcessor_DecomposedNameIsStatted(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	name := filepath.Join(root, "cafe\u0301.txt")

	p, src := start(t, root, dbPath)
	touch(t, name, "coffee")
	send(src, domain.KindCreated, name, domain.DirNo, 0)

	records := p.waitRecords(t, 1)
	assert.Equal(t, normalize.Path(name), records[0].Path)
	assert.EqualValues(t, len("coffee"), records[0].Size)
	assert.False(t, records[0].ModTime.IsZero())
	require.NoError(t, p.stop())
	require.NoError(t, p.log.Close())

	// Nothing changed on disk, so a restart adds nothing.
	p, _ = start(t, root, dbPath)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, p.records(t), 1)
}

// busyLog fails every commit with a retryable error.
type busyLog struct {
	*sqlite.Store
	attempts atomic.Int32
}

func (b *busyLog) Append(context.Context, []domain.Record) error {
	b.attempts.Add(1)
	return domainerrors.PersistenceTransient("database is locked")
}

func TestProcessor_RetryBudgetExhausted(t *testing.T) {
	logger := testLogger()
	log, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"), logger)
	require.NoError(t, err)
	defer log.Close()
	busy := &busyLog{Store: log}

	root := t.TempDir()
	f, err := filter.New(root, log.Artifacts(), filter.Options{})
	require.NoError(t, err)

	src := newFakeSource()
	subscribe := func(context.Context) (Source, error) { return src, nil }
	pers := persister.New(busy, logger, persister.Options{
		FlushInterval: 5 * time.Millisecond,
		RetryBudget:   2,
		RetryBase:     time.Millisecond,
	})
	proc := New(subscribe, f, scanner.NewReconciler(log, f, id.NewCorrelationID, logger), log.LastSequence,
		pers, logger, Options{Debounce: 5 * time.Millisecond, NewCorrelationID: id.NewCorrelationID})

	done := make(chan error, 1)
	go func() { done <- proc.Run(context.Background()) }()

	a := filepath.Join(root, "a.txt")
	touch(t, a, "a")
	send(src, domain.KindCreated, a, domain.DirNo, 0)

	select {
	case err = <-done:
	case <-time.After(waitTimeout):
		t.Fatal("pipeline kept running after the retry budget was spent")
	}
	require.Error(t, err)
	assert.Equal(t, domainerrors.CodePersistenceFatal, domainerrors.CodeOf(err))
	assert.Equal(t, domainerrors.ExitPersistenceFatal, domainerrors.ExitCode(err))
	assert.EqualValues(t, 3, busy.attempts.Load())
	assert.True(t, src.closed.Load(), "watch released")

	count, err := log.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
