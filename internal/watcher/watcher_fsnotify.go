package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/normalize"
)

// fsnotifyBackend implements Backend on top of fsnotify. It works on every
// platform but reports a rename as a removal of the old path followed by a
// creation of the new one.
type fsnotifyBackend struct {
	logger  *slog.Logger
	opts    Options
	watcher *fsnotify.Watcher
	root    string

	// Owned by the processing goroutine.
	rootGone bool

	events chan domain.RawEvent
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stopOnce  sync.Once
	stopErr   error
}

func newFsnotifyBackend(logger *slog.Logger, opts Options) (*fsnotifyBackend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &fsnotifyBackend{
		logger:  logger.With("backend", BackendFsnotify),
		opts:    opts,
		watcher: w,
		events:  make(chan domain.RawEvent, opts.EventBuffer),
		errors:  make(chan error, defaultErrorBuffer),
		done:    make(chan struct{}),
	}, nil
}

func (b *fsnotifyBackend) Capabilities() Capabilities {
	return Capabilities{Name: BackendFsnotify}
}

// Watch adds root and every allowed directory below it.
func (b *fsnotifyBackend) Watch(root string) error {
	b.root = filepath.Clean(root)

	err := addTree(b.root, b.opts.Filter, func(p string) error {
		if err := b.watcher.Add(p); err != nil {
			if p == b.root {
				return domainerrors.WatchSetupf("cannot watch %s", p).WithCause(err)
			}
			b.logger.Warn("skipping unwatchable directory", "path", p, "error", err)
		}
		return nil
	}, nil)
	if err != nil {
		var domainErr *domainerrors.Error
		if errors.As(err, &domainErr) {
			return err
		}
		return domainerrors.WatchSetupf("cannot watch %s", b.root).WithCause(err)
	}

	b.logger.Info("watching directory tree", "root", b.root, "directories", len(b.watcher.WatchList()))
	return nil
}

func (b *fsnotifyBackend) watchNew(path string) {
	if !b.opts.Filter.AllowDir(normalize.Path(path)) {
		return
	}
	err := addTree(path, b.opts.Filter, func(p string) error {
		if err := b.watcher.Add(p); err != nil {
			b.logger.Debug("skipping unwatchable directory", "path", p, "error", err)
		}
		return nil
	}, b.emit)
	if err != nil {
		b.logger.Debug("new directory not walkable", "path", path, "error", err)
	}
}

// unwatchTree drops watches at or below path. fsnotify forgets removed
// directories on its own but keeps watching renamed ones under their old
// names.
func (b *fsnotifyBackend) unwatchTree(path string) {
	prefix := path + string(filepath.Separator)
	for _, p := range b.watcher.WatchList() {
		if p == path || strings.HasPrefix(p, prefix) {
			_ = b.watcher.Remove(p)
		}
	}
}

// Start begins processing events. It blocks until ctx is canceled or Stop
// is called.
func (b *fsnotifyBackend) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	if b.stopped || b.started {
		b.lifecycle.Unlock()
		return nil
	}
	b.started = true
	b.wg.Add(1)
	go b.processEvents()
	b.lifecycle.Unlock()

	select {
	case <-ctx.Done():
	case <-b.done:
	}
	return nil
}

func (b *fsnotifyBackend) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handle(event)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				b.report(domainerrors.WatchRuntime("kernel dropped notifications").WithCause(ErrEventOverflow))
				continue
			}
			b.report(domainerrors.WatchRuntime("fsnotify error").WithCause(err))
		}
	}
}

func (b *fsnotifyBackend) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			// Already gone; the removal follows.
			b.emit(domain.RawEvent{Path: path, Kind: domain.KindCreated})
			return
		}
		b.emit(domain.RawEvent{Path: path, Kind: domain.KindCreated, IsDir: domain.DirStateOf(info.IsDir())})
		if info.IsDir() {
			b.watchNew(path)
		}

	case event.Has(fsnotify.Write):
		b.emit(domain.RawEvent{Path: path, Kind: domain.KindModified, IsDir: domain.DirNo})

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if path == b.root {
			b.rootRemoved()
			return
		}
		b.emit(domain.RawEvent{Path: path, Kind: domain.KindDeleted})
		if event.Has(fsnotify.Rename) {
			b.unwatchTree(path)
		}

	default:
		// Chmod: attribute-only changes are not journaled.
	}
}

func (b *fsnotifyBackend) rootRemoved() {
	if b.rootGone {
		return
	}
	b.rootGone = true
	b.logger.Warn("watch root removed", "root", b.root)
	b.report(domainerrors.WatchRuntimef("watch root %s is gone", b.root).WithCause(ErrRootRemoved))
}

func (b *fsnotifyBackend) emit(event domain.RawEvent) {
	if event.ObservedAt.IsZero() {
		event.ObservedAt = time.Now()
	}
	select {
	case b.events <- event:
	case <-b.done:
	}
}

func (b *fsnotifyBackend) report(err error) {
	select {
	case b.errors <- err:
	case <-b.done:
	}
}

func (b *fsnotifyBackend) Events() <-chan domain.RawEvent {
	return b.events
}

func (b *fsnotifyBackend) Errors() <-chan error {
	return b.errors
}

// Stop closes the fsnotify watcher and waits for the processing goroutine.
func (b *fsnotifyBackend) Stop() error {
	b.stopOnce.Do(func() {
		b.lifecycle.Lock()
		b.stopped = true
		b.lifecycle.Unlock()

		close(b.done)
		b.stopErr = b.watcher.Close()
		b.wg.Wait()

		close(b.events)
		close(b.errors)
	})
	return b.stopErr
}
