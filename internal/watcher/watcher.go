package watcher

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
)

// Watcher monitors a directory tree for changes.
type Watcher struct {
	backend Backend
	logger  *slog.Logger
}

// New creates a new file watcher.
// With Backend set to auto the watcher picks the best backend for the
// platform:
// - Linux: inotify, which pairs renames through the kernel move cookie.
// - Others: fsnotify, which cannot pair renames.
func New(logger *slog.Logger, opts Options) (*Watcher, error) {
	opts.setDefaults()

	name := opts.Backend
	if name == BackendAuto {
		name = BackendFsnotify
		if runtime.GOOS == "linux" {
			name = BackendInotify
		}
	}

	var backend Backend
	var err error

	switch name {
	case BackendInotify:
		backend, err = newInotifyBackend(logger, opts)
	case BackendFsnotify:
		backend, err = newFsnotifyBackend(logger, opts)
	default:
		return nil, domainerrors.Validationf("unknown watch backend %q", opts.Backend)
	}
	if err != nil {
		return nil, domainerrors.WatchSetup("failed to create watch backend").WithCause(err)
	}

	logger.Info("using watch backend", "backend", name, "platform", runtime.GOOS)

	return &Watcher{
		backend: backend,
		logger:  logger,
	}, nil
}

// Watch adds the root directory to be monitored recursively.
func (w *Watcher) Watch(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return domainerrors.WatchSetupf("cannot watch %s", root).WithCause(err)
	}
	if !info.IsDir() {
		return domainerrors.WatchSetupf("watch root %s is not a directory", root)
	}
	return w.backend.Watch(root)
}

// Start begins watching for events.
// This method blocks until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	return w.backend.Start(ctx)
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	return w.backend.Stop()
}

// Events returns the channel for receiving raw notifications.
func (w *Watcher) Events() <-chan domain.RawEvent {
	return w.backend.Events()
}

// Errors returns the channel for receiving runtime errors.
func (w *Watcher) Errors() <-chan error {
	return w.backend.Errors()
}

// Capabilities reports what the selected backend can observe.
func (w *Watcher) Capabilities() Capabilities {
	return w.backend.Capabilities()
}

// Subscription is a live, scoped watch on a root. Its handles are released
// exactly once by Close.
type Subscription struct {
	watcher *Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Subscribe establishes a recursive watch on root and starts delivering
// events. Events for changes made after Subscribe returns are guaranteed to
// be delivered.
func Subscribe(ctx context.Context, logger *slog.Logger, opts Options, root string) (*Subscription, error) {
	w, err := New(logger, opts)
	if err != nil {
		return nil, err
	}
	if err := w.Watch(root); err != nil {
		if stopErr := w.Stop(); stopErr != nil {
			logger.Warn("failed to release watch after setup error", "error", stopErr)
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		watcher: w,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		if err := w.Start(ctx); err != nil {
			logger.Warn("watch backend stopped with error", "error", err)
		}
	}()

	return s, nil
}

// Events returns the subscription's raw notifications.
func (s *Subscription) Events() <-chan domain.RawEvent {
	return s.watcher.Events()
}

// Errors returns the subscription's runtime errors.
func (s *Subscription) Errors() <-chan error {
	return s.watcher.Errors()
}

// Capabilities reports what the subscription's backend can observe.
func (s *Subscription) Capabilities() Capabilities {
	return s.watcher.Capabilities()
}

// Close releases all watch handles. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.watcher.Stop()
		<-s.done
	})
	return s.closeErr
}
