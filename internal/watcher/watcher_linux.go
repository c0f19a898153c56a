//go:build linux

package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/listenupapp/fsjournal/internal/domain"
	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/normalize"
)

const (
	// Attribute-only changes (IN_ATTRIB) are deliberately absent.
	inotifyMask = unix.IN_CREATE | unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_DELETE |
		unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF |
		unix.IN_ONLYDIR | unix.IN_DONT_FOLLOW

	maxNameLen    = 255
	pollTimeoutMs = 100
)

// pendingMove remembers a directory that was moved away until we know
// whether it landed inside the tree.
type pendingMove struct {
	path string
	gen  uint64
}

// inotifyBackend implements Backend using Linux inotify.
type inotifyBackend struct {
	logger *slog.Logger
	opts   Options
	fd     int
	root   string
	rootWd int

	mu      sync.RWMutex
	watches map[string]int
	wdPaths map[int]string

	// Owned by the reader goroutine.
	moves    map[uint32]pendingMove
	readGen  uint64
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

func newInotifyBackend(logger *slog.Logger, opts Options) (*inotifyBackend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize inotify: %w", err)
	}

	return &inotifyBackend{
		logger:  logger.With("backend", BackendInotify),
		opts:    opts,
		fd:      fd,
		rootWd:  -1,
		watches: make(map[string]int),
		wdPaths: make(map[int]string),
		moves:   make(map[uint32]pendingMove),
		events:  make(chan domain.RawEvent, opts.EventBuffer),
		errors:  make(chan error, defaultErrorBuffer),
		done:    make(chan struct{}),
	}, nil
}

func (b *inotifyBackend) Capabilities() Capabilities {
	return Capabilities{Name: BackendInotify, RenamePairing: true, CloseWrite: true}
}

// Watch adds inotify watches for root and every allowed directory below it.
func (b *inotifyBackend) Watch(root string) error {
	b.root = filepath.Clean(root)

	err := addTree(b.root, b.opts.Filter, func(p string) error {
		err := b.addWatch(p)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.ENOSPC):
			return domainerrors.WatchSetup("inotify watch limit reached, raise fs.inotify.max_user_watches").WithCause(err)
		case p == b.root:
			return domainerrors.WatchSetupf("cannot watch %s", p).WithCause(err)
		default:
			b.logger.Warn("skipping unwatchable directory", "path", p, "error", err)
			return nil
		}
	}, nil)
	if err != nil {
		var domainErr *domainerrors.Error
		if errors.As(err, &domainErr) {
			return err
		}
		return domainerrors.WatchSetupf("cannot watch %s", b.root).WithCause(err)
	}

	b.mu.RLock()
	b.rootWd = b.watches[b.root]
	count := len(b.watches)
	b.mu.RUnlock()

	b.logger.Info("watching directory tree", "root", b.root, "directories", count)
	return nil
}

func (b *inotifyBackend) addWatch(path string) error {
	wd, err := unix.InotifyAddWatch(b.fd, path, inotifyMask)
	if err != nil {
		return fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// The kernel returns the existing descriptor for an inode that is
	// already watched, possibly under an old name.
	if old, ok := b.wdPaths[wd]; ok && old != path {
		delete(b.watches, old)
	}
	b.watches[path] = wd
	b.wdPaths[wd] = path
	return nil
}

// watchNew watches a directory that appeared at runtime and reports its
// existing contents as synthetic Created events.
func (b *inotifyBackend) watchNew(path string) {
	if !b.opts.Filter.AllowDir(normalize.Path(path)) {
		return
	}

	err := addTree(path, b.opts.Filter, func(p string) error {
		err := b.addWatch(p)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.ENOSPC) {
			return err
		}
		b.logger.Debug("skipping unwatchable directory", "path", p, "error", err)
		return nil
	}, b.emit)

	switch {
	case err == nil:
	case errors.Is(err, unix.ENOSPC):
		b.report(domainerrors.WatchRuntime("inotify watch limit reached").WithCause(err))
	default:
		// The directory vanished before it could be walked; its deletion
		// event follows.
		b.logger.Debug("new directory not walkable", "path", path, "error", err)
	}
}

func (b *inotifyBackend) underPrefix(prefix string) []string {
	var paths []string
	for p := range b.watches {
		if p == prefix || strings.HasPrefix(p, prefix+string(filepath.Separator)) {
			paths = append(paths, p)
		}
	}
	return paths
}

// remapTree renames the bookkeeping for watches under oldPath after a
// directory moved within the tree. The kernel descriptors stay valid.
func (b *inotifyBackend) remapTree(oldPath, newPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.underPrefix(oldPath) {
		wd := b.watches[p]
		np := newPath + p[len(oldPath):]
		delete(b.watches, p)
		b.watches[np] = wd
		b.wdPaths[wd] = np
	}
}

// removeTree drops the watches under path.
func (b *inotifyBackend) removeTree(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.underPrefix(path) {
		wd := b.watches[p]
		// Fails harmlessly when the kernel already dropped the watch.
		//nolint:gosec // G115: wd is always a small non-negative int from inotify
		_, _ = unix.InotifyRmWatch(b.fd, uint32(wd))
		delete(b.watches, p)
		delete(b.wdPaths, wd)
	}
}

func (b *inotifyBackend) forgetWd(wd int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.wdPaths[wd]; ok {
		if b.watches[p] == wd {
			delete(b.watches, p)
		}
		delete(b.wdPaths, wd)
	}
}

// Start begins reading events. It blocks until ctx is canceled or Stop is
// called.
func (b *inotifyBackend) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	if b.stopped || b.started {
		b.lifecycle.Unlock()
		return nil
	}
	b.started = true
	b.wg.Add(1)
	go b.readEvents()
	b.lifecycle.Unlock()

	select {
	case <-ctx.Done():
	case <-b.done:
	}
	return nil
}

func (b *inotifyBackend) readEvents() {
	defer b.wg.Done()

	buf := make([]byte, 64*(unix.SizeofInotifyEvent+maxNameLen+1))
	fds := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}} //nolint:gosec // G115: fd fits in int32

	for {
		select {
		case <-b.done:
			return
		default:
		}

		ready, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			b.report(domainerrors.WatchRuntime("inotify poll failed").WithCause(err))
			return
		}
		if ready == 0 {
			b.expireMoves(true)
			continue
		}

		n, err := unix.Read(b.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			b.report(domainerrors.WatchRuntime("inotify read failed").WithCause(err))
			return
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}

		b.readGen++
		b.parseEvents(buf[:n])
		b.expireMoves(false)
	}
}

func (b *inotifyBackend) parseEvents(buf []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		//nolint:gosec // G103: Legitimate use of unsafe for syscall interface with inotify
		event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		offset = nameStart + int(event.Len)
		if offset > len(buf) {
			return
		}

		name := ""
		if event.Len > 0 {
			nameBytes := buf[nameStart:offset]
			name = string(nameBytes[:clen(nameBytes)])
		}

		b.processEvent(int(event.Wd), name, event.Mask, event.Cookie)
	}
}

func (b *inotifyBackend) processEvent(wd int, name string, mask, cookie uint32) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		b.logger.Warn("inotify queue overflowed")
		b.report(domainerrors.WatchRuntime("kernel dropped notifications").WithCause(ErrEventOverflow))
		return
	}

	b.mu.RLock()
	dir, ok := b.wdPaths[wd]
	b.mu.RUnlock()
	if !ok {
		return
	}

	if mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_UNMOUNT|unix.IN_IGNORED) != 0 {
		if wd == b.rootWd {
			b.rootRemoved()
		}
		if mask&unix.IN_IGNORED != 0 {
			b.forgetWd(wd)
		}
		return
	}

	path := filepath.Join(dir, name)
	isDir := mask&unix.IN_ISDIR != 0
	dirState := domain.DirStateOf(isDir)

	switch {
	case mask&unix.IN_CREATE != 0:
		b.emit(domain.RawEvent{Path: path, Kind: domain.KindCreated, IsDir: dirState})
		if isDir {
			b.watchNew(path)
		}

	case mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) != 0:
		if !isDir {
			b.emit(domain.RawEvent{Path: path, Kind: domain.KindModified, IsDir: dirState})
		}

	case mask&unix.IN_DELETE != 0:
		b.emit(domain.RawEvent{Path: path, Kind: domain.KindDeleted, IsDir: dirState})
		if isDir {
			b.removeTree(path)
		}

	case mask&unix.IN_MOVED_FROM != 0:
		b.emit(domain.RawEvent{Path: path, Kind: domain.KindRenamedFrom, IsDir: dirState, Cookie: cookie})
		if isDir {
			b.moves[cookie] = pendingMove{path: path, gen: b.readGen}
		}

	case mask&unix.IN_MOVED_TO != 0:
		b.emit(domain.RawEvent{Path: path, Kind: domain.KindRenamedTo, IsDir: dirState, Cookie: cookie})
		if !isDir {
			return
		}
		if move, ok := b.moves[cookie]; ok {
			delete(b.moves, cookie)
			b.remapTree(move.path, path)
			return
		}
		b.watchNew(path)
	}
}

// expireMoves drops the watches of directories that were moved out of the
// tree. A move is kept for one extra read in case its other half was split
// across reads; an idle poll expires everything.
func (b *inotifyBackend) expireMoves(idle bool) {
	for cookie, move := range b.moves {
		if idle || move.gen+1 < b.readGen {
			delete(b.moves, cookie)
			b.removeTree(move.path)
		}
	}
}

func (b *inotifyBackend) rootRemoved() {
	if b.rootGone {
		return
	}
	b.rootGone = true
	b.logger.Warn("watch root removed", "root", b.root)
	b.report(domainerrors.WatchRuntimef("watch root %s is gone", b.root).WithCause(ErrRootRemoved))
}

func (b *inotifyBackend) emit(event domain.RawEvent) {
	if event.ObservedAt.IsZero() {
		event.ObservedAt = time.Now()
	}
	select {
	case b.events <- event:
	case <-b.done:
	}
}

func (b *inotifyBackend) report(err error) {
	select {
	case b.errors <- err:
	case <-b.done:
	}
}

func (b *inotifyBackend) Events() <-chan domain.RawEvent {
	return b.events
}

func (b *inotifyBackend) Errors() <-chan error {
	return b.errors
}

// Stop stops the reader and closes the inotify descriptor, which releases
// every watch at once.
func (b *inotifyBackend) Stop() error {
	b.stopOnce.Do(func() {
		b.lifecycle.Lock()
		b.stopped = true
		b.lifecycle.Unlock()

		close(b.done)
		b.wg.Wait()

		if b.fd >= 0 {
			b.stopErr = unix.Close(b.fd)
			b.fd = -1
		}

		close(b.events)
		close(b.errors)
	})
	return b.stopErr
}

// clen returns the length of a null-terminated byte slice.
func clen(n []byte) int {
	for i := 0; i < len(n); i++ {
		if n[i] == 0 {
			return i
		}
	}
	return len(n)
}
