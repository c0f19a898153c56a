package watcher

import (
	"context"
	"errors"

	"github.com/listenupapp/fsjournal/internal/domain"
)

var (
	// ErrRootRemoved is reported when the watched root is deleted or moved
	// away. The watch cannot continue without it.
	ErrRootRemoved = errors.New("watch root removed")

	// ErrEventOverflow is reported when the kernel dropped notifications.
	// The journal must reconcile to recover what was missed.
	ErrEventOverflow = errors.New("event queue overflow")
)

// Capabilities describes what a backend can report.
type Capabilities struct {
	Name string

	// RenamePairing is true when the backend links the two halves of a
	// rename with a cookie.
	RenamePairing bool

	// CloseWrite is true when the backend reports the end of a write.
	CloseWrite bool
}

// Backend defines the platform-specific file watching implementation.
type Backend interface {
	// Watch adds the root directory to be monitored recursively. It must be
	// called once, before Start.
	Watch(root string) error

	// Start begins delivering events. It blocks until ctx is canceled or
	// Stop is called.
	Start(ctx context.Context) error

	// Stop stops the backend and releases all watch handles. Events and
	// Errors are closed once it returns.
	Stop() error

	// Events returns the channel of raw notifications.
	Events() <-chan domain.RawEvent

	// Errors returns the channel of runtime errors. ErrRootRemoved and
	// ErrEventOverflow are delivered here.
	Errors() <-chan error

	Capabilities() Capabilities
}
