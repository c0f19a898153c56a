package watcher

import "github.com/listenupapp/fsjournal/internal/domain"

// Backend names accepted by Options.Backend.
const (
	BackendAuto     = "auto"
	BackendInotify  = "inotify"
	BackendFsnotify = "fsnotify"
)

const (
	defaultEventBuffer = 4096
	defaultErrorBuffer = 16
)

// DirFilter decides which directories are watched. Pruned directories and
// everything below them produce no events.
type DirFilter interface {
	AllowDir(path string) bool
}

type allowAll struct{}

func (allowAll) AllowDir(string) bool { return true }

// Options configures the file watcher behavior.
type Options struct {
	// Backend selects the implementation: auto, inotify or fsnotify.
	Backend string

	// Filter prunes directories from the recursive watch.
	Filter DirFilter

	// EventBuffer is the capacity of the events channel.
	EventBuffer int
}

// setDefaults applies default values to unset options.
func (o *Options) setDefaults() {
	if o.Backend == "" {
		o.Backend = BackendAuto
	}
	if o.Filter == nil {
		o.Filter = allowAll{}
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
}

// synthesized builds a Created event for a path found by walking a
// directory that appeared before it could be watched.
func synthesized(path string, isDir bool) domain.RawEvent {
	return domain.RawEvent{
		Path:      path,
		Kind:      domain.KindCreated,
		IsDir:     domain.DirStateOf(isDir),
		Synthetic: true,
	}
}
