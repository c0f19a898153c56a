//go:build !linux

package watcher

import (
	"errors"
	"log/slog"
)

// newInotifyBackend is unavailable off Linux; auto selection never asks for it.
func newInotifyBackend(_ *slog.Logger, _ Options) (Backend, error) {
	return nil, errors.New("inotify backend is only available on Linux")
}
