package watcher

import (
	"io/fs"
	"path/filepath"

	"github.com/listenupapp/fsjournal/internal/domain"
	"github.com/listenupapp/fsjournal/internal/normalize"
)

// addTree walks dir and calls watch for every directory the filter allows.
// When emit is non-nil it also receives a synthetic Created event for every
// entry below dir, so that files created inside a new directory before its
// watch existed are not missed.
func addTree(dir string, filter DirFilter, watch func(string) error, emit func(domain.RawEvent)) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			// Vanished or unreadable below the top; reconciliation covers it.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		np := normalize.Path(p)
		if d.IsDir() {
			if p != dir && !filter.AllowDir(np) {
				return filepath.SkipDir
			}
			if err := watch(p); err != nil {
				return err
			}
		}

		if emit != nil && p != dir {
			emit(synthesized(p, d.IsDir()))
		}
		return nil
	})
}
