package scanner

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/listenupapp/fsjournal/internal/normalize"
)

// PathFilter decides which entries the walker reports and which
// directories it descends into.
type PathFilter interface {
	Allow(path string) bool
	AllowDir(path string) bool
}

// Walker traverses the filesystem and discovers files and directories.
type Walker struct {
	logger *slog.Logger
	filter PathFilter
}

// NewWalker creates a new walker.
func NewWalker(logger *slog.Logger, filter PathFilter) *Walker {
	return &Walker{
		logger: logger,
		filter: filter,
	}
}

// WalkResult represents an entry discovered during walking. A result with
// Error set names a directory whose contents could not be read; nothing
// is known about what is below it.
type WalkResult struct {
	Error   error
	Path    string
	Size    int64
	ModTime time.Time
	Inode   uint64
	IsDir   bool
}

// Walk traverses root and streams every allowed entry below it, root
// itself excluded. Paths are normalized.
// Channel closes when walk is complete or context is canceled.
func (w *Walker) Walk(ctx context.Context, root string) <-chan WalkResult {
	results := make(chan WalkResult, 100)

	go func() {
		defer close(results)

		send := func(r WalkResult) error {
			select {
			case results <- r:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			norm := normalize.Path(path)

			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path != root {
					// Removed while walking.
					return nil
				}
				w.logger.Warn("walk error", "path", norm, "error", err)
				if sendErr := send(WalkResult{Path: norm, Error: err, IsDir: d == nil || d.IsDir()}); sendErr != nil {
					return sendErr
				}
				if path == root {
					return fs.SkipAll
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if path == root {
				return nil
			}

			if d.IsDir() && !w.filter.AllowDir(norm) {
				return filepath.SkipDir
			}
			if !w.filter.Allow(norm) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					w.logger.Warn("failed to get file info", "path", norm, "error", err)
				}
				return nil
			}

			entry := entryOf(norm, info)
			return send(WalkResult{
				Path:    entry.Path,
				IsDir:   entry.IsDir,
				Size:    entry.Size,
				ModTime: entry.ModTime,
				Inode:   entry.Inode,
			})
		})

		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("walk failed", "root", root, "error", err)
		}
	}()

	return results
}
