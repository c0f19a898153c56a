package scanner

import (
	"io/fs"
	"os"

	"github.com/listenupapp/fsjournal/internal/domain"
	"github.com/listenupapp/fsjournal/internal/normalize"
)

// Stat describes path without following a final symlink.
func Stat(path string) (domain.Entry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return domain.Entry{}, err
	}
	return entryOf(normalize.Path(path), info), nil
}

func entryOf(path string, info fs.FileInfo) domain.Entry {
	e := domain.Entry{
		Path:  path,
		IsDir: info.IsDir(),
		Inode: inodeOf(info),
	}
	if !e.IsDir {
		e.Size = info.Size()
		e.ModTime = info.ModTime().UTC()
	}
	return e
}
