//go:build unix

package scanner

import (
	"io/fs"
	"syscall"
)

// inodeOf returns the inode number behind info, or zero.
func inodeOf(info fs.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
