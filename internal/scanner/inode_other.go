//go:build !unix

package scanner

import "io/fs"

// inodeOf always returns zero off Unix. Offline rename detection then
// reports renames as a deletion plus a creation.
// TODO: use GetFileInformationByHandle file IDs on Windows.
func inodeOf(fs.FileInfo) uint64 {
	return 0
}
