// Package normalize provides utilities for normalizing filesystem paths
// before they are compared, filtered, or written to the journal.
package normalize

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Path returns the canonical form of p: cleaned and forward-slash
// separated. Where the filesystem treats Unicode spellings of a name as the
// same file (see foldUnicode) it is also converted to NFC, so a decomposed
// "é" from one API and a precomposed one from another compare equal.
// Elsewhere the bytes are kept, since they are the file's only name.
func Path(p string) string {
	if p == "" {
		return ""
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if foldUnicode && !norm.NFC.IsNormalString(p) {
		p = norm.NFC.String(p)
	}
	return p
}

// Abs makes p absolute and normalizes it.
func Abs(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return Path(abs), nil
}

// Within reports whether p is root or lies beneath it. Both arguments must
// already be normalized.
func Within(root, p string) bool {
	if p == root {
		return true
	}
	if strings.HasSuffix(root, "/") {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+"/")
}

// Rel returns p relative to root, using forward slashes. ok is false when p
// is outside root. The root itself maps to ".".
func Rel(root, p string) (rel string, ok bool) {
	if !Within(root, p) {
		return "", false
	}
	if p == root {
		return ".", true
	}
	rel = strings.TrimPrefix(p, root)
	return strings.TrimPrefix(rel, "/"), true
}

// Base returns the final element of a normalized path.
func Base(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 && i < len(p)-1 {
		return p[i+1:]
	}
	return p
}

// Dir returns all but the final element of a normalized path.
func Dir(p string) string {
	i := strings.LastIndexByte(p, '/')
	switch {
	case i < 0:
		return "."
	case i == 0:
		return "/"
	default:
		return p[:i]
	}
}
