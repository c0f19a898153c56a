// Package filter decides which paths under the watch root are journaled.
//
// A path is dropped when it lies outside the root, belongs to the journal's
// own storage, matches an ignore pattern, or (optionally) has a hidden
// component. All comparisons are done on normalized paths.
package filter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/listenupapp/fsjournal/internal/domain"
	"github.com/listenupapp/fsjournal/internal/normalize"
)

// Options configures a Filter.
type Options struct {
	// IgnorePatterns are glob patterns. A pattern without a slash is
	// matched against every component of the path relative to the root,
	// so "node_modules" also excludes everything inside it. A pattern
	// with a slash is matched against the whole relative path, with
	// "**" crossing directories.
	IgnorePatterns []string
	IgnoreHidden   bool
}

type pattern struct {
	g        glob.Glob
	wholeRel bool
}

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	root         string
	artifacts    []domain.Artifact
	patterns     []pattern
	ignoreHidden bool
}

// New compiles a filter for root. Artifacts are the storage engine's own
// paths.
func New(root string, artifacts []domain.Artifact, opts Options) (*Filter, error) {
	f := &Filter{
		root:         normalize.Path(root),
		ignoreHidden: opts.IgnoreHidden,
	}

	for _, a := range artifacts {
		f.artifacts = append(f.artifacts, domain.Artifact{Path: normalize.Path(a.Path), Kind: a.Kind})
	}

	for _, raw := range opts.IgnorePatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = normalize.Path(raw)
		g, err := glob.Compile(raw, '/')
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", raw, err)
		}
		f.patterns = append(f.patterns, pattern{g: g, wholeRel: strings.Contains(raw, "/")})
	}

	return f, nil
}

// Root returns the normalized watch root.
func (f *Filter) Root() string {
	return f.root
}

// Apply normalizes ev's path and reports whether the event should be kept.
func (f *Filter) Apply(ev domain.RawEvent) (domain.RawEvent, bool) {
	ev.Path = normalize.Path(ev.Path)
	if !f.Allow(ev.Path) {
		return ev, false
	}
	return ev, true
}

// Allow reports whether a normalized path is journaled. The root itself is
// never journaled.
func (f *Filter) Allow(path string) bool {
	rel, ok := normalize.Rel(f.root, path)
	if !ok || rel == "." {
		return false
	}
	if f.IsArtifact(path) {
		return false
	}
	return !f.ignored(rel)
}

// AllowDir reports whether a directory should be descended into and
// watched. Ignored directories are pruned entirely.
func (f *Filter) AllowDir(path string) bool {
	if path == f.root {
		return true
	}
	return f.Allow(path)
}

// IsArtifact reports whether path belongs to the journal's storage.
func (f *Filter) IsArtifact(path string) bool {
	for _, a := range f.artifacts {
		switch a.Kind {
		case domain.ArtifactFile:
			if path == a.Path {
				return true
			}
		case domain.ArtifactFamily:
			if path == a.Path {
				return true
			}
			if suffix, ok := strings.CutPrefix(path, a.Path); ok && slices.Contains(domain.FamilySuffixes, suffix) {
				return true
			}
		case domain.ArtifactTree:
			if normalize.Within(a.Path, path) {
				return true
			}
		}
	}
	return false
}

func (f *Filter) ignored(rel string) bool {
	parts := strings.Split(rel, "/")

	if f.ignoreHidden {
		for _, part := range parts {
			if strings.HasPrefix(part, ".") && part != "." && part != ".." {
				return true
			}
		}
	}

	for _, p := range f.patterns {
		if p.wholeRel {
			if p.g.Match(rel) {
				return true
			}
			continue
		}
		for _, part := range parts {
			if p.g.Match(part) {
				return true
			}
		}
	}
	return false
}
