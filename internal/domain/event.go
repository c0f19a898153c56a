// Package domain holds the change journal's core types.
package domain

import (
	"fmt"
	"time"
)

// Kind is the logical change recorded for a path.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreated
	KindModified
	KindDeleted
	KindRenamedFrom
	KindRenamedTo
)

var kindNames = map[Kind]string{
	KindCreated:     "created",
	KindModified:    "modified",
	KindDeleted:     "deleted",
	KindRenamedFrom: "renamed_from",
	KindRenamedTo:   "renamed_to",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind converts the stored name of a kind back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown change type %q", s)
}

// Exists reports whether the path is present after a change of this kind.
func (k Kind) Exists() bool {
	return k == KindCreated || k == KindModified || k == KindRenamedTo
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DirState says whether a path is a directory. Deleted paths can no longer
// be stat'ed, so the answer is sometimes unknown.
type DirState int8

const (
	DirUnknown DirState = iota
	DirNo
	DirYes
)

// DirStateOf converts a known answer to a DirState.
func DirStateOf(isDir bool) DirState {
	if isDir {
		return DirYes
	}
	return DirNo
}

// Known reports whether the state carries an answer.
func (d DirState) Known() bool { return d != DirUnknown }

// Bool returns the answer and whether it is known.
func (d DirState) Bool() (isDir, known bool) {
	return d == DirYes, d != DirUnknown
}

// Ptr returns nil for an unknown state, for nullable columns and JSON.
func (d DirState) Ptr() *bool {
	if d == DirUnknown {
		return nil
	}
	v := d == DirYes
	return &v
}

// DirStateFromPtr is the inverse of Ptr.
func DirStateFromPtr(p *bool) DirState {
	if p == nil {
		return DirUnknown
	}
	return DirStateOf(*p)
}

func (d DirState) String() string {
	switch d {
	case DirYes:
		return "dir"
	case DirNo:
		return "file"
	default:
		return "unknown"
	}
}

// Origin says how an event was observed.
type Origin string

const (
	OriginLive      Origin = "live"
	OriginReconcile Origin = "reconcile"
)

// RawEvent is a single notification from a watcher backend, before
// filtering and coalescing.
type RawEvent struct {
	Path       string
	Kind       Kind
	IsDir      DirState
	ObservedAt time.Time

	// Cookie links the two halves of a rename when the backend can pair
	// them. Zero means unpaired.
	Cookie uint32

	// Synthetic marks events the backend generated itself, such as the
	// contents of a directory that appeared before it could be watched.
	Synthetic bool
}

// Event is one logical change, ready to be sequenced.
type Event struct {
	Path          string
	Kind          Kind
	IsDir         DirState
	ObservedAt    time.Time
	CorrelationID string
	Origin        Origin

	// Stat snapshot for kinds where the path exists. Zero otherwise.
	Size    int64
	ModTime time.Time
	Inode   uint64
}

// WithEntry copies stat data from an entry onto the event.
func (e Event) WithEntry(entry Entry) Event {
	e.IsDir = DirStateOf(entry.IsDir)
	e.Size = entry.Size
	e.ModTime = entry.ModTime
	e.Inode = entry.Inode
	return e
}

// Record is a sequenced, durable journal row.
type Record struct {
	Sequence      uint64    `json:"sequence"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Kind          Kind      `json:"change_type"`
	Path          string    `json:"path"`
	FileName      string    `json:"file_name"`
	IsDir         *bool     `json:"is_dir"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Origin        Origin    `json:"origin"`
	Size          int64     `json:"size,omitempty"`
	ModTime       time.Time `json:"mod_time,omitzero"`
	Inode         uint64    `json:"inode,omitempty"`
}

// DirState returns the record's directory flag as a DirState.
func (r Record) DirState() DirState {
	return DirStateFromPtr(r.IsDir)
}

// Entry is what the journal knows about a path that currently exists.
type Entry struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	Inode   uint64
}

// EntryOf builds an Entry from the last record of a path that exists.
func EntryOf(r Record) Entry {
	isDir, _ := r.DirState().Bool()
	return Entry{
		Path:    r.Path,
		IsDir:   isDir,
		Size:    r.Size,
		ModTime: r.ModTime,
		Inode:   r.Inode,
	}
}

// SameContent reports whether two snapshots describe the same file content
// as far as stat can tell.
func (e Entry) SameContent(other Entry) bool {
	if e.IsDir != other.IsDir {
		return false
	}
	if e.IsDir {
		return true
	}
	return e.Size == other.Size && e.ModTime.Equal(other.ModTime)
}

// ArtifactKind says how an artifact path is matched.
type ArtifactKind int

const (
	// ArtifactFile matches one file exactly.
	ArtifactFile ArtifactKind = iota
	// ArtifactFamily matches a file and its FamilySuffixes companions,
	// such as a SQLite database and its -wal and -shm files.
	ArtifactFamily
	// ArtifactTree matches a directory and everything beneath it.
	ArtifactTree
)

// FamilySuffixes are the companion files SQLite keeps next to a database.
var FamilySuffixes = []string{"-wal", "-shm", "-journal"}

// Artifact is a path owned by the journal's own storage. Changes to
// artifacts are never journaled.
type Artifact struct {
	Path string
	Kind ArtifactKind
}
