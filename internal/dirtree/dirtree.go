// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package dirtree implements the uniform directory/file-entry
// abstraction exposed to callers, spec.md §3–§4.6 (component C6,
// "DirTree"). Every engine builds one of these, rooted at a synthesized
// volume-directory entry, regardless of whether the underlying format
// has real subdirectories.
//
// The tree shape and the packed status/mode bits are grounded on the
// teacher's internal/fskeleton package, which solved the same "represent
// a directory hierarchy with compact per-node metadata" problem for a
// static, read-only fs.FS. fskeleton seals its tree once built ("NoMore")
// and is safe for concurrent readers precisely because it never mutates
// again afterward; vintagefs's tree must support Create/Delete/Move after
// the initial scan (spec.md §4.5), an access pattern fskeleton's
// sync.Cond-gated, append-only node slice cannot give, so the node
// representation here is a plain mutable tree instead — the single-mount,
// single-threaded cooperative model of spec.md §5 means no concurrent-
// reader synchronization is required in the first place.
package dirtree

import (
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Status captures the validity classification from spec.md §3.
type Status struct {
	Valid   bool
	Dubious bool // detected irregularities but still readable
	Damaged bool // internally inconsistent; not modifiable, and for files, not openable
}

// Sizes captures the three length fields from spec.md §3's DirEntry.
type Sizes struct {
	DataLen    int64
	RsrcLen    int64
	StorageLen int64 // invariant: >= DataLen+RsrcLen rounded up to alloc unit
}

// Timestamps captures optional created/modified times.
type Timestamps struct {
	Created  *time.Time
	Modified *time.Time
}

// Entry is one node of the tree: either the synthesized volume directory,
// a subdirectory (for formats that have them), or a file.
type Entry struct {
	Name    string
	RawName []byte // undecoded on-disk bytes, for formats with ambiguous charsets
	Access  uint32 // format-defined access bits (locked, etc.)
	IsDir   bool
	TypeInfo any // format-specific variant (DOS Filetype, HFS Finder info, ProDOS storage type...)
	Sizes    Sizes
	Times    Timestamps
	Status   Status

	// EngineRef is an opaque back-reference the owning engine attaches
	// (e.g. *dosfs.fileRecord, a CNID) so Mount-level operations can
	// dispatch back into engine code without DirTree knowing engine types.
	EngineRef any

	parent   *Entry
	children []*Entry
}

// NewRoot creates the synthesized volume-directory entry every engine
// must produce, per spec.md §4.6.
func NewRoot(volumeName string) *Entry {
	return &Entry{Name: volumeName, IsDir: true, Status: Status{Valid: true}}
}

// Parent returns the entry's parent, or nil for the root.
func (e *Entry) Parent() *Entry { return e.parent }

// Children returns the entry's children in on-disk order (spec.md §4.6:
// "the order in which entries appear on disk... unless a format mandates
// otherwise"), not sorted lexicographically.
func (e *Entry) Children() []*Entry {
	out := make([]*Entry, len(e.children))
	copy(out, e.children)
	return out
}

// AddChild appends a child in on-disk order. The engine is responsible
// for ordering calls to AddChild to match the on-disk appearance order.
func (e *Entry) AddChild(child *Entry) {
	child.parent = e
	e.children = append(e.children, child)
}

// RemoveChild detaches child from its parent, used by delete/move.
func (e *Entry) RemoveChild(child *Entry) bool {
	for i, c := range e.children {
		if c == child {
			e.children = append(e.children[:i], e.children[i+1:]...)
			child.parent = nil
			return true
		}
	}
	return false
}

// Find looks up a direct child by name.
func (e *Entry) Find(name string) *Entry {
	for _, c := range e.children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Path reconstructs the "/"-joined path from the root to e, for
// diagnostics only (engines address entries by EntryRef, not by path).
func (e *Entry) Path() string {
	if e.parent == nil {
		return e.Name
	}
	return path.Join(e.parent.Path(), e.Name)
}

// Glob matches pattern (a doublestar pattern, e.g. "**/*.TEXT") against
// every entry's Path() under root, returning matches in tree order. This
// is the convenience search feature SPEC_FULL.md adds on top of the
// core walk; it mirrors the teacher's own glob(pattern) feature in
// path.go, there matching archive member paths instead of catalog
// entries.
func Glob(root *Entry, pattern string) ([]*Entry, error) {
	var out []*Entry
	var walk func(e *Entry)
	walk = func(e *Entry) {
		rel := strings.TrimPrefix(e.Path(), root.Name)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			rel = "."
		}
		if ok, _ := doublestar.Match(pattern, rel); ok {
			out = append(out, e)
		}
		for _, c := range e.children {
			walk(c)
		}
	}
	for _, c := range root.children {
		walk(c)
	}
	return out, nil
}
