// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package legacyfs

import (
	"fmt"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

// StubFormat names which not-supported variant a stubEngine represents,
// purely for its notes-buffer diagnostics.
type StubFormat string

const (
	Pascal    StubFormat = "Apple Pascal"
	CPM       StubFormat = "CP/M"
	Gutenberg StubFormat = "Gutenberg"
	RDOS      StubFormat = "RDOS"
)

// stubEngine implements vfs.Engine for the formats spec.md §4.6 scopes
// as "thin variants... referenced only by their interface contracts":
// Apple Pascal, CP/M, Gutenberg, and RDOS. It mounts successfully (so
// Probe/find_embedded_volumes can still report the format's presence and
// FsMount.GetVolDirEntry succeeds) but every file/write operation returns
// vfs.ErrNotSupported — there is no on-disk engine behind it. This
// mirrors the teacher's own pattern of a thin adapter type satisfying an
// interface purely to document "recognized, not implemented" rather than
// failing mount outright.
type stubEngine struct {
	format StubFormat
	root   *dirtree.Entry
	nb     *notes.Buffer
}

// NewStub returns a vfs.NewEngine that always succeeds at Mount time,
// synthesizing an empty, read-only root entry and recording an Info note
// explaining the format is not implemented.
func NewStub(format StubFormat) vfs.NewEngine {
	return func(store chunkstore.Store, nb *notes.Buffer) (vfs.Engine, error) {
		nb.Info(string(format), fmt.Sprintf("%s is a thin variant with no read/write engine; mounted read-only with an empty directory", format))
		root := dirtree.NewRoot(string(format))
		root.Status.Dubious = true
		return &stubEngine{format: format, root: root, nb: nb}, nil
	}
}

func (e *stubEngine) Root() *dirtree.Entry { return e.root }

func (e *stubEngine) Scan(usage *volumeusage.Usage) error { return nil }

func (e *stubEngine) SupportsRsrcFork() bool { return false }

func (e *stubEngine) err() error {
	return fmt.Errorf("legacyfs: %s engine is not implemented: %w", e.format, vfs.ErrNotSupported)
}

func (e *stubEngine) Open(entry *dirtree.Entry, mode vfs.Mode, part vfs.Part) (vfs.Descriptor, error) {
	return nil, e.err()
}

func (e *stubEngine) Create(parent *dirtree.Entry, name string, createMode vfs.CreateMode) (*dirtree.Entry, error) {
	return nil, e.err()
}

func (e *stubEngine) Delete(entry *dirtree.Entry) error { return e.err() }

func (e *stubEngine) Move(entry, newParent *dirtree.Entry, newName string) error { return e.err() }

func (e *stubEngine) AddRsrcFork(entry *dirtree.Entry) error { return e.err() }

func (e *stubEngine) Format(name string, num int, bootable bool) error { return e.err() }

func (e *stubEngine) Flush() error { return nil }
