// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package auto

import (
	"context"
	"testing"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/hfs"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/probe"
)

type memImage struct{ buf []byte }

func newMemImage(size int64) *memImage { return &memImage{buf: make([]byte, size)} }

func (m *memImage) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *memImage) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func formattedHFSStore(t *testing.T) chunkstore.Store {
	t.Helper()
	const blocks = 800
	const blockSize = 512
	img := newMemImage(blocks * blockSize)
	store, err := chunkstore.New(img, img, blocks*blockSize, chunkstore.Geometry{Blocks: blocks}, chunkstore.ProDOS)
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	eng, err := hfs.Blank(store, notes.New(nil), hfs.Options{})
	if err != nil {
		t.Fatalf("hfs.Blank: %v", err)
	}
	if err := eng.Format("AutoTest", 0, false); err != nil {
		t.Fatalf("Format: %v", err)
	}
	return store
}

// TestOpenPicksHFS checks that Open probes a formatted HFS image and
// mounts it with the HFS engine.
func TestOpenPicksHFS(t *testing.T) {
	store := formattedHFSStore(t)
	stores := map[chunkstore.Ordering]chunkstore.Store{
		chunkstore.ProDOS: store,
	}
	m, format, err := Open(context.Background(), stores, vfs.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Dispose()
	if format != probe.FormatHFS {
		t.Fatalf("format = %q, want %q", format, probe.FormatHFS)
	}
}

// TestCandidatesCoversCoreFormats checks that every format with a real
// engine has a probe Candidate wired in.
func TestCandidatesCoversCoreFormats(t *testing.T) {
	want := map[probe.Format]bool{
		probe.FormatDOS33:  true,
		probe.FormatProDOS: true,
		probe.FormatHFS:    true,
		probe.FormatMFS:    true,
	}
	for _, c := range Candidates() {
		delete(want, c.Format)
	}
	if len(want) != 0 {
		t.Fatalf("missing candidates for: %v", want)
	}
}
