// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package legacyfs

import (
	"testing"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

// memImage is a fixed-size in-memory image implementing io.ReaderAt and
// io.WriterAt, the same fixture shape internal/hfs's tests use.
type memImage struct {
	buf []byte
}

func newMemImage(size int64) *memImage { return &memImage{buf: make([]byte, size)} }

func (m *memImage) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memImage) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.buf[off:], p)
	return n, nil
}

func newTestStore(t *testing.T, blocks int64) chunkstore.Store {
	t.Helper()
	length := blocks * blockSize
	img := newMemImage(length)
	geom := chunkstore.Geometry{Blocks: blocks}
	store, err := chunkstore.New(img, img, length, geom, chunkstore.Physical)
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	return store
}

func formatted(t *testing.T, blocks int64, name string) (*Engine, chunkstore.Store) {
	t.Helper()
	store := newTestStore(t, blocks)
	eng, err := Blank(store, notes.New(nil), Options{})
	if err != nil {
		t.Fatalf("Blank: %v", err)
	}
	if err := eng.Format(name, 0, false); err != nil {
		t.Fatalf("Format: %v", err)
	}
	return eng, store
}

// TestFormatRoundTrip mirrors internal/hfs's own format test: format a
// small image and check the MDB and root entry it produces.
func TestFormatRoundTrip(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")

	if eng.m.VN != "TestVol" {
		t.Fatalf("VN = %q, want TestVol", eng.m.VN)
	}
	if eng.root.Name != "TestVol" || !eng.root.IsDir {
		t.Fatalf("root entry = %+v", eng.root)
	}
	if eng.m.AlBlkSiz != blockSize {
		t.Fatalf("AlBlkSiz = %d, want %d", eng.m.AlBlkSiz, blockSize)
	}
	if eng.bitmap.CountFree() != int(eng.m.NmAlBlks) {
		t.Fatalf("countFree = %d, want %d (fresh volume)", eng.bitmap.CountFree(), eng.m.NmAlBlks)
	}
}

// TestMountRoundTrip formats a volume, then re-mounts the same bytes
// through Mount and checks the MDB signature and volume name parse back.
func TestMountRoundTrip(t *testing.T) {
	_, store := formatted(t, 800, "Rehydrate")

	eng2, err := Mount(store, notes.New(nil), Options{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if eng2.m.VN != "Rehydrate" {
		t.Fatalf("re-mounted VN = %q, want Rehydrate", eng2.m.VN)
	}
	if eng2.root.Name != "Rehydrate" {
		t.Fatalf("re-mounted root name = %q, want Rehydrate", eng2.root.Name)
	}
}

// TestCreateWriteReadRoundTrip writes through Create/Open and reads the
// bytes back after a Close.
func TestCreateWriteReadRoundTrip(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")

	entry, err := eng.Create(eng.Root(), "HELLO.TXT", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	d, err := eng.Open(entry, vfs.RW, vfs.DataFork)
	if err != nil {
		t.Fatalf("Open RW: %v", err)
	}
	want := []byte("Hello, MFS!")
	if _, err := d.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if entry.Sizes.DataLen != int64(len(want)) {
		t.Fatalf("DataLen = %d, want %d", entry.Sizes.DataLen, len(want))
	}

	d2, err := eng.Open(entry, vfs.RO, vfs.DataFork)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	got := make([]byte, len(want))
	n, err := d2.Read(got)
	if err != nil && n != len(want) {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if string(got[:n]) != string(want) {
		t.Fatalf("read back %q, want %q", got[:n], want)
	}
}

// TestWriteGrowsPastInitialExtent exercises ensureCapacity's whole-run
// reallocation path by writing more than one allocation block's worth of
// data.
func TestWriteGrowsPastInitialExtent(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")
	entry, err := eng.Create(eng.Root(), "BIG", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := eng.Open(entry, vfs.RW, vfs.DataFork)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := make([]byte, blockSize*3+17)
	for i := range want {
		want[i] = byte(i)
	}
	if _, err := d.Write(want[:17]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := d.Write(want[17:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if entry.Sizes.DataLen != int64(len(want)) {
		t.Fatalf("DataLen = %d, want %d", entry.Sizes.DataLen, len(want))
	}

	d2, err := eng.Open(entry, vfs.RO, vfs.DataFork)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	got := make([]byte, len(want))
	n, _ := d2.Read(got)
	if n != len(want) {
		t.Fatalf("read back %d bytes, want %d", n, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestDeleteFreesBlocks checks that Delete removes the entry from the
// flat directory and frees its fork's allocation blocks.
func TestDeleteFreesBlocks(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")
	entry, err := eng.Create(eng.Root(), "GONE", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := eng.Open(entry, vfs.RW, vfs.DataFork)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Write([]byte("some bytes")); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	freeBefore := eng.bitmap.CountFree()

	if err := eng.Delete(entry); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if eng.root.Find("GONE") != nil {
		t.Fatal("entry should be removed from the tree after Delete")
	}
	if eng.bitmap.CountFree() <= freeBefore {
		t.Fatalf("CountFree should increase after Delete: before=%d after=%d", freeBefore, eng.bitmap.CountFree())
	}
}

// TestMoveRenamesInFlatDirectory exercises Move's rename-in-place path
// and confirms a reparent attempt fails since MFS has no subdirectories.
func TestMoveRenamesInFlatDirectory(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")
	file, err := eng.Create(eng.Root(), "DOC", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := eng.Move(file, eng.Root(), "RENAMED"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if eng.root.Find("DOC") != nil || eng.root.Find("RENAMED") == nil {
		t.Fatal("rename did not take effect in the tree")
	}

	if err := eng.Move(file, nil, "X"); err == nil {
		t.Fatal("reparent off the root directory should fail on a flat filesystem")
	}
}

// TestScanMarksForkOwnership checks that Scan assigns distinct file
// owners to each file's allocation blocks.
func TestScanMarksForkOwnership(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")
	entry, err := eng.Create(eng.Root(), "A", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := eng.Open(entry, vfs.RW, vfs.DataFork)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	usage := volumeusage.New()
	if err := eng.Scan(usage); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	fi := eng.entries[entry]
	inUse, owner, hasOwner, _ := usage.Get(int(fi.data.start))
	if !inUse || !hasOwner {
		t.Fatalf("expected the file's first data block to be owned: inUse=%v hasOwner=%v", inUse, hasOwner)
	}
	if owner.System {
		t.Fatal("a file's fork should not be owned by the system")
	}
}
