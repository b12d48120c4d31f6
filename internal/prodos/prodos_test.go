// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package prodos

import (
	"io"
	"testing"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

// memImage is a fixed-size in-memory image implementing io.ReaderAt and
// io.WriterAt, used to back a chunkstore.Store in tests without any real
// disk image file.
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

// TestFormatRoundTrip mirrors spec.md §8 scenario 1 for ProDOS: format a
// small image and confirm the volume header, directory chain, and free-block
// bitmap it produces.
func TestFormatRoundTrip(t *testing.T) {
	eng, _ := formatted(t, 280, "TEST.VOLUME")

	if eng.header.Name != "TEST.VOLUME" {
		t.Fatalf("header.Name = %q, want TEST.VOLUME", eng.header.Name)
	}
	if eng.root.Name != "TEST.VOLUME" || !eng.root.IsDir {
		t.Fatalf("root entry = %+v", eng.root)
	}
	if eng.header.BitMapPointer != 6 {
		t.Fatalf("BitMapPointer = %d, want 6", eng.header.BitMapPointer)
	}
	if eng.header.TotalBlocks != 280 {
		t.Fatalf("TotalBlocks = %d, want 280", eng.header.TotalBlocks)
	}

	hdr, err := eng.readHeaderAt(volumeHeaderBlock)
	if err != nil {
		t.Fatalf("readHeaderAt: %v", err)
	}
	if hdr.StorageType != StorageVolumeHeader {
		t.Fatalf("StorageType = %#x, want StorageVolumeHeader", hdr.StorageType)
	}

	// Blocks 0, 1, the four directory blocks, and the bitmap blocks must
	// all be marked used.
	for _, b := range []uint16{0, 1, 2, 3, 4, 5, 6} {
		if eng.bitmap.isFree(b) {
			t.Fatalf("block %d should be reserved after Format", b)
		}
	}
}

// TestCreateWriteReadRoundTrip writes through Create/Open and reads the
// bytes back after a Close, mirroring spec.md §6's open/read/write/close
// cycle.
func TestCreateWriteReadRoundTrip(t *testing.T) {
	eng, _ := formatted(t, 280, "TEST.VOLUME")

	entry, err := eng.Create(eng.Root(), "HELLO.TXT", CreateMode{FileType: 0x04, AuxType: 0})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	d, err := eng.Open(entry, vfs.RW, vfs.DataFork)
	if err != nil {
		t.Fatalf("Open RW: %v", err)
	}
	want := []byte("Hello, ProDOS!")
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
	if err != nil && err != io.EOF {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if string(got[:n]) != string(want) {
		t.Fatalf("read back %q, want %q", got[:n], want)
	}
}

// TestSubdirectoryCreateAndNest exercises a nested directory hierarchy,
// unique to ProDOS among the repo's engines (DOS has no subdirectories).
func TestSubdirectoryCreateAndNest(t *testing.T) {
	eng, _ := formatted(t, 280, "TEST.VOLUME")

	sub, err := eng.Create(eng.Root(), "SUBDIR", CreateMode{IsDir: true})
	if err != nil {
		t.Fatalf("Create subdir: %v", err)
	}
	if !sub.IsDir {
		t.Fatal("created entry should be a directory")
	}

	child, err := eng.Create(sub, "NESTED.TXT", CreateMode{})
	if err != nil {
		t.Fatalf("Create nested file: %v", err)
	}
	if sub.Find("NESTED.TXT") != child {
		t.Fatal("nested file not found as a child of SUBDIR")
	}

	rec := eng.records[sub]
	hdr, err := eng.readHeaderAt(rec.entry.KeyPointer)
	if err != nil {
		t.Fatalf("reading subdirectory header: %v", err)
	}
	if hdr.FileCount != 1 {
		t.Fatalf("subdirectory FileCount = %d, want 1", hdr.FileCount)
	}
}

// TestDeleteFreesBlocksAndSlot checks that Delete trims a file's fork
// storage to zero, frees its directory slot, and removes it from the tree.
func TestDeleteFreesBlocksAndSlot(t *testing.T) {
	eng, _ := formatted(t, 280, "TEST.VOLUME")
	entry, err := eng.Create(eng.Root(), "GONE", CreateMode{})
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
	freeBefore := eng.bitmap.countFree()

	if err := eng.Delete(entry); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if eng.root.Find("GONE") != nil {
		t.Fatal("entry should be removed from the tree after Delete")
	}
	if eng.bitmap.countFree() <= freeBefore {
		t.Fatalf("countFree should increase after Delete: before=%d after=%d", freeBefore, eng.bitmap.countFree())
	}
}

// TestMoveRenamesAndReparents exercises Move's rename-in-place and
// cross-directory reparent paths, including the destination subdirectory
// header's file-count update and the moved entry's header pointer.
func TestMoveRenamesAndReparents(t *testing.T) {
	eng, _ := formatted(t, 280, "TEST.VOLUME")
	dir, err := eng.Create(eng.Root(), "FOLDER", CreateMode{IsDir: true})
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	file, err := eng.Create(eng.Root(), "DOC", CreateMode{})
	if err != nil {
		t.Fatalf("Create file: %v", err)
	}

	if err := eng.Move(file, eng.Root(), "RENAMED"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if eng.root.Find("DOC") != nil || eng.root.Find("RENAMED") == nil {
		t.Fatal("rename did not take effect in the tree")
	}

	if err := eng.Move(eng.root.Find("RENAMED"), dir, "RENAMED"); err != nil {
		t.Fatalf("reparent: %v", err)
	}
	if eng.root.Find("RENAMED") != nil {
		t.Fatal("entry should have left the root directory")
	}
	moved := dir.Find("RENAMED")
	if moved == nil {
		t.Fatal("entry should now be a child of FOLDER")
	}

	dirRec := eng.records[dir]
	subHdr, err := eng.readHeaderAt(dirRec.entry.KeyPointer)
	if err != nil {
		t.Fatalf("reading FOLDER header: %v", err)
	}
	if subHdr.FileCount != 1 {
		t.Fatalf("FOLDER FileCount = %d, want 1", subHdr.FileCount)
	}

	movedRec := eng.records[moved]
	if movedRec.headerBlock != dirRec.entry.KeyPointer {
		t.Fatalf("moved file's headerBlock = %d, want %d", movedRec.headerBlock, dirRec.entry.KeyPointer)
	}
}

// TestSparseWriteReadsZeroHoles mirrors spec.md §8's sparse-file law: a
// write past the current EOF leaves an unwritten hole that reads back as
// zero bytes without materializing a full run of allocated blocks.
func TestSparseWriteReadsZeroHoles(t *testing.T) {
	eng, _ := formatted(t, 280, "TEST.VOLUME")
	entry, err := eng.Create(eng.Root(), "SPARSE", CreateMode{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := eng.Open(entry, vfs.RW, vfs.DataFork)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Seek(3*blockSize, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	tail := []byte("tail")
	if _, err := d.Write(tail); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if entry.Sizes.DataLen != 3*blockSize+int64(len(tail)) {
		t.Fatalf("DataLen = %d, want %d", entry.Sizes.DataLen, 3*blockSize+int64(len(tail)))
	}

	d2, err := eng.Open(entry, vfs.RO, vfs.DataFork)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	hole := make([]byte, blockSize)
	if _, err := d2.Read(hole); err != nil && err != io.EOF {
		t.Fatalf("Read hole: %v", err)
	}
	for i, b := range hole {
		if b != 0 {
			t.Fatalf("hole byte %d = %#x, want 0", i, b)
		}
	}
}

// TestAddRsrcForkCreatesForkedStorage exercises converting a plain
// seedling file into a forked (data+resource) file, ProDOS's analog to
// HFS's always-present resource fork.
func TestAddRsrcForkCreatesForkedStorage(t *testing.T) {
	eng, _ := formatted(t, 280, "TEST.VOLUME")
	entry, err := eng.Create(eng.Root(), "ICON", CreateMode{FileType: 0xC2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := eng.Open(entry, vfs.RO, vfs.RsrcFork); err != vfs.ErrNotSupported {
		t.Fatalf("opening rsrc fork before AddRsrcFork: err=%v, want ErrNotSupported", err)
	}

	if err := eng.AddRsrcFork(entry); err != nil {
		t.Fatalf("AddRsrcFork: %v", err)
	}

	rec := eng.records[entry]
	if rec.entry.StorageType != StorageForked {
		t.Fatalf("StorageType = %#x, want StorageForked", rec.entry.StorageType)
	}

	rd, err := eng.Open(entry, vfs.RW, vfs.RsrcFork)
	if err != nil {
		t.Fatalf("Open rsrc fork: %v", err)
	}
	rbytes := []byte("ICN#")
	if _, err := rd.Write(rbytes); err != nil {
		t.Fatalf("Write rsrc: %v", err)
	}
	if err := rd.Close(); err != nil {
		t.Fatalf("Close rsrc: %v", err)
	}
	if entry.Sizes.RsrcLen != int64(len(rbytes)) {
		t.Fatalf("RsrcLen = %d, want %d", entry.Sizes.RsrcLen, len(rbytes))
	}

	dd, err := eng.Open(entry, vfs.RO, vfs.DataFork)
	if err != nil {
		t.Fatalf("Open data fork after forking: %v", err)
	}
	defer dd.Close()
	if entry.Sizes.DataLen != 0 {
		t.Fatalf("DataLen after forking an empty file = %d, want 0", entry.Sizes.DataLen)
	}
}

// TestScanMarksDirectoryAndFileBlocks checks that Scan assigns ownership
// to the reserved system blocks and to a created file's own storage.
func TestScanMarksDirectoryAndFileBlocks(t *testing.T) {
	eng, _ := formatted(t, 280, "TEST.VOLUME")
	entry, err := eng.Create(eng.Root(), "USED", CreateMode{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := eng.Open(entry, vfs.RW, vfs.DataFork)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	usage := volumeusage.New()
	if err := eng.Scan(usage); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	rec := eng.records[entry]
	_, owner, hasOwner, _ := usage.Get(int(rec.data.KeyBlock))
	if !hasOwner || owner.System {
		t.Fatalf("file's key block should be owned by the file: owner=%+v hasOwner=%v", owner, hasOwner)
	}

	_, sysOwner, sysHasOwner, _ := usage.Get(volumeHeaderBlock)
	if !sysHasOwner || !sysOwner.System {
		t.Fatalf("volume header block should be system-owned: owner=%+v hasOwner=%v", sysOwner, sysHasOwner)
	}
}
