// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package hfs

import (
	"fmt"
	"testing"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/notes"
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

// TestFormatRoundTrip mirrors spec.md §8 scenario 1 for HFS: format a
// 400 KB image and check the MDB, root directory record, and volume
// bitmap placement it produces.
func TestFormatRoundTrip(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")

	if eng.mdb.VN != "TestVol" {
		t.Fatalf("VN = %q, want TestVol", eng.mdb.VN)
	}
	if eng.root.Name != "TestVol" || !eng.root.IsDir {
		t.Fatalf("root entry = %+v", eng.root)
	}
	if eng.mdb.NxtCNID != CNIDFirstUser {
		t.Fatalf("NxtCNID = %d, want %d", eng.mdb.NxtCNID, CNIDFirstUser)
	}
	if eng.mdb.AlBlkSiz != blockSize {
		t.Fatalf("AlBlkSiz = %d, want %d for a small image", eng.mdb.AlBlkSiz, blockSize)
	}
	wantFree := int(eng.mdb.NmAlBlks) - 8 // 4 alloc blocks reserved for each of the catalog/extents trees
	if got := eng.bitmap.countFree(); got != wantFree {
		t.Fatalf("countFree = %d, want %d", got, wantFree)
	}

	val, ok, err := eng.catTree.bt.find(catalogKey{Parent: CNIDRootParent, Name: "TestVol"}.encode())
	if err != nil || !ok {
		t.Fatalf("root directory record not found: ok=%v err=%v", ok, err)
	}
	dr, err := dirRecFromBytes(val)
	if err != nil || dr.DirID != CNIDRootDir {
		t.Fatalf("root directory record: %+v, err=%v", dr, err)
	}
}

// TestCreateWriteReadRoundTrip writes through Create/Open and reads the
// bytes back after a Close, mirroring spec.md §6's open/read/write/close
// cycle.
func TestCreateWriteReadRoundTrip(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")

	entry, err := eng.Create(eng.Root(), "HELLO.TXT", CreateMode{Type: [4]byte{'T', 'E', 'X', 'T'}, Creator: [4]byte{'t', 't', 'x', 't'}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	d, err := eng.Open(entry, vfs.RW, vfs.DataFork)
	if err != nil {
		t.Fatalf("Open RW: %v", err)
	}
	want := []byte("Hello, HFS!")
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

// TestDeleteFreesForkBlocks checks that Delete trims a file's forks to
// zero and removes its catalog and thread records.
func TestDeleteFreesForkBlocks(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")
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
	if _, ok, err := eng.catTree.bt.find(catalogKey{Parent: CNIDRootDir, Name: "GONE"}.encode()); err != nil || ok {
		t.Fatalf("catalog record should be gone: ok=%v err=%v", ok, err)
	}
}

// TestMoveRenamesAndReparents exercises Move's rename-in-place and
// cross-directory reparent paths.
func TestMoveRenamesAndReparents(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")
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
	if dir.Find("RENAMED") == nil {
		t.Fatal("entry should now be a child of FOLDER")
	}
	dirFi := eng.entries[dir]
	if dirFi.dir.Valence != 1 {
		t.Fatalf("FOLDER valence = %d, want 1", dirFi.dir.Valence)
	}
}

// TestCatalogBTreeSplit mirrors spec.md §8 scenario 4: create 301 files
// with 31-character names under the root, forcing the catalog B*-tree's
// single leaf root to split into an index root over multiple leaves.
func TestCatalogBTreeSplit(t *testing.T) {
	eng, _ := formatted(t, 2000, "TestVol")

	const allA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 31 'a's
	names := make([]string, 0, 301)
	names = append(names, allA)
	for i := 0; i < 300; i++ {
		suffix := fmt.Sprintf("%d", i)
		names = append(names, allA[:31-len(suffix)]+suffix)
	}

	for _, name := range names {
		if _, err := eng.Create(eng.Root(), name, CreateMode{}); err != nil {
			t.Fatalf("Create %q: %v", name, err)
		}
	}

	if len(eng.root.Children()) != len(names) {
		t.Fatalf("root has %d children, want %d", len(eng.root.Children()), len(names))
	}
	found := eng.root.Find(allA)
	if found == nil {
		t.Fatalf("could not find entry named %q after the split", allA)
	}
	fi, ok := eng.entries[found]
	if !ok || fi.name != allA {
		t.Fatalf("EngineRef for %q did not round-trip: %+v", allA, fi)
	}

	rootNd, err := eng.catIO.readNode(eng.catTree.bt.rootNode)
	if err != nil {
		t.Fatalf("reading catalog root node: %v", err)
	}
	if rootNd.kind != ndIndex {
		t.Fatalf("catalog root kind = %d, want ndIndex after 301 inserts", rootNd.kind)
	}
	if eng.catTree.bt.depth < 2 {
		t.Fatalf("catalog tree depth = %d, want >= 2", eng.catTree.bt.depth)
	}
}

// TestForkStorageOverflowAndTrim mirrors spec.md §8 scenario 5: a
// fragmented fork that outgrows its three local extents spills into the
// extents-overflow tree, and trimming it back down removes the overflow
// records entirely.
func TestForkStorageOverflowAndTrim(t *testing.T) {
	eng, _ := formatted(t, 800, "TestVol")

	var local ExtDataRec
	fs := &forkStorage{
		store: eng.store, bitmap: eng.bitmap, ext: eng.extAPI,
		cnid: CNID(999), local: &local,
		blkSize: eng.mdb.AlBlkSiz, alBlSt: eng.mdb.AlBlSt,
	}

	// Burn one filler allocation block before every extend so each new
	// block lands non-contiguous with the last, forcing fragmentation
	// past the 3 local extent descriptors.
	for i := 0; i < 8; i++ {
		if _, err := eng.bitmap.alloc(); err != nil {
			t.Fatalf("burn filler block %d: %v", i, err)
		}
		if err := fs.extendByOne(); err != nil {
			t.Fatalf("extendByOne %d: %v", i, err)
		}
	}

	descs, err := fs.descriptors()
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	if len(descs) <= 3 {
		t.Fatalf("expected fragmentation past 3 local extents, got %d: %v", len(descs), descs)
	}
	total, err := fs.totalBlocks()
	if err != nil {
		t.Fatalf("totalBlocks: %v", err)
	}
	if total != 8 {
		t.Fatalf("totalBlocks = %d, want 8", total)
	}

	firstOverflowIndex := uint16(local.totalBlocks())
	if _, ok, err := eng.extAPI.find(CNID(999), false, firstOverflowIndex); err != nil || !ok {
		t.Fatalf("expected an overflow extent record at index %d: ok=%v err=%v", firstOverflowIndex, ok, err)
	}

	if err := fs.trim(1); err != nil {
		t.Fatalf("trim(1): %v", err)
	}
	total, err = fs.totalBlocks()
	if err != nil {
		t.Fatalf("totalBlocks after trim: %v", err)
	}
	if total != 1 {
		t.Fatalf("totalBlocks after trim(1) = %d, want 1", total)
	}
	if _, ok, err := eng.extAPI.find(CNID(999), false, firstOverflowIndex); err != nil || ok {
		t.Fatalf("overflow record should be gone after trim: ok=%v err=%v", ok, err)
	}
}
