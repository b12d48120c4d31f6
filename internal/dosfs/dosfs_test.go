// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package dosfs

import (
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

func newTestStore(t *testing.T, tracks, sectorsPerTrack int) chunkstore.Store {
	t.Helper()
	length := int64(tracks * sectorsPerTrack * sectorSize)
	img := newMemImage(length)
	geom := chunkstore.Geometry{Tracks: tracks, SectorsPerTrack: sectorsPerTrack}
	store, err := chunkstore.New(img, img, length, geom, chunkstore.DOS)
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	return store
}

// TestFormatRoundTrip mirrors spec.md §8 scenario 1: format a 35x16x256
// image, volume 254, and check VTOC/catalog placement and free space.
func TestFormatRoundTrip(t *testing.T) {
	store := newTestStore(t, 35, 16)
	eng, err := Blank(store, notes.New(nil), Options{})
	if err != nil {
		t.Fatalf("Blank: %v", err)
	}
	if err := eng.Format("DOS", 254, false); err != nil {
		t.Fatalf("Format: %v", err)
	}

	if eng.vtoc.CatalogTrack != 17 || eng.vtoc.CatalogSector != 15 {
		t.Fatalf("catalog expected at (17,15), got (%d,%d)", eng.vtoc.CatalogTrack, eng.vtoc.CatalogSector)
	}
	if eng.alloc.IsFree(0, 0) {
		t.Fatal("track 0 sector 0 (boot) should be reserved")
	}
	if eng.alloc.IsFree(17, 0) {
		t.Fatal("VTOC sector must be marked in use")
	}
	for track := 1; track < 17; track++ {
		for sector := 0; sector < 16; sector++ {
			if !eng.alloc.IsFree(track, sector) {
				t.Fatalf("track %d should be entirely free after format", track)
			}
		}
	}
	for track := 18; track < 35; track++ {
		for sector := 0; sector < 16; sector++ {
			if !eng.alloc.IsFree(track, sector) {
				t.Fatalf("track %d should be entirely free after format", track)
			}
		}
	}
	wantFree := 35*16 - 17
	if eng.alloc.CountFree() != wantFree {
		t.Fatalf("CountFree = %d, want %d", eng.alloc.CountFree(), wantFree)
	}
}

// TestTypeALength mirrors spec.md §8 scenario 2: writing a length-prefixed
// Applesoft file in cooked mode and reading it back.
func TestTypeALength(t *testing.T) {
	store := newTestStore(t, 35, 16)
	eng, err := Blank(store, notes.New(nil), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Format("DOS", 254, false); err != nil {
		t.Fatal(err)
	}

	entry, err := eng.Create(eng.Root(), "HELLO", FiletypeApplesoft)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	d, err := eng.Open(entry, vfs.RW, vfs.DataFork)
	if err != nil {
		t.Fatalf("Open cooked RW: %v", err)
	}
	if _, err := d.Write([]byte{0x03, 0x00, 0x41, 0x42, 0x43}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := eng.Open(entry, vfs.RO, vfs.DataFork)
	if err != nil {
		t.Fatalf("reopen cooked: %v", err)
	}
	defer d2.Close()
	got := make([]byte, 16)
	n, err := d2.Read(got)
	if err != nil && n == 0 {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 || string(got[:3]) != "ABC" {
		t.Fatalf("cooked read = %q (n=%d), want ABC", got[:n], n)
	}

	raw, err := eng.Open(entry, vfs.RO, vfs.RawData)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	defer raw.Close()
	rawLen, err := raw.Seek(0, 2)
	if err != nil {
		t.Fatalf("Seek end: %v", err)
	}
	if rawLen != sectorSize {
		t.Fatalf("raw len = %d, want %d", rawLen, sectorSize)
	}
}

// TestSparseTSListGrowth mirrors spec.md §8 scenario 3: seeking past one
// full T/S-list sector's worth of data sectors and writing one byte
// forces a second T/S-list sector to be allocated, with the first list's
// entries all sparse.
func TestSparseTSListGrowth(t *testing.T) {
	store := newTestStore(t, 35, 16)
	eng, err := Blank(store, notes.New(nil), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Format("DOS", 254, false); err != nil {
		t.Fatal(err)
	}

	entry, err := eng.Create(eng.Root(), "SPARSE", FiletypeBinary)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := eng.Open(entry, vfs.RW, vfs.RawData)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := d.Seek(122*sectorSize, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := d.Write([]byte{0xAA}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec := eng.records[entry]
	if err := rec.loadChain(); err != nil {
		t.Fatalf("loadChain: %v", err)
	}
	if len(rec.chain) != 2 {
		t.Fatalf("expected 2 T/S-list sectors, got %d", len(rec.chain))
	}
	for i, ts := range rec.lists[0].Entries {
		if !ts.IsZero() {
			t.Fatalf("first list entry %d should be sparse, got (%d,%d)", i, ts.Track, ts.Sector)
		}
	}
	target := rec.lists[1].Entries[0]
	if target.IsZero() {
		t.Fatal("second list's first entry should point to the allocated data sector")
	}
	buf, err := eng.readSector(int(target.Track), int(target.Sector))
	if err != nil {
		t.Fatalf("readSector: %v", err)
	}
	if buf[0] != 0xAA {
		t.Fatalf("data sector byte 0 = %#x, want 0xAA", buf[0])
	}
}

// TestAllocatorOutwardOrder checks spec.md §4.7's "outward from track 17"
// free-sector search order.
func TestAllocatorOutwardOrder(t *testing.T) {
	order := outwardOrder(35, 17)
	want := []int{17, 18, 16, 19, 15, 20, 14}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("outwardOrder[%d] = %d, want %d (full: %v)", i, order[i], w, order)
		}
	}
}

// TestDeleteFreesSectors checks that Delete frees the data and list
// sectors and marks the catalog slot deleted.
func TestDeleteFreesSectors(t *testing.T) {
	store := newTestStore(t, 35, 16)
	eng, err := Blank(store, notes.New(nil), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Format("DOS", 254, false); err != nil {
		t.Fatal(err)
	}
	entry, err := eng.Create(eng.Root(), "TOBEDEL", FiletypeBinary)
	if err != nil {
		t.Fatal(err)
	}
	d, err := eng.Open(entry, vfs.RW, vfs.RawData)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	freeBefore := eng.alloc.CountFree()

	if err := eng.Delete(entry); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if eng.root.Find("TOBEDEL") != nil {
		t.Fatal("entry should be removed from the tree after Delete")
	}
	if eng.alloc.CountFree() <= freeBefore {
		t.Fatalf("CountFree should increase after Delete: before=%d after=%d", freeBefore, eng.alloc.CountFree())
	}
}
