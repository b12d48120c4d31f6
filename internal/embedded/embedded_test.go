// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package embedded

import (
	"testing"
	"time"

	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/dosfs"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/probe"
	"github.com/elliotnunn/vintagefs/internal/prodos"
)

// memImage is a fixed-size in-memory image implementing io.ReaderAt and
// io.WriterAt, the same fixture internal/prodos and internal/hfs use in
// their own tests.
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

func newBlockStore(t *testing.T, blocks int64) chunkstore.Store {
	t.Helper()
	length := blocks * chunkstore.BlockSize
	img := newMemImage(length)
	geom := chunkstore.Geometry{Blocks: blocks}
	store, err := chunkstore.New(img, img, length, geom, chunkstore.ProDOS)
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	return store
}

func formattedProdos(t *testing.T, blocks int64, name string) (*prodos.Engine, chunkstore.Store) {
	t.Helper()
	store := newBlockStore(t, blocks)
	eng, err := prodos.Blank(store, notes.New(nil), prodos.Options{})
	if err != nil {
		t.Fatalf("prodos.Blank: %v", err)
	}
	if err := eng.Format(name, 0, false); err != nil {
		t.Fatalf("prodos.Format: %v", err)
	}
	return eng, store
}

// flipBitmapUsed marks [first, total) as used (bit=0) directly in the
// on-disk free-block bitmap at block 6, simulating a region a secondary
// filesystem (DOS MASTER) has claimed without the ProDOS directory tree
// ever knowing about it.
func flipBitmapUsed(t *testing.T, store chunkstore.Store, first, total int) {
	t.Helper()
	buf := make([]byte, chunkstore.BlockSize)
	if err := store.ReadBlock(6, buf); err != nil {
		t.Fatalf("reading bitmap block: %v", err)
	}
	for unit := first; unit < total; unit++ {
		buf[unit/8] &^= 1 << uint(7-unit%8)
	}
	if err := store.WriteBlock(6, buf); err != nil {
		t.Fatalf("writing bitmap block: %v", err)
	}
}

// TestDetectEmbeddedDOSFindsDOSMaster formats a ProDOS volume, claims its
// trailing 280 blocks in the bitmap without any directory entry owning
// them, writes a real DOS 3.3 volume into that range, and checks that
// DetectEmbeddedDOS recovers it as a single DOS-MASTER slot.
func TestDetectEmbeddedDOSFindsDOSMaster(t *testing.T) {
	const total = 300
	const dosSize = 280
	const first = total - dosSize

	_, store := formattedProdos(t, total, "HOST.VOL")
	flipBitmapUsed(t, store, first, total)

	geom := chunkstore.Geometry{Tracks: 35, SectorsPerTrack: 16}
	dosView, err := chunkstore.ContiguousSubsetView(store, first, dosSize, geom, chunkstore.DOS)
	if err != nil {
		t.Fatalf("building embedded DOS view: %v", err)
	}
	dosEng, err := dosfs.Blank(dosView, notes.New(nil), dosfs.Options{})
	if err != nil {
		t.Fatalf("dosfs.Blank: %v", err)
	}
	if err := dosEng.Format("EMBEDDED", 254, false); err != nil {
		t.Fatalf("dosfs.Format: %v", err)
	}

	parts, err := DetectEmbeddedDOS(store, notes.New(nil))
	if err != nil {
		t.Fatalf("DetectEmbeddedDOS: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1: %+v", len(parts), parts)
	}
	if parts[0].Format != probe.FormatDOS33 {
		t.Fatalf("Format = %v, want %v", parts[0].Format, probe.FormatDOS33)
	}
	if got := parts[0].Store.Len(); got != dosSize*chunkstore.BlockSize {
		t.Fatalf("partition Len = %d, want %d", got, dosSize*chunkstore.BlockSize)
	}
}

// TestDetectPPMFindsPartitions writes a PASCAL.AREA directory entry and a
// hand-built PPM info region directly onto a ProDOS volume, then checks
// that DetectPPM recovers the one partition it describes.
func TestDetectPPMFindsPartitions(t *testing.T) {
	const total = 40
	_, store := formattedProdos(t, total, "HOST.VOL")

	const infoBlock = 10
	infoBuf := make([]byte, chunkstore.BlockSize)
	infoBuf[0], infoBuf[1], infoBuf[2], infoBuf[3] = 0x4D, 0x50, 0x50, 0x03 // big-endian signature
	infoBuf[4] = 1                                                         // one partition
	putLE32(infoBuf[8:12], 20)                                             // first block
	putLE32(infoBuf[12:16], 5)                                             // block count
	if err := store.WriteBlock(infoBlock, infoBuf); err != nil {
		t.Fatalf("writing PPM info block: %v", err)
	}

	de := prodos.DirEntry{
		StorageType: prodos.StoragePascalArea,
		Name:        "PASCAL.AREA",
		KeyPointer:  infoBlock,
		BlocksUsed:  1,
		Creation:    time.Now(),
		LastMod:     time.Now(),
		Access:      0xC3,
	}
	writeRawSlot(t, store, 2, 1, de)

	eng, err := prodos.Mount(store, notes.New(nil), prodos.Options{})
	if err != nil {
		t.Fatalf("prodos.Mount: %v", err)
	}

	parts, err := DetectPPM(store, eng.Root(), notes.New(nil))
	if err != nil {
		t.Fatalf("DetectPPM: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1: %+v", len(parts), parts)
	}
	if parts[0].Format != probe.FormatPascal {
		t.Fatalf("Format = %v, want %v", parts[0].Format, probe.FormatPascal)
	}
	if got := parts[0].Store.Len(); got != 5*chunkstore.BlockSize {
		t.Fatalf("partition Len = %d, want %d", got, 5*chunkstore.BlockSize)
	}
}

// writeRawSlot splices a DirEntry directly into directory block blk's
// slot index, bypassing Engine.Create for storage types Create does not
// know how to build (here, the reserved Pascal-area type).
func writeRawSlot(t *testing.T, store chunkstore.Store, blk uint16, index int, de prodos.DirEntry) {
	t.Helper()
	buf := make([]byte, chunkstore.BlockSize)
	if err := store.ReadBlock(int64(blk), buf); err != nil {
		t.Fatalf("reading dir block %d: %v", blk, err)
	}
	raw := de.ToBytes()
	off := 4 + len(raw)*index
	copy(buf[off:off+len(raw)], raw)
	if err := store.WriteBlock(int64(blk), buf); err != nil {
		t.Fatalf("writing dir block %d: %v", blk, err)
	}
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
