// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package prodos implements the ProDOS engine described in spec.md §4.9
// (component C9, CORE scope): a real hierarchical directory tree rooted
// at block 2, seedling/sapling/tree file storage, and forked
// (data+resource) files. See wire.go for the on-disk struct layouts,
// bitmap.go for the free-block bitmap, storage.go for one fork's
// indirection chain, dir.go for directory-block-chain management and the
// DirTree walk, and this file for the vfs.Engine adapter that ties them
// together, in the same shape as internal/hfs/engine.go and
// internal/dosfs/engine.go: Mount/Blank, Root/Scan/Open/Create/Delete/
// Move/AddRsrcFork/Format/Flush.
package prodos

import (
	"fmt"
	"time"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

// Options configures a ProDOS mount. Reserved for future tunables; empty
// today, mirroring internal/hfs.Options.
type Options struct{}

// CreateMode carries the ProDOS file-type byte and aux type for
// Mount.Create, ProDOS's realization of vfs.CreateMode.
type CreateMode struct {
	IsDir    bool
	FileType byte
	AuxType  uint16
}

// Engine implements vfs.Engine for ProDOS (spec.md §4.9).
type Engine struct {
	store chunkstore.Store
	nb    *notes.Buffer

	header Header // volume directory header, block 2 slot 0
	bitmap *blockBitmap

	root    *dirtree.Entry
	records map[*dirtree.Entry]*fileRecord
}

const volumeHeaderBlock = 2

// ProbeHeader reads block 2 of store and parses it as a volume directory
// header, without constructing an Engine. It is the structural check
// internal/probe.ProDOS runs before committing to a full Mount, per
// spec.md §4.4 ("probes the volume directory header's storage type
// nibble and block links").
func ProbeHeader(store chunkstore.Store) (Header, bool) {
	buf := make([]byte, blockSize)
	if err := store.ReadBlock(volumeHeaderBlock, buf); err != nil {
		return Header{}, false
	}
	var db dirBlock
	if err := db.FromBytes(buf); err != nil {
		return Header{}, false
	}
	var h Header
	if err := h.FromBytes(db.Raw[0][:]); err != nil {
		return Header{}, false
	}
	if h.StorageType != StorageVolumeHeader {
		return Header{}, false
	}
	return h, true
}

// Adapt returns a vfs.NewEngine suitable for vfs.New.
func Adapt(opts Options) vfs.NewEngine {
	return func(store chunkstore.Store, nb *notes.Buffer) (vfs.Engine, error) {
		return Mount(store, nb, opts)
	}
}

// Mount parses the volume directory header and free-block bitmap, then
// builds the DirTree by walking the directory chain from block 2.
func Mount(store chunkstore.Store, nb *notes.Buffer, opts Options) (*Engine, error) {
	e := &Engine{store: store, nb: nb, records: make(map[*dirtree.Entry]*fileRecord)}

	hdr, err := e.readHeaderAt(volumeHeaderBlock)
	if err != nil {
		return nil, fmt.Errorf("prodos: reading volume header: %w", err)
	}
	if hdr.StorageType != StorageVolumeHeader {
		return nil, fmt.Errorf("prodos: block 2 is not a volume directory header: %w", vfs.ErrInvalidImage)
	}
	if hdr.Name == "" || hdr.TotalBlocks == 0 {
		return nil, fmt.Errorf("prodos: empty volume name or total_blocks: %w", vfs.ErrInvalidImage)
	}
	totalBlocks := store.Geometry().Blocks
	if totalBlocks == 0 {
		totalBlocks = store.Len() / blockSize
	}
	if int64(hdr.TotalBlocks) > totalBlocks {
		return nil, fmt.Errorf("prodos: header total_blocks %d exceeds image size: %w", hdr.TotalBlocks, vfs.ErrInvalidImage)
	}
	e.header = hdr

	bitmap, err := loadBlockBitmap(store, hdr.BitMapPointer, int(hdr.TotalBlocks))
	if err != nil {
		return nil, fmt.Errorf("prodos: reading free-block bitmap: %w", err)
	}
	e.bitmap = bitmap

	e.root = dirtree.NewRoot(hdr.Name)
	if err := e.buildSubtree(e.root, volumeHeaderBlock); err != nil {
		return nil, err
	}
	return e, nil
}

// Blank constructs an Engine over an unformatted image; callers must
// follow with Format before any other operation.
func Blank(store chunkstore.Store, nb *notes.Buffer, opts Options) (*Engine, error) {
	return &Engine{store: store, nb: nb, records: make(map[*dirtree.Entry]*fileRecord)}, nil
}

func tptr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// PascalAreaRef is the EngineRef carried by a storage-type-4
// (Pascal-area/PPM partition descriptor) entry: just enough to let
// internal/embedded locate the descriptor's key block, per spec.md
// §4.10's PPM discovery.
type PascalAreaRef struct {
	KeyBlock   uint16
	BlocksUsed uint16
}

// TotalBlocks reports the volume's block count, for callers (such as
// internal/embedded's DOS-MASTER scan) that need to walk the full block
// range without engine-private access.
func (e *Engine) TotalBlocks() int { return int(e.header.TotalBlocks) }

// IsBlockFree reports whether blk is free per the volume's free-block
// bitmap, for internal/embedded's "in-use but unowned" scan (spec.md
// §4.10, ProDOS-embedded DOS).
func (e *Engine) IsBlockFree(blk uint16) bool { return e.bitmap.isFree(blk) }

// Root implements vfs.Engine.
func (e *Engine) Root() *dirtree.Entry { return e.root }

// SupportsRsrcFork implements vfs.Engine: ProDOS files carry a resource
// fork only once converted to storage type 5 via AddRsrcFork.
func (e *Engine) SupportsRsrcFork() bool { return true }

// Scan implements vfs.Engine.
func (e *Engine) Scan(usage *volumeusage.Usage) error {
	usage.SetOwner(0, volumeusage.SystemOwner())
	usage.SetOwner(1, volumeusage.SystemOwner())
	bitmapBytes := (int(e.header.TotalBlocks) + 7) / 8
	bitmapBlocks := (bitmapBytes + blockSize - 1) / blockSize
	for i := 0; i < bitmapBlocks; i++ {
		usage.SetOwner(int(e.header.BitMapPointer)+i, volumeusage.SystemOwner())
	}
	var nextID uint64
	return e.scanDir(usage, volumeHeaderBlock, &nextID)
}

// Open implements vfs.Engine.
func (e *Engine) Open(entry *dirtree.Entry, mode vfs.Mode, part vfs.Part) (vfs.Descriptor, error) {
	rec, ok := e.records[entry]
	if !ok || rec.isDir {
		return nil, fmt.Errorf("prodos: %w", vfs.ErrNotFound)
	}
	return newFileHandle(rec, entry, mode == vfs.RW, part == vfs.RsrcFork)
}

// parentKeyBlock returns the directory key block backing parent, which
// must be either the root or a tracked subdirectory.
func (e *Engine) parentKeyBlock(parent *dirtree.Entry) (uint16, error) {
	if parent == e.root {
		return volumeHeaderBlock, nil
	}
	rec, ok := e.records[parent]
	if !ok || !rec.isDir {
		return 0, fmt.Errorf("prodos: %w", vfs.ErrNotSupported)
	}
	return rec.entry.KeyPointer, nil
}

// Create implements vfs.Engine. createMode, if non-nil, must be a
// prodos.CreateMode; its zero value creates an empty file with file
// type 0x00 ("unknown").
func (e *Engine) Create(parent *dirtree.Entry, name string, createMode vfs.CreateMode) (*dirtree.Entry, error) {
	parentBlock, err := e.parentKeyBlock(parent)
	if err != nil {
		return nil, err
	}
	if !validName(name) {
		return nil, fmt.Errorf("prodos: %w", vfs.ErrInvalidName)
	}
	cm := CreateMode{}
	if createMode != nil {
		c, ok := createMode.(CreateMode)
		if !ok {
			return nil, fmt.Errorf("prodos: create_mode must be a prodos.CreateMode: %w", vfs.ErrInvalidMode)
		}
		cm = c
	}

	slot, err := e.findFreeSlot(parentBlock)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	parentHeaderBlock := parentBlock

	var entry *dirtree.Entry
	var rec *fileRecord
	if cm.IsDir {
		dirBlk, err := e.bitmap.alloc()
		if err != nil {
			return nil, fmt.Errorf("prodos: %w", errDiskFull)
		}
		if err := e.writeDirBlock(dirBlk, dirBlock{}); err != nil {
			return nil, err
		}
		subHdr := Header{
			StorageType: StorageSubdirHeader, Name: name, Creation: now,
			EntryLength: entryLen, EntriesPerBlock: entriesPerBlock,
			ParentPointer: slot.block, ParentEntryNum: byte(slot.index), ParentEntryLength: entryLen,
			Access: defaultAccess,
		}
		if err := e.writeHeaderAt(dirBlk, subHdr); err != nil {
			return nil, err
		}
		de := DirEntry{
			StorageType: StorageSubdir, Name: name, KeyPointer: dirBlk, BlocksUsed: 1,
			Creation: now, LastMod: now, Access: defaultAccess, HeaderPtr: parentHeaderBlock,
		}
		if err := e.writeSlotEntry(slot.block, slot.index, de); err != nil {
			return nil, err
		}
		rec = &fileRecord{eng: e, parentBlock: slot.block, entryIndex: slot.index, headerBlock: parentHeaderBlock, entry: de, isDir: true}
		entry = &dirtree.Entry{Name: name, IsDir: true, Status: dirtree.Status{Valid: true}}
	} else {
		de := DirEntry{
			StorageType: StorageSeedling, Name: name, FileType: cm.FileType, AuxType: cm.AuxType,
			Creation: now, LastMod: now, Access: defaultAccess, HeaderPtr: parentHeaderBlock,
		}
		if err := e.writeSlotEntry(slot.block, slot.index, de); err != nil {
			return nil, err
		}
		rec = &fileRecord{
			eng: e, parentBlock: slot.block, entryIndex: slot.index, headerBlock: parentHeaderBlock, entry: de,
			data: &storage{store: e.store, bitmap: e.bitmap, StorageType: StorageSeedling},
		}
		entry = &dirtree.Entry{Name: name, TypeInfo: CreateMode{FileType: cm.FileType, AuxType: cm.AuxType}, Status: dirtree.Status{Valid: true}}
	}
	entry.EngineRef = rec
	parent.AddChild(entry)
	e.records[entry] = rec

	if err := e.bumpFileCount(parentHeaderBlock, 1); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) bumpFileCount(headerBlock uint16, delta int) error {
	h, err := e.readHeaderAt(headerBlock)
	if err != nil {
		return err
	}
	h.FileCount = uint16(int(h.FileCount) + delta)
	if err := e.writeHeaderAt(headerBlock, h); err != nil {
		return err
	}
	if headerBlock == volumeHeaderBlock {
		e.header = h
	}
	return nil
}

// Delete implements vfs.Engine.
func (e *Engine) Delete(entry *dirtree.Entry) error {
	rec, ok := e.records[entry]
	if !ok {
		return fmt.Errorf("prodos: %w", vfs.ErrNotFound)
	}
	if rec.isDir {
		if len(entry.Children()) > 0 {
			return fmt.Errorf("prodos: directory %q is not empty: %w", entry.Path(), vfs.ErrNotSupported)
		}
		if err := e.freeDirChain(rec.entry.KeyPointer); err != nil {
			return err
		}
	} else {
		if err := rec.data.trim(0); err != nil {
			return err
		}
		if rec.rsrc != nil {
			if err := rec.rsrc.trim(0); err != nil {
				return err
			}
			if err := e.bitmap.free(rec.extKeyBlock); err != nil {
				return err
			}
		}
	}
	if err := e.writeSlotEntry(rec.parentBlock, rec.entryIndex, DirEntry{}); err != nil {
		return err
	}
	if err := e.bumpFileCount(rec.headerBlock, -1); err != nil {
		return err
	}

	parent := entry.Parent()
	parent.RemoveChild(entry)
	delete(e.records, entry)
	return nil
}

// Move implements vfs.Engine: reparents and/or renames entry, relying on
// ProDOS's real directory hierarchy (unlike DOS's flat catalog) to
// support true reparenting.
func (e *Engine) Move(entry, newParent *dirtree.Entry, newName string) error {
	rec, ok := e.records[entry]
	if !ok {
		return fmt.Errorf("prodos: %w", vfs.ErrNotFound)
	}
	if !validName(newName) {
		return fmt.Errorf("prodos: %w", vfs.ErrInvalidName)
	}
	newParentBlock, err := e.parentKeyBlock(newParent)
	if err != nil {
		return err
	}
	newHeaderBlock := newParentBlock
	oldHeaderBlock := rec.headerBlock

	slot, err := e.findFreeSlot(newParentBlock)
	if err != nil {
		return err
	}

	de := rec.entry
	de.Name = newName
	de.HeaderPtr = newHeaderBlock
	if err := e.writeSlotEntry(slot.block, slot.index, de); err != nil {
		return err
	}
	if err := e.writeSlotEntry(rec.parentBlock, rec.entryIndex, DirEntry{}); err != nil {
		return err
	}

	if rec.isDir {
		subHdr, err := e.readHeaderAt(rec.entry.KeyPointer)
		if err != nil {
			return err
		}
		subHdr.ParentPointer = slot.block
		subHdr.ParentEntryNum = byte(slot.index)
		if err := e.writeHeaderAt(rec.entry.KeyPointer, subHdr); err != nil {
			return err
		}
	}

	if err := e.bumpFileCount(oldHeaderBlock, -1); err != nil {
		return err
	}
	if err := e.bumpFileCount(newHeaderBlock, 1); err != nil {
		return err
	}

	rec.entry = de
	rec.parentBlock = slot.block
	rec.entryIndex = slot.index
	rec.headerBlock = newHeaderBlock

	oldParent := entry.Parent()
	oldParent.RemoveChild(entry)
	newParent.AddChild(entry)
	entry.Name = newName
	return nil
}

// AddRsrcFork implements vfs.Engine: converts a seedling/sapling/tree
// file into a forked (storage type 5) file with an allocated extended
// key block holding two mini-descriptors, per spec.md §4.9.
func (e *Engine) AddRsrcFork(entry *dirtree.Entry) error {
	rec, ok := e.records[entry]
	if !ok || rec.isDir {
		return fmt.Errorf("prodos: %w", vfs.ErrNotSupported)
	}
	if rec.rsrc != nil {
		return nil // already forked
	}

	extBlk, err := e.bitmap.alloc()
	if err != nil {
		return fmt.Errorf("prodos: %w", errDiskFull)
	}
	dataBU, err := rec.data.blocksUsed()
	if err != nil {
		return err
	}
	buf := make([]byte, blockSize)
	dataMD := miniDesc{StorageType: rec.data.StorageType, KeyBlock: rec.data.KeyBlock, BlocksUsed: uint16(dataBU), EOF: rec.entry.EOF}
	rsrcMD := miniDesc{StorageType: StorageSeedling}
	copy(buf[0:8], dataMD.toBytes())
	copy(buf[256:264], rsrcMD.toBytes())
	if err := e.store.WriteBlock(int64(extBlk), buf); err != nil {
		return err
	}

	rec.extKeyBlock = extBlk
	rec.rsrc = &storage{store: e.store, bitmap: e.bitmap, StorageType: StorageSeedling}
	rec.entry.StorageType = StorageForked
	rec.entry.KeyPointer = extBlk
	rec.entry.BlocksUsed = uint16(dataBU + 1)
	if err := e.writeSlotEntry(rec.parentBlock, rec.entryIndex, rec.entry); err != nil {
		return err
	}
	entry.Sizes.StorageLen = int64(rec.entry.BlocksUsed) * blockSize
	return nil
}

const defaultAccess = 0xC3 // destroy + rename + read + write, no change-invisible bit

// Flush implements vfs.Engine: writes the dirty free-block bitmap.
// Directory entries and blocks are written through immediately by
// Create/Delete/Move/fileRecord.flush, so no other deferred state
// remains to persist here.
func (e *Engine) Flush() error {
	return e.bitmap.flush()
}

// Format implements vfs.Engine: lays out a fresh volume directory header
// (blocks 2-5) and free-block bitmap, per spec.md §4.9.
func (e *Engine) Format(name string, num int, bootable bool) error {
	totalBlocks := e.store.Geometry().Blocks
	if totalBlocks == 0 {
		totalBlocks = e.store.Len() / blockSize
	}
	if !validName(name) {
		return fmt.Errorf("prodos: %w", vfs.ErrInvalidName)
	}

	bitmapStart := uint16(6)
	bitmapBytes := (int(totalBlocks) + 7) / 8
	bitmapBlocks := (bitmapBytes + blockSize - 1) / blockSize
	dirBlocks := []uint16{2, 3, 4, 5}
	if int64(bitmapStart)+int64(bitmapBlocks) >= totalBlocks {
		return fmt.Errorf("prodos: image too small to format: %w", vfs.ErrInvalidImage)
	}

	now := time.Now()
	e.bitmap = newBlockBitmap(e.store, bitmapStart, int(totalBlocks))
	e.bitmap.reserve(0)
	e.bitmap.reserve(1)
	for _, b := range dirBlocks {
		e.bitmap.reserve(b)
	}
	for i := 0; i < bitmapBlocks; i++ {
		e.bitmap.reserve(bitmapStart + uint16(i))
	}

	for i, b := range dirBlocks {
		var db dirBlock
		if i > 0 {
			db.Prev = dirBlocks[i-1]
		}
		if i < len(dirBlocks)-1 {
			db.Next = dirBlocks[i+1]
		}
		if err := e.writeDirBlock(b, db); err != nil {
			return err
		}
	}

	hdr := Header{
		StorageType: StorageVolumeHeader, Name: name, Creation: now,
		EntryLength: entryLen, EntriesPerBlock: entriesPerBlock,
		Access: defaultAccess, BitMapPointer: bitmapStart, TotalBlocks: uint16(totalBlocks),
	}
	if err := e.writeHeaderAt(volumeHeaderBlock, hdr); err != nil {
		return err
	}
	e.header = hdr

	e.root = dirtree.NewRoot(name)
	e.records = make(map[*dirtree.Entry]*fileRecord)

	_ = bootable // boot-block code generation is out of scope, as in internal/hfs.Format and internal/dosfs.Format
	_ = num      // ProDOS has no numeric volume identifier (DOS's VTOC.Volume equivalent)
	return e.Flush()
}
