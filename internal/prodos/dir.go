// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package prodos

import (
	"fmt"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

// maxDirChain bounds the directory-block chain walk against a corrupt,
// cyclic Next-pointer chain. ProDOS sets no fixed limit on a directory's
// block count (unlike DOS's 31-sector catalog cap); this is purely a
// loop guard, sized generously above any real volume directory.
const maxDirChain = 65536

func (e *Engine) readDirBlock(blk uint16) (dirBlock, error) {
	buf := make([]byte, blockSize)
	var db dirBlock
	if err := e.store.ReadBlock(int64(blk), buf); err != nil {
		return db, err
	}
	if err := db.FromBytes(buf); err != nil {
		return db, err
	}
	return db, nil
}

func (e *Engine) writeDirBlock(blk uint16, db dirBlock) error {
	return e.store.WriteBlock(int64(blk), db.ToBytes())
}

// chainBlocks returns the ordered block numbers of the directory chain
// starting at keyBlock, following Next pointers.
func (e *Engine) chainBlocks(keyBlock uint16) ([]uint16, error) {
	var blocks []uint16
	blk := keyBlock
	for blk != 0 {
		blocks = append(blocks, blk)
		if len(blocks) > maxDirChain {
			return nil, fmt.Errorf("prodos: directory chain at block %d exceeds %d blocks, probably cyclic: %w", keyBlock, maxDirChain, vfs.ErrInvalidImage)
		}
		db, err := e.readDirBlock(blk)
		if err != nil {
			return nil, err
		}
		blk = db.Next
	}
	return blocks, nil
}

func (e *Engine) readHeaderAt(keyBlock uint16) (Header, error) {
	db, err := e.readDirBlock(keyBlock)
	if err != nil {
		return Header{}, err
	}
	var h Header
	err = h.FromBytes(db.Raw[0][:])
	return h, err
}

func (e *Engine) writeHeaderAt(keyBlock uint16, h Header) error {
	db, err := e.readDirBlock(keyBlock)
	if err != nil {
		return err
	}
	copy(db.Raw[0][:], h.ToBytes())
	return e.writeDirBlock(keyBlock, db)
}

func (e *Engine) readSlotEntry(blk uint16, idx int) (DirEntry, error) {
	db, err := e.readDirBlock(blk)
	if err != nil {
		return DirEntry{}, err
	}
	var de DirEntry
	err = de.FromBytes(db.Raw[idx][:])
	return de, err
}

func (e *Engine) writeSlotEntry(blk uint16, idx int, de DirEntry) error {
	db, err := e.readDirBlock(blk)
	if err != nil {
		return err
	}
	copy(db.Raw[idx][:], de.ToBytes())
	return e.writeDirBlock(blk, db)
}

type slotRef struct {
	block uint16
	index int
}

// findFreeSlot locates the first deleted (empty) non-header slot in the
// directory chain rooted at keyBlock, growing the chain by one block if
// every existing slot is occupied.
func (e *Engine) findFreeSlot(keyBlock uint16) (slotRef, error) {
	blocks, err := e.chainBlocks(keyBlock)
	if err != nil {
		return slotRef{}, err
	}
	for bi, blk := range blocks {
		db, err := e.readDirBlock(blk)
		if err != nil {
			return slotRef{}, err
		}
		start := 0
		if bi == 0 {
			start = 1 // slot 0 is the header
		}
		for idx := start; idx < entriesPerBlock; idx++ {
			var de DirEntry
			if err := de.FromBytes(db.Raw[idx][:]); err != nil {
				return slotRef{}, err
			}
			if de.IsEmpty() {
				return slotRef{block: blk, index: idx}, nil
			}
		}
	}

	last := blocks[len(blocks)-1]
	newBlk, err := e.bitmap.alloc()
	if err != nil {
		return slotRef{}, fmt.Errorf("prodos: %w", errDiskFull)
	}
	if err := e.writeDirBlock(newBlk, dirBlock{Prev: last, Next: 0}); err != nil {
		return slotRef{}, err
	}
	lastDb, err := e.readDirBlock(last)
	if err != nil {
		return slotRef{}, err
	}
	lastDb.Next = newBlk
	if err := e.writeDirBlock(last, lastDb); err != nil {
		return slotRef{}, err
	}
	return slotRef{block: newBlk, index: 0}, nil
}

// freeDirChain releases every block in a subdirectory's own chain, used
// when deleting a (now-empty) subdirectory.
func (e *Engine) freeDirChain(keyBlock uint16) error {
	blocks, err := e.chainBlocks(keyBlock)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := e.bitmap.free(b); err != nil {
			return err
		}
	}
	return nil
}

// buildSubtree walks one directory's chain (rooted at keyBlock) and
// populates parent with a dirtree.Entry per occupied slot, recursing
// into subdirectories. This is ProDOS's counterpart to
// internal/hfs/engine.go's addChildren, here driven by the on-disk
// parent/child block chain directly instead of a catalog B*-tree keyed
// by parent CNID.
func (e *Engine) buildSubtree(parent *dirtree.Entry, keyBlock uint16) error {
	blocks, err := e.chainBlocks(keyBlock)
	if err != nil {
		return err
	}
	for bi, blk := range blocks {
		db, err := e.readDirBlock(blk)
		if err != nil {
			return err
		}
		start := 0
		if bi == 0 {
			start = 1
		}
		for idx := start; idx < entriesPerBlock; idx++ {
			var de DirEntry
			if err := de.FromBytes(db.Raw[idx][:]); err != nil {
				return err
			}
			if de.IsEmpty() {
				continue
			}
			if err := e.addEntry(parent, blk, idx, de); err != nil {
				e.nb.Warnf(fmt.Sprintf("block %d slot %d", blk, idx), fmt.Sprintf("skipping unreadable entry: %v", err))
			}
		}
	}
	return nil
}

func (e *Engine) addEntry(parent *dirtree.Entry, blk uint16, idx int, de DirEntry) error {
	switch de.StorageType {
	case StorageSubdir:
		child := &dirtree.Entry{
			Name:   de.Name,
			IsDir:  true,
			Times:  dirtree.Timestamps{Created: tptr(de.Creation), Modified: tptr(de.LastMod)},
			Status: dirtree.Status{Valid: true},
		}
		rec := &fileRecord{eng: e, parentBlock: blk, entryIndex: idx, headerBlock: de.HeaderPtr, entry: de, isDir: true}
		child.EngineRef = rec
		parent.AddChild(child)
		e.records[child] = rec
		if err := e.buildSubtree(child, de.KeyPointer); err != nil {
			child.Status.Dubious = true
			e.nb.Warnf(de.Name, fmt.Sprintf("subdirectory chain unreadable: %v", err))
			return nil
		}
		return nil

	case StorageSeedling, StorageSapling, StorageTree:
		rec := &fileRecord{
			eng: e, parentBlock: blk, entryIndex: idx, headerBlock: de.HeaderPtr, entry: de,
			data: &storage{store: e.store, bitmap: e.bitmap, StorageType: de.StorageType, KeyBlock: de.KeyPointer},
		}
		child := &dirtree.Entry{
			Name:     de.Name,
			Access:   uint32(de.Access),
			TypeInfo: CreateMode{FileType: de.FileType, AuxType: de.AuxType},
			Sizes:    dirtree.Sizes{DataLen: int64(de.EOF), StorageLen: int64(de.BlocksUsed) * blockSize},
			Times:    dirtree.Timestamps{Created: tptr(de.Creation), Modified: tptr(de.LastMod)},
			Status:   dirtree.Status{Valid: true},
		}
		child.EngineRef = rec
		parent.AddChild(child)
		e.records[child] = rec
		return nil

	case StorageForked:
		buf := make([]byte, blockSize)
		if err := e.store.ReadBlock(int64(de.KeyPointer), buf); err != nil {
			return err
		}
		dataMD := miniFromBytes(buf[0:8])
		rsrcMD := miniFromBytes(buf[256:264])
		rec := &fileRecord{
			eng: e, parentBlock: blk, entryIndex: idx, headerBlock: de.HeaderPtr, entry: de,
			extKeyBlock: de.KeyPointer,
			data:        &storage{store: e.store, bitmap: e.bitmap, StorageType: dataMD.StorageType, KeyBlock: dataMD.KeyBlock},
			rsrc:        &storage{store: e.store, bitmap: e.bitmap, StorageType: rsrcMD.StorageType, KeyBlock: rsrcMD.KeyBlock},
		}
		child := &dirtree.Entry{
			Name:     de.Name,
			Access:   uint32(de.Access),
			TypeInfo: CreateMode{FileType: de.FileType, AuxType: de.AuxType},
			Sizes: dirtree.Sizes{
				DataLen:    int64(dataMD.EOF),
				RsrcLen:    int64(rsrcMD.EOF),
				StorageLen: int64(de.BlocksUsed) * blockSize,
			},
			Times:  dirtree.Timestamps{Created: tptr(de.Creation), Modified: tptr(de.LastMod)},
			Status: dirtree.Status{Valid: true},
		}
		child.EngineRef = rec
		parent.AddChild(child)
		e.records[child] = rec
		return nil

	case StoragePascalArea:
		// Reserved partition-descriptor files (PPM's PASCAL.AREA) are
		// surfaced for listing and for internal/embedded's inspection but
		// are not addressable through the ordinary fork-storage path: their
		// block indirection is consumed whole by the embedded detector,
		// never by Open (spec.md §4.6, §4.10). EngineRef carries just
		// enough (the key block) for internal/embedded to locate the
		// partition map without reaching into engine-private state.
		child := &dirtree.Entry{
			Name:     de.Name,
			TypeInfo: de.StorageType,
			Sizes:    dirtree.Sizes{DataLen: int64(de.EOF), StorageLen: int64(de.BlocksUsed) * blockSize},
			Times:    dirtree.Timestamps{Created: tptr(de.Creation), Modified: tptr(de.LastMod)},
			Status:   dirtree.Status{Valid: true},
			EngineRef: PascalAreaRef{KeyBlock: de.KeyPointer, BlocksUsed: de.BlocksUsed},
		}
		parent.AddChild(child)
		return nil

	default:
		e.nb.Warnf(fmt.Sprintf("block %d slot %d", blk, idx), fmt.Sprintf("unrecognized storage type %#x", de.StorageType))
		return nil
	}
}

// scanDir marks every directory block and every file's storage blocks
// (including index/master-index blocks) with an owner, per spec.md
// §4.2/§4.9. Unlike HFS's catalog/extents B*-tree files, ProDOS's
// directory blocks and free-block bitmap live in the same uniformly
// addressed block space as file data, so they are claimed as SYSTEM here
// rather than sitting outside VolumeUsage's domain.
func (e *Engine) scanDir(usage *volumeusage.Usage, keyBlock uint16, nextID *uint64) error {
	blocks, err := e.chainBlocks(keyBlock)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		usage.SetOwner(int(b), volumeusage.SystemOwner())
	}
	for bi, blk := range blocks {
		db, err := e.readDirBlock(blk)
		if err != nil {
			return err
		}
		start := 0
		if bi == 0 {
			start = 1
		}
		for idx := start; idx < entriesPerBlock; idx++ {
			var de DirEntry
			if err := de.FromBytes(db.Raw[idx][:]); err != nil {
				continue
			}
			if de.IsEmpty() {
				continue
			}
			if err := e.scanEntry(usage, de, nextID); err != nil {
				e.nb.Warnf(de.Name, fmt.Sprintf("scan: %v", err))
			}
		}
	}
	return nil
}

func (e *Engine) scanEntry(usage *volumeusage.Usage, de DirEntry, nextID *uint64) error {
	switch de.StorageType {
	case StorageSubdir:
		return e.scanDir(usage, de.KeyPointer, nextID)
	case StorageSeedling, StorageSapling, StorageTree:
		*nextID++
		owner := volumeusage.FileOwner(*nextID)
		st := &storage{store: e.store, bitmap: e.bitmap, StorageType: de.StorageType, KeyBlock: de.KeyPointer}
		return markStorageUsage(usage, st, owner)
	case StorageForked:
		*nextID++
		owner := volumeusage.FileOwner(*nextID)
		usage.SetOwner(int(de.KeyPointer), owner)
		buf := make([]byte, blockSize)
		if err := e.store.ReadBlock(int64(de.KeyPointer), buf); err != nil {
			return err
		}
		dataMD := miniFromBytes(buf[0:8])
		rsrcMD := miniFromBytes(buf[256:264])
		if err := markStorageUsage(usage, &storage{store: e.store, bitmap: e.bitmap, StorageType: dataMD.StorageType, KeyBlock: dataMD.KeyBlock}, owner); err != nil {
			return err
		}
		return markStorageUsage(usage, &storage{store: e.store, bitmap: e.bitmap, StorageType: rsrcMD.StorageType, KeyBlock: rsrcMD.KeyBlock}, owner)
	case StoragePascalArea:
		// Simplification: only the descriptor's own key block is claimed
		// here; internal/embedded reads the partition's own content
		// directly and is the authority on what those blocks contain.
		if de.KeyPointer != 0 {
			usage.SetOwner(int(de.KeyPointer), volumeusage.SystemOwner())
		}
		return nil
	}
	return nil
}

func markStorageUsage(usage *volumeusage.Usage, st *storage, owner volumeusage.Owner) error {
	if st.KeyBlock == 0 {
		return nil
	}
	switch st.StorageType {
	case StorageSeedling:
		usage.SetOwner(int(st.KeyBlock), owner)
	case StorageSapling:
		usage.SetOwner(int(st.KeyBlock), owner)
		buf, err := st.readIndexBlock(st.KeyBlock)
		if err != nil {
			return err
		}
		for i := 0; i < 256; i++ {
			if v := indexGet(buf, i); v != 0 {
				usage.SetOwner(int(v), owner)
			}
		}
	case StorageTree:
		usage.SetOwner(int(st.KeyBlock), owner)
		master, err := st.readIndexBlock(st.KeyBlock)
		if err != nil {
			return err
		}
		for mi := 0; mi < 128; mi++ {
			sub := indexGet(master, mi)
			if sub == 0 {
				continue
			}
			usage.SetOwner(int(sub), owner)
			subBuf, err := st.readIndexBlock(sub)
			if err != nil {
				return err
			}
			for si := 0; si < 256; si++ {
				if v := indexGet(subBuf, si); v != 0 {
					usage.SetOwner(int(v), owner)
				}
			}
		}
	}
	return nil
}
