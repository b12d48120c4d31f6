// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package prodos

import (
	"github.com/elliotnunn/vintagefs/internal/allocmap"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
)

// blockBitmap wraps an allocmap.Map over ProDOS's free-block bitmap,
// which starts at the block recorded in the volume header (usually
// block 6), one bit per block, 1 == free (spec.md §4.9). This mirrors
// internal/hfs/bitmap.go's volBitmap almost exactly; ProDOS and HFS
// happen to share the same "most-significant bit is the lowest-numbered
// unit" bitmap convention, so only the allocated-vs-free polarity
// differs (inverted here, same as dosfs's VTOC bitmap) — allocmap.Map
// itself always stores true==in-use and leaves inversion to the caller.
type blockBitmap struct {
	store    chunkstore.Store
	startBlk uint16
	m        *allocmap.Map
}

func loadBlockBitmap(store chunkstore.Store, startBlk uint16, totalBlocks int) (*blockBitmap, error) {
	nBytes := (totalBlocks + 7) / 8
	nBlocks := (nBytes + blockSize - 1) / blockSize
	raw := make([]byte, nBlocks*blockSize)
	for i := 0; i < nBlocks; i++ {
		buf := make([]byte, blockSize)
		if err := store.ReadBlock(int64(startBlk)+int64(i), buf); err != nil {
			return nil, err
		}
		copy(raw[i*blockSize:], buf)
	}
	bb := &blockBitmap{store: store, startBlk: startBlk, m: allocmap.New(totalBlocks, 0)}
	bb.m.Load(func(unit int) bool {
		byteIdx, bit := unit/8, 7-uint(unit%8)
		return raw[byteIdx]&(1<<bit) == 0 // on-disk 1 == free, allocmap true == in-use
	})
	return bb, nil
}

func newBlockBitmap(store chunkstore.Store, startBlk uint16, totalBlocks int) *blockBitmap {
	return &blockBitmap{store: store, startBlk: startBlk, m: allocmap.New(totalBlocks, 0)}
}

func (bb *blockBitmap) alloc() (uint16, error) {
	u, err := bb.m.Alloc()
	if err != nil {
		return 0, err
	}
	return uint16(u), nil
}

func (bb *blockBitmap) free(blk uint16) error  { return bb.m.Free(int(blk)) }
func (bb *blockBitmap) reserve(blk uint16)     { bb.m.MarkUsed(int(blk)) }
func (bb *blockBitmap) isFree(blk uint16) bool { return bb.m.IsFree(int(blk)) }
func (bb *blockBitmap) countFree() int         { return bb.m.CountFree() }

func (bb *blockBitmap) begin() error  { return bb.m.Begin() }
func (bb *blockBitmap) commit() error { return bb.m.Commit() }
func (bb *blockBitmap) abort() error  { return bb.m.Abort() }

// flush writes the bitmap back when it has changed since the last flush.
// Every bitmap block is rewritten, not only the blocks whose bits changed.
func (bb *blockBitmap) flush() error {
	if !bb.m.Dirty() {
		return nil
	}
	total := bb.m.Size()
	nBytes := (total + 7) / 8
	nBlocks := (nBytes + blockSize - 1) / blockSize
	raw := make([]byte, nBlocks*blockSize)
	for unit := 0; unit < total; unit++ {
		if bb.m.IsFree(unit) {
			raw[unit/8] |= 1 << uint(7-unit%8)
		}
	}
	for i := 0; i < nBlocks; i++ {
		if err := bb.store.WriteBlock(int64(bb.startBlk)+int64(i), raw[i*blockSize:(i+1)*blockSize]); err != nil {
			return err
		}
	}
	bb.m.ClearDirty()
	return nil
}
