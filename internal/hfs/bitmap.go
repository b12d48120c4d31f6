// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package hfs

import (
	"github.com/elliotnunn/vintagefs/internal/allocmap"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
)

// volBitmap wraps an allocmap.Map over HFS allocation blocks, translating
// to/from the on-disk volume bitmap that starts at drVBMSt (spec.md
// §4.8). allocmap.Map already stores true==in-use, the same polarity the
// on-disk bitmap uses (a set bit means allocated), so no inversion is
// needed here — unlike dosfs's VTOC bitmap, which is inverted.
type volBitmap struct {
	store    chunkstore.Store
	startBlk uint16 // drVBMSt, in 512-byte logical blocks
	m        *allocmap.Map
}

// loadVolBitmap reads nAlBlks bits starting at logical block startBlk.
func loadVolBitmap(store chunkstore.Store, startBlk uint16, nAlBlks int) (*volBitmap, error) {
	nBytes := (nAlBlks + 7) / 8
	nBlocks := (nBytes + blockSize - 1) / blockSize
	raw := make([]byte, nBlocks*blockSize)
	for i := 0; i < nBlocks; i++ {
		buf := make([]byte, blockSize)
		if err := store.ReadBlock(int64(startBlk)+int64(i), buf); err != nil {
			return nil, err
		}
		copy(raw[i*blockSize:], buf)
	}
	vb := &volBitmap{store: store, startBlk: startBlk, m: allocmap.New(nAlBlks, 0)}
	vb.m.Load(func(unit int) bool {
		byteIdx, bit := unit/8, 7-uint(unit%8)
		return raw[byteIdx]&(1<<bit) != 0
	})
	return vb, nil
}

// newVolBitmap creates an all-free bitmap for Format.
func newVolBitmap(store chunkstore.Store, startBlk uint16, nAlBlks int) *volBitmap {
	return &volBitmap{store: store, startBlk: startBlk, m: allocmap.New(nAlBlks, 0)}
}

func (vb *volBitmap) alloc() (uint16, error) {
	u, err := vb.m.Alloc()
	if err != nil {
		return 0, err
	}
	return uint16(u), nil
}

func (vb *volBitmap) free(ablk uint16) error  { return vb.m.Free(int(ablk)) }
func (vb *volBitmap) reserve(ablk uint16)     { vb.m.MarkUsed(int(ablk)) }
func (vb *volBitmap) isFree(ablk uint16) bool { return vb.m.IsFree(int(ablk)) }
func (vb *volBitmap) countFree() int          { return vb.m.CountFree() }

func (vb *volBitmap) begin() error  { return vb.m.Begin() }
func (vb *volBitmap) commit() error { return vb.m.Commit() }
func (vb *volBitmap) abort() error  { return vb.m.Abort() }

// flush writes the bitmap back when it has changed since the last flush,
// following §4.8's flush-order rule. Every bitmap block is rewritten, not
// only the blocks whose bits changed.
func (vb *volBitmap) flush() error {
	if !vb.m.Dirty() {
		return nil
	}
	nAlBlks := vb.m.Size()
	nBytes := (nAlBlks + 7) / 8
	nBlocks := (nBytes + blockSize - 1) / blockSize
	raw := make([]byte, nBlocks*blockSize)
	for unit := 0; unit < nAlBlks; unit++ {
		if !vb.m.IsFree(unit) {
			raw[unit/8] |= 1 << uint(7-unit%8)
		}
	}
	for i := 0; i < nBlocks; i++ {
		if err := vb.store.WriteBlock(int64(vb.startBlk)+int64(i), raw[i*blockSize:(i+1)*blockSize]); err != nil {
			return err
		}
	}
	vb.m.ClearDirty()
	return nil
}
