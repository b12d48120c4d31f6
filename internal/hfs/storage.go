// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package hfs

import (
	"errors"
	"fmt"

	"github.com/elliotnunn/vintagefs/internal/chunkstore"
)

// extentsAPI is how forkStorage reaches the extents-overflow B*-tree
// (spec.md §4.8's "FileStorage operations... extents found in the
// extents-overflow tree keyed by (cnid, fork, first_ablk_index)"). The
// extents-overflow tree file itself passes a nil extentsAPI: its storage
// is limited to the three MDB-embedded extents — a tree file outgrowing
// three extents would need to insert overflow records into itself
// mid-split, a bootstrapping case real HFS handles but this engine does
// not attempt. The catalog file's storage is given the extents-overflow
// tree like any file fork.
type extentsAPI interface {
	find(cnid CNID, isRsrc bool, firstIndex uint16) (ExtDataRec, bool, error)
	insert(cnid CNID, isRsrc bool, firstIndex uint16, rec ExtDataRec) error
	remove(cnid CNID, isRsrc bool, firstIndex uint16) error
}

// forkStorage is the FileStorage abstraction from spec.md §4.8: a fork's
// first ExtDataRec (three extents, owned by the caller — the MDB or a
// catalog File record) concatenated with any overflow extents found in
// the extents-overflow tree.
type forkStorage struct {
	store   chunkstore.Store
	bitmap  *volBitmap
	ext     extentsAPI // nil for the extents-overflow tree file itself
	cnid    CNID
	isRsrc  bool
	local   *ExtDataRec
	blkSize uint32
	alBlSt  uint16
}

var errExtentOverflow = errors.New("hfs: fork needs overflow extents but none are available")

// descriptors returns every extent descriptor for the fork, local ones
// first, in storage order.
func (fs *forkStorage) descriptors() ([]ExtDescriptor, error) {
	var out []ExtDescriptor
	for _, d := range fs.local {
		if d.BlockCount > 0 {
			out = append(out, d)
		}
	}
	if fs.ext == nil {
		return out, nil
	}
	firstIndex := uint16(fs.local.totalBlocks())
	for {
		rec, ok, err := fs.ext.find(fs.cnid, fs.isRsrc, firstIndex)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		for _, d := range rec {
			if d.BlockCount == 0 {
				break
			}
			out = append(out, d)
			firstIndex += d.BlockCount
		}
	}
	return out, nil
}

func (fs *forkStorage) totalBlocks() (int, error) {
	descs, err := fs.descriptors()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range descs {
		n += int(d.BlockCount)
	}
	return n, nil
}

// ablkAt maps an allocation-block-index within the fork to an absolute
// allocation block number on the volume.
func (fs *forkStorage) ablkAt(index int) (uint16, error) {
	descs, err := fs.descriptors()
	if err != nil {
		return 0, err
	}
	base := 0
	for _, d := range descs {
		if index < base+int(d.BlockCount) {
			return d.StartBlock + uint16(index-base), nil
		}
		base += int(d.BlockCount)
	}
	return 0, fmt.Errorf("hfs: allocation block index %d past fork end: %w", index, errOutOfRange)
}

var errOutOfRange = errors.New("out of range")

func (fs *forkStorage) blocksPerAblk() int64 { return int64(fs.blkSize) / blockSize }

func (fs *forkStorage) logicalBlock(ablk uint16, sub int64) int64 {
	return int64(fs.alBlSt) + int64(ablk)*fs.blocksPerAblk() + sub
}

// readAt reads len(p) bytes at byte offset off within the fork. Bytes
// past the fork's allocated extents are not addressable by this
// function; callers (file.go) clamp to the logical EOF first.
func (fs *forkStorage) readAt(off int64, p []byte) error {
	total := int64(0)
	for total < int64(len(p)) {
		abs := off + total
		ablkIdx := int(abs / int64(fs.blkSize))
		within := abs % int64(fs.blkSize)
		sub512 := within / blockSize
		subOff := within % blockSize
		n := blockSize - subOff
		if n > int64(len(p))-total {
			n = int64(len(p)) - total
		}
		ablk, err := fs.ablkAt(ablkIdx)
		if err != nil {
			return err
		}
		buf := make([]byte, blockSize)
		if err := fs.store.ReadBlock(fs.logicalBlock(ablk, sub512), buf); err != nil {
			return err
		}
		copy(p[total:total+n], buf[subOff:subOff+n])
		total += n
	}
	return nil
}

// writeAt writes len(p) bytes at byte offset off, performing a
// read-modify-write when the span is not 512-byte aligned (spec.md
// §4.8's read/write path).
func (fs *forkStorage) writeAt(off int64, p []byte) error {
	total := int64(0)
	for total < int64(len(p)) {
		abs := off + total
		ablkIdx := int(abs / int64(fs.blkSize))
		within := abs % int64(fs.blkSize)
		sub512 := within / blockSize
		subOff := within % blockSize
		n := blockSize - subOff
		if n > int64(len(p))-total {
			n = int64(len(p)) - total
		}
		ablk, err := fs.ablkAt(ablkIdx)
		if err != nil {
			return err
		}
		logBlk := fs.logicalBlock(ablk, sub512)
		var buf []byte
		if n == blockSize {
			buf = make([]byte, blockSize)
		} else {
			buf = make([]byte, blockSize)
			if err := fs.store.ReadBlock(logBlk, buf); err != nil {
				return err
			}
		}
		copy(buf[subOff:subOff+n], p[total:total+n])
		if err := fs.store.WriteBlock(logBlk, buf); err != nil {
			return err
		}
		total += n
	}
	return nil
}

// extendByOne allocates one more allocation block and appends it to the
// fork's extent chain, per spec.md §4.8's FileStorage.extend.
func (fs *forkStorage) extendByOne() error {
	ablk, err := fs.bitmap.alloc()
	if err != nil {
		return err
	}

	// Prefer extending the last local/overflow extent if contiguous.
	for i := len(fs.local) - 1; i >= 0; i-- {
		d := &fs.local[i]
		if d.BlockCount == 0 {
			continue
		}
		if d.BlockCount > 0 && d.StartBlock+d.BlockCount == ablk {
			d.BlockCount++
			return nil
		}
		break
	}
	for i, d := range fs.local {
		if d.BlockCount == 0 {
			fs.local[i] = ExtDescriptor{StartBlock: ablk, BlockCount: 1}
			return nil
		}
	}

	if fs.ext == nil {
		fs.bitmap.free(ablk)
		return errExtentOverflow
	}

	firstIndex := uint16(fs.local.totalBlocks())
	rec, ok, err := fs.lastOverflowRec(firstIndex)
	if err != nil {
		fs.bitmap.free(ablk)
		return err
	}
	if ok {
		for i := len(rec.rec) - 1; i >= 0; i-- {
			d := &rec.rec[i]
			if d.BlockCount == 0 {
				continue
			}
			if d.BlockCount > 0 && d.StartBlock+d.BlockCount == ablk {
				d.BlockCount++
				return fs.ext.insert(fs.cnid, fs.isRsrc, rec.firstIndex, rec.rec)
			}
			break
		}
		for i, d := range rec.rec {
			if d.BlockCount == 0 {
				rec.rec[i] = ExtDescriptor{StartBlock: ablk, BlockCount: 1}
				return fs.ext.insert(fs.cnid, fs.isRsrc, rec.firstIndex, rec.rec)
			}
		}
	}

	// Every overflow record (if any) is full; start a new one.
	total, err := fs.totalBlocks()
	if err != nil {
		fs.bitmap.free(ablk)
		return err
	}
	newRec := ExtDataRec{{StartBlock: ablk, BlockCount: 1}}
	return fs.ext.insert(fs.cnid, fs.isRsrc, uint16(total), newRec)
}

type overflowRec struct {
	firstIndex uint16
	rec        ExtDataRec
}

// lastOverflowRec returns the last overflow record in the chain starting
// at firstIndex, if any exist.
func (fs *forkStorage) lastOverflowRec(firstIndex uint16) (overflowRec, bool, error) {
	if fs.ext == nil {
		return overflowRec{}, false, nil
	}
	idx := firstIndex
	var last overflowRec
	found := false
	for {
		rec, ok, err := fs.ext.find(fs.cnid, fs.isRsrc, idx)
		if err != nil {
			return overflowRec{}, false, err
		}
		if !ok {
			break
		}
		last = overflowRec{firstIndex: idx, rec: rec}
		found = true
		idx += uint16(rec.totalBlocks())
	}
	return last, found, nil
}

// trim releases allocation blocks beyond keepBlocks, from the end of the
// extent chain inward, deleting overflow records that become empty
// (spec.md §4.8 trim).
func (fs *forkStorage) trim(keepBlocks int) error {
	descs, err := fs.descriptors()
	if err != nil {
		return err
	}
	total := 0
	for _, d := range descs {
		total += int(d.BlockCount)
	}
	for total > keepBlocks {
		d := descs[len(descs)-1]
		release := total - keepBlocks
		if release > int(d.BlockCount) {
			release = int(d.BlockCount)
		}
		for i := 0; i < release; i++ {
			if err := fs.bitmap.free(d.StartBlock + d.BlockCount - 1 - uint16(i)); err != nil {
				return err
			}
		}
		d.BlockCount -= uint16(release)
		total -= release
		if d.BlockCount == 0 {
			descs = descs[:len(descs)-1]
		} else {
			descs[len(descs)-1] = d
		}
	}
	return fs.rewriteDescriptors(descs)
}

// rewriteDescriptors writes descs back as the local extents plus
// whatever overflow records remain, removing now-unused overflow
// records entirely (spec.md §8 scenario 5). It deletes the *old*
// overflow chain (keyed by the local extents' block count before this
// call) before recomputing local, since shrinking the local extents
// shifts the first-ablk-index every surviving overflow record would be
// keyed by.
func (fs *forkStorage) rewriteDescriptors(descs []ExtDescriptor) error {
	if fs.ext != nil {
		idx := uint16(fs.local.totalBlocks())
		for {
			rec, ok, err := fs.ext.find(fs.cnid, fs.isRsrc, idx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			next := idx + uint16(rec.totalBlocks())
			if err := fs.ext.remove(fs.cnid, fs.isRsrc, idx); err != nil {
				return err
			}
			idx = next
		}
	}

	for i := range fs.local {
		if i < len(descs) {
			fs.local[i] = descs[i]
		} else {
			fs.local[i] = ExtDescriptor{}
		}
	}
	if fs.ext == nil {
		return nil
	}
	rest := descs
	if len(rest) > 3 {
		rest = rest[3:]
	} else {
		rest = nil
	}
	idx := uint16(fs.local.totalBlocks())
	for len(rest) > 0 {
		var rec ExtDataRec
		n := copy(rec[:], rest)
		rest = rest[n:]
		if err := fs.ext.insert(fs.cnid, fs.isRsrc, idx, rec); err != nil {
			return err
		}
		for _, d := range rec {
			idx += d.BlockCount
		}
	}
	return nil
}
