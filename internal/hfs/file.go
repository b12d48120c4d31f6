// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package hfs

import (
	"fmt"
	"io"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
)

// fileHandle implements vfs.Descriptor over one fork of an HFS file,
// mirroring the teacher's dosfs.fileHandle shape but without DOS's
// cooked-length header-word complexity: HFS stores a fork's logical
// length directly in the catalog File record (spec.md §4.8).
type fileHandle struct {
	eng    *Engine
	entry  *dirtree.Entry
	fi     *fileInfo
	isRsrc bool
	rw     bool
	pos    int64
	closed bool
}

func (h *fileHandle) storage() *forkStorage {
	if h.isRsrc {
		return h.fi.rsrcFork
	}
	return h.fi.dataFork
}

func (h *fileHandle) logicalLen() int64 {
	if h.isRsrc {
		return int64(h.fi.fil.RsrcLLen)
	}
	return int64(h.fi.fil.DataLLen)
}

func (h *fileHandle) setLogicalLen(n int64) {
	if h.isRsrc {
		h.fi.fil.RsrcLLen = uint32(n)
	} else {
		h.fi.fil.DataLLen = uint32(n)
	}
}

func (h *fileHandle) Read(p []byte) (int, error) {
	length := h.logicalLen()
	if h.pos >= length {
		return 0, io.EOF
	}
	n := int64(len(p))
	if n > length-h.pos {
		n = length - h.pos
	}
	if err := h.storage().readAt(h.pos, p[:n]); err != nil {
		return 0, err
	}
	h.pos += n
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (h *fileHandle) Write(p []byte) (int, error) {
	if !h.rw {
		return 0, fmt.Errorf("hfs: %w", vfs.ErrReadOnly)
	}
	end := h.pos + int64(len(p))
	if end > 1<<32-1 {
		return 0, fmt.Errorf("hfs: fork would exceed 4 GiB: %w", vfs.ErrFileTooLarge)
	}
	if err := h.ensureCapacity(end); err != nil {
		return 0, err
	}
	if err := h.storage().writeAt(h.pos, p); err != nil {
		return 0, err
	}
	h.pos += int64(len(p))
	if h.pos > h.logicalLen() {
		h.setLogicalLen(h.pos)
	}
	return len(p), nil
}

// ensureCapacity grows the fork's allocation to cover byte offset end,
// allocating one allocation block at a time (spec.md §4.8).
func (h *fileHandle) ensureCapacity(end int64) error {
	blkSize := int64(h.eng.mdb.AlBlkSiz)
	needBlocks := int((end + blkSize - 1) / blkSize)
	cur, err := h.storage().totalBlocks()
	if err != nil {
		return err
	}
	for cur < needBlocks {
		if err := h.storage().extendByOne(); err != nil {
			return fmt.Errorf("hfs: %w", vfs.ErrDiskFull)
		}
		cur++
	}
	return nil
}

func (h *fileHandle) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		base = h.logicalLen()
	default:
		return 0, fmt.Errorf("hfs: sparse seek whences are not supported by this format: %w", vfs.ErrNotSupported)
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, fmt.Errorf("hfs: negative seek position: %w", vfs.ErrOutOfRange)
	}
	h.pos = newPos
	return h.pos, nil
}

// SetLen implements truncate/grow (spec.md §4.8 trim; §8 scenario 5).
// HFS has no documented sparse-zero-fill guarantee on growth (unlike
// DOS/ProDOS, spec.md §8 scenario 3), so growing past the current
// allocation here simply extends storage without zeroing new blocks.
func (h *fileHandle) SetLen(n int64) error {
	if !h.rw {
		return fmt.Errorf("hfs: %w", vfs.ErrReadOnly)
	}
	if n < 0 {
		return fmt.Errorf("hfs: negative length: %w", vfs.ErrOutOfRange)
	}
	blkSize := int64(h.eng.mdb.AlBlkSiz)
	needBlocks := int((n + blkSize - 1) / blkSize)
	if n < h.logicalLen() {
		if err := h.storage().trim(needBlocks); err != nil {
			return err
		}
	} else if err := h.ensureCapacity(n); err != nil {
		return err
	}
	h.setLogicalLen(n)
	if h.pos > n {
		h.pos = n
	}
	return nil
}

// Flush trims storage to the logical length, writes the updated catalog
// record, and flushes the whole engine, per spec.md §4.8's flush order:
// "file descriptors call trim, then write the catalog record, then the
// MDB/bitmap/alternate-MDB flush."
func (h *fileHandle) Flush() error {
	fs := h.storage()
	blkSize := int64(h.eng.mdb.AlBlkSiz)
	needBlocks := int((h.logicalLen() + blkSize - 1) / blkSize)
	if err := fs.trim(needBlocks); err != nil {
		return err
	}
	total, err := fs.totalBlocks()
	if err != nil {
		return err
	}
	if h.isRsrc {
		h.fi.fil.RsrcPLen = uint32(total) * h.eng.mdb.AlBlkSiz
	} else {
		h.fi.fil.DataPLen = uint32(total) * h.eng.mdb.AlBlkSiz
	}
	if err := h.eng.catTree.bt.insert(catalogKey{Parent: h.fi.parent, Name: h.fi.name}.encode(), h.fi.fil.ToBytes()); err != nil {
		return err
	}
	h.entry.Sizes = dirtree.Sizes{
		DataLen:    int64(h.fi.fil.DataLLen),
		RsrcLen:    int64(h.fi.fil.RsrcLLen),
		StorageLen: int64(h.fi.fil.DataPLen) + int64(h.fi.fil.RsrcPLen),
	}
	return h.eng.Flush()
}

func (h *fileHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.Flush()
}
