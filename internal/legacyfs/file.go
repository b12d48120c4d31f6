// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package legacyfs

import (
	"fmt"
	"io"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
)

// fileHandle implements vfs.Descriptor over one fork of an MFS file,
// mirroring internal/hfs/file.go's shape but reading/writing through a
// single contiguous extent instead of a three-descriptor-plus-overflow
// fork store.
type fileHandle struct {
	eng    *Engine
	entry  *dirtree.Entry
	fi     *fileInfo
	isRsrc bool
	rw     bool
	pos    int64
	closed bool
}

func (h *fileHandle) ext() *extent {
	if h.isRsrc {
		return &h.fi.rsrc
	}
	return &h.fi.data
}

func (h *fileHandle) logicalLen() int64 {
	if h.isRsrc {
		return int64(h.fi.ent.RsrcLLen)
	}
	return int64(h.fi.ent.DataLLen)
}

func (h *fileHandle) setLogicalLen(n int64) {
	if h.isRsrc {
		h.fi.ent.RsrcLLen = uint32(n)
	} else {
		h.fi.ent.DataLLen = uint32(n)
	}
}

// readRaw/writeRaw address a fork's extent at byte granularity, reading
// or writing whole logical blocks and splicing at the edges — the same
// read-modify-write shape internal/hfs/storage.go uses for unaligned
// spans, simplified here since a fork is always one contiguous run.
func (h *fileHandle) readRaw(off int64, p []byte) error {
	x := h.ext()
	base := h.eng.ablkToLogical(x.start)
	firstBlock := off / blockSize
	lastBlock := (off + int64(len(p)) - 1) / blockSize
	buf := make([]byte, (lastBlock-firstBlock+1)*blockSize)
	for i := int64(0); i <= lastBlock-firstBlock; i++ {
		if err := h.eng.store.ReadBlock(base+firstBlock+i, buf[i*blockSize:(i+1)*blockSize]); err != nil {
			return err
		}
	}
	copy(p, buf[off-firstBlock*blockSize:])
	return nil
}

func (h *fileHandle) writeRaw(off int64, p []byte) error {
	x := h.ext()
	base := h.eng.ablkToLogical(x.start)
	firstBlock := off / blockSize
	lastBlock := (off + int64(len(p)) - 1) / blockSize
	buf := make([]byte, (lastBlock-firstBlock+1)*blockSize)
	for i := int64(0); i <= lastBlock-firstBlock; i++ {
		if err := h.eng.store.ReadBlock(base+firstBlock+i, buf[i*blockSize:(i+1)*blockSize]); err != nil {
			return err
		}
	}
	copy(buf[off-firstBlock*blockSize:], p)
	for i := int64(0); i <= lastBlock-firstBlock; i++ {
		if err := h.eng.store.WriteBlock(base+firstBlock+i, buf[i*blockSize:(i+1)*blockSize]); err != nil {
			return err
		}
	}
	return nil
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
	if n > 0 {
		if err := h.readRaw(h.pos, p[:n]); err != nil {
			return 0, err
		}
	}
	h.pos += n
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (h *fileHandle) Write(p []byte) (int, error) {
	if !h.rw {
		return 0, fmt.Errorf("legacyfs: %w", vfs.ErrReadOnly)
	}
	end := h.pos + int64(len(p))
	if end > 1<<32-1 {
		return 0, fmt.Errorf("legacyfs: fork would exceed 4 GiB: %w", vfs.ErrFileTooLarge)
	}
	if err := h.ensureCapacity(end); err != nil {
		return 0, err
	}
	if len(p) > 0 {
		if err := h.writeRaw(h.pos, p); err != nil {
			return 0, err
		}
	}
	h.pos += int64(len(p))
	if h.pos > h.logicalLen() {
		h.setLogicalLen(h.pos)
	}
	return len(p), nil
}

// ensureCapacity grows the fork's single extent to cover byte offset
// end, reallocating the whole run when the current one is too small
// (spec.md §4.6's thin-variant scope; see mfs.go's doc comment).
func (h *fileHandle) ensureCapacity(end int64) error {
	x := h.ext()
	needBlocks := int((end + blockSize - 1) / blockSize)
	if int(x.blocks) >= needBlocks {
		return nil
	}
	oldBlocks := int(x.blocks)
	oldStart := x.start
	newStart, err := h.eng.allocRun(needBlocks)
	if err != nil {
		return err
	}
	if oldBlocks > 0 {
		buf := make([]byte, oldBlocks*blockSize)
		oldBase := h.eng.ablkToLogical(oldStart)
		for i := 0; i < oldBlocks; i++ {
			if err := h.eng.store.ReadBlock(oldBase+int64(i), buf[i*blockSize:(i+1)*blockSize]); err != nil {
				return err
			}
		}
		newBase := h.eng.ablkToLogical(uint16(newStart))
		for i := 0; i < oldBlocks; i++ {
			if err := h.eng.store.WriteBlock(newBase+int64(i), buf[i*blockSize:(i+1)*blockSize]); err != nil {
				return err
			}
		}
		h.eng.freeExtent(extent{start: oldStart, blocks: uint16(oldBlocks)})
	}
	x.start = uint16(newStart)
	x.blocks = uint16(needBlocks)
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
		return 0, fmt.Errorf("legacyfs: sparse seek whences are not supported by this format: %w", vfs.ErrNotSupported)
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, fmt.Errorf("legacyfs: negative seek position: %w", vfs.ErrOutOfRange)
	}
	h.pos = newPos
	return h.pos, nil
}

// SetLen implements truncate/grow. Shrinking a contiguous extent is
// simply freeing its trailing blocks; growing follows the same
// reallocate-whole-run path as Write.
func (h *fileHandle) SetLen(n int64) error {
	if !h.rw {
		return fmt.Errorf("legacyfs: %w", vfs.ErrReadOnly)
	}
	if n < 0 {
		return fmt.Errorf("legacyfs: negative length: %w", vfs.ErrOutOfRange)
	}
	x := h.ext()
	needBlocks := int((n + blockSize - 1) / blockSize)
	if needBlocks < int(x.blocks) {
		for i := needBlocks; i < int(x.blocks); i++ {
			h.eng.bitmap.Free(int(x.start) + i)
		}
		x.blocks = uint16(needBlocks)
		if needBlocks == 0 {
			x.start = 0
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

// Flush writes the physical length back into the directory entry and
// persists the whole directory + MDB.
func (h *fileHandle) Flush() error {
	x := h.ext()
	physLen := uint32(int(x.blocks)) * h.eng.m.AlBlkSiz
	if h.isRsrc {
		h.fi.ent.RsrcStart = x.start
		h.fi.ent.RsrcPLen = physLen
	} else {
		h.fi.ent.DataStart = x.start
		h.fi.ent.DataPLen = physLen
	}
	h.entry.Sizes = dirtree.Sizes{
		DataLen:    int64(h.fi.ent.DataLLen),
		RsrcLen:    int64(h.fi.ent.RsrcLLen),
		StorageLen: int64(h.fi.ent.DataPLen) + int64(h.fi.ent.RsrcPLen),
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
