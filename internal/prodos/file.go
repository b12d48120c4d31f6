// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package prodos

import (
	"io"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
)

// fileState is the per-descriptor lifecycle from spec.md §4.7, shared in
// spirit with internal/dosfs/file.go's fileHandle.
type fileState int

const (
	stateOpen fileState = iota
	stateClosed
)

// fileHandle is the Descriptor implementation for a ProDOS fork. Unlike
// DOS, ProDOS stores the logical EOF directly (no embedded length word
// to cook/recalculate), so this is considerably simpler than dosfs's
// fileHandle.
type fileHandle struct {
	rec    *fileRecord
	entry  *dirtree.Entry
	isRsrc bool
	rw     bool
	pos    int64
	state  fileState
}

func newFileHandle(rec *fileRecord, entry *dirtree.Entry, rw bool, isRsrc bool) (*fileHandle, error) {
	if rec.damaged {
		return nil, vfs.ErrDamaged
	}
	if rw && rec.dubious {
		return nil, vfs.ErrDamaged
	}
	if isRsrc && rec.rsrc == nil {
		return nil, vfs.ErrNotSupported
	}
	return &fileHandle{rec: rec, entry: entry, isRsrc: isRsrc, rw: rw, state: stateOpen}, nil
}

func (h *fileHandle) storage() *storage {
	if h.isRsrc {
		return h.rec.rsrc
	}
	return h.rec.data
}

func (h *fileHandle) eof() int64 {
	if h.isRsrc {
		return h.rec.rsrcEOF()
	}
	return h.rec.dataEOF()
}

func (h *fileHandle) Read(p []byte) (int, error) {
	eof := h.eof()
	if h.pos >= eof {
		return 0, io.EOF
	}
	if h.pos+int64(len(p)) > eof {
		p = p[:eof-h.pos]
	}
	if err := h.storage().readAt(h.pos, p); err != nil {
		return 0, err
	}
	h.pos += int64(len(p))
	if h.pos >= eof {
		return len(p), io.EOF
	}
	return len(p), nil
}

func (h *fileHandle) Write(p []byte) (int, error) {
	if !h.rw {
		return 0, vfs.ErrReadOnly
	}
	if err := h.storage().writeAt(h.pos, p); err != nil {
		return 0, err
	}
	h.pos += int64(len(p))
	if h.pos > h.eof() {
		if err := h.rec.setEOF(h.isRsrc, h.pos); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (h *fileHandle) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case vfs.SeekNextData, vfs.SeekNextHole:
		return 0, vfs.ErrNotSupported
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		base = h.eof()
	default:
		return 0, vfs.ErrOutOfRange
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, vfs.ErrOutOfRange
	}
	h.pos = newPos
	return h.pos, nil
}

// SetLen implements spec.md §4.7 truncation/growth: shrinking trims and
// frees trailing blocks, growing only updates the logical EOF (actual
// blocks materialize lazily on write, matching dosfs's sparse-seek law).
func (h *fileHandle) SetLen(n int64) error {
	if !h.rw {
		return vfs.ErrReadOnly
	}
	if n < h.eof() {
		keepBlocks := int((n + blockSize - 1) / blockSize)
		if err := h.storage().trim(keepBlocks); err != nil {
			return err
		}
	}
	return h.rec.setEOF(h.isRsrc, n)
}

// Flush writes the updated directory entry and refreshes the cached
// dirtree.Entry sizes, per the same "flush updates both the on-disk
// record and the live tree node" idiom as internal/hfs/file.go's
// fileHandle.Flush.
func (h *fileHandle) Flush() error {
	if err := h.rec.flush(); err != nil {
		return err
	}
	if h.entry != nil {
		h.entry.Sizes = dirtree.Sizes{
			DataLen:    h.rec.dataEOF(),
			RsrcLen:    h.rec.rsrcEOF(),
			StorageLen: int64(h.rec.entry.BlocksUsed) * blockSize,
		}
	}
	return nil
}

func (h *fileHandle) Close() error {
	if h.state == stateClosed {
		return nil
	}
	err := h.Flush()
	h.state = stateClosed
	return err
}
