// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package dosfs

import (
	"bytes"
	"fmt"
	"io"

	vfs "github.com/elliotnunn/vintagefs"
)

// OpenCooking selects raw vs. cooked interpretation of a file's bytes,
// per spec.md §4.7.
type OpenCooking int

const (
	Cooked OpenCooking = iota
	Raw
)

// fileState is the per-descriptor state machine from spec.md §4.7:
// New → Open(mode) → Flushed → Closed.
type fileState int

const (
	stateNew fileState = iota
	stateOpen
	stateFlushed
	stateClosed
)

// fileHandle is the Descriptor implementation for a DOS file.
type fileHandle struct {
	rec     *fileRecord
	rw      bool
	cooking OpenCooking
	pos     int64
	state   fileState

	// cookedLen caches the data length derived per spec.md §4.7's
	// per-type rule. -1 means "needs recalc" (after a write that could
	// have changed it).
	cookedLen int64
}

func newFileHandle(rec *fileRecord, rw bool, cooking OpenCooking) (*fileHandle, error) {
	if rec.damaged {
		return nil, fmt.Errorf("dosfs: %w", vfs.ErrDamaged)
	}
	if rw && rec.dubious {
		return nil, fmt.Errorf("dosfs: dubious file cannot open RW: %w", vfs.ErrDamaged)
	}
	h := &fileHandle{rec: rec, rw: rw, cooking: cooking, state: stateOpen, cookedLen: -1}
	return h, nil
}

// rawLen is sectors_used * 256, per spec.md §4.7.
func (h *fileHandle) rawLen() int64 {
	return int64(h.rec.desc.SectorCount) * sectorSize
}

// headerLen implements the per-type embedded-length rule from spec.md
// §4.7: the number of header bytes that precede the data in cooked mode.
func (h *fileHandle) headerLen() int64 {
	switch h.rec.desc.Type.Base() {
	case FiletypeInteger, FiletypeApplesoft:
		return 2
	case FiletypeBinary:
		return 4
	default:
		return 0
	}
}

// length returns the logical data length for the descriptor's current
// cooking mode, computing and caching it if necessary.
func (h *fileHandle) length() (int64, error) {
	if h.cooking == Raw {
		return h.rawLen(), nil
	}
	if h.cookedLen >= 0 {
		return h.cookedLen, nil
	}
	// The header-word reads below go straight through rec.readSpan at raw
	// disk offsets rather than through h.readAt, which itself calls
	// length() to bound the read — going through readAt here would
	// recurse before cookedLen is ever assigned.
	t := h.rec.desc.Type.Base()
	switch t {
	case FiletypeInteger, FiletypeApplesoft:
		buf := make([]byte, 2)
		if _, err := h.rec.readSpan(0, buf); err != nil && err != io.EOF {
			return 0, err
		}
		h.cookedLen = int64(buf[0]) | int64(buf[1])<<8
	case FiletypeBinary:
		buf := make([]byte, 4)
		if _, err := h.rec.readSpan(0, buf); err != nil && err != io.EOF {
			return 0, err
		}
		h.cookedLen = int64(buf[2]) | int64(buf[3])<<8
	case FiletypeText:
		// Scan the raw stream sector by sector for the first NUL; with no
		// NUL anywhere the length is the raw length.
		buf := make([]byte, sectorSize)
		raw := h.rawLen()
		idx := raw
		for off := int64(0); off < raw && idx == raw; off += sectorSize {
			n, err := h.rec.readSpan(off, buf)
			if err != nil && err != io.EOF {
				return 0, err
			}
			if i := bytes.IndexByte(buf[:n], 0x00); i >= 0 {
				idx = off + int64(i)
			}
		}
		h.cookedLen = idx
	default: // S, A+, B+: raw length
		h.cookedLen = h.rawLen()
	}
	return h.cookedLen, nil
}

// invalidateLength marks the cooked length as needing recalculation,
// per spec.md §4.7 ("a modification marks the length 'needs recalc'").
func (h *fileHandle) invalidateLength() { h.cookedLen = -1 }

func (h *fileHandle) Read(p []byte) (int, error) {
	n, err := h.readAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

// readAt reads starting at a logical offset within the cooked/raw view
// (i.e. already past the header for I/A/B types).
func (h *fileHandle) readAt(p []byte, off int64) (int, error) {
	length, err := h.length()
	if err != nil {
		return 0, err
	}
	if off >= length {
		return 0, io.EOF
	}
	if off+int64(len(p)) > length {
		p = p[:length-off]
	}
	diskOff := off + h.headerLenIfCooked()
	n, err := h.rec.readSpan(diskOff, p)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (h *fileHandle) headerLenIfCooked() int64 {
	if h.cooking == Raw {
		return 0
	}
	return h.headerLen()
}

func (h *fileHandle) Write(p []byte) (int, error) {
	if !h.rw {
		return 0, vfs.ErrReadOnly
	}
	// Writes address the file's bytes from its first byte in both modes,
	// so a cooked write at offset 0 carries the I/A/B length header itself.
	n, err := h.rec.writeSpan(h.pos, p)
	if err != nil {
		return n, err
	}
	h.pos += int64(n)
	h.invalidateLength()
	return n, nil
}

func (h *fileHandle) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		l, err := h.length()
		if err != nil {
			return 0, err
		}
		base = l
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

// SetLen implements spec.md §4.7 truncation/growth. Shrinking frees
// trailing sectors and list sectors that become empty; growing is
// lazy — actual sectors are allocated on write (sparse seek).
func (h *fileHandle) SetLen(n int64) error {
	if !h.rw {
		return vfs.ErrReadOnly
	}
	if err := h.rec.truncate(n + h.headerLenIfCooked()); err != nil {
		return err
	}
	h.invalidateLength()
	return nil
}

// Flush writes the embedded length word for I/A/B cooked files on
// close, per spec.md §4.7.
func (h *fileHandle) Flush() error {
	if !h.rw {
		return nil
	}
	if h.cooking == Cooked {
		switch h.rec.desc.Type.Base() {
		case FiletypeInteger, FiletypeApplesoft:
			l, err := h.length()
			if err != nil {
				return err
			}
			buf := []byte{byte(l), byte(l >> 8)}
			if _, err := h.rec.writeSpan(0, buf); err != nil {
				return err
			}
		case FiletypeBinary:
			l, err := h.length()
			if err != nil {
				return err
			}
			buf := []byte{byte(l), byte(l >> 8)}
			if _, err := h.rec.writeSpan(2, buf); err != nil {
				return err
			}
		}
	}
	h.state = stateFlushed
	return h.rec.flush()
}

func (h *fileHandle) Close() error {
	if h.state == stateClosed {
		return nil
	}
	err := h.Flush()
	h.state = stateClosed
	return err
}
