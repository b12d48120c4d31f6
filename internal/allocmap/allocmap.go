// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package allocmap implements the per-format free/used bitmap with
// transactional alloc/free described in spec.md §3–§4.3 (component C3,
// "AllocMap"). The bitmap itself — a packed array of words with an
// inline fast path for small maps — is adapted from the teacher's
// internal/spinner bitmap, which solved the identical "which of N
// fixed-size units is free" problem for its block cache's eviction set;
// here the same shape tracks disk alloc-units (DOS sectors, HFS
// allocation blocks, ProDOS blocks) instead of cached byte ranges, and
// gains the transactional undo log spec.md §4.3 requires.
package allocmap

import (
	"errors"
	"math/bits"

	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

var (
	// ErrDiskFull is returned by Alloc when no free unit satisfies the request.
	ErrDiskFull = errors.New("allocmap: no free alloc unit")
	// ErrNestedTransaction is returned by Begin when a transaction is already open.
	ErrNestedTransaction = errors.New("allocmap: nested transaction not allowed")
	// ErrNoTransaction is returned by Commit/Abort when none is open.
	ErrNoTransaction = errors.New("allocmap: no open transaction")
)

type undoRecord struct {
	unit       int
	priorState bool // true = was in use
	priorOwner volumeusage.Owner
	hadOwner   bool
}

// Map is a bitmap of alloc-units, one bit per unit, "in use" per the
// owning format's semantics (spec.md §3: "in-use" semantics are
// per-format — DOS and ProDOS treat a bit of 1 as free, HFS treats a bit
// of 1 as in-use; Map always stores true==in-use and leaves inversion to
// the engine's (de)serialization code).
type Map struct {
	size    int
	data    []uint
	inline  [1]uint
	nfree   int
	floor   int // alloc() never returns a unit below this (engines restricting to >= first writable unit)
	undo    []undoRecord
	inTxn   bool
	dirty   bool
}

// New creates a Map with size alloc-units, all initially free, honoring
// an optional floor (the lowest unit Alloc may return).
func New(size, floor int) *Map {
	m := &Map{size: size, nfree: size, floor: floor}
	if size > bits.UintSize {
		m.data = make([]uint, (size+bits.UintSize-1)/bits.UintSize)
	}
	return m
}

func (m *Map) words() []uint {
	if m.data != nil {
		return m.data
	}
	return m.inline[:]
}

func (m *Map) bit(idx int) bool {
	w := m.words()
	mask := uint(1) << (idx % bits.UintSize)
	return w[idx/bits.UintSize]&mask != 0
}

func (m *Map) setBit(idx int, v bool) (changed bool) {
	w := m.words()
	mask := uint(1) << (idx % bits.UintSize)
	was := w[idx/bits.UintSize]&mask != 0
	if v {
		w[idx/bits.UintSize] |= mask
	} else {
		w[idx/bits.UintSize] &^= mask
	}
	return was != v
}

// IsFree reports whether unit is free.
func (m *Map) IsFree(unit int) bool {
	if unit < 0 || unit >= m.size {
		return false
	}
	return !m.bit(unit)
}

// CountFree returns the number of free units.
func (m *Map) CountFree() int { return m.nfree }

// Size returns the total number of alloc-units.
func (m *Map) Size() int { return m.size }

// recordUndo appends an undo record if a transaction is open.
func (m *Map) recordUndo(unit int, priorState bool) {
	if m.inTxn {
		m.undo = append(m.undo, undoRecord{unit: unit, priorState: priorState})
	}
}

// Alloc finds the lowest-numbered free unit at or above floor and marks
// it in use (spec.md §4.3, "lowest-numbered free unit"). Inside an open
// transaction this appends an undo record.
func (m *Map) Alloc() (int, error) {
	for idx := m.floor; idx < m.size; idx++ {
		if !m.bit(idx) {
			m.recordUndo(idx, false)
			m.setBit(idx, true)
			m.nfree--
			m.dirty = true
			return idx, nil
		}
	}
	return 0, ErrDiskFull
}

// Free releases unit back to the pool.
func (m *Map) Free(unit int) error {
	if unit < 0 || unit >= m.size {
		return errOutOfRange
	}
	if !m.bit(unit) {
		return nil // already free; idempotent, matches §4.3 free() semantics used by truncation paths
	}
	m.recordUndo(unit, true)
	m.setBit(unit, false)
	m.nfree++
	m.dirty = true
	return nil
}

var errOutOfRange = errors.New("allocmap: unit out of range")

// Begin opens a transaction. Only one may be open at a time (spec.md §4.3).
func (m *Map) Begin() error {
	if m.inTxn {
		return ErrNestedTransaction
	}
	m.inTxn = true
	m.undo = m.undo[:0]
	return nil
}

// Commit closes the open transaction, discarding its undo log.
func (m *Map) Commit() error {
	if !m.inTxn {
		return ErrNoTransaction
	}
	m.inTxn = false
	m.undo = nil
	return nil
}

// Abort closes the open transaction, replaying its undo log in reverse
// (LIFO) so that the post-state equals the pre-state of the transaction,
// per spec.md §4.3 and the testable property in spec.md §8.
func (m *Map) Abort() error {
	if !m.inTxn {
		return ErrNoTransaction
	}
	for i := len(m.undo) - 1; i >= 0; i-- {
		rec := m.undo[i]
		wasFree := !rec.priorState
		nowFree := !m.bit(rec.unit)
		if wasFree != nowFree {
			m.setBit(rec.unit, rec.priorState)
			if wasFree {
				m.nfree++
			} else {
				m.nfree--
			}
		}
	}
	m.inTxn = false
	m.undo = nil
	return nil
}

// Dirty reports whether the bitmap has changed since the last call to
// ClearDirty, so Flush can skip writing an unchanged bitmap. The flag
// covers the whole map; it does not say which units or blocks changed.
func (m *Map) Dirty() bool { return m.dirty }

// ClearDirty marks the map as flushed.
func (m *Map) ClearDirty() { m.dirty = false }

// Snapshot returns a defensive copy of the underlying words, useful for
// serializing into an engine-specific on-disk bitmap layout.
func (m *Map) Snapshot() []uint {
	out := make([]uint, len(m.words()))
	copy(out, m.words())
	return out
}

// MarkUsed directly sets unit's state to in-use, outside any
// transaction. Used by format/layout code that must reserve specific
// units (VTOC, catalog, MDB) before any transactional allocation begins;
// ordinary allocation should go through Alloc instead.
func (m *Map) MarkUsed(unit int) error {
	if unit < 0 || unit >= m.size {
		return errOutOfRange
	}
	if m.setBit(unit, true) {
		m.nfree--
		m.dirty = true
	}
	return nil
}

// Load replaces the bitmap contents (e.g. immediately after parsing an
// on-disk VTOC/MDB/volume bitmap) and recomputes the free count.
func (m *Map) Load(bits_ func(unit int) bool) {
	w := m.words()
	for i := range w {
		w[i] = 0
	}
	m.nfree = 0
	for idx := 0; idx < m.size; idx++ {
		if bits_(idx) {
			w[idx/bits.UintSize] |= 1 << (idx % bits.UintSize)
		} else {
			m.nfree++
		}
	}
}
