// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package dosfs

import (
	"fmt"

	vfs "github.com/elliotnunn/vintagefs"
)

// fileRecord is the live, mutable state backing one catalog slot: the
// parsed FileDesc plus its track/sector-list chain, lazily loaded.
type fileRecord struct {
	eng *Engine

	desc FileDesc

	catTrack, catSector byte
	slotIndex           int

	damaged bool
	dubious bool

	chain     []TrackSector     // location of each T/S-list sector, in order
	lists     []TrackSectorList // parsed contents, aligned with chain
	loaded    bool
	listDirty map[int]bool // index into chain/lists
}

// loadChain walks the T/S-list chain starting at desc.TSListTrack/Sector,
// capped at maxTSListChain sectors (spec.md §4.7).
func (r *fileRecord) loadChain() error {
	if r.loaded {
		return nil
	}
	r.listDirty = make(map[int]bool)
	t, s := r.desc.TSListTrack, r.desc.TSListSector
	for (t != 0 || s != 0) && len(r.chain) < maxTSListChain {
		buf, err := r.eng.readSector(int(t), int(s))
		if err != nil {
			r.damaged = true
			return fmt.Errorf("dosfs: reading T/S list (%d,%d): %w", t, s, err)
		}
		var l TrackSectorList
		if err := l.FromBytes(buf); err != nil {
			r.damaged = true
			return err
		}
		r.chain = append(r.chain, TrackSector{t, s})
		r.lists = append(r.lists, l)
		t, s = l.NextTrack, l.NextSector
	}
	if t != 0 || s != 0 {
		r.dubious = true
		r.eng.notef("track/sector list for %q exceeds %d sectors; chain truncated", r.desc.NameString(), maxTSListChain)
	}
	r.loaded = true
	return nil
}

// entryFor returns the chain index and within-list slot for a given
// data-sector index. It only computes the position; it does not grow the
// chain or check that the list exists.
func (r *fileRecord) entryFor(dataSectorIdx int) (listIdx, slot int) {
	return dataSectorIdx / trackSectorListMax, dataSectorIdx % trackSectorListMax
}

// sectorAt returns the (track,sector) for data-sector index idx, or the
// zero value if idx is sparse or past the end of the chain.
func (r *fileRecord) sectorAt(idx int) (TrackSector, bool) {
	listIdx, slot := r.entryFor(idx)
	if listIdx >= len(r.lists) {
		return TrackSector{}, false
	}
	return r.lists[listIdx].Entries[slot], true
}

// readSpan reads len(buf) bytes starting at diskOff (a byte offset into
// the file's raw 256-byte-per-sector stream). Sparse sectors read back
// as zeroes (spec.md §4.7 sparse seek).
func (r *fileRecord) readSpan(diskOff int64, buf []byte) (int, error) {
	if err := r.loadChain(); err != nil {
		return 0, err
	}
	total := 0
	for total < len(buf) {
		abs := diskOff + int64(total)
		sectorIdx := int(abs / sectorSize)
		inSector := int(abs % sectorSize)
		ts, ok := r.sectorAt(sectorIdx)
		n := sectorSize - inSector
		if n > len(buf)-total {
			n = len(buf) - total
		}
		if !ok || ts.IsZero() {
			for i := 0; i < n; i++ {
				buf[total+i] = 0
			}
		} else {
			sec, err := r.eng.readSector(int(ts.Track), int(ts.Sector))
			if err != nil {
				return total, err
			}
			copy(buf[total:total+n], sec[inSector:inSector+n])
		}
		total += n
	}
	return total, nil
}

// writeSpan writes len(buf) bytes starting at diskOff, allocating data
// sectors and list sectors as needed (spec.md §4.7 growth). On
// allocation failure mid-grow, every sector allocated during this call
// is freed before returning, via the allocator's transaction log.
func (r *fileRecord) writeSpan(diskOff int64, buf []byte) (n int, err error) {
	if err := r.loadChain(); err != nil {
		return 0, err
	}
	if err := r.eng.alloc.Begin(); err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			r.eng.alloc.Abort()
		}
	}()

	total := 0
	for total < len(buf) {
		abs := diskOff + int64(total)
		sectorIdx := int(abs / sectorSize)
		inSector := int(abs % sectorSize)
		chunkLen := sectorSize - inSector
		if chunkLen > len(buf)-total {
			chunkLen = len(buf) - total
		}

		if err := r.ensureListSector(r.entryFor(sectorIdx)); err != nil {
			return total, err
		}
		listIdx, slot := r.entryFor(sectorIdx)
		ts := r.lists[listIdx].Entries[slot]
		if ts.IsZero() {
			track, sector, aerr := r.eng.alloc.Alloc()
			if aerr != nil {
				return total, fmt.Errorf("dosfs: %w", vfs.ErrDiskFull)
			}
			ts = TrackSector{byte(track), byte(sector)}
			r.lists[listIdx].Entries[slot] = ts
			r.listDirty[listIdx] = true
		}

		sec, rerr := r.eng.readSector(int(ts.Track), int(ts.Sector))
		if rerr != nil {
			return total, rerr
		}
		copy(sec[inSector:inSector+chunkLen], buf[total:total+chunkLen])
		if werr := r.eng.writeSector(int(ts.Track), int(ts.Sector), sec); werr != nil {
			return total, werr
		}
		total += chunkLen
	}

	if needed := r.highestDataSectorIndex() + 1; needed > int(r.desc.SectorCount) {
		r.desc.SectorCount = uint16(needed)
	}

	if err := r.eng.alloc.Commit(); err != nil {
		return total, err
	}
	committed = true
	return total, nil
}

// highestDataSectorIndex scans the loaded chain for the highest
// allocated (non-sparse) data-sector index.
func (r *fileRecord) highestDataSectorIndex() int {
	highest := -1
	for li, l := range r.lists {
		for si, ts := range l.Entries {
			if !ts.IsZero() {
				idx := li*trackSectorListMax + si
				if idx > highest {
					highest = idx
				}
			}
		}
	}
	return highest
}

// ensureListSector grows the in-memory chain (allocating new T/S-list
// sectors on disk as needed) so that chain[listIdx] exists.
func (r *fileRecord) ensureListSector(listIdx, _ int) error {
	for len(r.chain) <= listIdx {
		track, sector, err := r.eng.alloc.Alloc()
		if err != nil {
			return fmt.Errorf("dosfs: %w", vfs.ErrDiskFull)
		}
		newChainIdx := len(r.chain)
		if newChainIdx > 0 {
			prev := &r.lists[newChainIdx-1]
			prev.NextTrack = byte(track)
			prev.NextSector = byte(sector)
			r.listDirty[newChainIdx-1] = true
		} else {
			r.desc.TSListTrack = byte(track)
			r.desc.TSListSector = byte(sector)
		}
		r.chain = append(r.chain, TrackSector{byte(track), byte(sector)})
		r.lists = append(r.lists, TrackSectorList{SectorOffset: uint16(newChainIdx * trackSectorListMax)})
		r.listDirty[newChainIdx] = true
	}
	return nil
}

// truncate implements spec.md §4.7 set_length: walk the chain, free
// sectors past newLen, cut the chain at the last retained list, and free
// any list sectors that become empty.
func (r *fileRecord) truncate(newLen int64) error {
	if err := r.loadChain(); err != nil {
		return err
	}
	keepSectors := int((newLen + sectorSize - 1) / sectorSize)

	if err := r.eng.alloc.Begin(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			r.eng.alloc.Abort()
		}
	}()

	for li := range r.lists {
		for si := range r.lists[li].Entries {
			idx := li*trackSectorListMax + si
			ts := r.lists[li].Entries[si]
			if idx >= keepSectors && !ts.IsZero() {
				if err := r.eng.alloc.Free(int(ts.Track), int(ts.Sector)); err != nil {
					return err
				}
				r.lists[li].Entries[si] = TrackSector{}
				r.listDirty[li] = true
			}
		}
	}

	keepLists := (keepSectors + trackSectorListMax - 1) / trackSectorListMax
	if keepSectors == 0 {
		keepLists = 0
	}
	for li := keepLists; li < len(r.chain); li++ {
		ts := r.chain[li]
		if err := r.eng.alloc.Free(int(ts.Track), int(ts.Sector)); err != nil {
			return err
		}
	}
	if keepLists < len(r.chain) {
		r.chain = r.chain[:keepLists]
		r.lists = r.lists[:keepLists]
		if keepLists > 0 {
			r.lists[keepLists-1].NextTrack = 0
			r.lists[keepLists-1].NextSector = 0
			r.listDirty[keepLists-1] = true
		} else {
			r.desc.TSListTrack = 0
			r.desc.TSListSector = 0
		}
	}

	r.desc.SectorCount = uint16(keepSectors)

	if err := r.eng.alloc.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// flush writes dirty list sectors, the catalog slot, and the VTOC
// bitmap back to the store.
func (r *fileRecord) flush() error {
	for li, dirty := range r.listDirty {
		if !dirty || li >= len(r.lists) {
			continue
		}
		ts := r.chain[li]
		if err := r.eng.writeSector(int(ts.Track), int(ts.Sector), r.lists[li].ToBytes()); err != nil {
			return err
		}
		r.listDirty[li] = false
	}
	if err := r.eng.writeCatalogSlot(r.catTrack, r.catSector, r.slotIndex, r.desc); err != nil {
		return err
	}
	return r.eng.flushVTOC()
}
