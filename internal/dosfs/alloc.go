// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package dosfs

import "github.com/elliotnunn/vintagefs/internal/allocmap"

// allocator wraps an allocmap.Map, translating between (track, sector)
// coordinates and the linear "priority units" allocmap.Alloc walks in
// ascending order. Priority unit 0 is allocated first, so the track
// ordering below IS the allocation order: spec.md §4.7 calls for
// searching "outward from track 17", the same strategy DOS 3.3 itself
// uses so that file data and the VTOC/catalog (both anchored at track
// 17) stay close together on the disk.
type allocator struct {
	geom        Geometry
	trackOrder  []int // trackOrder[priorityRank] = track
	trackRank   []int // trackRank[track] = priorityRank
	m           *allocmap.Map
}

func newAllocator(geom Geometry, vtocTrack int) *allocator {
	order := outwardOrder(geom.Tracks, vtocTrack)
	rank := make([]int, geom.Tracks)
	for r, t := range order {
		rank[t] = r
	}
	a := &allocator{
		geom:       geom,
		trackOrder: order,
		trackRank:  rank,
		m:          allocmap.New(geom.Tracks*geom.SectorsPerTrack, 0),
	}
	return a
}

// outwardOrder returns tracks 0..n-1 ordered starting at start and
// alternating outward: start, start+1, start-1, start+2, start-2, ...
func outwardOrder(n, start int) []int {
	order := make([]int, 0, n)
	seen := make([]bool, n)
	add := func(t int) {
		if t >= 0 && t < n && !seen[t] {
			seen[t] = true
			order = append(order, t)
		}
	}
	add(start)
	for d := 1; len(order) < n; d++ {
		add(start + d)
		add(start - d)
	}
	return order
}

func (a *allocator) unit(track, sector int) int {
	return a.trackRank[track]*a.geom.SectorsPerTrack + sector
}

func (a *allocator) coords(unit int) (track, sector int) {
	rank := unit / a.geom.SectorsPerTrack
	sector = unit % a.geom.SectorsPerTrack
	track = a.trackOrder[rank]
	return
}

// IsFree reports whether (track, sector) is free.
func (a *allocator) IsFree(track, sector int) bool {
	return a.m.IsFree(a.unit(track, sector))
}

// Reserve marks (track, sector) in use unconditionally (VTOC, catalog
// during Format layout), bypassing Alloc's "lowest free" search.
func (a *allocator) Reserve(track, sector int) {
	a.m.MarkUsed(a.unit(track, sector))
}

// Alloc returns the next free sector in allocation order.
func (a *allocator) Alloc() (track, sector int, err error) {
	u, err := a.m.Alloc()
	if err != nil {
		return 0, 0, err
	}
	track, sector = a.coords(u)
	return track, sector, nil
}

func (a *allocator) Free(track, sector int) error {
	return a.m.Free(a.unit(track, sector))
}

func (a *allocator) Begin() error { return a.m.Begin() }
func (a *allocator) Commit() error { return a.m.Commit() }
func (a *allocator) Abort() error  { return a.m.Abort() }

func (a *allocator) CountFree() int { return a.m.CountFree() }

// LoadFromVTOC populates the allocator from a parsed VTOC bitmap.
func (a *allocator) LoadFromVTOC(v *VTOC) {
	size := a.geom.Tracks * a.geom.SectorsPerTrack
	a.m.Load(func(unit int) bool {
		if unit >= size {
			return true
		}
		track, sector := a.coords(unit)
		return !v.IsSectorFree(track, sector)
	})
}

// StoreToVTOC writes the allocator's current state back into v's bitmap.
func (a *allocator) StoreToVTOC(v *VTOC) {
	for track := 0; track < a.geom.Tracks && track < len(v.FreeSectors); track++ {
		for sector := 0; sector < 16 && sector < a.geom.SectorsPerTrack; sector++ {
			v.SetSectorFree(track, sector, a.IsFree(track, sector))
		}
	}
}
