// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package probe

import (
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/dosfs"
)

// maxCatalogSectors caps the catalog walk, mirroring dosfs.Engine's own
// 31-sector chain cap (spec.md §4.7).
const maxCatalogSectors = 31

// DOS implements the DOS 3.2/3.3 half of spec.md §4.4's scoring table:
// walk the catalog chain from the VTOC, scoring +2 per descending
// sector link and +1 otherwise, rejecting outright on any invalid
// track/sector pointer.
func DOS(store chunkstore.Store) (Confidence, error) {
	geom := store.Geometry()
	if geom.Tracks == 0 || geom.SectorsPerTrack == 0 {
		return No, nil
	}

	vtocBuf := make([]byte, chunkstore.SectorSize)
	if err := store.ReadSector(17, 0, vtocBuf); err != nil {
		return No, nil
	}
	var vtoc dosfs.VTOC
	if err := vtoc.FromBytes(vtocBuf); err != nil {
		return No, nil
	}

	t, s := int(vtoc.CatalogTrack), int(vtoc.CatalogSector)
	if t >= geom.Tracks || s >= geom.SectorsPerTrack {
		return No, nil
	}

	score := 0
	prevSector := s
	seen := make(map[[2]int]bool)
	for i := 0; i < maxCatalogSectors; i++ {
		if t == 0 && s == 0 {
			break
		}
		if t < 0 || t >= geom.Tracks || s < 0 || s >= geom.SectorsPerTrack {
			return No, nil
		}
		key := [2]int{t, s}
		if seen[key] {
			break
		}
		seen[key] = true

		buf := make([]byte, chunkstore.SectorSize)
		if err := store.ReadSector(t, s, buf); err != nil {
			return No, nil
		}
		var cs dosfs.CatalogSector
		if err := cs.FromBytes(buf); err != nil {
			return No, nil
		}

		if int(cs.NextSector) < prevSector {
			score += 2
		} else {
			score += 1
		}
		prevSector = int(cs.NextSector)
		t, s = int(cs.NextTrack), int(cs.NextSector)
	}

	switch {
	case score >= 29:
		return Yes, nil
	case score >= 11:
		return Good, nil
	case score >= 2:
		return Maybe, nil
	case score >= 1:
		return Barely, nil
	default:
		return No, nil
	}
}
